package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/voicebridge/src/audio"
	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/observability"
	"github.com/square-key-labs/voicebridge/src/serializers"
	"github.com/square-key-labs/voicebridge/src/services"
)

// maxPendingChunks caps how much pre-start media is held per stream.
const maxPendingChunks = 256

// tombstoneTTL bounds how long a stopped stream id keeps rejecting late
// frames before it is forgotten.
const tombstoneTTL = time.Minute

// Config wires the registry's collaborators.
type Config struct {
	Thresholds  audio.ActivityThresholds
	Pipeline    services.UtterancePipeline
	Synthesizer services.SpeechSynthesizer
	Events      services.EventHook
	Booking     services.BookingFlowFactory
	Metrics     *observability.Metrics
	Log         *logger.Logger
	Context     context.Context

	// WelcomeLine is spoken as soon as a stream starts.
	WelcomeLine string

	// Pacing and Now are test hooks passed through to sessions.
	Pacing time.Duration
	Now    func() time.Time
}

// Registry is the process-wide map from stream identifier to session state.
// Sessions for different streams are fully independent; the registry map is
// the only cross-stream shared structure.
type Registry struct {
	cfg Config
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string][]inboundChunk
	stopped  map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if !cfg.Thresholds.Valid() {
		cfg.Thresholds = audio.DefaultActivityThresholds()
	}
	if cfg.Events == nil {
		cfg.Events = services.NopHook{}
	}
	if cfg.Log == nil {
		cfg.Log = logger.WithPrefix("Gateway")
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Log,
		sessions: make(map[string]*Session),
		pending:  make(map[string][]inboundChunk),
		stopped:  make(map[string]time.Time),
	}
}

// HandleStart creates the session for a newly announced stream, hands it
// any media held in the pending queue, and starts the welcome playback.
func (r *Registry) HandleStart(transport MediaTransport, start *serializers.Start) {
	if start == nil || start.StreamSid == "" {
		r.log.Warn("start event missing stream sid, dropped")
		return
	}

	assistantKey := customParam(start, "assistantType", "assistant")
	callerNumber := customParam(start, "callerNumber", "phoneNumber", "from")

	session := NewSession(SessionConfig{
		StreamID:     start.StreamSid,
		CallID:       start.CallSid,
		AssistantKey: assistantKey,
		CallerNumber: callerNumber,
		Transport:    transport,
		Thresholds:   r.cfg.Thresholds,
		Pipeline:     r.cfg.Pipeline,
		Synthesizer:  r.cfg.Synthesizer,
		Events:       r.cfg.Events,
		Booking:      r.cfg.Booking,
		Metrics:      r.cfg.Metrics,
		Log:          r.log,
		Context:      r.cfg.Context,
		Pacing:       r.cfg.Pacing,
		Now:          r.cfg.Now,
	})

	r.mu.Lock()
	if old, exists := r.sessions[start.StreamSid]; exists {
		// Provider re-announced a live stream; replace the stale session.
		r.mu.Unlock()
		r.log.Warn("duplicate start for stream %s, replacing session", start.StreamSid)
		old.Close("replaced")
		r.mu.Lock()
	}
	r.sessions[start.StreamSid] = session
	initial := r.pending[start.StreamSid]
	delete(r.pending, start.StreamSid)
	delete(r.stopped, start.StreamSid)
	r.mu.Unlock()

	r.cfg.Metrics.StreamOpened()
	r.log.Info("stream %s started (call %s, caller %q, assistant %q, %d queued chunks)",
		start.StreamSid, start.CallSid, callerNumber, assistantKey, len(initial))

	r.cfg.Events.Emit(services.EventCallStarted, map[string]interface{}{
		"streamId":     start.StreamSid,
		"callId":       start.CallSid,
		"callerNumber": callerNumber,
		"assistantKey": assistantKey,
	})

	session.Begin(r.cfg.WelcomeLine, initial)
}

// HandleMedia dispatches an audio chunk to its session. Chunks arriving
// before the stream's start event are held in the pending queue; chunks for
// streams that already stopped are dropped.
func (r *Registry) HandleMedia(streamID string, seqNum int, payload []byte) {
	r.mu.RLock()
	session, ok := r.sessions[streamID]
	r.mu.RUnlock()
	if ok {
		session.HandleMedia(seqNum, payload)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.stopped[streamID]; gone {
		r.log.Warn("dropping media for stopped stream %s", streamID)
		return
	}
	queue := r.pending[streamID]
	if len(queue) >= maxPendingChunks {
		r.log.Warn("pending queue full for stream %s, dropping chunk %d", streamID, seqNum)
		return
	}
	r.pending[streamID] = append(queue, inboundChunk{seq: seqNum, payload: payload})
}

// HandleMark forwards a playback acknowledgement to its session.
func (r *Registry) HandleMark(streamID, name string) {
	r.mu.RLock()
	session, ok := r.sessions[streamID]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("mark %q for unknown stream %s, dropped", name, streamID)
		return
	}
	session.HandleMark(name)
}

// HandleDTMF forwards a normalized keypad digit to its session.
func (r *Registry) HandleDTMF(streamID string, digit serializers.Digit) {
	r.mu.RLock()
	session, ok := r.sessions[streamID]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("dtmf %s for unknown stream %s, dropped", digit, streamID)
		return
	}
	session.HandleDTMF(digit)
}

// HandleStop tears down the stream's session on the provider's stop event.
func (r *Registry) HandleStop(streamID string) {
	r.mu.Lock()
	session, ok := r.sessions[streamID]
	delete(r.sessions, streamID)
	delete(r.pending, streamID)
	r.stopped[streamID] = time.Now()
	for id, t := range r.stopped {
		if time.Since(t) > tombstoneTTL {
			delete(r.stopped, id)
		}
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("stop for unknown stream %s", streamID)
		return
	}
	session.Close("stop")
	r.cfg.Metrics.StreamClosed()
}

// HandleDisconnect tears down every session owned by a transport whose
// socket dropped.
func (r *Registry) HandleDisconnect(transport MediaTransport) {
	r.mu.Lock()
	var orphans []*Session
	for streamID, session := range r.sessions {
		if session.transport == transport {
			orphans = append(orphans, session)
			delete(r.sessions, streamID)
			r.stopped[streamID] = time.Now()
		}
	}
	r.mu.Unlock()

	for _, session := range orphans {
		session.Close("disconnect")
		r.cfg.Metrics.StreamClosed()
	}
	if len(orphans) > 0 {
		r.log.Info("transport disconnect tore down %d session(s)", len(orphans))
	}
}

// ActiveStreams returns the number of live sessions.
func (r *Registry) ActiveStreams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Session returns the live session for a stream, if any.
func (r *Registry) Session(streamID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[streamID]
	return s, ok
}

func customParam(start *serializers.Start, names ...string) string {
	for _, name := range names {
		if v, ok := start.CustomParameters[name]; ok && v != "" {
			return v
		}
	}
	return ""
}
