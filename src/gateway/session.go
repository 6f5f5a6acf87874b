// Package gateway implements the per-call media stream state machine: audio
// chunk buffering, silence endpointing, barge-in detection, playback
// sequencing with acknowledgement markers, and the registry that owns one
// session per active stream.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/voicebridge/src/audio"
	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/observability"
	"github.com/square-key-labs/voicebridge/src/serializers"
	"github.com/square-key-labs/voicebridge/src/services"
)

// Phase is the state of a stream session.
type Phase int

const (
	// PhaseAwaitingWelcome is the initial phase, before the welcome line has
	// finished playing.
	PhaseAwaitingWelcome Phase = iota
	// PhaseListening buffers inbound audio and watches for an utterance end.
	PhaseListening
	// PhaseProcessingUtterance waits on the pipeline; inbound audio is dropped.
	PhaseProcessingUtterance
	// PhasePlaying streams the assistant's reply and watches for barge-in.
	PhasePlaying
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingWelcome:
		return "awaiting_welcome"
	case PhaseListening:
		return "listening"
	case PhaseProcessingUtterance:
		return "processing_utterance"
	case PhasePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// MediaTransport is the outbound half of the provider socket a session owns.
type MediaTransport interface {
	SendMedia(streamID string, payload []byte, index int, timestampMs int64) error
	SendMark(streamID, name string) error
	SendClear(streamID string) error
}

type inboundChunk struct {
	seq     int
	payload []byte
}

var markCounter uint64

// newMarkName derives a marker token unique per playback attempt, so a
// stale acknowledgement can never be misattributed.
func newMarkName() string {
	return fmt.Sprintf("playback-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&markCounter, 1))
}

// SessionConfig carries everything a session needs at creation.
type SessionConfig struct {
	StreamID     string
	CallID       string
	AssistantKey string
	CallerNumber string

	Transport   MediaTransport
	Thresholds  audio.ActivityThresholds
	Pipeline    services.UtterancePipeline
	Synthesizer services.SpeechSynthesizer
	Events      services.EventHook
	Booking     services.BookingFlowFactory
	Metrics     *observability.Metrics
	Log         *logger.Logger
	Context     context.Context

	// Pacing overrides the sequencer's inter-frame delay. Zero means the
	// real-time default.
	Pacing time.Duration

	// Now overrides the clock. Zero value means time.Now.
	Now func() time.Time
}

// Session is the state machine for one active call/stream. Exported methods
// are safe for concurrent use; the provider read loop, the pipeline callback
// and the playback goroutine all converge here.
type Session struct {
	StreamID     string
	CallID       string
	AssistantKey string
	CallerNumber string
	ThreadID     string

	transport   MediaTransport
	thresholds  audio.ActivityThresholds
	pipeline    services.UtterancePipeline
	synth       services.SpeechSynthesizer
	events      services.EventHook
	bookingFact services.BookingFlowFactory
	seq         *Sequencer
	metrics     *observability.Metrics
	log         *logger.Logger
	ctx         context.Context
	now         func() time.Time

	mu           sync.Mutex
	phase        Phase
	welcomeDone  bool
	welcomeQueue []inboundChunk
	chunks       map[int][]byte // listening buffer, keyed by sequence number
	bargeIn      map[int][]byte // audio captured during playback
	silenceRun   int
	activeRun    int
	loudRun      int
	playbackAt   time.Time
	lastBargeAt  time.Time
	pendingMark  string
	interrupted  bool
	booking      services.BookingFlow
	closed       bool
}

// NewSession creates a session in PhaseAwaitingWelcome. The caller is
// expected to invoke Begin to start the welcome playback.
func NewSession(cfg SessionConfig) *Session {
	if !cfg.Thresholds.Valid() {
		cfg.Thresholds = audio.DefaultActivityThresholds()
	}
	if cfg.Events == nil {
		cfg.Events = services.NopHook{}
	}
	if cfg.Log == nil {
		cfg.Log = logger.WithPrefix("Session")
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		StreamID:     cfg.StreamID,
		CallID:       cfg.CallID,
		AssistantKey: cfg.AssistantKey,
		CallerNumber: cfg.CallerNumber,
		ThreadID:     uuid.NewString(),
		transport:    cfg.Transport,
		thresholds:   cfg.Thresholds,
		pipeline:     cfg.Pipeline,
		synth:        cfg.Synthesizer,
		events:       cfg.Events,
		bookingFact:  cfg.Booking,
		metrics:      cfg.Metrics,
		log:          cfg.Log,
		ctx:          cfg.Context,
		now:          cfg.Now,
		phase:        PhaseAwaitingWelcome,
		chunks:       make(map[int][]byte),
		bargeIn:      make(map[int][]byte),
	}
	s.seq = NewSequencer(cfg.Transport, cfg.StreamID, cfg.Pacing, cfg.Log, cfg.Metrics)
	return s
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Begin starts the welcome playback and enqueues media that arrived before
// the stream's start event. Those chunks are held until the welcome marker
// is acknowledged, then replayed in their original order.
func (s *Session) Begin(welcomeLine string, initial []inboundChunk) {
	for _, c := range initial {
		s.HandleMedia(c.seq, c.payload)
	}

	if welcomeLine == "" {
		s.mu.Lock()
		s.finishWelcomeLocked()
		s.mu.Unlock()
		return
	}

	go func() {
		payload, err := s.synth.Synthesize(s.ctx, welcomeLine)
		if err != nil {
			s.log.Error("welcome synthesis failed on %s: %v", s.StreamID, err)
			// Do not leave the session gated on a welcome that will never
			// play; open it for listening.
			s.mu.Lock()
			s.finishWelcomeLocked()
			s.mu.Unlock()
			return
		}
		s.startPlayback(payload)
	}()
}

// HandleMedia processes one inbound audio chunk. Sequence numbers are
// provider-assigned and may arrive out of order; buffers are keyed by them
// so ordering self-corrects at finalize.
func (s *Session) HandleMedia(seqNum int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if !s.welcomeDone {
		s.welcomeQueue = append(s.welcomeQueue, inboundChunk{seq: seqNum, payload: payload})
		return
	}
	s.mediaLocked(seqNum, payload)
}

func (s *Session) mediaLocked(seqNum int, payload []byte) {
	switch s.phase {
	case PhaseListening:
		s.listenLocked(seqNum, payload)
	case PhaseProcessingUtterance:
		// Deliberate backpressure: while the pipeline is in flight the
		// buffer would grow without bound, so inbound audio is dropped.
		s.log.Debug("dropping chunk %d on %s while processing", seqNum, s.StreamID)
	case PhasePlaying:
		s.playingLocked(seqNum, payload)
	}
}

func (s *Session) listenLocked(seqNum int, payload []byte) {
	amp := audio.ChunkAmplitude(payload)
	s.chunks[seqNum] = payload

	if amp < s.thresholds.SilenceThreshold {
		s.silenceRun++
	} else {
		s.activeRun++
		s.silenceRun = 0
	}

	if s.silenceRun >= s.thresholds.SilenceChunksToEndUtterance &&
		s.activeRun >= s.thresholds.MinActiveChunks &&
		s.totalBufferedLocked() >= s.thresholds.MinTotalChunks {
		s.finalizeLocked()
	}
}

// totalBufferedLocked counts the union of the listening buffer and any
// barge-in leftovers seeding this utterance.
func (s *Session) totalBufferedLocked() int {
	total := len(s.chunks)
	for seq := range s.bargeIn {
		if _, dup := s.chunks[seq]; !dup {
			total++
		}
	}
	return total
}

// finalizeLocked closes the current utterance: barge-in leftovers and fresh
// chunks are merged (stable by sequence number, fresh chunks win on
// collision), concatenated, and handed to the pipeline. Exactly one merge
// happens per finalize.
func (s *Session) finalizeLocked() {
	merged := make(map[int][]byte, len(s.chunks)+len(s.bargeIn))
	for seq, c := range s.bargeIn {
		merged[seq] = c
	}
	for seq, c := range s.chunks {
		merged[seq] = c
	}

	seqs := make([]int, 0, len(merged))
	for seq := range merged {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var utterance []byte
	for _, seq := range seqs {
		utterance = append(utterance, merged[seq]...)
	}

	s.log.Info("utterance finalized on %s: %d chunks, %d bytes (active=%d silence=%d)",
		s.StreamID, len(merged), len(utterance), s.activeRun, s.silenceRun)
	s.metrics.UtteranceFinalized(len(merged))

	s.chunks = make(map[int][]byte)
	s.bargeIn = make(map[int][]byte)
	s.silenceRun = 0
	s.activeRun = 0
	s.phase = PhaseProcessingUtterance

	req := services.UtteranceRequest{
		AssistantKey: s.AssistantKey,
		Audio:        utterance,
		ThreadID:     s.ThreadID,
		CallID:       s.CallID,
		CallerNumber: s.CallerNumber,
		Events:       s.events,
	}
	go s.process(req)
}

func (s *Session) process(req services.UtteranceRequest) {
	err := s.pipeline.ProcessUtterance(s.ctx, req, s.deliverResponse)
	if err == nil {
		return
	}

	s.log.Error("pipeline failed on %s: %v", s.StreamID, err)
	s.metrics.PipelineFailure()
	s.events.Emit(services.EventProcessingError, map[string]interface{}{
		"streamId": s.StreamID,
		"callId":   s.CallID,
		"error":    err.Error(),
	})

	// Centralized reset: a failed pipeline call must never leave the
	// session stuck in PhaseProcessingUtterance for the rest of the call.
	s.mu.Lock()
	if !s.closed && s.phase == PhaseProcessingUtterance {
		s.phase = PhaseListening
	}
	s.mu.Unlock()
}

// deliverResponse is the pipeline's success callback. The session may have
// moved on (barge-in, stop, disconnect) while the call was in flight, in
// which case the result is discarded.
func (s *Session) deliverResponse(text string) {
	s.mu.Lock()
	stale := s.closed || s.phase != PhaseProcessingUtterance
	s.mu.Unlock()
	if stale {
		s.log.Debug("discarding stale pipeline response on %s", s.StreamID)
		return
	}

	payload, err := s.synth.Synthesize(s.ctx, text)
	if err != nil {
		s.log.Error("response synthesis failed on %s: %v", s.StreamID, err)
		s.mu.Lock()
		if !s.closed && s.phase == PhaseProcessingUtterance {
			s.phase = PhaseListening
		}
		s.mu.Unlock()
		return
	}

	s.events.Emit(services.EventAIResponse, map[string]interface{}{
		"streamId": s.StreamID,
		"callId":   s.CallID,
		"text":     text,
	})
	s.startPlayback(payload)
}

// startPlayback arms a fresh marker and hands the audio to the sequencer.
func (s *Session) startPlayback(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	mark := newMarkName()
	if s.welcomeDone {
		s.phase = PhasePlaying
	}
	s.playbackAt = s.now()
	s.pendingMark = mark
	s.loudRun = 0
	s.interrupted = false
	s.mu.Unlock()

	go func() {
		err := s.seq.Play(payload, mark)
		if err == nil {
			return
		}
		s.log.Error("playback transmission failed on %s: %v", s.StreamID, err)
		// Writes failed mid-playback: the marker will never echo back, so
		// clear playback state instead of waiting on it.
		s.mu.Lock()
		if s.pendingMark == mark {
			s.pendingMark = ""
			if !s.welcomeDone {
				s.finishWelcomeLocked()
			} else if s.phase == PhasePlaying {
				s.phase = PhaseListening
			}
		}
		s.mu.Unlock()
	}()
}

func (s *Session) playingLocked(seqNum int, payload []byte) {
	amp := audio.ChunkAmplitude(payload)

	// Standing recording: everything said over the assistant is kept, so a
	// finalize mid-barge-in loses nothing.
	s.bargeIn[seqNum] = payload

	now := s.now()
	if now.Sub(s.playbackAt) < s.thresholds.PlaybackGrace {
		return
	}
	if !s.lastBargeAt.IsZero() && now.Sub(s.lastBargeAt) < s.thresholds.InterruptCooldown {
		return
	}

	if amp >= s.thresholds.InterruptThreshold {
		s.loudRun++
		if s.loudRun >= s.thresholds.InterruptChunkCount {
			s.declareBargeInLocked(now)
		}
	} else {
		s.loudRun = 0
	}
}

func (s *Session) declareBargeInLocked(now time.Time) {
	s.log.Info("barge-in on %s after %d loud chunks", s.StreamID, s.loudRun)
	s.metrics.BargeIn()

	s.interrupted = true
	s.lastBargeAt = now
	s.loudRun = 0
	s.pendingMark = ""
	s.silenceRun = 0
	s.activeRun = 0
	// Straight back to listening; the barge-in recording seeds the next
	// utterance via the finalize merge.
	s.phase = PhaseListening
	s.seq.Stop()
}

// HandleMark correlates a provider acknowledgement with the playback that
// armed it. Names must match exactly; anything else is a stale echo.
func (s *Session) HandleMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if name == "" || name != s.pendingMark {
		s.log.Debug("ignoring stale mark %q on %s", name, s.StreamID)
		return
	}
	s.pendingMark = ""

	if !s.welcomeDone {
		s.finishWelcomeLocked()
		return
	}

	if s.phase == PhasePlaying && !s.interrupted {
		s.phase = PhaseListening
		// Sub-threshold noise recorded during the playback stays in the
		// barge-in buffer and seeds the next utterance attempt.
	}
}

// finishWelcomeLocked opens the session for listening and replays media
// queued while the welcome line was playing, in original order.
func (s *Session) finishWelcomeLocked() {
	if s.welcomeDone {
		return
	}
	s.welcomeDone = true
	s.phase = PhaseListening

	queued := s.welcomeQueue
	s.welcomeQueue = nil
	if len(queued) > 0 {
		s.log.Debug("replaying %d chunks queued during welcome on %s", len(queued), s.StreamID)
	}
	for _, c := range queued {
		s.mediaLocked(c.seq, c.payload)
	}
}

// HandleDTMF routes keypad digits. Digit handling is orthogonal to phase:
// 1 always starts the booking flow, 4 and 5 are confirm/reject consumed by
// an active flow.
func (s *Session) HandleDTMF(d serializers.Digit) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	switch d {
	case serializers.Digit1:
		if s.bookingFact == nil {
			s.mu.Unlock()
			s.log.Warn("dtmf 1 on %s but no booking flow configured", s.StreamID)
			return
		}
		if s.booking == nil || !s.booking.Active() {
			s.booking = s.bookingFact(s.CallID, s)
		}
		flow := s.booking
		s.mu.Unlock()
		go func() {
			if err := flow.Start(s.ctx); err != nil {
				s.log.Error("booking flow start failed on %s: %v", s.StreamID, err)
			}
		}()

	case serializers.Digit4, serializers.Digit5:
		flow := s.booking
		s.mu.Unlock()
		if flow == nil || !flow.Active() {
			s.log.Debug("ignoring dtmf %s on %s, no active booking flow", d, s.StreamID)
			return
		}
		confirm := d == serializers.Digit4
		go func() {
			var err error
			if confirm {
				err = flow.Confirm(s.ctx)
			} else {
				err = flow.Reject(s.ctx)
			}
			if err != nil {
				s.log.Error("booking flow digit %s failed on %s: %v", d, s.StreamID, err)
			}
		}()

	default:
		s.mu.Unlock()
		s.log.Debug("ignoring dtmf %s on %s", d, s.StreamID)
	}
}

// Say implements services.Speaker: cut any running playback, then speak the
// given line through the sequencer.
func (s *Session) Say(ctx context.Context, text string) error {
	s.seq.Stop()
	payload, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize %q: %w", text, err)
	}
	s.startPlayback(payload)
	return nil
}

// Close tears the session down. In-flight pipeline calls are not cancelled;
// their results are discarded by the staleness checks. The callEnded
// notification fires at most once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.welcomeQueue = nil
	s.chunks = make(map[int][]byte)
	s.bargeIn = make(map[int][]byte)
	s.pendingMark = ""
	s.mu.Unlock()

	s.seq.Stop()
	s.log.Info("session %s closed (%s)", s.StreamID, reason)
	s.events.Emit(services.EventCallEnded, map[string]interface{}{
		"streamId": s.StreamID,
		"callId":   s.CallID,
		"reason":   reason,
	})
}
