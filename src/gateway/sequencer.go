package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/observability"
)

const (
	// FrameSize is one outbound audio frame: 20ms of 8kHz mu-law.
	FrameSize = 160

	// DefaultPacing is the inter-frame delay matching real-time playout.
	DefaultPacing = 20 * time.Millisecond
)

// Sequencer streams synthesized mu-law audio to the transport in fixed-size
// frames at real-time pace. After the last frame it emits a named marker the
// provider echoes back once playout completes. An interruption flag is
// polled before every frame, so a stop request halts transmission within one
// pacing interval.
type Sequencer struct {
	transport MediaTransport
	streamID  string
	pacing    time.Duration
	log       *logger.Logger
	metrics   *observability.Metrics

	mu          sync.Mutex
	gen         uint64
	active      bool
	interrupted bool
}

// NewSequencer creates a sequencer bound to one stream. A zero pacing
// selects DefaultPacing.
func NewSequencer(transport MediaTransport, streamID string, pacing time.Duration, log *logger.Logger, metrics *observability.Metrics) *Sequencer {
	if pacing <= 0 {
		pacing = DefaultPacing
	}
	if log == nil {
		log = logger.WithPrefix("Sequencer")
	}
	return &Sequencer{
		transport: transport,
		streamID:  streamID,
		pacing:    pacing,
		log:       log,
		metrics:   metrics,
	}
}

// Play transmits payload frame by frame and finishes with the named marker.
// If a previous playback is still running it is stopped first, with one
// pacing interval of settle time so the two never overlap on the wire.
// Returns a transport error if a write fails; an interruption is not an
// error.
func (q *Sequencer) Play(payload []byte, mark string) error {
	q.mu.Lock()
	if q.active {
		q.interrupted = true
		q.mu.Unlock()
		if err := q.transport.SendClear(q.streamID); err != nil {
			q.log.Warn("clear before new playback failed on %s: %v", q.streamID, err)
		}
		time.Sleep(q.pacing)
		q.mu.Lock()
	}
	q.gen++
	gen := q.gen
	q.active = true
	q.interrupted = false
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.gen == gen {
			q.active = false
		}
		q.mu.Unlock()
	}()

	q.metrics.PlaybackStarted()

	timestampMs := int64(0)
	frameIdx := 0
	for off := 0; off < len(payload); off += FrameSize {
		if q.cutShort(gen) {
			q.log.Debug("playback on %s cut short at frame %d", q.streamID, frameIdx)
			return nil
		}

		end := off + FrameSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := q.transport.SendMedia(q.streamID, payload[off:end], frameIdx, timestampMs); err != nil {
			return fmt.Errorf("send media frame %d: %w", frameIdx, err)
		}
		q.metrics.MediaFrameSent()

		frameIdx++
		timestampMs += q.pacing.Milliseconds()
		time.Sleep(q.pacing)
	}

	if q.cutShort(gen) {
		return nil
	}
	if err := q.transport.SendMark(q.streamID, mark); err != nil {
		return fmt.Errorf("send playback marker %q: %w", mark, err)
	}
	q.log.Debug("playback on %s complete, marker %q armed (%d frames)", q.streamID, mark, frameIdx)
	return nil
}

// Stop cuts the running playback: remaining frames are dropped and a clear
// frame tells the provider to flush audio it has buffered but not played.
func (q *Sequencer) Stop() {
	q.mu.Lock()
	wasActive := q.active
	q.interrupted = true
	q.mu.Unlock()

	if wasActive {
		if err := q.transport.SendClear(q.streamID); err != nil {
			q.log.Warn("clear on %s failed: %v", q.streamID, err)
		}
	}
}

func (q *Sequencer) cutShort(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted || q.gen != gen
}
