package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/voicebridge/src/audio"
	"github.com/square-key-labs/voicebridge/src/services"
)

// fakeTransport records every outbound frame.
type fakeTransport struct {
	mu     sync.Mutex
	media  [][]byte
	marks  []string
	clears int

	failMedia bool
}

func (f *fakeTransport) SendMedia(streamID string, payload []byte, index int, timestampMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMedia {
		return errors.New("socket gone")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.media = append(f.media, cp)
	return nil
}

func (f *fakeTransport) SendMark(streamID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeTransport) SendClear(streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTransport) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

func (f *fakeTransport) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeTransport) lastMark() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.marks) == 0 {
		return "", false
	}
	return f.marks[len(f.marks)-1], true
}

func (f *fakeTransport) mediaBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, frame := range f.media {
		out = append(out, frame...)
	}
	return out
}

// fakePipeline records requests and replies synchronously with a fixed line.
type fakePipeline struct {
	mu       sync.Mutex
	requests []services.UtteranceRequest

	response string
	err      error
	gate     chan struct{} // when non-nil, ProcessUtterance blocks on it
}

func (p *fakePipeline) ProcessUtterance(ctx context.Context, req services.UtteranceRequest, onResponse func(text string)) error {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if p.err != nil {
		return p.err
	}
	onResponse(p.response)
	return nil
}

func (p *fakePipeline) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakePipeline) request(i int) services.UtteranceRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// fakeSynth returns a fixed mu-law payload for every line.
type fakeSynth struct {
	payload []byte
	err     error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

// fakeClock is an adjustable clock threaded through SessionConfig.Now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// captureHook records emitted events.
type captureHook struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	name    string
	payload map[string]interface{}
}

func (h *captureHook) Emit(event string, payload map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, capturedEvent{name: event, payload: payload})
}

func (h *captureHook) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.name == event {
			n++
		}
	}
	return n
}

// chunk builds one 160-byte mu-law chunk of constant amplitude. Mu-law
// quantization keeps the decoded loudness within a few percent of amp, which
// is plenty against thresholds hundreds apart.
func chunk(amp int16) []byte {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = amp
	}
	return audio.EncodeMulaw(pcm)
}

var (
	silentChunk = chunk(100)  // decodes near 100, under the 500 threshold
	activeChunk = chunk(900)  // decodes near 900: speech, below barge-in level
	loudChunk   = chunk(2000) // decodes near 2000, over the 1500 barge-in level
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sessionFixture struct {
	session   *Session
	transport *fakeTransport
	pipeline  *fakePipeline
	synth     *fakeSynth
	clock     *fakeClock
	events    *captureHook
}

func newSessionFixture(t *testing.T, mutate func(*SessionConfig)) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		transport: &fakeTransport{},
		pipeline:  &fakePipeline{response: "hello caller"},
		synth:     &fakeSynth{payload: make([]byte, 2*FrameSize)},
		clock:     newFakeClock(),
		events:    &captureHook{},
	}
	cfg := SessionConfig{
		StreamID:     "MZtest",
		CallID:       "CAtest",
		AssistantKey: "receptionist",
		CallerNumber: "+15550001111",
		Transport:    f.transport,
		Pipeline:     f.pipeline,
		Synthesizer:  f.synth,
		Events:       f.events,
		Pacing:       time.Millisecond,
		Now:          f.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.session = NewSession(cfg)
	return f
}

// feedUtterance drives a listening session to a finalize with the default
// thresholds: enough active chunks, then a full silence run.
func (f *sessionFixture) feedUtterance(startSeq int) int {
	seq := startSeq
	th := f.session.thresholds
	for i := 0; i < th.MinActiveChunks+5; i++ {
		f.session.HandleMedia(seq, activeChunk)
		seq++
	}
	for i := 0; i < th.SilenceChunksToEndUtterance; i++ {
		f.session.HandleMedia(seq, silentChunk)
		seq++
	}
	return seq
}
