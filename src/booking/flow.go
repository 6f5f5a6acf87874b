// Package booking implements the scripted DTMF-driven data-collection flow.
// Digit 1 starts the script, digit 4 confirms the current step and digit 5
// cancels. Prompts are spoken to the caller through the session's playback
// sequencer.
package booking

import (
	"context"
	"sync"

	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/services"
)

// Step is one scripted prompt awaiting a confirm/reject digit.
type Step struct {
	Name   string
	Prompt string
}

// Config holds the script and its framing lines.
type Config struct {
	Steps         []Step
	IntroLine     string
	ConfirmedLine string
	CancelledLine string
	Log           *logger.Logger
}

// DefaultConfig returns the stock booking script.
func DefaultConfig() Config {
	return Config{
		IntroLine: "Let's set up your booking. After each question, press four to confirm or five to cancel.",
		Steps: []Step{
			{Name: "date", Prompt: "I'll book the next available date. Press four to confirm or five to cancel."},
			{Name: "time", Prompt: "The earliest open slot is at ten in the morning. Press four to confirm or five to cancel."},
			{Name: "confirmation", Prompt: "I'm ready to place the booking. Press four to confirm or five to cancel."},
		},
		ConfirmedLine: "Your booking is confirmed. You'll receive a confirmation shortly. What else can I help with?",
		CancelledLine: "No problem, I've cancelled the booking. What else can I help with?",
	}
}

// Flow walks one call through the script.
type Flow struct {
	cfg     Config
	callID  string
	speaker services.Speaker
	log     *logger.Logger

	mu        sync.Mutex
	active    bool
	idx       int
	confirmed []string
}

// New creates a flow for one call.
func New(cfg Config, callID string, speaker services.Speaker) *Flow {
	log := cfg.Log
	if log == nil {
		log = logger.WithPrefix("Booking")
	}
	return &Flow{
		cfg:     cfg,
		callID:  callID,
		speaker: speaker,
		log:     log,
	}
}

// NewFactory adapts the package to the gateway's flow factory contract.
func NewFactory(cfg Config) services.BookingFlowFactory {
	return func(callID string, speaker services.Speaker) services.BookingFlow {
		return New(cfg, callID, speaker)
	}
}

// Start begins (or restarts) the script from its first step.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	if len(f.cfg.Steps) == 0 {
		f.mu.Unlock()
		return f.speaker.Say(ctx, f.cfg.CancelledLine)
	}
	f.active = true
	f.idx = 0
	f.confirmed = nil
	first := f.cfg.Steps[0]
	f.mu.Unlock()

	f.log.Info("booking flow started for call %s", f.callID)
	return f.speaker.Say(ctx, f.cfg.IntroLine+" "+first.Prompt)
}

// Confirm accepts the current step and advances the script.
func (f *Flow) Confirm(ctx context.Context) error {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return nil
	}
	step := f.cfg.Steps[f.idx]
	f.confirmed = append(f.confirmed, step.Name)
	f.idx++
	finished := f.idx >= len(f.cfg.Steps)
	if finished {
		f.active = false
	}
	var next Step
	if !finished {
		next = f.cfg.Steps[f.idx]
	}
	f.mu.Unlock()

	if finished {
		f.log.Info("booking flow completed for call %s (%d steps)", f.callID, len(f.cfg.Steps))
		return f.speaker.Say(ctx, f.cfg.ConfirmedLine)
	}
	f.log.Debug("booking step %q confirmed for call %s", step.Name, f.callID)
	return f.speaker.Say(ctx, next.Prompt)
}

// Reject cancels the script.
func (f *Flow) Reject(ctx context.Context) error {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return nil
	}
	f.active = false
	f.mu.Unlock()

	f.log.Info("booking flow cancelled for call %s", f.callID)
	return f.speaker.Say(ctx, f.cfg.CancelledLine)
}

// Active reports whether the flow still expects confirm/reject digits.
func (f *Flow) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Confirmed returns the names of the steps accepted so far.
func (f *Flow) Confirmed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.confirmed))
	copy(out, f.confirmed)
	return out
}
