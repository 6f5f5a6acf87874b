// Package services defines the contracts between the stream gateway and its
// external collaborators: the AI utterance pipeline, speech synthesis, the
// conversation event hook and the DTMF booking flow.
package services

import "context"

// Conversation lifecycle event names delivered to the event hook.
const (
	EventCallStarted     = "callStarted"
	EventCallEnded       = "callEnded"
	EventUserSpeech      = "userSpeech"
	EventAIResponse      = "aiResponse"
	EventProcessingError = "processingError"
)

// EventHook is notified of conversation lifecycle events. Implementations
// must not block the caller; delivery is fire-and-forget and no return value
// is consumed.
type EventHook interface {
	Emit(event string, payload map[string]interface{})
}

// EventFunc adapts a function to the EventHook interface.
type EventFunc func(event string, payload map[string]interface{})

func (f EventFunc) Emit(event string, payload map[string]interface{}) {
	f(event, payload)
}

// NopHook discards all events.
type NopHook struct{}

func (NopHook) Emit(string, map[string]interface{}) {}

// UtteranceRequest carries one finalized utterance and its per-call context
// through the pipeline.
type UtteranceRequest struct {
	AssistantKey string
	Audio        []byte // concatenated 8kHz mu-law
	ThreadID     string
	CallID       string
	CallerNumber string
	Events       EventHook
}

// UtterancePipeline turns a finalized utterance into a spoken reply.
//
// Implementations must invoke onResponse exactly once on success and never
// on failure; the caller treats a returned error as "nothing to play".
type UtterancePipeline interface {
	ProcessUtterance(ctx context.Context, req UtteranceRequest, onResponse func(text string)) error
}

// SpeechSynthesizer converts reply text into 8kHz mu-law audio ready for
// telephony playout.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Speaker lets a collaborator talk to the caller through the session's
// playback sequencer, cutting any running playback first.
type Speaker interface {
	Say(ctx context.Context, text string) error
}

// BookingFlow is the scripted data-collection sub-flow driven by DTMF
// digits: started by digit 1, advanced by 4 (confirm) and 5 (reject).
type BookingFlow interface {
	// Start begins the flow, speaking its first prompt.
	Start(ctx context.Context) error

	// Confirm accepts the current step and advances the script.
	Confirm(ctx context.Context) error

	// Reject declines the current step, repeating or cancelling.
	Reject(ctx context.Context) error

	// Active reports whether the flow still expects confirm/reject digits.
	Active() bool
}

// BookingFlowFactory builds one flow per call, bound to that call's speaker.
type BookingFlowFactory func(callID string, speaker Speaker) BookingFlow
