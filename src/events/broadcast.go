// Package events fans conversation lifecycle events out to downstream
// observers. Delivery is fire-and-forget: a slow or failing observer never
// blocks the media path.
package events

import (
	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/services"
)

// Broadcaster delivers every event to all registered hooks.
type Broadcaster struct {
	hooks []services.EventHook
	log   *logger.Logger
}

// NewBroadcaster creates a broadcaster over the given hooks.
func NewBroadcaster(hooks ...services.EventHook) *Broadcaster {
	return &Broadcaster{
		hooks: hooks,
		log:   logger.WithPrefix("Events"),
	}
}

// Add registers another hook. Not safe to call once events are flowing.
func (b *Broadcaster) Add(hook services.EventHook) {
	b.hooks = append(b.hooks, hook)
}

// Emit delivers the event to every hook.
func (b *Broadcaster) Emit(event string, payload map[string]interface{}) {
	for _, hook := range b.hooks {
		hook.Emit(event, payload)
	}
}

// LogHook writes every conversation event to the service log.
type LogHook struct {
	log *logger.Logger
}

// NewLogHook creates a hook logging at INFO.
func NewLogHook() *LogHook {
	return &LogHook{log: logger.WithPrefix("Conversation")}
}

// Emit logs the event.
func (h *LogHook) Emit(event string, payload map[string]interface{}) {
	h.log.Info("%s %v", event, payload)
}
