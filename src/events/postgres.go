package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/square-key-labs/voicebridge/src/logger"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS conversation_events (
    id         BIGSERIAL PRIMARY KEY,
    stream_id  TEXT,
    call_id    TEXT,
    event      TEXT NOT NULL,
    payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertEvent = `
INSERT INTO conversation_events (stream_id, call_id, event, payload)
VALUES ($1, $2, $3, $4)`

type storedEvent struct {
	streamID string
	callID   string
	event    string
	payload  []byte
}

// PostgresHook persists conversation events to a conversation_events table.
// Writes happen on a background worker; if the queue is full the event is
// dropped with a warning rather than stalling a call.
type PostgresHook struct {
	pool  *pgxpool.Pool
	queue chan storedEvent
	log   *logger.Logger
	done  chan struct{}
}

// NewPostgresHook connects to databaseURL and ensures the events table
// exists.
func NewPostgresHook(ctx context.Context, databaseURL string) (*PostgresHook, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect event store: %w", err)
	}
	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure conversation_events table: %w", err)
	}

	h := &PostgresHook{
		pool:  pool,
		queue: make(chan storedEvent, 512),
		log:   logger.WithPrefix("EventStore"),
		done:  make(chan struct{}),
	}
	go h.worker()
	return h, nil
}

// Emit queues the event for persistence.
func (h *PostgresHook) Emit(event string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("event %s payload not serializable: %v", event, err)
		body = []byte("{}")
	}

	ev := storedEvent{
		streamID: stringField(payload, "streamId"),
		callID:   stringField(payload, "callId"),
		event:    event,
		payload:  body,
	}

	select {
	case h.queue <- ev:
	default:
		h.log.Warn("event queue full, dropping %s for call %s", event, ev.callID)
	}
}

// Close drains the queue and releases the pool.
func (h *PostgresHook) Close() {
	close(h.queue)
	<-h.done
	h.pool.Close()
}

func (h *PostgresHook) worker() {
	defer close(h.done)
	for ev := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := h.pool.Exec(ctx, insertEvent, ev.streamID, ev.callID, ev.event, ev.payload)
		cancel()
		if err != nil {
			h.log.Error("insert %s for call %s failed: %v", ev.event, ev.callID, err)
		}
	}
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
