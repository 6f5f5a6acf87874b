// Package serializers implements the Twilio Media Streams WebSocket wire
// protocol: JSON event frames discriminated by an "event" field, with
// base64-encoded mu-law audio payloads.
package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event names carried by inbound and outbound messages.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Message is a Twilio Media Streams frame, inbound or outbound.
type Message struct {
	Event          string       `json:"event"`
	StreamSid      string       `json:"streamSid,omitempty"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Media          *Media       `json:"media,omitempty"`
	Start          *Start       `json:"start,omitempty"`
	Stop           *Stop        `json:"stop,omitempty"`
	Mark           *Mark        `json:"mark,omitempty"`
	DTMF           *DTMFPayload `json:"dtmf,omitempty"`
}

// Media carries one chunk of base64 mu-law audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Start announces a new media stream with its call metadata.
type Start struct {
	StreamSid        string                 `json:"streamSid"`
	CallSid          string                 `json:"callSid"`
	AccountSid       string                 `json:"accountSid,omitempty"`
	Tracks           []string               `json:"tracks,omitempty"`
	MediaFormat      map[string]interface{} `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string      `json:"customParameters,omitempty"`
}

// Stop announces the end of a media stream.
type Stop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Mark is the acknowledgement token echoed back after the provider finishes
// playing a previously sent marker frame.
type Mark struct {
	Name string `json:"name"`
}

// DTMFPayload carries a keypad digit. Providers are inconsistent about the
// field name and type, so both digit/digits are accepted as string or number
// and normalized by Parse.
type DTMFPayload struct {
	Track  string          `json:"track,omitempty"`
	Digit  json.RawMessage `json:"digit,omitempty"`
	Digits json.RawMessage `json:"digits,omitempty"`
}

// Parse decodes a raw inbound frame.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal media stream message: %w", err)
	}
	return &msg, nil
}

// AudioPayload decodes the base64 mu-law payload of a media message.
func (m *Message) AudioPayload() ([]byte, error) {
	if m.Media == nil {
		return nil, fmt.Errorf("media event missing media data")
	}
	audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return audio, nil
}

// Sequence parses the media message's string sequence number.
func (m *Message) Sequence() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(m.SequenceNumber))
	if err != nil {
		return 0, fmt.Errorf("invalid sequence number %q: %w", m.SequenceNumber, err)
	}
	return n, nil
}

// MarshalMedia builds an outbound media frame carrying mu-law audio.
func MarshalMedia(streamSid string, payload []byte, index int, timestampMs int64) ([]byte, error) {
	msg := Message{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media: &Media{
			Chunk:     strconv.Itoa(index),
			Timestamp: strconv.FormatInt(timestampMs, 10),
			Payload:   base64.StdEncoding.EncodeToString(payload),
		},
	}
	return json.Marshal(msg)
}

// MarshalMark builds an outbound mark frame; the provider echoes it back
// once everything queued before it has played out.
func MarshalMark(streamSid, name string) ([]byte, error) {
	msg := Message{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &Mark{Name: name},
	}
	return json.Marshal(msg)
}

// MarshalClear builds an outbound clear frame, which discards all audio the
// provider has buffered but not yet played.
func MarshalClear(streamSid string) ([]byte, error) {
	msg := Message{
		Event:     EventClear,
		StreamSid: streamSid,
	}
	return json.Marshal(msg)
}
