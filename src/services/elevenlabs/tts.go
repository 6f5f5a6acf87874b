// Package elevenlabs implements speech synthesis via the ElevenLabs HTTP
// API, producing ulaw_8000 audio ready for telephony playout with no
// transcoding step.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/square-key-labs/voicebridge/src/logger"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// TTSConfig holds configuration for ElevenLabs.
type TTSConfig struct {
	APIKey  string
	VoiceID string // e.g. "21m00Tcm4TlvDq8ikWAM" (Rachel)
	Model   string // e.g. "eleven_turbo_v2"
	BaseURL string // override for tests

	// Timeout bounds one synthesis request. Zero means 30s.
	Timeout time.Duration
}

// TTS is a services.SpeechSynthesizer backed by ElevenLabs.
type TTS struct {
	cfg    TTSConfig
	client *http.Client
	log    *logger.Logger
}

// NewTTS creates a synthesizer.
func NewTTS(cfg TTSConfig) *TTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_turbo_v2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TTS{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    logger.WithPrefix("ElevenLabsTTS"),
	}
}

type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings map[string]any `json:"voice_settings,omitempty"`
}

// Synthesize converts text to 8kHz mu-law audio.
func (s *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: s.cfg.Model,
		VoiceSettings: map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=ulaw_8000", s.cfg.BaseURL, s.cfg.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("elevenlabs returned %d: %s", resp.StatusCode, string(detail))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis body: %w", err)
	}

	s.log.Debug("synthesized %d chars to %d bytes in %s",
		len(text), len(payload), time.Since(started).Round(time.Millisecond))
	return payload, nil
}
