// Package gemini implements the utterance pipeline on Google's Gemini
// models. The finalized mu-law utterance is wrapped as WAV and sent as a
// multimodal turn; the model answers with the assistant's reply text.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/square-key-labs/voicebridge/src/audio"
	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/services"
)

const telephonySampleRate = 8000

// PipelineConfig holds configuration for the Gemini pipeline.
type PipelineConfig struct {
	APIKey      string
	Model       string // e.g. "gemini-2.0-flash"
	Temperature float32

	// SystemPrompts maps an assistant-selection key to its system prompt.
	// DefaultPrompt is used when the key is unknown or empty.
	SystemPrompts map[string]string
	DefaultPrompt string
}

// Pipeline is a services.UtterancePipeline backed by Gemini.
type Pipeline struct {
	client *genai.Client
	cfg    PipelineConfig
	log    *logger.Logger
}

// NewPipeline creates the pipeline and its API client.
func NewPipeline(ctx context.Context, cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Pipeline{
		client: client,
		cfg:    cfg,
		log:    logger.WithPrefix("Gemini"),
	}, nil
}

// ProcessUtterance sends the utterance audio to the model and invokes
// onResponse with the reply text. On any failure onResponse is never
// called.
func (p *Pipeline) ProcessUtterance(ctx context.Context, req services.UtteranceRequest, onResponse func(text string)) error {
	if len(req.Audio) == 0 {
		return fmt.Errorf("empty utterance audio")
	}

	pcm := audio.DecodeMulaw(req.Audio)
	wav := audio.EncodeWAV(pcm, telephonySampleRate)
	durationMs := len(pcm) * 1000 / telephonySampleRate

	if req.Events != nil {
		req.Events.Emit(services.EventUserSpeech, map[string]interface{}{
			"callId":     req.CallID,
			"threadId":   req.ThreadID,
			"durationMs": durationMs,
		})
	}

	contents := []*genai.Content{
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				genai.NewPartFromText("The caller said the following over the phone. Reply with only the words to speak back, no markup."),
				{InlineData: &genai.Blob{MIMEType: "audio/wav", Data: wav}},
			},
		},
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.systemPrompt(req.AssistantKey), genai.RoleUser),
	}
	if p.cfg.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(p.cfg.Temperature)
	}

	started := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, genCfg)
	if err != nil {
		return fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return fmt.Errorf("gemini returned an empty response")
	}

	p.log.Info("response for call %s in %s (%d chars, %dms audio)",
		req.CallID, time.Since(started).Round(time.Millisecond), len(text), durationMs)
	onResponse(text)
	return nil
}

func (p *Pipeline) systemPrompt(assistantKey string) string {
	if prompt, ok := p.cfg.SystemPrompts[assistantKey]; ok && prompt != "" {
		return prompt
	}
	if p.cfg.DefaultPrompt != "" {
		return p.cfg.DefaultPrompt
	}
	return "You are a friendly phone assistant. Keep answers short and conversational; they will be read aloud."
}
