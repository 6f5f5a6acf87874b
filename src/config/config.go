// Package config reads the service's runtime settings from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr         string
	MediaPath        string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	WelcomeLine  string
	FallbackLine string

	GeminiAPIKey      string
	GeminiModel       string
	GeminiTemperature float64

	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsModel   string

	// DatabaseURL enables the Postgres conversation event log when set.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MediaPath:         envOrDefault("APP_MEDIA_PATH", "/media"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		WelcomeLine:       envOrDefault("APP_WELCOME_LINE", "Hello! Thanks for calling. How can I help you today?"),
		FallbackLine:      envOrDefault("APP_FALLBACK_LINE", "I'm sorry, I didn't catch that. Could you say it again?"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModel:   envOrDefault("ELEVENLABS_MODEL_ID", "eleven_turbo_v2"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = envDuration("APP_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = envBool("APP_ALLOW_ANY_ORIGIN", true); err != nil {
		return Config{}, err
	}
	if cfg.GeminiTemperature, err = envFloat("GEMINI_TEMPERATURE", 0.6); err != nil {
		return Config{}, err
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
