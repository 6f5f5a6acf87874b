package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "gk")
	t.Setenv("ELEVENLABS_API_KEY", "ek")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Errorf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MediaPath != "/media" {
		t.Errorf("MediaPath = %q, want /media", cfg.MediaPath)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Error("AllowAnyOrigin = false, want default true")
	}
	if cfg.GeminiTemperature != 0.6 {
		t.Errorf("GeminiTemperature = %v, want 0.6", cfg.GeminiTemperature)
	}
	if cfg.WelcomeLine == "" || cfg.FallbackLine == "" {
		t.Error("welcome/fallback lines must have defaults")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "false")
	t.Setenv("GEMINI_TEMPERATURE", "0.9")
	t.Setenv("DATABASE_URL", "postgres://localhost/calls")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Errorf("BindAddr = %q, want :9999", cfg.BindAddr)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", cfg.ShutdownTimeout)
	}
	if cfg.AllowAnyOrigin {
		t.Error("AllowAnyOrigin = true, want false")
	}
	if cfg.GeminiTemperature != 0.9 {
		t.Errorf("GeminiTemperature = %v, want 0.9", cfg.GeminiTemperature)
	}
	if cfg.DatabaseURL != "postgres://localhost/calls" {
		t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
	}
}

func TestLoadRejectsMissingKeysAndBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"missing gemini key", map[string]string{"ELEVENLABS_API_KEY": "ek"}},
		{"missing elevenlabs key", map[string]string{"GEMINI_API_KEY": "gk"}},
		{"bad duration", map[string]string{
			"GEMINI_API_KEY": "gk", "ELEVENLABS_API_KEY": "ek",
			"APP_SHUTDOWN_TIMEOUT": "soon",
		}},
		{"bad bool", map[string]string{
			"GEMINI_API_KEY": "gk", "ELEVENLABS_API_KEY": "ek",
			"APP_ALLOW_ANY_ORIGIN": "maybe",
		}},
		{"bad temperature", map[string]string{
			"GEMINI_API_KEY": "gk", "ELEVENLABS_API_KEY": "ek",
			"GEMINI_TEMPERATURE": "warm",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			t.Setenv("ELEVENLABS_API_KEY", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("Load() expected error, got nil")
			}
		})
	}
}
