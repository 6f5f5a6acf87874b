// Command voicebridge runs the telephony voice-assistant gateway: a media
// WebSocket endpoint for provider streams, plus health and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/square-key-labs/voicebridge/src/booking"
	"github.com/square-key-labs/voicebridge/src/config"
	"github.com/square-key-labs/voicebridge/src/events"
	"github.com/square-key-labs/voicebridge/src/gateway"
	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/observability"
	"github.com/square-key-labs/voicebridge/src/services"
	"github.com/square-key-labs/voicebridge/src/services/elevenlabs"
	"github.com/square-key-labs/voicebridge/src/services/gemini"
	"github.com/square-key-labs/voicebridge/src/transports"
)

func main() {
	_ = godotenv.Load()
	logger.Init()
	log := logger.WithPrefix("Main")

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration error: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	hooks := events.NewBroadcaster(events.NewLogHook())
	var store *events.PostgresHook
	if cfg.DatabaseURL != "" {
		store, err = events.NewPostgresHook(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("event store unavailable: %v", err)
			os.Exit(1)
		}
		defer store.Close()
		hooks.Add(store)
	}

	pipeline, err := gemini.NewPipeline(ctx, gemini.PipelineConfig{
		APIKey:      cfg.GeminiAPIKey,
		Model:       cfg.GeminiModel,
		Temperature: float32(cfg.GeminiTemperature),
	})
	if err != nil {
		log.Error("pipeline setup failed: %v", err)
		os.Exit(1)
	}

	synth := elevenlabs.NewTTS(elevenlabs.TTSConfig{
		APIKey:  cfg.ElevenLabsAPIKey,
		VoiceID: cfg.ElevenLabsVoiceID,
		Model:   cfg.ElevenLabsModel,
	})

	registry := gateway.NewRegistry(gateway.Config{
		Pipeline:    services.WithFallback(pipeline, cfg.FallbackLine),
		Synthesizer: synth,
		Events:      hooks,
		Booking:     booking.NewFactory(booking.DefaultConfig()),
		Metrics:     metrics,
		Context:     ctx,
		WelcomeLine: cfg.WelcomeLine,
	})

	media := transports.NewServer(registry, transports.ServerConfig{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Metrics:        metrics,
	})

	router := chi.NewRouter()
	router.Get(cfg.MediaPath, media.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", observability.Handler())

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown: %v", err)
		}
	}()

	log.Info("listening on %s (media endpoint %s)", cfg.BindAddr, cfg.MediaPath)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error: %v", err)
		os.Exit(1)
	}
}
