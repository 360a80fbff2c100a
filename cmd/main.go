package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	grpcapi "call-relay-service/internal/api/grpc"
	"call-relay-service/internal/app"
	"call-relay-service/internal/config"
	"call-relay-service/internal/events"
	httpapi "call-relay-service/internal/http"
	"call-relay-service/internal/observability"
	"call-relay-service/internal/observability/metrics"
	"call-relay-service/internal/service/realtime"
	"call-relay-service/internal/service/realtime/mock"
	"call-relay-service/internal/service/realtime/openai"
	"call-relay-service/internal/service/relay"
	"call-relay-service/internal/storage"
)

func main() {
	cfg := config.Load()
	application := app.New(cfg)

	personas := config.NewPersonaStore(cfg.Persona())
	if cfg.PersonaFile != "" {
		watcher, err := config.WatchPersona(cfg.PersonaFile, cfg.Persona(), personas)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.PersonaFile).Msg("Failed to load persona file")
		}
		defer watcher.Close()
	}

	sink, err := storage.New(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to open transcript storage")
	}
	defer sink.Close()

	// Create Kafka publisher with separate topics for transcript entries and call lifecycle
	publisher := events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		TopicLifecycle:  cfg.Kafka.TopicLifecycle,
		Principal:       cfg.Kafka.Principal,
	})
	defer publisher.Close()

	controller := relay.NewController(relay.ControllerConfig{
		Session: realtime.SessionConfig{
			Instructions:       cfg.Model.Instructions,
			Voice:              cfg.Model.Voice,
			InputAudioFormat:   cfg.Model.InputAudioFormat,
			OutputAudioFormat:  cfg.Model.OutputAudioFormat,
			TurnDetection:      cfg.Model.TurnDetection,
			VADThreshold:       cfg.Model.VADThreshold,
			SilenceDurationMs:  cfg.Model.SilenceDurationMs,
			Temperature:        cfg.Model.Temperature,
			TranscriptionModel: cfg.Model.TranscriptionModel,
		},
		Settings: relay.Settings{
			ClosingTimeout: cfg.Call.ClosingTimeout,
			MaxDuration:    cfg.Call.MaxDuration,
		},
	}, newDialer(cfg.Model), sink, publisher, personas, metrics.DefaultMetrics)

	// Observability: /metrics /healthz /readyz
	obs := observability.NewServer(":"+cfg.Service.MetricsPort, nil, application.Ready)
	obs.Start()

	// Admin gRPC: health + reflection
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	admin := grpcapi.New(metrics.DefaultMetrics)
	go func() {
		if err := admin.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("grpc serve failed")
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application, controller),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Call relay HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http serve failed")
		}
	}()

	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	admin.SetServing(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// Stop taking calls, then drain the live ones so their transcripts flush.
	application.Shutdown()
	admin.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Call.ShutdownGrace)
	defer cancel()
	if !controller.Shutdown(ctx) {
		log.Warn().Int("calls", controller.ActiveCalls()).Msg("Shutdown grace expired with calls still live")
	}

	// Hijacked media streams are not tracked by Shutdown; the controller drained them above.
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
	if err := obs.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Observability server shutdown")
	}
	admin.GracefulStop()
	log.Info().Msg("Call relay stopped")
}

func newDialer(cfg config.ModelConfig) realtime.Dialer {
	if cfg.Provider == "mock" {
		log.Warn().Msg("Using scripted mock model, no model credentials required")
		return mock.NewDialer(mock.Options{})
	}
	return openai.NewDialer(openai.Config{
		URL:    cfg.URL,
		Model:  cfg.Model,
		APIKey: cfg.APIKey,
	})
}
