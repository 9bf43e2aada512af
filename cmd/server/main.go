package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/gateway"
	"github.com/lexiqai/voice-assistant/internal/llm"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/session"
	"github.com/lexiqai/voice-assistant/internal/stt"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("bus_backend", cfg.BusBackend).
		Str("log_level", cfg.LogLevel).
		Bool("completion_streaming", cfg.CompletionStreaming).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice assistant agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.New(ctx, cfg, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to message bus")
	}
	defer b.Close()

	orch := session.NewOrchestrator(cfg, session.Components{
		Bus:         b,
		Transcriber: stt.NewDeepgramTranscriber(cfg),
		Completer:   llm.NewOpenAIClient(cfg),
		Synthesizer: tts.NewCartesiaClient(cfg),
	}, observability.WithComponent("orchestrator"))
	if err := orch.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe to voice topics")
	}

	hub := gateway.NewHub(b, observability.WithComponent("gateway"))
	if err := hub.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe gateway to reply topics")
	}
	defer hub.Close()

	checks := map[string]observability.HealthCheckFunc{
		"bus": func(ctx context.Context) (bool, error) {
			if !b.Connected() {
				return false, fmt.Errorf("%s bus disconnected", cfg.BusBackend)
			}
			return true, nil
		},
	}

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. No write timeout: /ws connections are long lived.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	g.Go(func() error {
		return observability.NewGRPCHealth(checks, 10*time.Second).
			Serve(gctx, fmt.Sprintf(":%s", cfg.GRPCHealthPort))
	})

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Agent stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Server exited gracefully")
}
