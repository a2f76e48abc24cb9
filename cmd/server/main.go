package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/conversation-orchestrator/internal/config"
	"github.com/lexiqai/conversation-orchestrator/internal/gateway"
	"github.com/lexiqai/conversation-orchestrator/internal/llmclient"
	"github.com/lexiqai/conversation-orchestrator/internal/observability"
	"github.com/lexiqai/conversation-orchestrator/internal/stt"
	"github.com/lexiqai/conversation-orchestrator/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("gemini_model", cfg.GeminiModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("conversation orchestrator starting")

	deepgramClient := stt.NewDeepgramClient(cfg, logger)
	cartesiaClient := tts.NewCartesiaClient(cfg, logger)
	geminiClient, err := llmclient.NewGeminiClient(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gemini client")
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/ws", gateway.Handler(gateway.Dependencies{
		STT:    deepgramClient,
		LLM:    geminiClient,
		TTS:    cartesiaClient,
		Config: cfg,
		Logger: logger,
	}))

	mux.HandleFunc("/health", observability.HealthCheckHandler())

	deepgramCheck := func(ctx context.Context) (bool, error) {
		if deepgramClient == nil {
			return false, fmt.Errorf("deepgram client not configured")
		}
		return true, nil
	}
	cartesiaCheck := func(ctx context.Context) (bool, error) {
		if cartesiaClient == nil {
			return false, fmt.Errorf("cartesia client not configured")
		}
		return true, nil
	}
	geminiCheck := func(ctx context.Context) (bool, error) {
		if geminiClient == nil {
			return false, fmt.Errorf("gemini client not configured")
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(deepgramCheck, geminiCheck, cartesiaCheck))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		wsURL := fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)
		if cfg.PublicURL != "" {
			wsURL = cfg.PublicURL + "/ws"
		}
		logger.Info().Str("port", cfg.Port).Str("endpoint", wsURL).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exited gracefully")
}
