package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/config"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/events"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/logging"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/safety"
)

func main() {
	if len(os.Args) > 2 && os.Args[1] == "sample-config" {
		if err := config.GenerateSampleConfig(os.Args[2]); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "store-credentials" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := safety.SeedStoreCredentials(ctx, cfg); err != nil {
			log.Fatalf("Failed to store credentials in vault: %v", err)
		}
		log.Printf("Store credentials written to %s", cfg.VaultConfig.Address)
		return
	}

	// Initialize structured logging
	logger, err := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	kernel, err := safety.New(ctx, cfg, logger, reg, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build safety kernel")
	}
	defer func() {
		if err := kernel.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close daily pnl store")
		}
	}()

	kernel.Bus.SubscribeAll(func(e events.Event) {
		logEvent(logger, e)
	})

	var server *http.Server
	if cfg.MetricsConfig.Enabled && cfg.MetricsConfig.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server = &http.Server{
			Addr:              cfg.MetricsConfig.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("address", server.Addr).Msg("Metrics endpoint listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	if err := kernel.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Safety kernel stopped with error")
	}

	logger.Info().Msg("Shutting down...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down metrics endpoint")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

func logEvent(logger zerolog.Logger, e events.Event) {
	level := zerolog.InfoLevel
	switch e.Type {
	case events.EventTradingBlocked, events.EventLockForceReleased, events.EventCircuitStateChanged:
		level = zerolog.WarnLevel
	case events.EventOrderSubmitted, events.EventOrderRejected:
		level = zerolog.DebugLevel
	}
	logger.WithLevel(level).Str("event", string(e.Type)).Fields(e.Data).Msg("Safety event")
}
