package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/health"
	"github.com/sebastiankruger/battery-line-simulator/internal/metrics"
	"github.com/sebastiankruger/battery-line-simulator/internal/relay"
	"github.com/sebastiankruger/battery-line-simulator/internal/web"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
		}
	}()

	log.Info().Msg("Starting Telemetry Collector")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Int("port", cfg.CollectorPort).
		Str("backend", cfg.BackendURL).
		Int("max_frame", cfg.MaxFrameSize).
		Int("forward_attempts", cfg.ForwardAttempts).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg)

	hub := web.NewHub()
	go hub.Run(ctx)

	srv := relay.NewServer(cfg, relay.NewForwarder(cfg, m), m)
	srv.SetTap(hub)
	if err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start collector")
	}

	healthHandler := health.NewHandler()
	healthHandler.SetStartupGrace(0)
	healthHandler.SetReady("collector", true)

	// Admin server (health, metrics, live packet stream)
	mux := http.NewServeMux()
	healthHandler.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", hub.ServeWs)

	adminServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.CollectorAdminPort),
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.CollectorAdminPort).Msg("Starting admin HTTP server (health + metrics + ws)")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin HTTP server error")
		}
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("Collector stopped with error")
	}
	healthHandler.SetReady("collector", false)

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Admin server shutdown error")
	}

	log.Info().Msg("Collector stopped")
}
