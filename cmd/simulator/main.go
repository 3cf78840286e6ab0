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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/api"
	"github.com/sebastiankruger/battery-line-simulator/internal/backend"
	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/health"
	"github.com/sebastiankruger/battery-line-simulator/internal/line"
	"github.com/sebastiankruger/battery-line-simulator/internal/metrics"
	"github.com/sebastiankruger/battery-line-simulator/internal/opcua"
	"github.com/sebastiankruger/battery-line-simulator/internal/station"
)

// loginRetryInterval is the pause between failed login attempts
const loginRetryInterval = 5 * time.Second

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
		}
	}()

	log.Info().Msg("Starting Battery Line Simulator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("name", cfg.SimulatorName).
		Int("opcua_port", cfg.OPCUAPort).
		Str("backend", cfg.BackendURL).
		Str("collector", cfg.CollectorAddr).
		Dur("time_unit", cfg.TimeUnit).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	layout, err := line.LoadLayout(cfg.LineLayoutFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load line layout")
	}

	client := backend.NewClient(cfg)
	healthHandler := health.NewHandler()

	sess, err := login(ctx, client, cfg)
	if err != nil {
		log.Info().Msg("Shutdown before login completed")
		return
	}
	healthHandler.SetReady("backend_session", true)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opcuaServer := opcua.NewServer(cfg.OPCUAPort, cfg.SimulatorName)

	runner, err := line.NewRunner(line.Options{
		Layout:  layout,
		Config:  cfg,
		Backend: client,
		Session: sess,
		Senders: func(code string) station.Sender {
			return station.NewLink(cfg.CollectorAddr, code)
		},
		Metrics:   metrics.NewLine(reg),
		Publisher: opcuaServer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create production line runner")
	}

	if err := opcuaServer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start OPC UA server")
	}
	healthHandler.SetReady("opcua_server", true)

	// HTTP server (health, REST API, metrics)
	mux := http.NewServeMux()
	healthHandler.Register(mux)
	api.NewHandler(cfg.SimulatorName, runner, sess, opcuaServer).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HealthPort).Msg("Starting HTTP server (health + API + metrics)")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if err := runner.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Production line stopped with errors")
	}

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := opcuaServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("OPC UA server shutdown error")
	}

	log.Info().Msg("Battery line simulator stopped")
}

// login authenticates the operator, retrying until it succeeds or ctx is
// done. Without configured credentials the line runs unauthenticated.
func login(ctx context.Context, client *backend.Client, cfg *config.Config) (*backend.Session, error) {
	if cfg.WorkerCode == "" {
		log.Warn().Msg("No WORKER_CODE configured, running without backend session")
		return backend.NewSession("", ""), nil
	}

	for {
		sess, err := client.Login(ctx, cfg.WorkerCode, cfg.WorkerPassword)
		if err == nil {
			log.Info().Str("worker", sess.WorkerCode()).Msg("Operator logged in")
			return sess, nil
		}

		if errors.Is(err, backend.ErrUnauthorized) {
			log.Error().Err(err).Str("worker", cfg.WorkerCode).Msg("Login rejected, check WORKER_CODE and WORKER_PASSWORD")
		} else {
			log.Warn().Err(err).Msg("Login failed (backend may not be available)")
		}

		timer := time.NewTimer(loginRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
