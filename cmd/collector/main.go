package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teru1991/crypto-collector/internal/config"
	"github.com/teru1991/crypto-collector/internal/logging"
	"github.com/teru1991/crypto-collector/internal/service"
)

func main() {
	var (
		configPath = flag.String("config", "collector.toml", "path to the collector TOML config")
		debug      = flag.Bool("debug", false, "enable debug logging (overrides CC_LOG_LEVEL)")
	)
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "json"})

	env, err := config.LoadEnv(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load environment configuration")
	}

	level := env.LogLevel
	if *debug {
		level = "debug"
	}
	logger = logging.New(logging.Config{Level: level, Format: env.LogFormat})
	logging.InitGlobal(logging.Config{Level: level, Format: env.LogFormat})
	env.LogConfig(logger)

	cfg, err := config.LoadCollectorConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load collector config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.Build(ctx, env, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build collector service")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(svc.State().String()))
	})

	httpServer := &http.Server{
		Addr:         env.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	cancel()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("timed out waiting for connections to drain")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	svc.Shutdown(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("error shutting down metrics server")
	}
}
