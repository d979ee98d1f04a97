// Package main provides the health-checker process entry point. Every
// replica runs this same binary: a UDP worker-heartbeat listener, a TCP
// peer mesh running Bully election, and a revival loop only the elected
// leader drives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coffeeflow/engine/internal/config"
	"github.com/coffeeflow/engine/internal/healthcheck"
	"github.com/coffeeflow/engine/internal/metrics"
	"github.com/coffeeflow/engine/internal/observability"
)

func main() {
	cfg, err := config.LoadHealthCheckerConfig()
	if err != nil {
		slog.Error("action: config_load_failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg.LoggingLevel, "healthchecker").With(slog.Int("replica", cfg.ReplicaID))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	hcMetrics := metrics.NewHealthChecker(reg, cfg.ReplicaID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := metrics.Serve(ctx, addr, reg); err != nil {
			logger.Error("action: metrics_serve_failed", slog.Any("error", err))
		}
	}()

	hc, err := healthcheck.New(cfg, logger, hcMetrics)
	if err != nil {
		logger.Error("action: health_checker_build_failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := hc.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("action: health_checker_run_failed", slog.Any("error", err))
		os.Exit(1)
	}
}
