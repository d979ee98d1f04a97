// Package main provides the gateway process entry point: the TCP front
// door clients connect to for a CSV upload + query request, and the only
// process in the system that speaks the client-facing wire protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coffeeflow/engine/internal/broker"
	"github.com/coffeeflow/engine/internal/config"
	"github.com/coffeeflow/engine/internal/gateway"
	"github.com/coffeeflow/engine/internal/metrics"
	"github.com/coffeeflow/engine/internal/observability"
)

func main() {
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		slog.Error("action: config_load_failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg.LoggingLevel, "gateway")
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := metrics.Serve(ctx, addr, reg); err != nil {
			logger.Error("action: metrics_serve_failed", slog.Any("error", err))
		}
	}()

	b, err := broker.Dial(ctx, cfg.BrokerURL, broker.WithLogger(logger))
	if err != nil {
		logger.Error("action: broker_dial_failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer b.Close()

	srv := gateway.New(cfg, b, logger)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("action: gateway_run_failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("action: gateway_stop")
}
