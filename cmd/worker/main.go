// Package main provides the worker process entry point. Every pipeline
// stage (transformer, filter, joiner, aggregator, merger, enricher, sink)
// runs as its own replica of this same binary, distinguished entirely by
// environment configuration: MODULE_NAME picks which operator wiring below
// applies, STAGE_NAME/REPLICA_ID/REPLICAS identify this instance within its
// stage, and FROM/TO name the queues and exchanges it talks to.
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
	"github.com/coffeeflow/engine/internal/metrics"
	"github.com/coffeeflow/engine/internal/observability"
	"github.com/coffeeflow/engine/internal/session"
	"github.com/coffeeflow/engine/internal/worker"
)

// runner is the common shape of worker.Runtime, worker.EnricherRuntime, and
// worker.JoinerRuntime.
type runner interface {
	Run(ctx context.Context) error
	Stop()
}

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		slog.Error("action: config_load_failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg.LoggingLevel, "worker").With(
		slog.String("stage", cfg.StageName), slog.Int("replica", cfg.ReplicaID), slog.String("module", cfg.ModuleName))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorker(reg, cfg.StageName, cfg.ReplicaID)

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

	conn, err := b.Connection(ctx)
	if err != nil {
		logger.Error("action: broker_connection_failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	storage, err := session.NewWALStorage(cfg.StateDir, cfg.SnapshotEvery)
	if err != nil {
		logger.Error("action: wal_storage_failed", slog.Any("error", err))
		os.Exit(1)
	}

	opts := []worker.Option{worker.WithLogger(logger), worker.WithMetrics(workerMetrics)}
	run, err := buildStage(ctx, cfg, conn, storage, opts)
	if err != nil {
		logger.Error("action: stage_build_failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("action: worker_start")
	errCh := make(chan error, 1)
	go func() { errCh <- run.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("action: shutdown_signal_received")
		run.Stop()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("action: run_failed", slog.Any("error", err))
		}
	}
	logger.Info("action: worker_stop")
}
