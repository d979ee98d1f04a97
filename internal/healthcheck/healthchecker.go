package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coffeeflow/engine/internal/config"
	"github.com/coffeeflow/engine/internal/metrics"
)

// HealthChecker is one replica of the health-checker cluster: a UDP
// worker-heartbeat listener, a TCP peer mesh running Bully election among
// replicas, and a revival loop that only the elected leader runs.
type HealthChecker struct {
	cfg     config.HealthCheckerConfig
	logger  *slog.Logger
	metrics *metrics.HealthChecker

	workerRegistry *Registry
	peerRegistry   *Registry
	heartbeats     *HeartbeatListener
	peerServer     *PeerServer
	peerClient     *PeerClient
	election       *Election
	reviver        *Reviver
}

// New wires every component of a HealthChecker replica but does not start
// any network I/O yet — call Run for that.
func New(cfg config.HealthCheckerConfig, logger *slog.Logger, m *metrics.HealthChecker) (*HealthChecker, error) {
	workerRegistry := NewRegistry(cfg.PersistPath)
	peerRegistry := NewRegistry("")

	reviver, err := NewReviver(logger, m)
	if err != nil {
		return nil, err
	}

	peerClient := NewPeerClient(cfg.ReplicaID, cfg.Replicas, cfg.PeerPort, cfg.PeerHeartbeatInterval, logger)
	election := NewElection(cfg.ReplicaID, cfg.Replicas, cfg.ElectionTimeout, cfg.CoordinatorTimeout, peerClient, logger, m)
	peerServer := NewPeerServer(cfg.PeerPort, peerRegistry, election, logger)
	peerServer.SetOnElectionReceived(peerClient.ClearConnection)

	heartbeats, err := NewHeartbeatListener(cfg.WorkerPort, workerRegistry, logger)
	if err != nil {
		return nil, err
	}

	return &HealthChecker{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		workerRegistry: workerRegistry,
		peerRegistry:   peerRegistry,
		heartbeats:     heartbeats,
		peerServer:     peerServer,
		peerClient:     peerClient,
		election:       election,
		reviver:        reviver,
	}, nil
}

// Run starts every subsystem and blocks until ctx is canceled or a fatal
// error occurs. Non-fatal per-component errors (a failed revival attempt, a
// malformed heartbeat) are logged and do not stop the replica.
func (h *HealthChecker) Run(ctx context.Context) error {
	if err := h.workerRegistry.Load(); err != nil {
		h.logger.Warn("action: worker_registry_load", slog.Any("error", err))
	}
	defer h.reviver.Close()
	defer h.heartbeats.Close()

	h.logger.Info("action: health_checker_start",
		slog.Int("replica_id", h.cfg.ReplicaID), slog.Int("worker_port", h.cfg.WorkerPort))

	var wg sync.WaitGroup
	errCh := make(chan error, 5)

	runners := []func(context.Context) error{
		h.heartbeats.Run,
		h.peerServer.Run,
		h.peerClient.Run,
		h.healthCheckLoop,
	}
	for _, fn := range runners {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			errCh <- fn(ctx)
		}(fn)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.election.MonitorLeader(ctx, h.peerRegistry, h.cfg.PeerTimeout, h.cfg.PeerTimeout)
		errCh <- nil
	}()

	h.election.StartElection()

	go func() { wg.Wait(); close(errCh) }()
	var first error
	for err := range errCh {
		if err != nil && err != context.Canceled && first == nil {
			first = err
		}
	}
	h.logger.Info("action: health_checker_stop", slog.Int("replica_id", h.cfg.ReplicaID))
	return first
}

// healthCheckLoop periodically persists the worker registry and, while
// leader, revives dead workers and dead peer health-checkers.
func (h *HealthChecker) healthCheckLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.workerRegistry.Persist(); err != nil {
				h.logger.Warn("action: worker_registry_persist", slog.Any("error", err))
			}
			if !h.election.AmILeader() {
				continue
			}
			for _, worker := range h.workerRegistry.Dead(h.cfg.WorkerTimeout) {
				if h.metrics != nil {
					h.metrics.WorkerTimeouts.Inc()
				}
				if err := h.reviver.Revive(ctx, worker); err != nil {
					h.logger.Error("action: revive_container", slog.Any("error", err))
				}
			}
			for _, peerKey := range h.peerRegistry.Dead(h.cfg.PeerTimeout) {
				if h.metrics != nil {
					h.metrics.PeerTimeouts.Inc()
				}
				if err := h.reviver.Revive(ctx, peerKey); err != nil {
					h.logger.Error("action: revive_peer", slog.Any("error", err))
				}
				h.peerRegistry.Remove(peerKey)
			}
		}
	}
}

// WorkerHeartbeatAddr returns the UDP address convention a worker sidecar
// should send its heartbeats to.
func WorkerHeartbeatAddr(hcHost string, port int) string {
	return fmt.Sprintf("%s:%d", hcHost, port)
}
