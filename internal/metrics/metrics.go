// Package metrics defines the Prometheus collectors shared by workers,
// the gateway, and the health-checker cluster, and the helper that exposes
// them on /metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker holds the collectors one worker replica updates.
type Worker struct {
	MessagesProcessed *prometheus.CounterVec
	BatchesCommitted  prometheus.Counter
	WALFsyncs         prometheus.Counter
	Compactions       prometheus.Counter
	EOFsEmitted       prometheus.Counter
	DuplicatesDropped prometheus.Counter
	ProcessingLatency prometheus.Histogram
}

// NewWorker registers a fresh Worker collector set under stageName/replicaID
// labels against reg (use prometheus.NewRegistry() per process, not the
// global default, so tests can construct independent instances).
func NewWorker(reg prometheus.Registerer, stageName string, replicaID int) *Worker {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"stage": stageName, "replica": fmt.Sprintf("%d", replicaID)}
	return &Worker{
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "coffeeflow_worker_messages_processed_total",
			Help:        "Upstream messages processed, by entity kind.",
			ConstLabels: constLabels,
		}, []string{"entity"}),
		BatchesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_worker_batches_committed_total",
			Help:        "WAL batches committed (fsync + commit marker written).",
			ConstLabels: constLabels,
		}),
		WALFsyncs: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_worker_wal_fsyncs_total",
			Help:        "fsync(2) calls issued against a session's WAL file.",
			ConstLabels: constLabels,
		}),
		Compactions: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_worker_snapshot_compactions_total",
			Help:        "Snapshot compactions performed.",
			ConstLabels: constLabels,
		}),
		EOFsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_worker_eof_emitted_total",
			Help:        "Downstream EOF messages emitted by this replica acting as leader.",
			ConstLabels: constLabels,
		}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_worker_duplicates_dropped_total",
			Help:        "Redelivered messages dropped by the msgs_received dedup set.",
			ConstLabels: constLabels,
		}),
		ProcessingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "coffeeflow_worker_batch_process_seconds",
			Help:        "Wall-clock time spent applying one batch, including WAL commit.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// HealthChecker holds the collectors one health-checker replica updates.
type HealthChecker struct {
	ElectionsStarted    prometheus.Counter
	ElectionTransitions *prometheus.CounterVec
	WorkersRevived      prometheus.Counter
	WorkerTimeouts      prometheus.Counter
	PeerTimeouts        prometheus.Counter
}

// NewHealthChecker registers a fresh HealthChecker collector set.
func NewHealthChecker(reg prometheus.Registerer, hcID int) *HealthChecker {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"hc_id": fmt.Sprintf("%d", hcID)}
	return &HealthChecker{
		ElectionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_healthchecker_elections_started_total",
			Help:        "Bully elections this replica initiated.",
			ConstLabels: constLabels,
		}),
		ElectionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "coffeeflow_healthchecker_state_transitions_total",
			Help:        "Bully state machine transitions, by resulting state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		WorkersRevived: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_healthchecker_workers_revived_total",
			Help:        "Container revival attempts issued via the Docker Engine API.",
			ConstLabels: constLabels,
		}),
		WorkerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_healthchecker_worker_timeouts_total",
			Help:        "Worker heartbeat timeouts observed.",
			ConstLabels: constLabels,
		}),
		PeerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "coffeeflow_healthchecker_peer_timeouts_total",
			Help:        "Peer heartbeat timeouts observed, usually the trigger for a new election.",
			ConstLabels: constLabels,
		}),
	}
}

// IncElectionsStarted increments the elections-started counter.
func (h *HealthChecker) IncElectionsStarted() {
	h.ElectionsStarted.Inc()
}

// IncTransition increments the state-transition counter for the given
// resulting state (e.g. "leader", "follower", "electing").
func (h *HealthChecker) IncTransition(state string) {
	h.ElectionTransitions.WithLabelValues(state).Inc()
}

// Serve starts an HTTP server exposing reg on /metrics at addr. It blocks
// until ctx is canceled, then shuts the server down gracefully.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	}
}
