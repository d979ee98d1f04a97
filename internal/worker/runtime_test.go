package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coffeeflow/engine/internal/broker"
	"github.com/coffeeflow/engine/internal/broker/brokertest"
	"github.com/coffeeflow/engine/internal/config"
	"github.com/coffeeflow/engine/internal/domain"
	"github.com/coffeeflow/engine/internal/operator/filter"
	"github.com/coffeeflow/engine/internal/operator/router"
	"github.com/coffeeflow/engine/internal/session"
	"github.com/coffeeflow/engine/internal/wire"
)

func decodeTransactions(body wire.BatchBody) ([]any, error) {
	return wire.DecodeBatch(wire.EntityTransaction, body)
}

// singleReplicaConfig builds a WorkerConfig for one replica with no
// downstream outputs, the minimal shape onLocalEOF/finishLocalEOF exercise
// without a sink.
func singleReplicaConfig(t *testing.T, stage string) config.WorkerConfig {
	t.Helper()
	return config.WorkerConfig{
		Replicas:      1,
		ReplicaID:     0,
		StageName:     stage,
		ModuleName:    "filter_q1",
		Entity:        "transaction",
		From:          stage + ".in",
		StateDir:      t.TempDir(),
		SnapshotEvery: 100,
		Prefetch:      10,
	}
}

func TestRuntimeAppliesFilterAndEmitsWorkerEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := singleReplicaConfig(t, "filter_q1")
	storage, err := session.NewWALStorage(cfg.StateDir, cfg.SnapshotEvery)
	require.NoError(t, err)

	fake := brokertest.New()
	conn, err := fake.Connection(ctx)
	require.NoError(t, err)

	processor := filter.TransactionAccumulator{
		Predicates: []filter.Predicate{filter.AmountFilter{MinAmount: 75}},
	}
	rt, err := New(ctx, cfg, conn, storage, processor, decodeTransactions, router.ByName)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	dataQueue, err := conn.Queue(ctx, cfg.From, cfg.Prefetch)
	require.NoError(t, err)

	rows := []any{
		domain.Transaction{ID: "t1", StoreID: "7", UserID: "1", FinalAmount: 80},
		domain.Transaction{ID: "t2", StoreID: "7", UserID: "2", FinalAmount: 10},
	}
	body, err := wire.EncodeBatch(rows, true)
	require.NoError(t, err)
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	headers := map[string]string{SessionIDHeader: "sess-1", MessageIDHeader: "m1"}
	require.NoError(t, dataQueue.Publish(ctx, payload, "", headers))

	intraExchange, err := conn.FanoutExchange(ctx, cfg.StageName+".eof")
	require.NoError(t, err)
	observer, err := intraExchange.Bind(ctx, "observer")
	require.NoError(t, err)
	received := make(chan struct{}, 1)
	go func() {
		_ = observer.Consume(ctx, func(ctx context.Context, d broker.Delivery) error {
			received <- struct{}{}
			return d.Ack()
		})
	}()

	select {
	case <-received:
	case <-ctx.Done():
		t.Fatal("timed out waiting for WorkerEOF broadcast")
	}

	rt.Stop()
	<-done
}
