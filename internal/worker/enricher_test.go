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
	"github.com/coffeeflow/engine/internal/operator/router"
	"github.com/coffeeflow/engine/internal/session"
	"github.com/coffeeflow/engine/internal/wire"
)

func TestEnricherRuntimeAttachesBirthdateToReferenceCandidate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := config.WorkerConfig{
		Replicas:   1,
		ReplicaID:  0,
		StageName:  "enricher_q4",
		ModuleName: "enricher_q4",
		Entity:     "user",
		From:       "enricher_q4.in",
		Enricher:   "ref_q4_candidates",
		ToJSON:     `[{"name":"out","downstream_stage":"next","downstream_workers":1,"routing_fn":"default"}]`,
		StateDir:   t.TempDir(),
		Prefetch:   10,
	}
	storage, err := session.NewWALStorage(cfg.StateDir, 100)
	require.NoError(t, err)

	fake := brokertest.New()
	conn, err := fake.Connection(ctx)
	require.NoError(t, err)

	rt, err := NewEnricherRuntime(ctx, cfg, conn, storage, cfg.Enricher, router.ByName)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	refExchange, err := conn.DirectExchange(ctx, cfg.Enricher)
	require.NoError(t, err)
	candidates := domain.UserPurchasesByStore{
		"1": {"42": {Purchases: 5, StoreName: "Store1"}},
	}
	refBody, err := wire.EncodeBatch([]any{candidates}, true)
	require.NoError(t, err)
	refPayload, err := json.Marshal(refBody)
	require.NoError(t, err)
	require.NoError(t, refExchange.Publish(ctx, refPayload, referenceBindKey, map[string]string{
		SessionIDHeader: "sess-1", MessageIDHeader: "ref-1",
	}))

	time.Sleep(50 * time.Millisecond)

	mainQueue, err := conn.Queue(ctx, cfg.From, cfg.Prefetch)
	require.NoError(t, err)
	bday := time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC)
	mainBody, err := wire.EncodeBatch([]any{
		domain.User{UserID: "42", Birthdate: bday},
	}, true)
	require.NoError(t, err)
	mainPayload, err := json.Marshal(mainBody)
	require.NoError(t, err)

	outExchange, err := conn.DirectExchange(ctx, "out")
	require.NoError(t, err)
	observer, err := outExchange.Bind(ctx, "next_0")
	require.NoError(t, err)
	finalized := make(chan broker.Delivery, 1)
	go func() {
		_ = observer.Consume(ctx, func(ctx context.Context, d broker.Delivery) error {
			finalized <- d
			return d.Ack()
		})
	}()

	require.NoError(t, mainQueue.Publish(ctx, mainPayload, "", map[string]string{
		SessionIDHeader: "sess-1", MessageIDHeader: "main-1",
	}))

	select {
	case d := <-finalized:
		var body wire.BatchBody
		require.NoError(t, json.Unmarshal(d.Body, &body))
		require.Len(t, body.Rows, 1)
		var agg domain.UserPurchasesByStore
		require.NoError(t, json.Unmarshal(body.Rows[0], &agg))
		stat, ok := agg["1"]["42"]
		require.True(t, ok, "expected user 42 present under store 1, got %+v", agg)
		require.Equal(t, 5, stat.Purchases)
		require.True(t, stat.Birthday.Equal(bday), "expected birthdate attached")
	case <-ctx.Done():
		t.Fatal("timed out waiting for finalized aggregate")
	}

	rt.Stop()
	<-done
}
