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
	"github.com/coffeeflow/engine/internal/operator/joiner"
	"github.com/coffeeflow/engine/internal/operator/router"
	"github.com/coffeeflow/engine/internal/session"
	"github.com/coffeeflow/engine/internal/wire"
)

func menuItemRefKey(ref any) string {
	return ref.(domain.MenuItem).ItemID
}

func menuItemEnrich(main any, ref map[string]any) (any, error) {
	item := main.(domain.TransactionItem)
	menu := make(map[string]domain.MenuItem, len(ref))
	for k, v := range ref {
		menu[k] = v.(domain.MenuItem)
	}
	return joiner.EnrichTransactionItem(item, menu)
}

func TestJoinerRuntimeEnrichesMainStreamAfterReferenceLoaded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := config.WorkerConfig{
		Replicas:   1,
		ReplicaID:  0,
		StageName:  "joiner_menu_item",
		ModuleName: "joiner_menu_item",
		Entity:     "transaction_item",
		From:       "joiner_menu_item.in",
		ToJSON:     `[{"name":"out","downstream_stage":"next","downstream_workers":1,"routing_fn":"default"}]`,
		StateDir:   t.TempDir(),
		Prefetch:   10,
	}
	storage, err := session.NewWALStorage(cfg.StateDir, 100)
	require.NoError(t, err)

	fake := brokertest.New()
	conn, err := fake.Connection(ctx)
	require.NoError(t, err)

	rt, err := NewJoinerRuntime(ctx, cfg, conn, storage, "ref_menu_item",
		wire.EntityMenuItem, wire.EntityTransactionItem,
		menuItemRefKey, menuItemEnrich, nil, router.ByName)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	refExchange, err := conn.DirectExchange(ctx, "ref_menu_item")
	require.NoError(t, err)
	refBody, err := wire.EncodeBatch([]any{domain.MenuItem{ItemID: "1", ItemName: "Latte"}}, true)
	require.NoError(t, err)
	refPayload, err := json.Marshal(refBody)
	require.NoError(t, err)
	require.NoError(t, refExchange.Publish(ctx, refPayload, referenceBindKey, map[string]string{
		SessionIDHeader: "sess-1", MessageIDHeader: "ref-1",
	}))

	mainQueue, err := conn.Queue(ctx, cfg.From, cfg.Prefetch)
	require.NoError(t, err)
	mainBody, err := wire.EncodeBatch([]any{
		domain.TransactionItem{ItemID: "1", Quantity: 3, Subtotal: 30},
	}, true)
	require.NoError(t, err)
	mainPayload, err := json.Marshal(mainBody)
	require.NoError(t, err)

	outExchange, err := conn.DirectExchange(ctx, "out")
	require.NoError(t, err)
	observer, err := outExchange.Bind(ctx, "next_0")
	require.NoError(t, err)
	enriched := make(chan broker.Delivery, 1)
	go func() {
		_ = observer.Consume(ctx, func(ctx context.Context, d broker.Delivery) error {
			enriched <- d
			return d.Ack()
		})
	}()

	// Give the reference load a moment to land before the main row, mirroring
	// the real system's "reference table arrives before the main stream"
	// assumption; the joiner also buffers main rows it sees first.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, mainQueue.Publish(ctx, mainPayload, "", map[string]string{
		SessionIDHeader: "sess-1", MessageIDHeader: "main-1",
	}))

	select {
	case d := <-enriched:
		var body wire.BatchBody
		require.NoError(t, json.Unmarshal(d.Body, &body))
		require.Len(t, body.Rows, 1)
		var got domain.EnrichedTransactionItem
		require.NoError(t, json.Unmarshal(body.Rows[0], &got))
		require.Equal(t, "Latte", got.ItemName)
		require.Equal(t, 3, got.Quantity)
	case <-ctx.Done():
		t.Fatal("timed out waiting for enriched output")
	}

	rt.Stop()
	<-done
}
