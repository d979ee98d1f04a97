package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coffeeflow/engine/internal/domain"
)

func TestPeriodItemAggregatorMatchesScenario2(t *testing.T) {
	a := PeriodItemAggregator{}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	items := []domain.EnrichedTransactionItem{
		{ItemID: "1", ItemName: "Latte", Quantity: 3, Subtotal: 30, CreatedAt: created},
		{ItemID: "2", ItemName: "Espresso", Quantity: 1, Subtotal: 100, CreatedAt: created},
	}
	var storage any
	for _, it := range items {
		op, err := a.OpFor(it)
		require.NoError(t, err)
		storage = a.Reduce(storage, *op)
	}
	agg := storage.(domain.TransactionItemByPeriod)
	period, ok := agg["2024-01"]
	require.True(t, ok, "expected period 2024-01, got keys %v", agg)
	require.Equal(t, 3, period["1"].Quantity)
	require.Equal(t, "Latte", period["1"].ItemName)
	require.Equal(t, 100.0, period["2"].Amount)
	require.Equal(t, "Espresso", period["2"].ItemName)
}

func TestSemesterStoreAggregatorMatchesScenario3(t *testing.T) {
	a := SemesterStoreAggregator{}
	h1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h2 := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

	var storage any
	for _, tx := range []domain.EnrichedTransaction{
		{StoreID: "7", StoreName: "S7", FinalAmount: 100, CreatedAt: h1},
		{StoreID: "7", StoreName: "S7", FinalAmount: 250, CreatedAt: h2},
	} {
		op, err := a.OpFor(tx)
		require.NoError(t, err)
		storage = a.Reduce(storage, *op)
	}
	agg := storage.(domain.SemesterTPVByStore)
	require.Equal(t, 100.0, agg["2024-H1"]["7"].Amount)
	require.Equal(t, 250.0, agg["2024-H2"]["7"].Amount)
}

func TestUserPurchaseAggregatorCountsPerStore(t *testing.T) {
	a := UserPurchaseAggregator{}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var storage any
	txs := []domain.EnrichedTransaction{
		{UserID: "A", StoreID: "1", StoreName: "Store1", FinalAmount: 10, CreatedAt: created},
		{UserID: "A", StoreID: "1", StoreName: "Store1", FinalAmount: 20, CreatedAt: created},
		{UserID: "B", StoreID: "1", StoreName: "Store1", FinalAmount: 15, CreatedAt: created},
	}
	for _, tx := range txs {
		op, err := a.OpFor(tx)
		require.NoError(t, err)
		storage = a.Reduce(storage, *op)
	}
	agg := storage.(domain.UserPurchasesByStore)
	require.Equal(t, 2, agg["1"]["A"].Purchases)
	require.Equal(t, 1, agg["1"]["B"].Purchases)
}
