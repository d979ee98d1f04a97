package merger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coffeeflow/engine/internal/domain"
)

func TestPeriodItemMergerSumsAcrossPartials(t *testing.T) {
	m := PeriodItemMerger{}
	a := domain.TransactionItemByPeriod{
		"2024-01": {"1": {Quantity: 3, Amount: 30, ItemName: "Latte"}},
	}
	b := domain.TransactionItemByPeriod{
		"2024-01": {"1": {Quantity: 2, Amount: 20, ItemName: "Latte"}},
	}
	var storage any
	for _, partial := range []domain.TransactionItemByPeriod{a, b} {
		op, err := m.OpFor(partial)
		require.NoError(t, err)
		storage = m.Reduce(storage, *op)
	}
	merged := storage.(domain.TransactionItemByPeriod)
	require.Equal(t, 5, merged["2024-01"]["1"].Quantity)
	require.Equal(t, 50.0, merged["2024-01"]["1"].Amount)
}

func TestTopKMergerRetainsAllCandidatesUnderCap(t *testing.T) {
	m := TopKMerger{}
	bday := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	partial := domain.UserPurchasesByStore{
		"1": {
			"A": {Purchases: 5, Birthday: bday, StoreName: "Store1"},
			"B": {Purchases: 3, Birthday: bday, StoreName: "Store1"},
			"C": {Purchases: 3, Birthday: bday, StoreName: "Store1"},
			"D": {Purchases: 4, Birthday: bday, StoreName: "Store1"},
		},
	}
	op, err := m.OpFor(partial)
	require.NoError(t, err)
	storage := m.Reduce(nil, *op)
	merged := storage.(domain.UserPurchasesByStore)
	require.Len(t, merged["1"], 4, "expected all 4 candidates retained under the 35 cap")
}
