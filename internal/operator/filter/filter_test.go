package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coffeeflow/engine/internal/domain"
	"github.com/coffeeflow/engine/internal/session"
)

func TestAmountFilterInclusiveCutoff(t *testing.T) {
	f := AmountFilter{MinAmount: DefaultAmountCutoff}
	require.True(t, f.Match(domain.Transaction{FinalAmount: 75}))
	require.False(t, f.Match(domain.Transaction{FinalAmount: 74.99}))
}

func TestHourWindowFilterInclusiveBounds(t *testing.T) {
	f := HourWindowFilter{MinHour: DefaultMinHour, MaxHour: DefaultMaxHour}
	inWindow := domain.Transaction{CreatedAt: time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)}
	outOfWindow := domain.Transaction{CreatedAt: time.Date(2024, 1, 1, 5, 59, 0, 0, time.UTC)}
	require.True(t, f.Match(inWindow))
	require.False(t, f.Match(outOfWindow))
}

func TestYearFilterMatchesTransactionsAndItems(t *testing.T) {
	f := NewYearFilter(DefaultYears...)
	require.True(t, f.Match(domain.Transaction{CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}))
	require.True(t, f.Match(domain.TransactionItem{CreatedAt: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)}))
	require.False(t, f.Match(domain.Transaction{CreatedAt: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)}))
	require.False(t, f.Match(domain.TransactionItem{CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}))
}

func TestYearFilterRejectsUnknownEntity(t *testing.T) {
	f := NewYearFilter(DefaultYears...)
	require.False(t, f.Match(domain.Store{}))
}

func TestTransactionAccumulatorDropsRowsFailingAnyPredicate(t *testing.T) {
	a := TransactionAccumulator{Predicates: []Predicate{
		AmountFilter{MinAmount: DefaultAmountCutoff},
		NewYearFilter(DefaultYears...),
	}}

	keep := domain.Transaction{ID: "t1", FinalAmount: 80, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	op, err := a.OpFor(keep)
	require.NoError(t, err)
	require.NotNil(t, op)
	require.Equal(t, session.OpFilterKeep, op.Type)

	drop := domain.Transaction{ID: "t2", FinalAmount: 80, CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
	op, err = a.OpFor(drop)
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestTransactionItemAccumulatorDropsRowsOutsideYearWindow(t *testing.T) {
	a := TransactionItemAccumulator{Predicates: []Predicate{NewYearFilter(DefaultYears...)}}

	keep := domain.TransactionItem{ItemID: "1", CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	keepOp, err := a.OpFor(keep)
	require.NoError(t, err)
	require.NotNil(t, keepOp)

	drop := domain.TransactionItem{ItemID: "2", CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	dropOp, err := a.OpFor(drop)
	require.NoError(t, err)
	require.Nil(t, dropOp)

	var storage any
	storage = a.Reduce(storage, *keepOp)
	kept := a.Finalize(storage)
	require.Len(t, kept, 1)
}
