// Package aggregator implements the three concrete per-session accumulators
// named in spec.md §4.D: period/item (Q2), semester/store (Q3), and
// per-store user purchase count (Q4).
package aggregator

import (
	"fmt"

	"github.com/coffeeflow/engine/internal/domain"
	"github.com/coffeeflow/engine/internal/session"
)

// PeriodItemAggregator accumulates TransactionItemByPeriod for Q2: per
// (period, item_id), running quantity and revenue.
type PeriodItemAggregator struct{}

func (a PeriodItemAggregator) OpFor(entity any) (*session.Op, error) {
	it, ok := entity.(domain.EnrichedTransactionItem)
	if !ok {
		return nil, fmt.Errorf("aggregator: PeriodItemAggregator: unexpected entity %T", entity)
	}
	p := it.CreatedAt.Format("2006-01")
	return &session.Op{
		Type:          session.OpAggregateItem,
		Period:        p,
		ItemID:        it.ItemID,
		ItemName:      it.ItemName,
		QuantityDelta: it.Quantity,
		AmountDelta:   it.Subtotal,
	}, nil
}

func (a PeriodItemAggregator) Reduce(storage any, op session.Op) any {
	agg, _ := storage.(domain.TransactionItemByPeriod)
	if agg == nil {
		agg = make(domain.TransactionItemByPeriod)
	}
	byItem, ok := agg[op.Period]
	if !ok {
		byItem = make(map[string]*domain.ItemPeriodStat)
		agg[op.Period] = byItem
	}
	stat, ok := byItem[op.ItemID]
	if !ok {
		stat = &domain.ItemPeriodStat{ItemName: op.ItemName}
		byItem[op.ItemID] = stat
	}
	stat.Quantity += op.QuantityDelta
	stat.Amount += op.AmountDelta
	return agg
}

// Finalize emits the whole accumulator as a single downstream message: the
// merger stage sums partials across replicas before the sink formats Q2.
func (a PeriodItemAggregator) Finalize(storage any) []any {
	agg, _ := storage.(domain.TransactionItemByPeriod)
	if agg == nil {
		return nil
	}
	return []any{agg}
}

// SemesterStoreAggregator accumulates SemesterTPVByStore for Q3: per
// (semester, store_id), running TPV.
type SemesterStoreAggregator struct{}

// semesterOf derives "YYYY-H1" or "YYYY-H2" from a timestamp's month.
func semesterOf(month int, year int) string {
	if month <= 6 {
		return fmt.Sprintf("%d-H1", year)
	}
	return fmt.Sprintf("%d-H2", year)
}

func (a SemesterStoreAggregator) OpFor(entity any) (*session.Op, error) {
	tx, ok := entity.(domain.EnrichedTransaction)
	if !ok {
		return nil, fmt.Errorf("aggregator: SemesterStoreAggregator: unexpected entity %T", entity)
	}
	sem := semesterOf(int(tx.CreatedAt.Month()), tx.CreatedAt.Year())
	return &session.Op{
		Type:        session.OpAggregateSemester,
		Semester:    sem,
		StoreID:     tx.StoreID,
		StoreName:   tx.StoreName,
		AmountDelta: tx.FinalAmount,
	}, nil
}

func (a SemesterStoreAggregator) Reduce(storage any, op session.Op) any {
	agg, _ := storage.(domain.SemesterTPVByStore)
	if agg == nil {
		agg = make(domain.SemesterTPVByStore)
	}
	byStore, ok := agg[op.Semester]
	if !ok {
		byStore = make(map[string]*domain.StoreSemesterStat)
		agg[op.Semester] = byStore
	}
	stat, ok := byStore[op.StoreID]
	if !ok {
		stat = &domain.StoreSemesterStat{StoreName: op.StoreName}
		byStore[op.StoreID] = stat
	}
	stat.Amount += op.AmountDelta
	return agg
}

func (a SemesterStoreAggregator) Finalize(storage any) []any {
	agg, _ := storage.(domain.SemesterTPVByStore)
	if agg == nil {
		return nil
	}
	return []any{agg}
}

// UserPurchaseAggregator accumulates UserPurchasesByStore for Q4. In the
// first pass (spec.md §4.D: "aggregate → enrich → merge") it counts
// purchases per (store_id, user_id) straight from store-enriched
// transactions, leaving birthday unset — the enricher attaches that later
// from the user stream. The enricher's own output, a UserPurchaseEvent
// already carrying the exact count and the real birthday, also folds
// through Reduce/Finalize unchanged; only OpFor differs between the two
// passes (the enricher builds its own session.Op directly, see
// EnricherRuntime.handleMain).
type UserPurchaseAggregator struct{}

func (a UserPurchaseAggregator) OpFor(entity any) (*session.Op, error) {
	tx, ok := entity.(domain.EnrichedTransaction)
	if !ok {
		return nil, fmt.Errorf("aggregator: UserPurchaseAggregator: unexpected entity %T", entity)
	}
	return &session.Op{
		Type:      session.OpIncrementUserPurchase,
		StoreID:   tx.StoreID,
		StoreName: tx.StoreName,
		UserID:    tx.UserID,
		Increment: 1,
	}, nil
}

func (a UserPurchaseAggregator) Reduce(storage any, op session.Op) any {
	agg, _ := storage.(domain.UserPurchasesByStore)
	if agg == nil {
		agg = make(domain.UserPurchasesByStore)
	}
	byUser, ok := agg[op.StoreID]
	if !ok {
		byUser = make(map[string]*domain.UserStoreStat)
		agg[op.StoreID] = byUser
	}
	stat, ok := byUser[op.UserID]
	if !ok {
		stat = &domain.UserStoreStat{StoreName: op.StoreName, Birthday: op.Birthday}
		byUser[op.UserID] = stat
	}
	stat.Purchases += op.Increment
	return agg
}

func (a UserPurchaseAggregator) Finalize(storage any) []any {
	agg, _ := storage.(domain.UserPurchasesByStore)
	if agg == nil {
		return nil
	}
	return []any{agg}
}
