// Package merger combines per-replica partial aggregates into the single
// per-session accumulator a sink formats: sum-merge for Q2/Q3, and for Q4 a
// sum-merge trimmed to the top 35 candidates per store (the Q4 sink selects
// the final top 3).
package merger

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/coffeeflow/engine/internal/domain"
	"github.com/coffeeflow/engine/internal/session"
)

// TransactionListMerger concatenates Q1's per-replica filtered-transaction
// lists into the final result list; plugged in both at the Q1 merge stage
// and, reused, at the Q1 sink stage, same as every other query's merger.
type TransactionListMerger struct{}

func (m TransactionListMerger) OpFor(partial any) (*session.Op, error) {
	txs, ok := partial.([]domain.Transaction)
	if !ok {
		return nil, fmt.Errorf("merger: TransactionListMerger: unexpected partial %T", partial)
	}
	payload, err := json.Marshal(txs)
	if err != nil {
		return nil, fmt.Errorf("merger: marshal partial: %w", err)
	}
	return &session.Op{Type: session.OpMerge, Payload: payload}, nil
}

func (m TransactionListMerger) Reduce(storage any, op session.Op) any {
	merged, _ := storage.([]domain.Transaction)
	var partial []domain.Transaction
	if err := json.Unmarshal(op.Payload, &partial); err != nil {
		return merged
	}
	return append(merged, partial...)
}

func (m TransactionListMerger) Finalize(storage any) []any {
	merged, _ := storage.([]domain.Transaction)
	if merged == nil {
		return nil
	}
	return []any{merged}
}

// PeriodItemMerger sums TransactionItemByPeriod partials across upstream
// aggregator replicas, keyed by (period, item_id).
type PeriodItemMerger struct{}

func (m PeriodItemMerger) OpFor(partial any) (*session.Op, error) {
	agg, ok := partial.(domain.TransactionItemByPeriod)
	if !ok {
		return nil, fmt.Errorf("merger: PeriodItemMerger: unexpected partial %T", partial)
	}
	payload, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("merger: marshal partial: %w", err)
	}
	return &session.Op{Type: session.OpMerge, Payload: payload}, nil
}

func (m PeriodItemMerger) Reduce(storage any, op session.Op) any {
	merged, _ := storage.(domain.TransactionItemByPeriod)
	if merged == nil {
		merged = make(domain.TransactionItemByPeriod)
	}
	var partial domain.TransactionItemByPeriod
	if err := json.Unmarshal(op.Payload, &partial); err != nil {
		return merged
	}
	for period, byItem := range partial {
		dst, ok := merged[period]
		if !ok {
			dst = make(map[string]*domain.ItemPeriodStat)
			merged[period] = dst
		}
		for itemID, stat := range byItem {
			cur, ok := dst[itemID]
			if !ok {
				cur = &domain.ItemPeriodStat{ItemName: stat.ItemName}
				dst[itemID] = cur
			}
			cur.Quantity += stat.Quantity
			cur.Amount += stat.Amount
		}
	}
	return merged
}

func (m PeriodItemMerger) Finalize(storage any) []any {
	agg, _ := storage.(domain.TransactionItemByPeriod)
	if agg == nil {
		return nil
	}
	return []any{agg}
}

// SemesterStoreMerger sums SemesterTPVByStore partials across upstream
// aggregator replicas, keyed by (semester, store_id).
type SemesterStoreMerger struct{}

func (m SemesterStoreMerger) OpFor(partial any) (*session.Op, error) {
	agg, ok := partial.(domain.SemesterTPVByStore)
	if !ok {
		return nil, fmt.Errorf("merger: SemesterStoreMerger: unexpected partial %T", partial)
	}
	payload, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("merger: marshal partial: %w", err)
	}
	return &session.Op{Type: session.OpMerge, Payload: payload}, nil
}

func (m SemesterStoreMerger) Reduce(storage any, op session.Op) any {
	merged, _ := storage.(domain.SemesterTPVByStore)
	if merged == nil {
		merged = make(domain.SemesterTPVByStore)
	}
	var partial domain.SemesterTPVByStore
	if err := json.Unmarshal(op.Payload, &partial); err != nil {
		return merged
	}
	for sem, byStore := range partial {
		dst, ok := merged[sem]
		if !ok {
			dst = make(map[string]*domain.StoreSemesterStat)
			merged[sem] = dst
		}
		for storeID, stat := range byStore {
			cur, ok := dst[storeID]
			if !ok {
				cur = &domain.StoreSemesterStat{StoreName: stat.StoreName}
				dst[storeID] = cur
			}
			cur.Amount += stat.Amount
		}
	}
	return merged
}

func (m SemesterStoreMerger) Finalize(storage any) []any {
	agg, _ := storage.(domain.SemesterTPVByStore)
	if agg == nil {
		return nil
	}
	return []any{agg}
}

// topCandidatesPerStore bounds how many users per store survive the partial
// merge before the sink's final top-3 selection, per spec.md §7 ("top-35
// candidate selection then final top-3"): cheap insurance against an
// unbounded per-store candidate set when many replicas each contribute
// distinct users.
const topCandidatesPerStore = 35

// TopKMerger merges UserPurchasesByStore partials and keeps, per store, only
// the topCandidatesPerStore highest-purchase-count candidates (tie-broken by
// user_id so the cut is deterministic across replicas). The sink performs
// the final top-3 selection with the exact (store_name asc, purchases desc,
// birthdate asc) order spec.md §5 requires.
type TopKMerger struct{}

func (m TopKMerger) OpFor(partial any) (*session.Op, error) {
	agg, ok := partial.(domain.UserPurchasesByStore)
	if !ok {
		return nil, fmt.Errorf("merger: TopKMerger: unexpected partial %T", partial)
	}
	payload, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("merger: marshal partial: %w", err)
	}
	return &session.Op{Type: session.OpMerge, Payload: payload}, nil
}

func (m TopKMerger) Reduce(storage any, op session.Op) any {
	merged, _ := storage.(domain.UserPurchasesByStore)
	if merged == nil {
		merged = make(domain.UserPurchasesByStore)
	}
	var partial domain.UserPurchasesByStore
	if err := json.Unmarshal(op.Payload, &partial); err != nil {
		return merged
	}
	for storeID, byUser := range partial {
		dst, ok := merged[storeID]
		if !ok {
			dst = make(map[string]*domain.UserStoreStat)
			merged[storeID] = dst
		}
		for userID, stat := range byUser {
			cur, ok := dst[userID]
			if !ok {
				cur = &domain.UserStoreStat{StoreName: stat.StoreName, Birthday: stat.Birthday}
				dst[userID] = cur
			}
			cur.Purchases += stat.Purchases
		}
	}
	return trimToCandidates(merged)
}

// trimToCandidates keeps, per store, only the topCandidatesPerStore
// highest-purchase users (ties broken by ascending user_id).
func trimToCandidates(agg domain.UserPurchasesByStore) domain.UserPurchasesByStore {
	for storeID, byUser := range agg {
		if len(byUser) <= topCandidatesPerStore {
			continue
		}
		type entry struct {
			userID string
			stat   *domain.UserStoreStat
		}
		entries := make([]entry, 0, len(byUser))
		for uid, stat := range byUser {
			entries = append(entries, entry{uid, stat})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].stat.Purchases != entries[j].stat.Purchases {
				return entries[i].stat.Purchases > entries[j].stat.Purchases
			}
			return entries[i].userID < entries[j].userID
		})
		trimmed := make(map[string]*domain.UserStoreStat, topCandidatesPerStore)
		for _, e := range entries[:topCandidatesPerStore] {
			trimmed[e.userID] = e.stat
		}
		agg[storeID] = trimmed
	}
	return agg
}

func (m TopKMerger) Finalize(storage any) []any {
	agg, _ := storage.(domain.UserPurchasesByStore)
	if agg == nil {
		return nil
	}
	return []any{agg}
}
