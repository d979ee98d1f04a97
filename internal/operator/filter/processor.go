package filter

import (
	"encoding/json"
	"fmt"

	"github.com/coffeeflow/engine/internal/domain"
	"github.com/coffeeflow/engine/internal/session"
)

// TransactionAccumulator runs every Predicate against each incoming
// transaction (AND semantics) and keeps the matches in session storage as
// []domain.Transaction, the shape sink.Q1Sink consumes directly.
type TransactionAccumulator struct {
	Predicates []Predicate
}

// Predicate is satisfied by AmountFilter, HourWindowFilter, and YearFilter.
type Predicate interface {
	Match(entity any) bool
}

// OpFor returns a filter_keep op carrying the transaction's JSON encoding
// when it matches every predicate, or nil (no WAL entry, entity dropped)
// otherwise.
func (a TransactionAccumulator) OpFor(entity any) (*session.Op, error) {
	tx, ok := entity.(domain.Transaction)
	if !ok {
		return nil, fmt.Errorf("filter: TransactionAccumulator: unexpected entity %T", entity)
	}
	for _, p := range a.Predicates {
		if !p.Match(tx) {
			return nil, nil
		}
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("filter: marshal transaction: %w", err)
	}
	return &session.Op{Type: session.OpFilterKeep, Payload: payload}, nil
}

func (a TransactionAccumulator) Reduce(storage any, op session.Op) any {
	kept, _ := storage.([]domain.Transaction)
	var tx domain.Transaction
	if err := json.Unmarshal(op.Payload, &tx); err != nil {
		return kept
	}
	return append(kept, tx)
}

func (a TransactionAccumulator) Finalize(storage any) []any {
	kept, _ := storage.([]domain.Transaction)
	return []any{kept}
}

// TransactionItemAccumulator runs every Predicate against each incoming
// transaction item (AND semantics), the item-stream counterpart of
// TransactionAccumulator; given a YearFilter it keeps only transaction items
// within the 2024-2025 window.
type TransactionItemAccumulator struct {
	Predicates []Predicate
}

func (a TransactionItemAccumulator) OpFor(entity any) (*session.Op, error) {
	item, ok := entity.(domain.TransactionItem)
	if !ok {
		return nil, fmt.Errorf("filter: TransactionItemAccumulator: unexpected entity %T", entity)
	}
	for _, p := range a.Predicates {
		if !p.Match(item) {
			return nil, nil
		}
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("filter: marshal transaction item: %w", err)
	}
	return &session.Op{Type: session.OpFilterKeep, Payload: payload}, nil
}

func (a TransactionItemAccumulator) Reduce(storage any, op session.Op) any {
	kept, _ := storage.([]domain.TransactionItem)
	var item domain.TransactionItem
	if err := json.Unmarshal(op.Payload, &item); err != nil {
		return kept
	}
	return append(kept, item)
}

func (a TransactionItemAccumulator) Finalize(storage any) []any {
	kept, _ := storage.([]domain.TransactionItem)
	return []any{kept}
}
