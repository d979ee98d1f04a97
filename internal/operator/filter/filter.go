// Package filter implements the boolean-predicate operators used by the Q1
// pipeline (and as a general building block elsewhere): amount cutoff, hour
// window, and year membership.
package filter

import "github.com/coffeeflow/engine/internal/domain"

// AmountFilter keeps transactions whose FinalAmount is at least MinAmount.
// Inclusive: a transaction of exactly MinAmount passes (spec.md §7: "Filter
// amount cutoff is inclusive").
type AmountFilter struct {
	MinAmount float64
}

// Match implements operator.Filter.
func (f AmountFilter) Match(entity any) bool {
	tx, ok := entity.(domain.Transaction)
	if !ok {
		return false
	}
	return tx.FinalAmount >= f.MinAmount
}

// HourWindowFilter keeps transactions created within [MinHour, MaxHour],
// inclusive on both ends.
type HourWindowFilter struct {
	MinHour int
	MaxHour int
}

func (f HourWindowFilter) Match(entity any) bool {
	tx, ok := entity.(domain.Transaction)
	if !ok {
		return false
	}
	h := tx.CreatedAt.Hour()
	return h >= f.MinHour && h <= f.MaxHour
}

// YearFilter keeps rows whose CreatedAt year is in Years. It matches both
// domain.Transaction and domain.TransactionItem, since the year window
// applies to both streams.
type YearFilter struct {
	Years map[int]struct{}
}

// NewYearFilter builds a YearFilter from a list of allowed years.
func NewYearFilter(years ...int) YearFilter {
	set := make(map[int]struct{}, len(years))
	for _, y := range years {
		set[y] = struct{}{}
	}
	return YearFilter{Years: set}
}

func (f YearFilter) Match(entity any) bool {
	var createdAt int
	switch v := entity.(type) {
	case domain.Transaction:
		createdAt = v.CreatedAt.Year()
	case domain.TransactionItem:
		createdAt = v.CreatedAt.Year()
	default:
		return false
	}
	_, ok := f.Years[createdAt]
	return ok
}

// DefaultYears is the 2024-2025 window every query pipeline restricts its
// transaction and transaction-item streams to.
var DefaultYears = []int{2024, 2025}

// DefaultAmountCutoff is the Q1 threshold confirmed against the original
// validator (spec.md §7, §9 note 1): transactions of at least $75 qualify.
const DefaultAmountCutoff = 75.0

// DefaultHourWindow is the Q1 business-hours window, inclusive both ends.
const (
	DefaultMinHour = 6
	DefaultMaxHour = 23
)
