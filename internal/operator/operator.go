// Package operator defines the per-stage business logic that plugs into the
// worker runtime: filters, aggregators, mergers, joiners, routers, and
// sinks. Every concrete operator is small and stateless in itself; session
// state lives in the WAL-backed Storage the worker runtime supplies, folded
// by the operator's Reducer.
package operator

import "github.com/coffeeflow/engine/internal/session"

// Processor is the shape the worker runtime drives: turn one upstream
// message into a WAL op, fold an op (freshly produced or replayed) into
// storage, and, at end of session, turn storage into the downstream
// message(s) this replica emits. Aggregator, Merger, and the filter
// accumulator all implement this one interface — the runtime does not need
// to distinguish them.
type Processor interface {
	// OpFor turns one upstream message into the WAL op that updates
	// storage. A nil op with a nil error means the message did not change
	// storage (e.g. a filter predicate that did not match).
	OpFor(entity any) (*session.Op, error)
	// Reduce applies an op (OpFor's output, or a replayed one) to storage.
	Reduce(storage any, op session.Op) any
	// Finalize converts the accumulated storage into the message(s) this
	// replica emits downstream once its own EOF is observed.
	Finalize(storage any) []any
}

// Aggregator folds one upstream entity into a per-session accumulator and,
// at end of session, emits the accumulator as downstream message(s). Its
// shape is Processor; the alias documents intent at call sites.
type Aggregator = Processor

// Merger combines partial accumulators (one per upstream replica) into a
// single per-session result, using the same shape as Aggregator so both can
// share the WAL commit path.
type Merger = Processor

// Filter is a stateless boolean predicate over one upstream entity.
type Filter interface {
	Match(entity any) bool
}

// Transformer derives stage-specific fields from a raw decoded entity (e.g.
// period/semester keys from a timestamp) without any session state.
type Transformer interface {
	Transform(entity any) (any, error)
}

// Router computes which downstream worker index a message belongs to,
// independent of the generic routing functions in internal/operator/router
// — used when a stage needs domain-aware sharding (e.g. Q4's user-store
// pinning is expressed as a routing function, not a Router operator, but the
// interface is kept for symmetry with the other operator kinds named in the
// component table).
type Router interface {
	Route(entity any, downstreamWorkers int) int
}

// Sink formats a finished session's accumulated result into the
// query-specific JSON artifact sent on the results exchange.
type Sink interface {
	Format(sessionID string, storage any) ([]byte, error)
	QueryName() string
}
