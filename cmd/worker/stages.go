package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coffeeflow/engine/internal/broker"
	"github.com/coffeeflow/engine/internal/config"
	"github.com/coffeeflow/engine/internal/domain"
	"github.com/coffeeflow/engine/internal/operator"
	"github.com/coffeeflow/engine/internal/operator/aggregator"
	"github.com/coffeeflow/engine/internal/operator/filter"
	"github.com/coffeeflow/engine/internal/operator/joiner"
	"github.com/coffeeflow/engine/internal/operator/merger"
	"github.com/coffeeflow/engine/internal/operator/router"
	"github.com/coffeeflow/engine/internal/operator/sink"
	"github.com/coffeeflow/engine/internal/operator/transformer"
	"github.com/coffeeflow/engine/internal/session"
	"github.com/coffeeflow/engine/internal/wire"
	"github.com/coffeeflow/engine/internal/worker"
)

// Reference exchange and results exchange names. "results" must match the
// gateway's own resultsExchangeName constant: every sink stage publishes
// its formatted output there, keyed by query name.
const (
	refExchangeMenuItem = "ref_menu_item"
	refExchangeStore    = "ref_store"
	resultsExchange     = "results"
)

// yearFilter is the 2024-2025 window every query pipeline restricts its
// transaction and transaction-item streams to, shared across filter_q1 and
// every joiner's main-stream intake.
var yearFilter = filter.NewYearFilter(filter.DefaultYears...)

// buildStage dispatches on cfg.ModuleName to construct the one runner this
// process instance drives. Every stage name below corresponds to one node
// of the four query pipelines described by the component table.
func buildStage(ctx context.Context, cfg config.WorkerConfig, conn broker.Connection, storage *session.WALStorage, opts []worker.Option) (runner, error) {
	switch cfg.ModuleName {
	case "transformer":
		return buildTransformer(ctx, cfg, conn, storage, opts)

	case "filter_q1":
		processor := filter.TransactionAccumulator{Predicates: []filter.Predicate{
			filter.AmountFilter{MinAmount: filter.DefaultAmountCutoff},
			filter.HourWindowFilter{MinHour: filter.DefaultMinHour, MaxHour: filter.DefaultMaxHour},
			yearFilter,
		}}
		return worker.New(ctx, cfg, conn, storage, processor, decodeEntityBatch(wire.EntityTransaction), router.ByName, opts...)

	case "merger_q1", "sink_q1":
		processor := merger.TransactionListMerger{}
		decode := decodeSingleRow(func(raw json.RawMessage) (any, error) {
			var txs []domain.Transaction
			err := json.Unmarshal(raw, &txs)
			return txs, err
		})
		return newRuntimeOrSink(ctx, cfg, conn, storage, processor, decode, opts, cfg.ModuleName == "sink_q1", sink.Q1Sink{})

	case "joiner_menu_item":
		return buildJoiner(ctx, cfg, conn, storage, opts, joinerSpec{
			refExchange:   refExchangeMenuItem,
			referenceKind: wire.EntityMenuItem,
			mainKind:      wire.EntityTransactionItem,
			refKey: func(ref any) string {
				mi := ref.(domain.MenuItem)
				return mi.ItemID
			},
			enrich: func(main any, ref map[string]any) (any, error) {
				item := main.(domain.TransactionItem)
				menu := make(map[string]domain.MenuItem, len(ref))
				for k, v := range ref {
					menu[k] = v.(domain.MenuItem)
				}
				return joiner.EnrichTransactionItem(item, menu)
			},
			mainFilter: yearFilter.Match,
		})

	case "aggregator_q2":
		return worker.New(ctx, cfg, conn, storage, aggregator.PeriodItemAggregator{}, decodeSingleRow(decodeEnrichedTransactionItem), router.ByName, opts...)

	case "merger_q2", "sink_q2":
		processor := merger.PeriodItemMerger{}
		decode := decodeSingleRow(func(raw json.RawMessage) (any, error) {
			var agg domain.TransactionItemByPeriod
			err := json.Unmarshal(raw, &agg)
			return agg, err
		})
		return newRuntimeOrSink(ctx, cfg, conn, storage, processor, decode, opts, cfg.ModuleName == "sink_q2", sink.Q2Sink{})

	case "joiner_store":
		return buildJoiner(ctx, cfg, conn, storage, opts, joinerSpec{
			refExchange:   refExchangeStore,
			referenceKind: wire.EntityStore,
			mainKind:      wire.EntityTransaction,
			refKey: func(ref any) string {
				st := ref.(domain.Store)
				return st.StoreID
			},
			enrich: func(main any, ref map[string]any) (any, error) {
				tx := main.(domain.Transaction)
				stores := make(map[string]domain.Store, len(ref))
				for k, v := range ref {
					stores[k] = v.(domain.Store)
				}
				return joiner.EnrichTransactionStore(tx, stores)
			},
			mainFilter: yearFilter.Match,
		})

	case "aggregator_q3":
		return worker.New(ctx, cfg, conn, storage, aggregator.SemesterStoreAggregator{}, decodeSingleRow(decodeEnrichedTransaction), router.ByName, opts...)

	case "merger_q3", "sink_q3":
		processor := merger.SemesterStoreMerger{}
		decode := decodeSingleRow(func(raw json.RawMessage) (any, error) {
			var agg domain.SemesterTPVByStore
			err := json.Unmarshal(raw, &agg)
			return agg, err
		})
		return newRuntimeOrSink(ctx, cfg, conn, storage, processor, decode, opts, cfg.ModuleName == "sink_q3", sink.Q3Sink{})

	case "aggregator_q4":
		return worker.New(ctx, cfg, conn, storage, aggregator.UserPurchaseAggregator{}, decodeSingleRow(decodeEnrichedTransaction), router.ByName, opts...)

	case "merger_q4_topk":
		processor := merger.TopKMerger{}
		decode := decodeUserPurchasesByStore
		return worker.New(ctx, cfg, conn, storage, processor, decode, router.ByName, opts...)

	case "enricher_q4":
		return worker.NewEnricherRuntime(ctx, cfg, conn, storage, cfg.Enricher, router.ByName, opts...)

	case "merger_q4_final", "sink_q4":
		processor := merger.TopKMerger{}
		decode := decodeUserPurchasesByStore
		return newRuntimeOrSink(ctx, cfg, conn, storage, processor, decode, opts, cfg.ModuleName == "sink_q4", sink.Q4Sink{})

	default:
		return nil, fmt.Errorf("worker: unknown module %q", cfg.ModuleName)
	}
}

// newRuntimeOrSink builds a plain Runtime, or one with worker.WithSink
// attached when isSink is set. Every pipeline's sink stage reuses that
// pipeline's merger Processor, since folding one more partial in is exactly
// what a sink needs as a safety net against a stray extra upstream message.
func newRuntimeOrSink(ctx context.Context, cfg config.WorkerConfig, conn broker.Connection, storage *session.WALStorage, processor operator.Processor, decode worker.Decoder, opts []worker.Option, isSink bool, s operator.Sink) (runner, error) {
	if isSink {
		exchange, err := conn.DirectExchange(ctx, resultsExchange)
		if err != nil {
			return nil, fmt.Errorf("worker: open results exchange: %w", err)
		}
		opts = append(opts, worker.WithSink(exchange, s))
	}
	return worker.New(ctx, cfg, conn, storage, processor, decode, router.ByName, opts...)
}

// buildTransformer wires the raw-CSV-row consumer for cfg.Entity: decode
// parses each row into the typed entity, transformer.Collector buffers and
// re-emits it downstream unchanged.
func buildTransformer(ctx context.Context, cfg config.WorkerConfig, conn broker.Connection, storage *session.WALStorage, opts []worker.Option) (runner, error) {
	kind, err := cfg.EntityKind()
	if err != nil {
		return nil, err
	}
	decode, err := rawRowDecoder(kind)
	if err != nil {
		return nil, err
	}
	return worker.New(ctx, cfg, conn, storage, transformer.Collector{}, decode, router.ByName, opts...)
}

// rawRowDecoder parses a raw-CSV BatchBody into the typed entity for kind,
// the first decode every stream goes through after leaving the gateway.
func rawRowDecoder(kind wire.EntityKind) (worker.Decoder, error) {
	var parse func(row string) (any, error)
	switch kind {
	case wire.EntityStore:
		parse = func(row string) (any, error) { return transformer.ParseStore(row) }
	case wire.EntityUser:
		parse = func(row string) (any, error) { return transformer.ParseUser(row) }
	case wire.EntityTransaction:
		parse = func(row string) (any, error) { return transformer.ParseTransaction(row) }
	case wire.EntityTransactionItem:
		parse = func(row string) (any, error) { return transformer.ParseTransactionItem(row) }
	case wire.EntityMenuItem:
		parse = func(row string) (any, error) { return transformer.ParseMenuItem(row) }
	default:
		return nil, fmt.Errorf("worker: unknown entity kind %d", kind)
	}
	return func(body wire.BatchBody) ([]any, error) {
		rows, err := wire.DecodeRawRows(body)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			v, err := parse(row)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}, nil
}

// decodeEntityBatch adapts wire.DecodeBatch (typed-JSON entity rows) to the
// worker.Decoder shape.
func decodeEntityBatch(kind wire.EntityKind) worker.Decoder {
	return func(body wire.BatchBody) ([]any, error) {
		return wire.DecodeBatch(kind, body)
	}
}

// decodeSingleRow adapts a per-row unmarshal function into a worker.Decoder:
// used for stages whose upstream rows are whole collections (a merged map,
// a filtered list) rather than one-entity-per-row, so wire.DecodeBatch's
// entity switch does not apply.
func decodeSingleRow(unmarshal func(raw json.RawMessage) (any, error)) worker.Decoder {
	return func(body wire.BatchBody) ([]any, error) {
		out := make([]any, 0, len(body.Rows))
		for _, raw := range body.Rows {
			v, err := unmarshal(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
			}
			out = append(out, v)
		}
		return out, nil
	}
}

func decodeEnrichedTransactionItem(raw json.RawMessage) (any, error) {
	var v domain.EnrichedTransactionItem
	err := json.Unmarshal(raw, &v)
	return v, err
}

func decodeEnrichedTransaction(raw json.RawMessage) (any, error) {
	var v domain.EnrichedTransaction
	err := json.Unmarshal(raw, &v)
	return v, err
}

func decodeUserPurchasesByStore(body wire.BatchBody) ([]any, error) {
	return decodeSingleRow(func(raw json.RawMessage) (any, error) {
		var agg domain.UserPurchasesByStore
		err := json.Unmarshal(raw, &agg)
		return agg, err
	})(body)
}

// joinerSpec bundles the per-query closures buildJoiner needs to configure
// a worker.JoinerRuntime.
type joinerSpec struct {
	refExchange   string
	referenceKind wire.EntityKind
	mainKind      wire.EntityKind
	refKey        func(ref any) string
	enrich        func(main any, ref map[string]any) (any, error)
	mainFilter    func(main any) bool
}

func buildJoiner(ctx context.Context, cfg config.WorkerConfig, conn broker.Connection, storage *session.WALStorage, opts []worker.Option, spec joinerSpec) (runner, error) {
	return worker.NewJoinerRuntime(ctx, cfg, conn, storage, spec.refExchange, spec.referenceKind, spec.mainKind, spec.refKey, spec.enrich, spec.mainFilter, router.ByName, opts...)
}
