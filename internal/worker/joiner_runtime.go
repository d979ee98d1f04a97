package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/coffeeflow/engine/internal/broker"
	"github.com/coffeeflow/engine/internal/config"
	"github.com/coffeeflow/engine/internal/domain"
	"github.com/coffeeflow/engine/internal/metrics"
	"github.com/coffeeflow/engine/internal/operator/router"
	"github.com/coffeeflow/engine/internal/session"
	"github.com/coffeeflow/engine/internal/wire"
)

// joinerState is the per-session state of a reference-small join: the full
// reference table (broadcast to every replica) keyed by a caller-supplied
// key, a backlog of main-stream rows seen before the reference's own EOF,
// and the enriched rows ready to flush once the main stream's own EOF is
// observed.
type joinerState struct {
	mu            sync.Mutex
	ReferenceDone bool
	Ref           map[string]any
	Buffered      []json.RawMessage
	Out           []json.RawMessage
}

func newJoinerState() *joinerState {
	return &joinerState{Ref: make(map[string]any)}
}

// JoinerRuntime implements spec.md §4.D's reference-small join: load the
// full reference table over a side channel that reaches every replica (a
// direct exchange bound with referenceBindKey), then enrich the main
// stream directly, buffering main-stream rows only until the reference's
// own EOF arrives. Grounded on Runtime/EnricherRuntime's shape, simplified
// because the reference table is small enough to hold entirely in memory
// before any enrichment happens.
type JoinerRuntime struct {
	cfg      config.WorkerConfig
	workerID string
	manager  *session.Manager
	outputs  []wiredOutput
	logger   *slog.Logger
	metrics  *metrics.Worker

	referenceConsume broker.Consumer
	mainQueue        broker.Queue
	intraConsume     broker.Consumer
	intraPublish     broker.Publisher

	referenceKind wire.EntityKind
	mainKind      wire.EntityKind
	refKey        func(ref any) string
	enrich        func(main any, ref map[string]any) (any, error)
	mainFilter    func(main any) bool
}

// referenceBindKey is the fixed binding key every joiner/enricher replica
// uses to bind its own exclusive queue to the shared reference exchange, so
// a single publish reaches every bound replica (broker.DirectExchange.Bind
// hands each caller a distinct auto-named queue for the same key).
const referenceBindKey = "common"

// NewJoinerRuntime wires the reference exchange (referenceExchangeName,
// broadcast to every replica via the Bind-per-replica pattern), the main
// data queue (cfg.From), and the usual intra-stage EOF ring. mainFilter, if
// non-nil, drops main-stream rows before they are buffered or enriched (the
// 2024-2025 year window every query pipeline applies upstream of its join);
// pass nil to join every row unconditionally.
func NewJoinerRuntime(
	ctx context.Context,
	cfg config.WorkerConfig,
	conn broker.Connection,
	storage *session.WALStorage,
	referenceExchangeName string,
	referenceKind, mainKind wire.EntityKind,
	refKey func(ref any) string,
	enrich func(main any, ref map[string]any) (any, error),
	mainFilter func(main any) bool,
	routeFor func(name string) (router.Func, error),
	opts ...Option,
) (*JoinerRuntime, error) {
	r := &JoinerRuntime{
		cfg:           cfg,
		workerID:      strconv.Itoa(cfg.ReplicaID),
		logger:        slog.Default(),
		referenceKind: referenceKind,
		mainKind:      mainKind,
		refKey:        refKey,
		enrich:        enrich,
		mainFilter:    mainFilter,
	}
	base := &Runtime{logger: r.logger}
	for _, o := range opts {
		o(base)
	}
	r.logger, r.metrics = base.logger, base.metrics

	r.manager = session.NewManager(storage, r.reduce, cfg.ReplicaID, cfg.Replicas)

	mainQueue, err := conn.Queue(ctx, cfg.From, cfg.Prefetch)
	if err != nil {
		return nil, fmt.Errorf("worker: open main queue %s: %w", cfg.From, err)
	}
	r.mainQueue = mainQueue

	referenceExchange, err := conn.DirectExchange(ctx, referenceExchangeName)
	if err != nil {
		return nil, fmt.Errorf("worker: open reference exchange %s: %w", referenceExchangeName, err)
	}
	referenceConsumer, err := referenceExchange.Bind(ctx, referenceBindKey)
	if err != nil {
		return nil, fmt.Errorf("worker: bind reference exchange %s: %w", referenceExchangeName, err)
	}
	r.referenceConsume = referenceConsumer

	intraExchangeName := cfg.StageName + ".eof"
	intraExchange, err := conn.FanoutExchange(ctx, intraExchangeName)
	if err != nil {
		return nil, fmt.Errorf("worker: open intra exchange %s: %w", intraExchangeName, err)
	}
	intraConsumer, err := intraExchange.Bind(ctx, r.workerID)
	if err != nil {
		return nil, fmt.Errorf("worker: bind intra exchange %s: %w", intraExchangeName, err)
	}
	r.intraConsume = intraConsumer
	r.intraPublish = intraExchange

	descriptors, err := cfg.Outputs()
	if err != nil {
		return nil, fmt.Errorf("worker: parse outputs: %w", err)
	}
	for _, d := range descriptors {
		route, err := routeFor(d.RoutingFn)
		if err != nil {
			return nil, fmt.Errorf("worker: output %s: %w", d.Name, err)
		}
		exchange, err := conn.DirectExchange(ctx, d.Name)
		if err != nil {
			return nil, fmt.Errorf("worker: open output exchange %s: %w", d.Name, err)
		}
		r.outputs = append(r.outputs, wiredOutput{descriptor: d, exchange: exchange, route: route})
	}

	if err := r.manager.LoadSessions(); err != nil {
		return nil, fmt.Errorf("worker: load persisted sessions: %w", err)
	}
	return r, nil
}

func (r *JoinerRuntime) reduce(storage any, op session.Op) any {
	st, _ := storage.(*joinerState)
	if st == nil {
		st = newJoinerState()
	}
	switch op.Type {
	case session.OpJoinerRefLoad:
		st.mu.Lock()
		ref, err := wire.DecodeBatch(r.referenceKind, wire.BatchBody{Rows: []json.RawMessage{op.Payload}})
		if err == nil && len(ref) == 1 {
			st.Ref[op.Key] = ref[0]
		}
		st.mu.Unlock()
	case session.OpJoinerRefDone:
		st.mu.Lock()
		st.ReferenceDone = true
		buffered := st.Buffered
		st.Buffered = nil
		st.mu.Unlock()
		for _, raw := range buffered {
			r.enrichAndAppend(st, raw)
		}
	case session.OpJoinerMain:
		st.mu.Lock()
		done := st.ReferenceDone
		if !done {
			st.Buffered = append(st.Buffered, append(json.RawMessage(nil), op.Payload...))
		}
		st.mu.Unlock()
		if done {
			r.enrichAndAppend(st, op.Payload)
		}
	}
	return st
}

func (r *JoinerRuntime) enrichAndAppend(st *joinerState, raw json.RawMessage) {
	entities, err := wire.DecodeBatch(r.mainKind, wire.BatchBody{Rows: []json.RawMessage{raw}})
	if err != nil || len(entities) == 0 {
		r.logger.Warn("action: joiner_decode_failed", slog.Any("error", err))
		return
	}
	if r.mainFilter != nil && !r.mainFilter(entities[0]) {
		return
	}
	st.mu.Lock()
	ref := make(map[string]any, len(st.Ref))
	for k, v := range st.Ref {
		ref[k] = v
	}
	st.mu.Unlock()

	enriched, err := r.enrich(entities[0], ref)
	if err != nil {
		r.logger.Warn("action: joiner_enrich_failed", slog.Any("error", err))
		return
	}
	payload, err := json.Marshal(enriched)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.Out = append(st.Out, payload)
	st.mu.Unlock()
}

// Run consumes the reference queue, the main queue, and the intra-stage EOF
// ring concurrently.
func (r *JoinerRuntime) Run(ctx context.Context) error {
	errCh := make(chan error, 3)
	go func() { errCh <- r.referenceConsume.Consume(ctx, r.handleReference) }()
	go func() { errCh <- r.mainQueue.Consume(ctx, r.handleMain) }()
	go func() { errCh <- r.intraConsume.Consume(ctx, r.handleIntra) }()

	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && err != context.Canceled {
			return err
		}
	}
	return nil
}

func (r *JoinerRuntime) Stop() {
	r.referenceConsume.Stop()
	r.mainQueue.Stop()
	r.intraConsume.Stop()
}

func (r *JoinerRuntime) handleReference(ctx context.Context, d broker.Delivery) error {
	sessionID := d.Headers[SessionIDHeader]
	msgID := d.Headers[MessageIDHeader]
	sess, err := r.manager.GetOrInitialize(sessionID)
	if err != nil {
		return d.Nack(false)
	}
	if sess.IsDuplicate(msgID) {
		return d.Ack()
	}

	var body wire.BatchBody
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return d.Nack(false)
	}
	var ops []session.Op
	for _, raw := range body.Rows {
		entities, err := wire.DecodeBatch(r.referenceKind, wire.BatchBody{Rows: []json.RawMessage{raw}})
		if err != nil || len(entities) == 0 {
			continue
		}
		ops = append(ops, session.Op{Type: session.OpJoinerRefLoad, Key: r.refKey(entities[0]), Payload: raw})
	}
	if body.EOF {
		ops = append(ops, session.Op{Type: session.OpJoinerRefDone})
	}
	sess.Stage(msgID, ops...)
	if err := r.manager.Commit(sess, msgID); err != nil {
		return d.Nack(false)
	}
	return d.Ack()
}

func (r *JoinerRuntime) handleMain(ctx context.Context, d broker.Delivery) error {
	sessionID := d.Headers[SessionIDHeader]
	msgID := d.Headers[MessageIDHeader]
	sess, err := r.manager.GetOrInitialize(sessionID)
	if err != nil {
		return d.Nack(false)
	}
	if sess.IsDuplicate(msgID) {
		return d.Ack()
	}

	var body wire.BatchBody
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return d.Nack(false)
	}
	var ops []session.Op
	for _, raw := range body.Rows {
		ops = append(ops, session.Op{Type: session.OpJoinerMain, Payload: raw})
	}
	sess.Stage(msgID, ops...)
	if err := r.manager.Commit(sess, msgID); err != nil {
		return d.Nack(false)
	}

	if body.EOF {
		if err := r.onLocalEOF(ctx, sess); err != nil {
			return d.Nack(false)
		}
	}
	return d.Ack()
}

func (r *JoinerRuntime) onLocalEOF(ctx context.Context, sess *session.Session) error {
	st, _ := sess.Storage.(*joinerState)
	var out []json.RawMessage
	if st != nil {
		st.mu.Lock()
		out = st.Out
		st.Out = nil
		st.mu.Unlock()
	}
	for _, row := range out {
		if err := publishData(ctx, r.outputs, sess.ID, row); err != nil {
			return err
		}
	}
	sess.RecordEOF(r.workerID)
	if err := r.manager.Commit(sess, "eof-"+r.workerID); err != nil {
		return err
	}
	payload, err := json.Marshal(domain.WorkerEOF{WorkerID: r.workerID})
	if err != nil {
		return err
	}
	return r.intraPublish.Publish(ctx, payload, r.workerID, map[string]string{SessionIDHeader: sess.ID})
}

func (r *JoinerRuntime) handleIntra(ctx context.Context, d broker.Delivery) error {
	sessionID := d.Headers[SessionIDHeader]
	var eof domain.WorkerEOF
	if err := json.Unmarshal(d.Body, &eof); err != nil {
		return d.Nack(false)
	}
	sess, err := r.manager.GetOrInitialize(sessionID)
	if err != nil {
		return d.Nack(false)
	}
	if _, already := sess.EOFCollected[eof.WorkerID]; !already {
		sess.RecordEOF(eof.WorkerID)
		if err := r.manager.Commit(sess, "eof-collected-"+eof.WorkerID); err != nil {
			return d.Nack(false)
		}
	}
	flushed, err := r.manager.TryToFlush(sess)
	if err != nil {
		r.logger.Warn("action: flush_failed", slog.String("session", sessionID), slog.Any("error", err))
	}
	if flushed {
		if err := publishEOFDownstream(ctx, r.outputs, sessionID); err != nil {
			return d.Nack(false)
		}
	}
	return d.Ack()
}
