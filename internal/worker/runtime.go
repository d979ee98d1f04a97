// Package worker implements the generic stage runtime described in
// spec.md §4.E: a data consumer and an intra-stage control consumer, each
// driving the same session manager, with WAL-commit-then-ack ordering and
// leader-based EOF fan-in.
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
	"github.com/coffeeflow/engine/internal/operator"
	"github.com/coffeeflow/engine/internal/operator/router"
	"github.com/coffeeflow/engine/internal/session"
	"github.com/coffeeflow/engine/internal/wire"
)

// SessionIDHeader and MessageIDHeader are the AMQP headers the gateway and
// every worker stage set on every publish, per spec.md §4.B.
const (
	SessionIDHeader = "SESSION_ID"
	MessageIDHeader = "MESSAGE_ID"
)

// Decoder turns one batch body's rows into entities the bound Processor
// understands. The transformer stage decodes raw CSV strings; every other
// stage decodes already-typed entity JSON via wire.DecodeBatch.
type Decoder func(body wire.BatchBody) ([]any, error)

// wiredOutput pairs one OutputDescriptor with the resolved exchange and
// routing function needed to publish to it.
type wiredOutput struct {
	descriptor config.OutputDescriptor
	exchange   broker.DirectExchange
	route      router.Func
}

// Runtime is one stage replica: consumes its FROM queue, applies Processor
// to each entity, commits to the WAL, participates in the intra-stage EOF
// ring, and fans output out to every configured TO target.
type Runtime struct {
	cfg       config.WorkerConfig
	workerID  string
	processor operator.Processor
	decode    Decoder
	manager   *session.Manager
	outputs   []wiredOutput
	logger    *slog.Logger
	metrics   *metrics.Worker

	dataQueue    broker.Queue
	intraConsume broker.Consumer
	intraPublish broker.Publisher

	// resultsExchange and sink are set only for terminal sink stages
	// (WithSink): instead of fanning Finalize's output out to TO targets,
	// onLocalEOF formats the whole session and publishes once to the
	// results exchange, keyed by the sink's query name.
	resultsExchange broker.DirectExchange
	sink            operator.Sink
}

// Option configures optional Runtime behavior.
type Option func(*Runtime)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics attaches a metrics.Worker collector set.
func WithMetrics(m *metrics.Worker) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithSink turns this Runtime into a terminal sink stage: at session EOF it
// formats the session's storage via sink and publishes once to exchange,
// keyed by sink.QueryName(), instead of fanning Finalize's output to TO
// targets. cfg's TO should be empty for a sink stage.
func WithSink(exchange broker.DirectExchange, sink operator.Sink) Option {
	return func(r *Runtime) {
		r.resultsExchange = exchange
		r.sink = sink
	}
}

// New builds a Runtime. conn must be a connection this goroutine tree owns
// exclusively (see broker.Broker.Connection's per-goroutine contract).
// route resolves each OutputDescriptor's named routing function; callers
// typically pass router.ByName.
func New(
	ctx context.Context,
	cfg config.WorkerConfig,
	conn broker.Connection,
	storage *session.WALStorage,
	processor operator.Processor,
	decode Decoder,
	routeFor func(name string) (router.Func, error),
	opts ...Option,
) (*Runtime, error) {
	r := &Runtime{
		cfg:       cfg,
		workerID:  strconv.Itoa(cfg.ReplicaID),
		processor: processor,
		decode:    decode,
		manager:   session.NewManager(storage, processor.Reduce, cfg.ReplicaID, cfg.Replicas),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}

	dataQueue, err := conn.Queue(ctx, cfg.From, cfg.Prefetch)
	if err != nil {
		return nil, fmt.Errorf("worker: open data queue %s: %w", cfg.From, err)
	}
	r.dataQueue = dataQueue

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

// Run blocks consuming both the data queue and the intra-stage EOF ring
// until ctx is canceled or either consumer returns an error.
func (r *Runtime) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- r.dataQueue.Consume(ctx, r.handleData)
	}()
	go func() {
		defer wg.Done()
		errCh <- r.intraConsume.Consume(ctx, r.handleIntra)
	}()

	var firstErr error
	go func() {
		wg.Wait()
		close(errCh)
	}()
	for err := range errCh {
		if err != nil && err != context.Canceled && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop signals both consumers to return after their current delivery.
func (r *Runtime) Stop() {
	r.dataQueue.Stop()
	r.intraConsume.Stop()
}

func (r *Runtime) handleData(ctx context.Context, d broker.Delivery) error {
	sessionID := d.Headers[SessionIDHeader]
	msgID := d.Headers[MessageIDHeader]
	if sessionID == "" {
		return d.Nack(false)
	}

	sess, err := r.manager.GetOrInitialize(sessionID)
	if err != nil {
		r.logger.Error("action: session_init_failed", slog.String("session", sessionID), slog.Any("error", err))
		return d.Nack(false)
	}

	if sess.IsDuplicate(msgID) {
		if r.metrics != nil {
			r.metrics.DuplicatesDropped.Inc()
		}
		return d.Ack()
	}

	var body wire.BatchBody
	if err := json.Unmarshal(d.Body, &body); err != nil {
		r.logger.Warn("action: bad_payload", slog.String("session", sessionID), slog.Any("error", err))
		return d.Nack(false)
	}

	entities, err := r.decode(body)
	if err != nil {
		r.logger.Warn("action: decode_failed", slog.String("session", sessionID), slog.Any("error", err))
		return d.Nack(false)
	}

	var ops []session.Op
	for _, e := range entities {
		op, err := r.processor.OpFor(e)
		if err != nil {
			r.logger.Warn("action: process_failed", slog.String("session", sessionID), slog.Any("error", err))
			return d.Nack(false)
		}
		if op != nil {
			ops = append(ops, *op)
		}
	}
	sess.Stage(msgID, ops...)
	if err := r.manager.Commit(sess, msgID); err != nil {
		r.logger.Error("action: commit_failed", slog.String("session", sessionID), slog.Any("error", err))
		return d.Nack(false)
	}
	if r.metrics != nil {
		r.metrics.BatchesCommitted.Inc()
		r.metrics.MessagesProcessed.WithLabelValues(r.cfg.Entity).Add(float64(len(entities)))
	}

	if body.EOF {
		if err := r.onLocalEOF(ctx, sess); err != nil {
			r.logger.Error("action: local_eof_failed", slog.String("session", sessionID), slog.Any("error", err))
			return d.Nack(false)
		}
	}
	return d.Ack()
}

// onLocalEOF runs once this replica's own upstream source is exhausted for
// sess: it publishes its Finalize output downstream, then announces its own
// completion to every sibling replica over the intra-stage fanout.
func (r *Runtime) onLocalEOF(ctx context.Context, sess *session.Session) error {
	if r.sink != nil {
		body, err := r.sink.Format(sess.ID, sess.Storage)
		if err != nil {
			return fmt.Errorf("worker: sink format: %w", err)
		}
		headers := map[string]string{SessionIDHeader: sess.ID}
		if err := r.resultsExchange.Publish(ctx, body, r.sink.QueryName(), headers); err != nil {
			return fmt.Errorf("worker: publish result: %w", err)
		}
		return r.finishLocalEOF(ctx, sess)
	}
	for _, out := range r.processor.Finalize(sess.Storage) {
		if err := publishData(ctx, r.outputs, sess.ID, out); err != nil {
			return err
		}
	}
	return r.finishLocalEOF(ctx, sess)
}

// finishLocalEOF records this replica's own EOF and announces it to every
// sibling replica over the intra-stage fanout, common to both the normal
// and sink publish paths.
func (r *Runtime) finishLocalEOF(ctx context.Context, sess *session.Session) error {
	sess.RecordEOF(r.workerID)
	if err := r.manager.Commit(sess, "eof-"+r.workerID); err != nil {
		return err
	}
	payload, err := json.Marshal(domain.WorkerEOF{WorkerID: r.workerID})
	if err != nil {
		return fmt.Errorf("worker: marshal WorkerEOF: %w", err)
	}
	headers := map[string]string{SessionIDHeader: sess.ID}
	return r.intraPublish.Publish(ctx, payload, r.workerID, headers)
}

func (r *Runtime) handleIntra(ctx context.Context, d broker.Delivery) error {
	sessionID := d.Headers[SessionIDHeader]
	if sessionID == "" {
		return d.Nack(false)
	}
	var eof domain.WorkerEOF
	if err := json.Unmarshal(d.Body, &eof); err != nil {
		r.logger.Warn("action: bad_worker_eof", slog.Any("error", err))
		return d.Nack(false)
	}

	sess, err := r.manager.GetOrInitialize(sessionID)
	if err != nil {
		r.logger.Error("action: session_init_failed", slog.String("session", sessionID), slog.Any("error", err))
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
			r.logger.Error("action: publish_eof_downstream_failed", slog.String("session", sessionID), slog.Any("error", err))
			return d.Nack(false)
		}
		if r.metrics != nil {
			r.metrics.EOFsEmitted.Inc()
		}
	}
	return d.Ack()
}

// publishData routes one Finalize output through every configured output,
// encoding it as a single-row typed batch. Shared by Runtime and
// EnricherRuntime, both of which hold a []wiredOutput.
func publishData(ctx context.Context, outputs []wiredOutput, sessionID string, out any) error {
	for _, o := range outputs {
		body, err := wire.EncodeBatch([]any{out}, false)
		if err != nil {
			return fmt.Errorf("worker: encode output: %w", err)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("worker: marshal output body: %w", err)
		}
		routingKey, _ := o.route(sessionID, out, o.descriptor.DownstreamStage, o.descriptor.DownstreamWorkers)
		headers := map[string]string{SessionIDHeader: sessionID, MessageIDHeader: sessionID + "-" + o.descriptor.Name}
		if err := o.exchange.Publish(ctx, payload, routingKey, headers); err != nil {
			return fmt.Errorf("worker: publish to %s: %w", o.descriptor.Name, err)
		}
	}
	return nil
}

// publishEOFDownstream broadcasts an EOF-flagged empty batch to every
// replica of every downstream stage: EOF must reach all of them, regardless
// of which single replica a data routing function would have picked.
func publishEOFDownstream(ctx context.Context, outputs []wiredOutput, sessionID string) error {
	body, err := wire.EncodeBatch(nil, true)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	headers := map[string]string{SessionIDHeader: sessionID, MessageIDHeader: sessionID + "-eof"}
	for _, o := range outputs {
		workers := o.descriptor.DownstreamWorkers
		if workers <= 0 {
			workers = 1
		}
		if o.descriptor.RoutingFn == "by_stage_name" || o.descriptor.RoutingFn == "broadcast" {
			key, _ := o.route(sessionID, nil, o.descriptor.DownstreamStage, workers)
			if err := o.exchange.Publish(ctx, payload, key, headers); err != nil {
				return fmt.Errorf("worker: publish EOF to %s: %w", o.descriptor.Name, err)
			}
			continue
		}
		for k := 0; k < workers; k++ {
			key := fmt.Sprintf("%s_%d", o.descriptor.DownstreamStage, k)
			if err := o.exchange.Publish(ctx, payload, key, headers); err != nil {
				return fmt.Errorf("worker: publish EOF to %s: %w", o.descriptor.Name, err)
			}
		}
	}
	return nil
}
