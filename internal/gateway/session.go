// Package gateway implements the TCP client-facing side of the system
// (spec.md §4.H): one client at a time, a framed FileSendStart/batches/
// FileSendEnd upload protocol, and a streamed-results download protocol,
// bridging both to the broker's raw entity queues and results exchange.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/coffeeflow/engine/internal/broker"
	"github.com/coffeeflow/engine/internal/wire"
)

// queryNames are the four result streams every session waits on, in the
// order spec.md §8 presents them.
var queryNames = []string{"q1", "q2", "q3", "q4"}

// rawQueueName is the conventional input queue name each entity's raw
// stream lands on — the first hop before any transformer stage.
func rawQueueName(k wire.EntityKind) string {
	switch k {
	case wire.EntityStore:
		return "raw_store"
	case wire.EntityUser:
		return "raw_user"
	case wire.EntityTransaction:
		return "raw_transaction"
	case wire.EntityTransactionItem:
		return "raw_transaction_item"
	case wire.EntityMenuItem:
		return "raw_menu_item"
	default:
		return ""
	}
}

// resultsExchangeName is the direct exchange every query sink publishes its
// finished output to, routed by query name ("q1".."q4").
const resultsExchangeName = "results"

// ClientSession handles exactly one client connection end to end: upload,
// then streamed results, as one sequential state machine since this system
// serves one client at a time.
type ClientSession struct {
	conn          net.Conn
	broker        broker.Connection
	logger        *slog.Logger
	resultTimeout time.Duration

	sessionID string
	reader    *bufio.Reader
}

// NewClientSession wraps an accepted connection, ready to Handle.
func NewClientSession(conn net.Conn, brokerConn broker.Connection, logger *slog.Logger, resultTimeout time.Duration) *ClientSession {
	return &ClientSession{
		conn:          conn,
		broker:        brokerConn,
		logger:        logger,
		resultTimeout: resultTimeout,
		reader:        wire.NewPacketReader(conn),
	}
}

// Handle runs the full session protocol: FileSendStart, ACK + SessionId,
// the upload loop, FileSendEnd + ACK, then the four streamed results. Any
// protocol violation or I/O error ends the session with an Error packet
// (best-effort) and returns.
func (s *ClientSession) Handle(ctx context.Context) error {
	defer s.conn.Close()

	if err := s.awaitSessionStart(); err != nil {
		s.sendError(400, err.Error())
		return err
	}
	s.sessionID = uuid.New().String()
	if err := s.ack(); err != nil {
		return err
	}
	if err := wire.WritePacket(s.conn, wire.TypeSessionID, mustMarshal(wire.SessionIDPayload{SessionID: s.sessionID})); err != nil {
		return fmt.Errorf("gateway: send session id: %w", err)
	}
	s.logger.Info("action: session_start", slog.String("session_id", s.sessionID))

	outputs, err := s.openRawQueues(ctx)
	if err != nil {
		s.sendError(500, "broker unavailable")
		return err
	}

	if err := s.uploadLoop(ctx, outputs); err != nil {
		s.sendError(500, err.Error())
		return err
	}

	results, err := s.collectResults(ctx)
	if err != nil {
		s.sendError(500, "error collecting results")
		return err
	}
	for _, r := range results {
		if err := wire.WritePacket(s.conn, wire.TypeResult, mustMarshal(r)); err != nil {
			return fmt.Errorf("gateway: send result %s: %w", r.Query, err)
		}
		if err := s.awaitAck(); err != nil {
			return fmt.Errorf("gateway: result %s not acked: %w", r.Query, err)
		}
	}
	s.logger.Info("action: session_end", slog.String("session_id", s.sessionID))
	return nil
}

func (s *ClientSession) awaitSessionStart() error {
	pkt, err := wire.ReadPacket(s.reader)
	if err != nil {
		return fmt.Errorf("gateway: read FileSendStart: %w", err)
	}
	if pkt.Header.Type != wire.TypeFileSendStart {
		return fmt.Errorf("gateway: expected FileSendStart, got type %d", pkt.Header.Type)
	}
	return nil
}

func (s *ClientSession) openRawQueues(ctx context.Context) (map[wire.EntityKind]broker.Queue, error) {
	out := make(map[wire.EntityKind]broker.Queue, 5)
	for _, k := range []wire.EntityKind{wire.EntityStore, wire.EntityUser, wire.EntityTransaction, wire.EntityTransactionItem, wire.EntityMenuItem} {
		q, err := s.broker.Queue(ctx, rawQueueName(k), 0)
		if err != nil {
			return nil, fmt.Errorf("gateway: open queue %s: %w", rawQueueName(k), err)
		}
		out[k] = q
	}
	return out, nil
}

// uploadLoop forwards every batch packet to its raw queue verbatim (the
// body is already a wire.BatchBody JSON document) until FileSendEnd.
func (s *ClientSession) uploadLoop(ctx context.Context, outputs map[wire.EntityKind]broker.Queue) error {
	for {
		pkt, err := wire.ReadPacket(s.reader)
		if err != nil {
			return fmt.Errorf("read batch packet: %w", err)
		}
		if pkt.Header.Type == wire.TypeFileSendEnd {
			return s.ack()
		}
		kind, err := wire.EntityKindForPacketType(pkt.Header.Type)
		if err != nil {
			return fmt.Errorf("unexpected packet type %d: %w", pkt.Header.Type, err)
		}
		q, ok := outputs[kind]
		if !ok {
			return fmt.Errorf("no raw queue wired for entity kind %d", kind)
		}
		headers := map[string]string{
			"SESSION_ID": s.sessionID,
			"MESSAGE_ID": uuid.New().String(),
		}
		if err := q.Publish(ctx, pkt.Payload, "", headers); err != nil {
			return fmt.Errorf("publish to raw queue: %w", err)
		}
	}
}

// collectResults binds one consumer per query name on the results exchange
// and blocks until all four have delivered a matching-session result, or
// resultTimeout elapses.
func (s *ClientSession) collectResults(ctx context.Context) ([]wire.ResultPayload, error) {
	exchange, err := s.broker.DirectExchange(ctx, resultsExchangeName)
	if err != nil {
		return nil, fmt.Errorf("gateway: open results exchange: %w", err)
	}

	resultCh := make(chan wire.ResultPayload, len(queryNames))
	consumeCtx, cancel := context.WithTimeout(ctx, s.resultTimeout)
	defer cancel()

	var consumers []broker.Consumer
	defer func() {
		for _, c := range consumers {
			c.Stop()
		}
	}()

	for _, q := range queryNames {
		consumer, err := exchange.Bind(consumeCtx, q)
		if err != nil {
			return nil, fmt.Errorf("gateway: bind results queue %s: %w", q, err)
		}
		consumers = append(consumers, consumer)
		query := q
		go func() {
			_ = consumer.Consume(consumeCtx, func(_ context.Context, d broker.Delivery) error {
				if d.Headers["SESSION_ID"] != s.sessionID {
					return d.Ack()
				}
				resultCh <- wire.ResultPayload{Query: query, Body: append(json.RawMessage(nil), d.Body...)}
				return d.Ack()
			})
		}()
	}

	results := make([]wire.ResultPayload, 0, len(queryNames))
	seen := make(map[string]bool, len(queryNames))
	for len(results) < len(queryNames) {
		select {
		case r := <-resultCh:
			if seen[r.Query] {
				continue
			}
			seen[r.Query] = true
			results = append(results, r)
		case <-consumeCtx.Done():
			return nil, fmt.Errorf("gateway: timed out waiting for query results: %w", consumeCtx.Err())
		}
	}
	return orderByQueryName(results), nil
}

func orderByQueryName(results []wire.ResultPayload) []wire.ResultPayload {
	byName := make(map[string]wire.ResultPayload, len(results))
	for _, r := range results {
		byName[r.Query] = r
	}
	ordered := make([]wire.ResultPayload, 0, len(queryNames))
	for _, name := range queryNames {
		if r, ok := byName[name]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

func (s *ClientSession) ack() error {
	return wire.WritePacket(s.conn, wire.TypeAck, nil)
}

func (s *ClientSession) awaitAck() error {
	pkt, err := wire.ReadPacket(s.reader)
	if err != nil {
		return err
	}
	if pkt.Header.Type != wire.TypeAck {
		return fmt.Errorf("expected Ack, got type %d", pkt.Header.Type)
	}
	return nil
}

func (s *ClientSession) sendError(code uint32, message string) {
	payload := wire.ErrorPayload{Code: code, Message: message}.Marshal()
	if err := wire.WritePacket(s.conn, wire.TypeError, payload); err != nil {
		s.logger.Error("action: send_error", slog.Any("error", err))
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gateway: marshal %T: %v", v, err))
	}
	return b
}
