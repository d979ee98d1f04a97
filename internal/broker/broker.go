// Package broker provides the broker client abstraction: queues for
// point-to-point competing-consumer delivery, and direct/fanout exchanges
// for routing-key-addressed and broadcast delivery. Every concrete
// implementation hands out one connection per goroutine — no channel is
// ever shared across concurrent callers — and requires manual ack/nack.
package broker

import "context"

// Delivery is one message handed to a Handler, carrying the headers the
// worker base and gateway rely on for session routing and dedup.
type Delivery struct {
	Body       []byte
	Headers    map[string]string
	routingKey string

	ack  func() error
	nack func(requeue bool) error
}

// RoutingKey is the key the message was published or routed with.
func (d Delivery) RoutingKey() string { return d.routingKey }

// Ack acknowledges the delivery, removing it from the broker's unacked set.
func (d Delivery) Ack() error { return d.ack() }

// Nack rejects the delivery. requeue=false (the only mode this system uses)
// drops it without redelivery, matching the "bad payload never poisons the
// queue" error-handling rule.
func (d Delivery) Nack(requeue bool) error { return d.nack(requeue) }

// Handler processes one delivery. The broker does not interpret the
// returned error; callers ack/nack explicitly inside the handler so that
// WAL-commit-then-ack ordering (§4.E) is always under the caller's control.
type Handler func(ctx context.Context, d Delivery) error

// Publisher sends payloads with optional routing key and headers.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, routingKey string, headers map[string]string) error
	Close() error
}

// Consumer runs handler for every delivery until Stop is called or ctx is
// canceled. Consume blocks; callers run it in its own goroutine.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Stop()
	Close() error
}

// Queue is a point-to-point, competing-consumers destination: each message
// is delivered to exactly one of its consumers.
type Queue interface {
	Publisher
	Consumer
	Delete(ctx context.Context) error
}

// DirectExchange routes published messages to bound queues whose binding
// key equals the publish routing key.
type DirectExchange interface {
	Publisher
	// Bind declares a new queue of the caller's own bound to routingKey and
	// returns a Consumer for it.
	Bind(ctx context.Context, routingKey string) (Consumer, error)
	Delete(ctx context.Context) error
}

// FanoutExchange broadcasts every published message to all bound queues,
// ignoring routing key. Used for the intra-stage EOF ring and for
// reference-data broadcast to every replica of a stage.
type FanoutExchange interface {
	Publisher
	Bind(ctx context.Context, queueName string) (Consumer, error)
	Delete(ctx context.Context) error
}

// Broker opens queues and exchanges against one transport connection.
// Connections are per-goroutine: call Broker.Connection() once per
// goroutine that will consume or publish, never share the result.
type Broker interface {
	Connection(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is a single logical transport session (e.g. one AMQP channel)
// owned by exactly one goroutine.
type Connection interface {
	Queue(ctx context.Context, name string, prefetch int) (Queue, error)
	DirectExchange(ctx context.Context, name string) (DirectExchange, error)
	FanoutExchange(ctx context.Context, name string) (FanoutExchange, error)
	Close() error
}
