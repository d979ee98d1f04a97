// Package brokertest provides an in-memory broker.Broker for unit tests that
// exercise worker/session/gateway logic without a live AMQP server.
package brokertest

import (
	"context"
	"sync"

	"github.com/coffeeflow/engine/internal/broker"
)

// Fake is an in-process broker.Broker. Queues and exchanges are shared
// per-name across every Connection obtained from the same Fake, so two
// goroutines "publishing to the same queue" actually talk to each other,
// matching real broker semantics for tests.
type Fake struct {
	mu         sync.Mutex
	queues     map[string]*fakeQueue
	directs    map[string]*fakeExchange
	fanouts    map[string]*fakeExchange
}

// New returns an empty Fake broker.
func New() *Fake {
	return &Fake{
		queues:  make(map[string]*fakeQueue),
		directs: make(map[string]*fakeExchange),
		fanouts: make(map[string]*fakeExchange),
	}
}

func (f *Fake) Connection(ctx context.Context) (broker.Connection, error) {
	return &fakeConnection{f: f}, nil
}

func (f *Fake) Close() error { return nil }

type fakeConnection struct{ f *Fake }

func (c *fakeConnection) Close() error { return nil }

func (c *fakeConnection) Queue(ctx context.Context, name string, prefetch int) (broker.Queue, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	q, ok := c.f.queues[name]
	if !ok {
		q = newFakeQueue(name)
		c.f.queues[name] = q
	}
	return q, nil
}

func (c *fakeConnection) DirectExchange(ctx context.Context, name string) (broker.DirectExchange, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	e, ok := c.f.directs[name]
	if !ok {
		e = newFakeExchange(name, false)
		c.f.directs[name] = e
	}
	return e, nil
}

func (c *fakeConnection) FanoutExchange(ctx context.Context, name string) (broker.FanoutExchange, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	e, ok := c.f.fanouts[name]
	if !ok {
		e = newFakeExchange(name, true)
		c.f.fanouts[name] = e
	}
	return e, nil
}

// --- fake queue --------------------------------------------------------

type fakeQueue struct {
	name string
	ch   chan broker.Delivery
	mu   sync.Mutex
	done bool
}

func newFakeQueue(name string) *fakeQueue {
	return &fakeQueue{name: name, ch: make(chan broker.Delivery, 4096)}
}

func (q *fakeQueue) Publish(ctx context.Context, payload []byte, routingKey string, headers map[string]string) error {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if done {
		return nil
	}
	q.ch <- broker.Delivery{
		Body:    payload,
		Headers: headers,
	}
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, handler broker.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-q.ch:
			if !ok {
				return nil
			}
			d.ack = func() error { return nil }
			d.nack = func(requeue bool) error { return nil }
			if err := handler(ctx, d); err != nil {
				return err
			}
			q.mu.Lock()
			if q.done {
				q.mu.Unlock()
				return nil
			}
			q.mu.Unlock()
		}
	}
}

func (q *fakeQueue) Stop() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) Delete(ctx context.Context) error { return nil }

// --- fake exchange -------------------------------------------------------

type fakeExchange struct {
	name    string
	fanout  bool
	mu      sync.Mutex
	bound   map[string][]*fakeQueue // routingKey -> bound queues ("" used for fanout)
}

func newFakeExchange(name string, fanout bool) *fakeExchange {
	return &fakeExchange{name: name, fanout: fanout, bound: make(map[string][]*fakeQueue)}
}

func (e *fakeExchange) Publish(ctx context.Context, payload []byte, routingKey string, headers map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var targets []*fakeQueue
	if e.fanout {
		for _, qs := range e.bound {
			targets = append(targets, qs...)
		}
	} else {
		targets = e.bound[routingKey]
	}
	for _, q := range targets {
		_ = q.Publish(ctx, payload, routingKey, headers)
	}
	return nil
}

func (e *fakeExchange) Bind(ctx context.Context, key string) (broker.Consumer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := newFakeQueue(e.name + ":" + key)
	e.bound[key] = append(e.bound[key], q)
	return q, nil
}

func (e *fakeExchange) Delete(ctx context.Context) error { return nil }
