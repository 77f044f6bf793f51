package rabbit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// Publisher owns a dedicated connection and channel for publishing. When
// created with Options.ConfirmPublish, the channel is in confirm mode and
// every Publish blocks until the broker acknowledges the message; messages
// the broker cannot route fail with ErrUndeliverable. Without confirms,
// Publish is fire-and-forget.
//
// A Publisher is not safe for concurrent use; acquire one per goroutine
// from a PublisherPool.
type Publisher struct {
	cfg     Config
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns chan amqp.Return
	logger  Logger
}

func newPublisher(cfg Config, logger Logger) (*Publisher, error) {
	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}

	p := &Publisher{cfg: cfg, conn: conn, ch: ch, logger: logger}

	if cfg.Options.ConfirmPublish {
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to put channel into confirm mode: %w", err)
		}
		p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	}

	return p, nil
}

// Publish sends a message to the given exchange and routing key.
//
// In confirm mode the message is published mandatory and the call waits for
// the broker's acknowledgment. The broker sends basic.return before the
// confirm for an unroutable message, so by the time the confirm arrives a
// returned message is already visible and the publish fails with
// ErrUndeliverable. A negative acknowledgment fails the same way.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if p.ch.IsClosed() {
		return ErrPublisherClosed
	}

	if !p.cfg.Options.ConfirmPublish {
		if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
		}
		return nil
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, msg)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	select {
	case ret := <-p.returns:
		p.logger.Warn("message returned by broker", nil, map[string]interface{}{
			"exchange":    ret.Exchange,
			"routing_key": ret.RoutingKey,
			"reply_text":  ret.ReplyText,
		})
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrUndeliverable}
	default:
	}

	if !acked {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrUndeliverable}
	}
	return nil
}

// healthy reports whether the publisher's connection and channel are still
// usable.
func (p *Publisher) healthy() bool {
	return !p.conn.IsClosed() && !p.ch.IsClosed()
}

func (p *Publisher) close() {
	if !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close publisher connection", err)
		}
	}
}

// PublisherPool maintains a bounded set of publishers for one Config.
// Acquire blocks while the pool is at capacity, like ConnectionPool.
type PublisherPool struct {
	cfg      Config
	capacity int
	sem      *semaphore.Weighted
	logger   Logger
	observer observability.Observer
	leases   atomic.Int64

	mu     sync.Mutex
	idle   []*Publisher
	closed bool
}

// NewPublisherPool creates a publisher pool for the given broker config.
// A non-positive capacity selects DefaultPoolCapacity.
func NewPublisherPool(cfg Config, capacity int, logger Logger, observer observability.Observer) *PublisherPool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &PublisherPool{
		cfg:      cfg,
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		logger:   logger,
		observer: observer,
	}
}

// Acquire returns a ready publisher, reusing an idle one when its connection
// and channel are still live and creating one otherwise. It blocks while the
// pool is at capacity until a publisher is released or ctx is cancelled.
func (p *PublisherPool) Acquire(ctx context.Context) (*Publisher, error) {
	start := time.Now()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	var pub *Publisher
	for len(p.idle) > 0 {
		pub = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if pub.healthy() {
			break
		}
		pub.close()
		pub = nil
	}
	p.mu.Unlock()

	if pub == nil {
		var err error
		pub, err = newPublisher(p.cfg, p.logger)
		if err != nil {
			p.sem.Release(1)
			p.observe("acquire", time.Since(start), err)
			return nil, err
		}
	}

	p.leases.Add(1)
	p.observe("acquire", time.Since(start), nil)
	return pub, nil
}

// Release returns a publisher to the pool. Unhealthy publishers are
// discarded; the freed slot is available either way.
func (p *PublisherPool) Release(pub *Publisher) {
	defer func() {
		p.sem.Release(1)
		p.leases.Add(-1)
		p.observe("release", 0, nil)
	}()

	if pub == nil {
		return
	}

	p.mu.Lock()
	if !p.closed && pub.healthy() {
		p.idle = append(p.idle, pub)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	pub.close()
}

// Close marks the pool closed and closes all idle publishers.
func (p *PublisherPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pub := range idle {
		pub.close()
	}
	return nil
}

// WithPublisher acquires a publisher, runs fn with it, and releases it
// afterwards regardless of fn's outcome.
func (p *PublisherPool) WithPublisher(ctx context.Context, fn func(*Publisher) error) error {
	pub, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(pub)
	return fn(pub)
}

func (p *PublisherPool) observe(operation string, duration time.Duration, err error) {
	if p.observer == nil {
		return
	}
	p.observer.ObserveOperation(observability.OperationContext{
		Component: "rabbit.publisher_pool",
		Operation: operation,
		Resource:  p.cfg.Connection.SanitizedURI(),
		Duration:  duration,
		Error:     err,
		Size:      p.leases.Load(),
	})
}
