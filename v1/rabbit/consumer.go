package rabbit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// ConsumerState is the lifecycle state of a Consumer.
type ConsumerState int32

const (
	// StateCreated means Run has not been called yet.
	StateCreated ConsumerState = iota

	// StateRunning means the consume loop is active.
	StateRunning

	// StateStopRequested means RequestStop has been called and the loop is
	// draining towards exit.
	StateStopRequested

	// StateStopped means the consume loop has exited and the output channel
	// is closed.
	StateStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConsumerMessage implements Message over an AMQP delivery.
type ConsumerMessage struct {
	body     []byte
	delivery *amqp.Delivery
}

func (m *ConsumerMessage) Ack() error {
	return m.delivery.Ack(false)
}

func (m *ConsumerMessage) Nack(requeue bool) error {
	return m.delivery.Nack(false, requeue)
}

func (m *ConsumerMessage) Body() []byte {
	return m.body
}

func (m *ConsumerMessage) Headers() map[string]interface{} {
	return m.delivery.Headers
}

// Consumer consumes one queue over a pooled connection, reconnecting when
// the broker drops the channel mid-run.
//
// A Consumer stops cooperatively: RequestStop flips the stop flag and
// returns immediately, after which the loop exits instead of reconnecting.
// That distinction matters during teardown, where the consumer's vhost is
// typically being deleted underneath it and a reconnect attempt would fail
// slowly. Kill requests a stop and waits for the loop to exit.
type Consumer struct {
	cfg      Config
	queue    string
	prefetch int
	tag      string
	pool     *ConnectionPool
	logger   Logger
	observer observability.Observer

	state      atomic.Int32
	started    atomic.Bool
	shouldStop atomic.Bool
	reconnects atomic.Int64
	stopSignal chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewConsumer creates a consumer for the given queue. Connections are drawn
// from pool for the duration of each consume session. A positive prefetch
// bounds unacknowledged deliveries per session.
func NewConsumer(cfg Config, queue string, prefetch int, pool *ConnectionPool, logger Logger, observer observability.Observer) *Consumer {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Consumer{
		cfg:        cfg,
		queue:      queue,
		prefetch:   prefetch,
		tag:        "rabbitharness-" + uuid.NewString(),
		pool:       pool,
		logger:     logger,
		observer:   observer,
		stopSignal: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Tag returns the unique consumer tag used on the broker.
func (c *Consumer) Tag() string {
	return c.tag
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// ShouldStop reports whether a stop has been requested.
func (c *Consumer) ShouldStop() bool {
	return c.shouldStop.Load()
}

// Reconnects returns how many times the consume loop re-established its
// session after losing the channel.
func (c *Consumer) Reconnects() int64 {
	return c.reconnects.Load()
}

// RequestStop asks the consume loop to exit. It sets the stop flag, moves
// the consumer to StateStopRequested, and returns without waiting. Safe to
// call multiple times and before Run.
func (c *Consumer) RequestStop() {
	c.stopOnce.Do(func() {
		c.shouldStop.Store(true)
		c.state.Store(int32(StateStopRequested))
		close(c.stopSignal)
	})
}

// Kill requests a stop and waits until the consume loop has exited or ctx
// expires. Calling Kill on a consumer that never ran returns immediately.
func (c *Consumer) Kill(ctx context.Context) error {
	c.RequestStop()
	if !c.started.Load() {
		c.state.Store(int32(StateStopped))
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the consume loop and returns a channel delivering consumed
// messages. The channel is closed when the loop stops due to RequestStop,
// context cancellation, or an unrecoverable session failure.
//
// The loop reconnects when the broker closes the delivery channel, unless a
// stop has been requested, in which case the close is treated as the end of
// the run and no reconnect is attempted.
func (c *Consumer) Run(ctx context.Context, wg *sync.WaitGroup) <-chan Message {
	outChan := make(chan Message, 100)

	c.started.Store(true)
	c.state.CompareAndSwap(int32(StateCreated), int32(StateRunning))

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(outChan)
		defer close(c.done)
		defer c.state.Store(int32(StateStopped))

		first := true
		for {
			select {
			case <-c.stopSignal:
				c.logger.Info("stopping consumer due to stop request", nil, map[string]interface{}{
					"queue": c.queue,
					"tag":   c.tag,
				})
				return
			case <-ctx.Done():
				c.logger.Info("stopping consumer due to context cancellation", ctx.Err(), map[string]interface{}{
					"queue": c.queue,
					"tag":   c.tag,
				})
				return
			default:
			}

			if !first {
				if c.shouldStop.Load() {
					return
				}
				c.reconnects.Add(1)
				c.observe("reconnect", nil)
			}
			first = false

			if err := c.consumeSession(ctx, outChan); err != nil {
				c.logger.Error("consumer session failed", err, map[string]interface{}{
					"queue": c.queue,
					"tag":   c.tag,
				})
				// Brief pause so a down broker is not hammered.
				select {
				case <-time.After(100 * time.Millisecond):
				case <-c.stopSignal:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outChan
}

// consumeSession runs one consume session on a pooled connection: open a
// channel, apply prefetch, consume, and forward deliveries until the
// delivery channel closes or a stop arrives. A nil return with the loop
// still running means the broker ended the session and a reconnect may
// follow.
func (c *Consumer) consumeSession(ctx context.Context, outChan chan<- Message) error {
	return c.pool.WithConnection(ctx, func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()

		if c.prefetch > 0 {
			if err := ch.Qos(c.prefetch, 0, false); err != nil {
				return err
			}
		}

		deliveries, err := ch.Consume(
			c.queue,
			c.tag,
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return err
		}

		for {
			select {
			case <-c.stopSignal:
				// Cancel so the broker stops delivering before the channel
				// goes back to the pool.
				_ = ch.Cancel(c.tag, false)
				return nil
			case <-ctx.Done():
				_ = ch.Cancel(c.tag, false)
				return nil
			case msg, ok := <-deliveries:
				if !ok {
					return nil
				}
				c.observe("consume", nil)
				select {
				case outChan <- &ConsumerMessage{body: msg.Body, delivery: &msg}:
				case <-c.stopSignal:
					_ = msg.Nack(false, true)
					return nil
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return nil
				}
			}
		}
	})
}

func (c *Consumer) observe(operation string, err error) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveOperation(observability.OperationContext{
		Component:   "rabbit.consumer",
		Operation:   operation,
		Resource:    c.queue,
		SubResource: c.tag,
		Error:       err,
	})
}
