package rabbit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// DefaultPoolCapacity is the connection and publisher limit applied when a
// pool is created with a non-positive capacity.
const DefaultPoolCapacity = 10

// ConnectionPool maintains a bounded set of broker connections for one
// Config. Connections are created lazily on acquire and reused on release.
// When the pool is exhausted, Acquire blocks until a connection is released
// or the context is cancelled. All methods are safe for concurrent use.
type ConnectionPool struct {
	cfg      Config
	capacity int
	sem      *semaphore.Weighted
	logger   Logger
	observer observability.Observer
	leases   atomic.Int64

	mu     sync.Mutex
	idle   []*amqp.Connection
	closed bool
}

// NewConnectionPool creates a connection pool for the given broker config.
// A non-positive capacity selects DefaultPoolCapacity.
func NewConnectionPool(cfg Config, capacity int, logger Logger, observer observability.Observer) *ConnectionPool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &ConnectionPool{
		cfg:      cfg,
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		logger:   logger,
		observer: observer,
	}
}

// Acquire returns a live connection, reusing an idle one when available and
// dialing otherwise. It blocks while the pool is at capacity until another
// goroutine releases a connection or ctx is cancelled.
//
// The caller must hand the connection back with Release when done.
func (p *ConnectionPool) Acquire(ctx context.Context) (*amqp.Connection, error) {
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
	// Skip over connections that died while idle.
	var conn *amqp.Connection
	for len(p.idle) > 0 {
		conn = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !conn.IsClosed() {
			break
		}
		conn = nil
	}
	p.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = dial(p.cfg)
		if err != nil {
			p.sem.Release(1)
			p.observe("acquire", time.Since(start), err)
			return nil, err
		}
		p.logger.Debug("opened broker connection", nil, map[string]interface{}{
			"uri": p.cfg.Connection.SanitizedURI(),
		})
	}

	p.leases.Add(1)
	p.observe("acquire", time.Since(start), nil)
	return conn, nil
}

// Release returns a connection to the pool. Dead connections are discarded;
// the freed slot is available either way. Releasing into a closed pool
// closes the connection.
func (p *ConnectionPool) Release(conn *amqp.Connection) {
	defer func() {
		p.sem.Release(1)
		p.leases.Add(-1)
		p.observe("release", 0, nil)
	}()

	if conn == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	if !closed && !conn.IsClosed() {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close broker connection", err)
		}
	}
}

// Close marks the pool closed and closes all idle connections. Connections
// currently acquired are closed as they are released.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		if !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				p.logger.Warn("failed to close broker connection", err)
			}
		}
	}
	return nil
}

// WithConnection acquires a connection, runs fn with it, and releases it
// afterwards regardless of fn's outcome.
func (p *ConnectionPool) WithConnection(ctx context.Context, fn func(*amqp.Connection) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

func (p *ConnectionPool) observe(operation string, duration time.Duration, err error) {
	if p.observer == nil {
		return
	}
	p.observer.ObserveOperation(observability.OperationContext{
		Component: "rabbit.connection_pool",
		Operation: operation,
		Resource:  p.cfg.Connection.SanitizedURI(),
		Duration:  duration,
		Error:     err,
		Size:      p.leases.Load(),
	})
}

// Pools is a registry of connection and publisher pools keyed by broker
// config. Configs that normalize to the same URI and options share the same
// pools. The first request for a key verifies the target with the diagnoser,
// so misconfigured credentials or vhosts surface as a classified error
// before any pooled resource is handed out.
type Pools struct {
	capacity  int
	diagnoser *Diagnoser
	logger    Logger
	observer  observability.Observer

	mu          sync.Mutex
	verified    map[string]error
	connections map[string]*ConnectionPool
	publishers  map[string]*PublisherPool
}

// NewPools creates a pool registry. A non-positive capacity selects
// DefaultPoolCapacity for every pool. A nil diagnoser disables first-use
// verification.
func NewPools(capacity int, diagnoser *Diagnoser, logger Logger, observer observability.Observer) *Pools {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Pools{
		capacity:    capacity,
		diagnoser:   diagnoser,
		logger:      logger,
		observer:    observer,
		verified:    make(map[string]error),
		connections: make(map[string]*ConnectionPool),
		publishers:  make(map[string]*PublisherPool),
	}
}

// Connections returns the connection pool for cfg, creating and verifying
// it on first use.
func (ps *Pools) Connections(ctx context.Context, cfg Config) (*ConnectionPool, error) {
	key := cfg.poolKey()

	if err := ps.verify(ctx, key, cfg); err != nil {
		return nil, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	pool, ok := ps.connections[key]
	if !ok {
		pool = NewConnectionPool(cfg, ps.capacity, ps.logger, ps.observer)
		ps.connections[key] = pool
	}
	return pool, nil
}

// Publishers returns the publisher pool for cfg, creating and verifying it
// on first use.
func (ps *Pools) Publishers(ctx context.Context, cfg Config) (*PublisherPool, error) {
	key := cfg.poolKey()

	if err := ps.verify(ctx, key, cfg); err != nil {
		return nil, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	pool, ok := ps.publishers[key]
	if !ok {
		pool = NewPublisherPool(cfg, ps.capacity, ps.logger, ps.observer)
		ps.publishers[key] = pool
	}
	return pool, nil
}

// verify runs the diagnoser once per pool key and caches the outcome, so a
// broken target fails fast on every subsequent request.
func (ps *Pools) verify(ctx context.Context, key string, cfg Config) error {
	if ps.diagnoser == nil {
		return nil
	}

	ps.mu.Lock()
	err, done := ps.verified[key]
	ps.mu.Unlock()
	if done {
		return err
	}

	err = ps.diagnoser.Verify(ctx, cfg)

	ps.mu.Lock()
	if _, done := ps.verified[key]; !done {
		ps.verified[key] = err
	} else {
		err = ps.verified[key]
	}
	ps.mu.Unlock()
	return err
}

// Close closes every pool in the registry and forgets all verification
// results. Errors from individual pools are logged, not returned.
func (ps *Pools) Close() {
	ps.mu.Lock()
	connections := ps.connections
	publishers := ps.publishers
	ps.connections = make(map[string]*ConnectionPool)
	ps.publishers = make(map[string]*PublisherPool)
	ps.verified = make(map[string]error)
	ps.mu.Unlock()

	for _, pool := range publishers {
		pool.Close()
	}
	for _, pool := range connections {
		pool.Close()
	}
	ps.logger.Info("closed all broker pools", nil)
}
