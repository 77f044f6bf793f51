package vhost

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// Pipeline is a generic create/destroy contract over ephemeral resources.
// Activating the pipeline yields a Pool that leases resources on demand,
// reuses released ones, and destroys everything it ever created when the
// pool closes.
//
// The type parameter T is the resource; the pipeline never inspects it.
type Pipeline[T any] struct {
	create   func(context.Context) (T, error)
	destroy  func(context.Context, T) error
	logger   Logger
	observer observability.Observer
}

// NewPipeline creates a pipeline from a create/destroy pair. Both functions
// must be safe for concurrent use; the pool calls create from concurrent
// Get calls and destroy sequentially during close.
func NewPipeline[T any](
	create func(context.Context) (T, error),
	destroy func(context.Context, T) error,
	logger Logger,
	observer observability.Observer,
) *Pipeline[T] {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Pipeline[T]{
		create:   create,
		destroy:  destroy,
		logger:   logger,
		observer: observer,
	}
}

// Run activates the pipeline for the duration of fn. The pool passed to fn
// is closed when fn returns, on every exit path, destroying all resources
// the pool created. Destroy failures are collected and joined with fn's
// error rather than aborting cleanup.
func (p *Pipeline[T]) Run(ctx context.Context, fn func(*Pool[T]) error) error {
	pool := p.Start()
	fnErr := fn(pool)
	closeErr := pool.Close(ctx)
	return errors.Join(fnErr, closeErr)
}

// Start activates the pipeline and returns its pool. The caller owns the
// pool and must call Close. Prefer Run, which guarantees the close.
func (p *Pipeline[T]) Start() *Pool[T] {
	return &Pool[T]{pipeline: p}
}

// Pool leases resources created by a pipeline. A resource is leased to at
// most one caller at a time; releasing it returns it to the idle set for
// reuse. Resources are only created when a Get finds the idle set empty, so
// the number of resources ever created never exceeds the peak number of
// concurrently outstanding leases.
type Pool[T any] struct {
	pipeline *Pipeline[T]

	mu      sync.Mutex
	idle    []T
	created int
	leases  int
	// idleWait is signalled on every release so Close can wait for
	// outstanding leases without polling.
	idleWait chan struct{}
	closed   bool
}

// Get leases a resource, reusing an idle one when available and creating
// one otherwise. A create failure propagates to the caller and retains no
// partial resource. The returned lease must be released on every exit path:
//
//	lease, err := pool.Get(ctx)
//	if err != nil {
//		return err
//	}
//	defer lease.Release()
func (p *Pool[T]) Get(ctx context.Context) (*Lease[T], error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPipelineClosed
	}
	if n := len(p.idle); n > 0 {
		value := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leases++
		leases := p.leases
		p.mu.Unlock()
		p.observe("get", time.Since(start), leases, nil)
		return &Lease[T]{pool: p, Value: value}, nil
	}
	// Count the lease before creating so a concurrent Get does not reuse
	// a slot this caller is about to fill.
	p.leases++
	p.mu.Unlock()

	value, err := p.pipeline.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.leases--
		leases := p.leases
		p.notifyLocked()
		p.mu.Unlock()
		p.observe("get", time.Since(start), leases, err)
		return nil, &CreateError{Err: err}
	}

	p.mu.Lock()
	p.created++
	leases := p.leases
	p.mu.Unlock()

	p.observe("get", time.Since(start), leases, nil)
	return &Lease[T]{pool: p, Value: value}, nil
}

// Created returns how many resources this pool has created so far.
func (p *Pool[T]) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close waits for all outstanding leases to be released, then destroys
// every resource the pool ever created. Destroy failures are collected and
// returned joined; a failure never stops the remaining resources from
// getting a destroy attempt. Waiting is bounded by ctx: when it expires,
// everything not currently leased is still destroyed before Close returns
// the ctx error, and the resources held by stuck leases stay queued for a
// retried Close once their leases are released.
func (p *Pool[T]) Close(ctx context.Context) error {
	var errs []error

	p.mu.Lock()
	p.closed = true
	for {
		batch := p.idle
		p.idle = nil
		if len(batch) == 0 && p.leases == 0 {
			p.mu.Unlock()
			err := errors.Join(errs...)
			p.observe("close", 0, 0, err)
			return err
		}
		if len(batch) == 0 {
			wait := make(chan struct{})
			p.idleWait = wait
			p.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				// Destroy anything released while we were waiting so
				// only the stuck leases survive the timeout.
				p.mu.Lock()
				batch := p.idle
				p.idle = nil
				leases := p.leases
				p.mu.Unlock()
				errs = append(errs, p.destroyAll(ctx, batch)...)
				errs = append(errs, ctx.Err())
				err := errors.Join(errs...)
				p.observe("close", 0, leases, err)
				return err
			}
			p.mu.Lock()
			continue
		}
		p.mu.Unlock()
		errs = append(errs, p.destroyAll(ctx, batch)...)
		p.mu.Lock()
	}
}

func (p *Pool[T]) destroyAll(ctx context.Context, batch []T) []error {
	var errs []error
	for _, value := range batch {
		if err := p.pipeline.destroy(ctx, value); err != nil {
			derr := &DestroyError{Err: err}
			p.pipeline.logger.Error("failed to destroy pipeline resource", derr)
			errs = append(errs, derr)
		}
	}
	return errs
}

// release returns the resource to the idle set regardless of the pool being
// closed: a closing or retried Close picks it up from there and destroys it.
func (p *Pool[T]) release(value T) {
	p.mu.Lock()
	p.leases--
	leases := p.leases
	p.idle = append(p.idle, value)
	p.notifyLocked()
	p.mu.Unlock()
	p.observe("release", 0, leases, nil)
}

func (p *Pool[T]) notifyLocked() {
	if p.idleWait != nil {
		close(p.idleWait)
		p.idleWait = nil
	}
}

func (p *Pool[T]) observe(operation string, duration time.Duration, leases int, err error) {
	if p.pipeline.observer == nil {
		return
	}
	p.pipeline.observer.ObserveOperation(observability.OperationContext{
		Component: "vhost.pipeline",
		Operation: operation,
		Duration:  duration,
		Error:     err,
		Size:      int64(leases),
	})
}

// Lease is an exclusive checkout of one pooled resource. Release returns
// the resource to the pool's idle set; calling it more than once is safe
// and only the first call has any effect.
type Lease[T any] struct {
	pool *Pool[T]
	once sync.Once

	// Value is the leased resource
	Value T
}

// Release returns the resource to the pool for reuse by later callers.
func (l *Lease[T]) Release() {
	l.once.Do(func() {
		l.pool.release(l.Value)
	})
}
