package teardown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// Orchestrator coordinates the shutdown of one test unit's broker fixtures
// in a fixed order:
//
//  1. Isolation resources (test vhosts) are destroyed. Deleting a vhost
//     closes its connections broker-side, which interrupts any consumer
//     still blocked on a delivery there.
//  2. Every tracked consumer handle has its cooperative stop flag set.
//     The flag must be set before any consumer's own shutdown runs, so a
//     loop that observed the broker-side cancellation in step 1 does not
//     try to reconnect to a vhost that no longer exists.
//  3. Every tracked owner is killed, waiting for its loops to exit.
//
// Failures in any step are collected and joined; a failing destroy never
// prevents the stop flags from being set. After Teardown the tracking sets
// are empty and the orchestrator can serve the next test unit.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	logger   Logger
	observer observability.Observer

	mu         sync.Mutex
	destroyers []Destroyer
	handles    []Handle
	owners     []Owner
}

// NewOrchestrator creates an Orchestrator. Logger and observer may be nil.
func NewOrchestrator(logger Logger, observer observability.Observer) *Orchestrator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Orchestrator{logger: logger, observer: observer}
}

// AddResource registers an isolation resource to destroy first during
// teardown. Resources are destroyed in registration order.
func (o *Orchestrator) AddResource(d Destroyer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyers = append(o.destroyers, d)
}

// Track records a consumer handle so its stop flag is set during teardown,
// after resource destruction but before any owner shutdown. Call it for
// every consumer loop constructed inside the test unit.
func (o *Orchestrator) Track(h Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles = append(o.handles, h)
}

// TrackOwner records a consumer-owning fixture to kill in the final
// teardown step. An owner that also implements Handle should additionally
// be passed to Track so its stop flag is set in step 2.
func (o *Orchestrator) TrackOwner(ow Owner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners = append(o.owners, ow)
}

// TrackConsumer records a value that is both a Handle and an Owner, which
// is the common case for consumer fixtures.
func (o *Orchestrator) TrackConsumer(c interface {
	Handle
	Owner
}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles = append(o.handles, c)
	o.owners = append(o.owners, c)
}

// Teardown runs the three shutdown steps in order and resets the tracking
// sets. The returned error joins every failure encountered; partial
// failure never skips a later step.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	start := time.Now()

	o.mu.Lock()
	destroyers := o.destroyers
	handles := o.handles
	owners := o.owners
	o.destroyers = nil
	o.handles = nil
	o.owners = nil
	o.mu.Unlock()

	var errs []error

	for _, d := range destroyers {
		if err := d.Destroy(ctx); err != nil {
			o.logger.Error("failed to destroy isolation resource", err)
			errs = append(errs, err)
		}
	}

	for _, h := range handles {
		h.RequestStop()
	}
	o.logger.Debug("stop requested for all tracked consumers", nil, map[string]interface{}{
		"consumers": len(handles),
	})

	for _, ow := range owners {
		if err := ow.Kill(ctx); err != nil {
			o.logger.Error("failed to stop consumer owner", err)
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	o.observe(time.Since(start), len(handles), err)
	return err
}

func (o *Orchestrator) observe(duration time.Duration, handles int, err error) {
	if o.observer == nil {
		return
	}
	o.observer.ObserveOperation(observability.OperationContext{
		Component: "teardown.orchestrator",
		Operation: "teardown",
		Duration:  duration,
		Size:      int64(handles),
		Error:     err,
	})
}
