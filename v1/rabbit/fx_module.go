package rabbit

import (
	"context"

	"go.uber.org/fx"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// FXModule is an fx.Module that provides the broker connection layer.
// This module registers the diagnoser and the pool registry with the Fx
// dependency injection framework, making them available to other components
// in the application.
//
// The module provides:
// 1. *Diagnoser for connection verification and failure classification
// 2. *Pools, the registry of connection and publisher pools
// 3. Lifecycle management that closes all pools on shutdown
//
// Usage:
//
//	app := fx.New(
//	    rabbit.FXModule,
//	    fx.Provide(func() rabbit.Config { return loadBrokerConfig() }),
//	    // other modules...
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewDiagnoserWithDI,
		NewPoolsWithDI,
	),
	fx.Invoke(RegisterPoolsLifecycle),
)

// DiagnoserParams groups the dependencies needed to create a Diagnoser
type DiagnoserParams struct {
	fx.In

	Logger   Logger                 `optional:"true"`
	Observer observability.Observer `optional:"true"`
}

// NewDiagnoserWithDI creates a Diagnoser using dependency injection.
// The observer is optional; without one, verification outcomes are only
// logged.
func NewDiagnoserWithDI(params DiagnoserParams) *Diagnoser {
	return NewDiagnoser(params.Logger, params.Observer)
}

// PoolsParams groups the dependencies needed to create the pool registry
type PoolsParams struct {
	fx.In

	Diagnoser *Diagnoser
	Logger    Logger                 `optional:"true"`
	Observer  observability.Observer `optional:"true"`
}

// NewPoolsWithDI creates the pool registry using dependency injection.
// Pools are created with DefaultPoolCapacity; construct a registry directly
// with NewPools to choose a different capacity.
func NewPoolsWithDI(params PoolsParams) *Pools {
	return NewPools(DefaultPoolCapacity, params.Diagnoser, params.Logger, params.Observer)
}

// PoolsLifecycleParams groups the dependencies for pool lifecycle management
type PoolsLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Pools     *Pools
}

// RegisterPoolsLifecycle registers the pool registry with the fx lifecycle
// system so that every pooled connection and publisher is closed cleanly
// when the application stops.
func RegisterPoolsLifecycle(params PoolsLifecycleParams) {
	params.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			params.Pools.Close()
			return nil
		},
	})
}
