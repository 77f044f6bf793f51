package vhost

import (
	"go.uber.org/fx"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// FXModule is an fx.Module that provides the vhost management client.
// Pipelines are scoped to a test unit rather than the application, so the
// module provides only the Manager; build pipelines with NewVhostPipeline
// where they are used.
//
// Usage:
//
//	app := fx.New(
//	    vhost.FXModule,
//	    fx.Provide(func() vhost.Config { return loadManagementConfig() }),
//	)
var FXModule = fx.Module("vhost",
	fx.Provide(NewManagerWithDI),
)

// ManagerParams groups the dependencies needed to create a Manager
type ManagerParams struct {
	fx.In

	Config   Config
	Logger   Logger                 `optional:"true"`
	Observer observability.Observer `optional:"true"`
}

// NewManagerWithDI creates a Manager using dependency injection.
func NewManagerWithDI(params ManagerParams) (*Manager, error) {
	return NewManager(params.Config, params.Logger, params.Observer)
}
