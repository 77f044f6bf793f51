package vhost

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/broker-std/rabbitharness/v1/observability"
	"github.com/broker-std/rabbitharness/v1/rabbit"
)

// namePrefix marks vhosts created by this package, so stale ones left by a
// crashed run are recognizable on the broker.
const namePrefix = "harness_test_"

const nameSuffixLen = 10

// Vhost is one leased virtual host together with the broker config that
// targets it.
type Vhost struct {
	// Name is the vhost name on the broker
	Name string

	// Config is the broker config pointed at this vhost. It is the base
	// config with only the Vhost field replaced.
	Config rabbit.Config
}

// Admin is the slice of the management API the vhost pipeline needs.
//
// This interface is implemented by the concrete *Manager type.
type Admin interface {
	// CreateVhost creates a virtual host and grants the management
	// principal access to it.
	CreateVhost(ctx context.Context, name string) error

	// DeleteVhost deletes a virtual host, closing its connections
	// broker-side.
	DeleteVhost(ctx context.Context, name string) error
}

// NewVhostPipeline builds a pipeline of disposable virtual hosts on top of
// a management client. Each created resource is a fresh, randomly named
// vhost with full permissions for the manager's principal, paired with a
// copy of base targeting it. Destroying the resource deletes the vhost.
func NewVhostPipeline(mgr Admin, base rabbit.Config, logger Logger, observer observability.Observer) *Pipeline[Vhost] {
	create := func(ctx context.Context) (Vhost, error) {
		name := randomName()
		if err := mgr.CreateVhost(ctx, name); err != nil {
			return Vhost{}, err
		}

		cfg := base
		cfg.Connection.Vhost = name
		return Vhost{Name: name, Config: cfg}, nil
	}

	destroy := func(ctx context.Context, v Vhost) error {
		return mgr.DeleteVhost(ctx, v.Name)
	}

	return NewPipeline(create, destroy, logger, observer)
}

// randomName generates a vhost name of the form harness_test_xxxxxxxxxx
// with a random lowercase suffix.
func randomName() string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, nameSuffixLen)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		suffix[i] = letters[n.Int64()]
	}
	return namePrefix + string(suffix)
}
