package vhost

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broker-std/rabbitharness/v1/rabbit"
)

// fakeAdmin records vhost create/delete calls.
type fakeAdmin struct {
	mu        sync.Mutex
	existing  map[string]bool
	createErr error
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{existing: make(map[string]bool)}
}

func (f *fakeAdmin) CreateVhost(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.existing[name] = true
	return nil
}

func (f *fakeAdmin) DeleteVhost(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.existing[name] {
		return errors.New("vhost does not exist: " + name)
	}
	delete(f.existing, name)
	return nil
}

func TestRandomNameFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^harness_test_[a-z]{10}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := randomName()
		assert.Regexp(t, pattern, name)
		seen[name] = true
	}
	// 100 draws from 26^10 names should never collide.
	assert.Len(t, seen, 100)
}

func TestVhostPipelineDerivesConfig(t *testing.T) {
	admin := newFakeAdmin()
	base := rabbit.Config{
		Connection: rabbit.Connection{
			Host:     "localhost",
			Port:     5672,
			User:     "guest",
			Password: "guest",
			Vhost:    "/",
		},
		Options: rabbit.Options{ConfirmPublish: true},
	}

	pipeline := NewVhostPipeline(admin, base, nil, nil)
	err := pipeline.Run(context.Background(), func(pool *Pool[Vhost]) error {
		lease, err := pool.Get(context.Background())
		if err != nil {
			return err
		}
		defer lease.Release()

		v := lease.Value
		assert.True(t, admin.existing[v.Name], "vhost should exist while leased")
		assert.Equal(t, v.Name, v.Config.Connection.Vhost)

		// Everything except the vhost is inherited from the base config.
		assert.Equal(t, base.Connection.Host, v.Config.Connection.Host)
		assert.Equal(t, base.Connection.User, v.Config.Connection.User)
		assert.True(t, v.Config.Options.ConfirmPublish)
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, admin.existing, "all vhosts should be deleted after Run")
}

func TestVhostPipelineCreateFailure(t *testing.T) {
	admin := newFakeAdmin()
	admin.createErr = errors.New("management API down")

	pipeline := NewVhostPipeline(admin, rabbit.Config{}, nil, nil)
	err := pipeline.Run(context.Background(), func(pool *Pool[Vhost]) error {
		_, err := pool.Get(context.Background())
		return err
	})

	var cerr *CreateError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, admin.createErr)
}

func TestManagerImplementsAdmin(t *testing.T) {
	var _ Admin = (*Manager)(nil)
}
