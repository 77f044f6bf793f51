package vhost

import (
	"context"
	"fmt"
	"net/http"
	"time"

	rabbithole "github.com/michaelklishin/rabbit-hole"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// Manager drives the broker's HTTP management API: creating and deleting
// virtual hosts and granting a principal access to them. It is the
// collaborator behind the vhost pipeline's create and destroy callbacks.
type Manager struct {
	client   *rabbithole.Client
	user     string
	logger   Logger
	observer observability.Observer
}

// NewManager creates a management API client from the given config.
func NewManager(cfg Config, logger Logger, observer observability.Observer) (*Manager, error) {
	endpoint, user, password, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}

	client, err := rabbithole.NewClient(endpoint, user, password)
	if err != nil {
		return nil, fmt.Errorf("failed to create management client: %w", err)
	}

	if logger == nil {
		logger = nopLogger{}
	}
	return &Manager{
		client:   client,
		user:     user,
		logger:   logger,
		observer: observer,
	}, nil
}

// User returns the management principal the manager authenticates as.
func (m *Manager) User() string {
	return m.user
}

// CreateVhost creates a virtual host and grants the manager's own principal
// full configure, write, and read permissions on it.
func (m *Manager) CreateVhost(ctx context.Context, name string) error {
	start := time.Now()

	res, err := m.client.PutVhost(name, rabbithole.VhostSettings{})
	if err == nil {
		err = checkStatus("create", name, res)
	}
	if err == nil {
		err = m.setPermissions(name, m.user, FullPermissions())
	}

	m.observe("create_vhost", name, time.Since(start), err)
	if err != nil {
		m.logger.Error("failed to create vhost", err, map[string]interface{}{"vhost": name})
		return err
	}
	m.logger.Debug("created vhost", nil, map[string]interface{}{"vhost": name})
	return nil
}

// DeleteVhost deletes a virtual host. Deleting the vhost closes every
// connection bound to it broker-side, which is what interrupts consumers
// still waiting on deliveries there.
func (m *Manager) DeleteVhost(ctx context.Context, name string) error {
	start := time.Now()

	res, err := m.client.DeleteVhost(name)
	if err == nil {
		err = checkStatus("delete", name, res)
	}

	m.observe("delete_vhost", name, time.Since(start), err)
	if err != nil {
		m.logger.Error("failed to delete vhost", err, map[string]interface{}{"vhost": name})
		return err
	}
	m.logger.Debug("deleted vhost", nil, map[string]interface{}{"vhost": name})
	return nil
}

// SetPermissions grants a principal the given permissions on a vhost.
func (m *Manager) SetPermissions(ctx context.Context, vhost, user string, perms Permissions) error {
	start := time.Now()
	err := m.setPermissions(vhost, user, perms)
	m.observe("set_permissions", vhost, time.Since(start), err)
	if err != nil {
		m.logger.Error("failed to set vhost permissions", err, map[string]interface{}{
			"vhost": vhost,
			"user":  user,
		})
	}
	return err
}

func (m *Manager) setPermissions(vhost, user string, perms Permissions) error {
	res, err := m.client.UpdatePermissionsIn(vhost, user, rabbithole.Permissions{
		Configure: perms.Configure,
		Write:     perms.Write,
		Read:      perms.Read,
	})
	if err == nil {
		err = checkStatus("set permissions", vhost, res)
	}
	return err
}

// Permissions is the configure/write/read triple granted to a principal on
// a vhost. Each field is a regular expression over resource names.
type Permissions struct {
	Configure string
	Write     string
	Read      string
}

// FullPermissions grants a principal access to every resource in a vhost.
func FullPermissions() Permissions {
	return Permissions{Configure: ".*", Write: ".*", Read: ".*"}
}

func checkStatus(operation, vhost string, res *http.Response) error {
	if res == nil {
		return nil
	}
	res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	return &ManagementError{Operation: operation, Vhost: vhost, StatusCode: res.StatusCode}
}

func (m *Manager) observe(operation, vhost string, duration time.Duration, err error) {
	if m.observer == nil {
		return
	}
	m.observer.ObserveOperation(observability.OperationContext{
		Component: "vhost.manager",
		Operation: operation,
		Resource:  vhost,
		Duration:  duration,
		Error:     err,
	})
}
