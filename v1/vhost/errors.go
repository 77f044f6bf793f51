package vhost

import (
	"errors"
	"fmt"
)

// ErrPipelineClosed indicates a Get against a pool that has been closed.
var ErrPipelineClosed = errors.New("pipeline is closed")

// CreateError wraps a resource creation failure. It propagates to the
// caller of Get; no partial resource is retained.
type CreateError struct {
	Err error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("failed to create resource: %v", e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// DestroyError wraps a resource destruction failure. During pool shutdown
// these are collected rather than fatal, so every remaining resource still
// gets a destroy attempt.
type DestroyError struct {
	Err error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("failed to destroy resource: %v", e.Err)
}

func (e *DestroyError) Unwrap() error {
	return e.Err
}

// ManagementError wraps a management API call that returned an unexpected
// HTTP status.
type ManagementError struct {
	Operation  string
	Vhost      string
	StatusCode int
}

func (e *ManagementError) Error() string {
	return fmt.Sprintf("management API %s for vhost %q returned status %d", e.Operation, e.Vhost, e.StatusCode)
}
