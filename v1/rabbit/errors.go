package rabbit

import (
	"errors"
	"fmt"
)

var (
	// ErrUndeliverable indicates that the broker accepted a publish but
	// could not deliver it anywhere: the message was unroutable or was
	// negatively acknowledged. It is only produced when the publisher was
	// created with Options.ConfirmPublish set.
	ErrUndeliverable = errors.New("message could not be delivered")

	// ErrPoolClosed indicates an acquire against a pool that has been closed.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPublisherClosed indicates a publish on a publisher whose channel
	// has been returned to the pool or closed.
	ErrPublisherClosed = errors.New("publisher is closed")
)

// DiagnosisError wraps a connection failure together with the diagnoser's
// classification of it. The original error is always reachable via Unwrap,
// so callers can still inspect the underlying cause.
type DiagnosisError struct {
	// Result is the classification of the failure
	Result DiagnosisResult

	// URI is the sanitized target of the failed connection attempt
	URI string

	// Err is the original connection error
	Err error
}

func (e *DiagnosisError) Error() string {
	switch e.Result {
	case BadCredentials:
		return fmt.Sprintf("Error connecting to broker, probably caused by invalid credentials (%s): %v", e.URI, e.Err)
	case BadVirtualHost:
		return fmt.Sprintf("Error connecting to broker, probably caused by using an invalid or unauthorized vhost (%s): %v", e.URI, e.Err)
	default:
		return fmt.Sprintf("Error connecting to broker (%s): %v", e.URI, e.Err)
	}
}

func (e *DiagnosisError) Unwrap() error {
	return e.Err
}

// IsBadCredentials reports whether err is a connection failure classified
// as rejected credentials.
func IsBadCredentials(err error) bool {
	var dErr *DiagnosisError
	return errors.As(err, &dErr) && dErr.Result == BadCredentials
}

// IsBadVirtualHost reports whether err is a connection failure classified
// as a missing or unauthorized vhost.
func IsBadVirtualHost(err error) bool {
	var dErr *DiagnosisError
	return errors.As(err, &dErr) && dErr.Result == BadVirtualHost
}

// IsUndeliverable reports whether err means the broker accepted a publish
// but could not deliver the message anywhere.
func IsUndeliverable(err error) bool {
	return errors.Is(err, ErrUndeliverable)
}

// PublishError wraps a failed publish with the exchange and routing key it
// targeted.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to exchange %q with routing key %q failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
