package observability

import "time"

// OperationContext describes a single operation performed against an external
// resource (a broker connection, a publish, a management API call) for the
// purpose of metrics and tracing.
type OperationContext struct {
	// Component is the package reporting the operation, e.g. "rabbit" or "vhost".
	Component string

	// Operation is the verb, e.g. "acquire", "publish", "create_vhost".
	Operation string

	// Resource is the primary target of the operation, e.g. a pool key,
	// an exchange name or a vhost name.
	Resource string

	// SubResource optionally narrows the target, e.g. a routing key.
	SubResource string

	// Duration is how long the operation took.
	Duration time.Duration

	// Error is the operation outcome; nil on success.
	Error error

	// Size is an operation-specific magnitude: payload bytes for a publish,
	// the number of outstanding leases for pool acquire/release/get, the
	// number of tracked handles for a teardown. 0 where none applies.
	Size int64

	// Metadata carries any additional key/value context.
	Metadata map[string]interface{}
}

// Observer receives operation reports from instrumented components.
// Implementations must be safe for concurrent use.
//
// The v1/metrics package provides a Prometheus-backed implementation.
type Observer interface {
	ObserveOperation(op OperationContext)
}
