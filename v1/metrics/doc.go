// Package metrics provides Prometheus metrics collection and exposure for
// the rabbitharness module.
//
// The package maintains an isolated Prometheus registry per service, applies
// a constant "service" label to every metric, and exposes the registry via an
// HTTP /metrics endpoint. The *Metrics type also implements the
// observability.Observer interface, so it can be handed directly to the
// rabbit pools, publishers and vhost manager to record operation counts and
// durations.
//
// Built-in metrics:
//   - broker_operations_total{component,operation,status}
//   - broker_operation_duration_seconds{component,operation}
//   - pool_leases{component,pool}
//
// Additional metrics can be created and registered through the CreateCounter,
// CreateHistogram and CreateGauge factories.
package metrics
