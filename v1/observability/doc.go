// Package observability defines the Observer interface through which
// components of this module report operations for metrics collection.
//
// Components accept an optional Observer and call it around pool
// acquisitions, publishes, consumer deliveries and vhost lifecycle
// operations. Wiring a concrete implementation (see v1/metrics) is
// entirely optional; a nil observer disables reporting.
package observability
