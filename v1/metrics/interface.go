package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// MetricsCollector provides an interface for collecting and exposing application metrics.
// It abstracts Prometheus metric operations with support for counters, histograms, and gauges.
//
// This interface is implemented by the concrete *Metrics type.
type MetricsCollector interface {
	// Observer integration

	// ObserveOperation records an operation reported through the
	// observability.Observer interface.
	ObserveOperation(op observability.OperationContext)

	// SetLeases sets the outstanding-lease gauge for a pool.
	SetLeases(component, pool string, value float64)

	// Dynamic metric factories

	// CreateCounter creates a new CounterVec metric and registers it.
	CreateCounter(name, help string, labels []string) *prometheus.CounterVec

	// CreateHistogram creates a new HistogramVec metric and registers it.
	CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec

	// CreateGauge creates a new GaugeVec metric and registers it.
	CreateGauge(name, help string, labels []string) *prometheus.GaugeVec
}
