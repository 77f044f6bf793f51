package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// ObserveOperation records an operation reported by an instrumented component.
// It increments the operation counter (with an "ok"/"error" status label) and
// observes the operation duration. For pool operations, Size carries the
// number of outstanding leases and is mirrored onto the lease gauge. This
// makes *Metrics usable wherever an observability.Observer is accepted.
func (m *Metrics) ObserveOperation(op observability.OperationContext) {
	status := "ok"
	if op.Error != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(op.Component, op.Operation, status).Inc()
	m.operationDuration.WithLabelValues(op.Component, op.Operation).Observe(op.Duration.Seconds())

	switch op.Operation {
	case "acquire", "release", "get":
		m.SetLeases(op.Component, op.Resource, float64(op.Size))
	}
}

// SetLeases sets the outstanding-lease gauge for a pool.
// Example: metrics.SetLeases("rabbit", "amqp://localhost:5672/", 3)
func (m *Metrics) SetLeases(component, pool string, value float64) {
	m.leasesGauge.WithLabelValues(component, pool).Set(value)
}

// CreateCounter creates a new CounterVec metric and registers it.
func (m *Metrics) CreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := createCounterVec(name, help, labels)
	m.Registry.MustRegister(counter)
	return counter
}

// CreateHistogram creates a new HistogramVec metric and registers it.
func (m *Metrics) CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	hist := createHistogramVec(name, help, labels, buckets)
	m.Registry.MustRegister(hist)
	return hist
}

// CreateGauge creates a new GaugeVec metric and registers it.
func (m *Metrics) CreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := createGaugeVec(name, help, labels)
	m.Registry.MustRegister(gauge)
	return gauge
}

// createCounterVec defines a new CounterVec with standard options.
// Used internally by NewMetrics to maintain consistency.
func createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}

// createHistogramVec defines a new HistogramVec with configurable buckets.
// Used internally by NewMetrics for latency tracking.
func createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
}

// createGaugeVec defines a new GaugeVec safely for resource monitoring.
// Used internally by NewMetrics to track resource utilization.
func createGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}
