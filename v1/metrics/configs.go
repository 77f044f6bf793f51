package metrics

// Config defines the configuration for the metrics server.
type Config struct {
	// Address is the listen address of the /metrics HTTP endpoint,
	// e.g. ":9090".
	Address string

	// ServiceName is applied as a constant "service" label to every metric
	// emitted through this registry.
	ServiceName string

	// EnableDefaultCollectors registers the standard Go, process and build
	// info collectors in addition to the harness metrics.
	EnableDefaultCollectors bool
}
