package teardown

// Logger defines the interface for logging operations in the teardown
// package.
//
//go:generate mockgen -source=configs.go -destination=mock_logger.go -package=teardown
type Logger interface {
	// Debug logs debug-level messages, optionally with error and contextual fields
	Debug(msg string, err error, fields ...map[string]interface{})

	// Info logs informational messages, optionally with error and contextual fields
	Info(msg string, err error, fields ...map[string]interface{})

	// Warn logs warning messages, optionally with error and contextual fields
	Warn(msg string, err error, fields ...map[string]interface{})

	// Error logs error messages with the associated error and optional contextual fields
	Error(msg string, err error, fields ...map[string]interface{})
}

// nopLogger discards everything. It stands in when no Logger is injected.
type nopLogger struct{}

func (nopLogger) Debug(string, error, ...map[string]interface{}) {}
func (nopLogger) Info(string, error, ...map[string]interface{})  {}
func (nopLogger) Warn(string, error, ...map[string]interface{})  {}
func (nopLogger) Error(string, error, ...map[string]interface{}) {}
