package logger

// Level represents the minimum severity of log entries that will be emitted.
type Level string

// Supported log levels.
const (
	Debug   Level = "debug"
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
)

// Config defines the configuration for the logger.
type Config struct {
	// Level is the minimum log level to emit. Defaults to Info when empty.
	Level Level

	// ServiceName is attached to every log entry as the "service" field.
	ServiceName string

	// EnableTracing enables extraction of OpenTelemetry trace and span IDs
	// from the context passed to the *WithContext logging methods.
	EnableTracing bool
}
