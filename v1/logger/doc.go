// Package logger provides structured logging for the rabbitharness module.
//
// The package wraps Uber's Zap logger behind a small interface with optional
// error and field parameters, plus context-aware variants that enrich log
// entries with OpenTelemetry trace and span IDs when tracing is enabled.
//
// # Architecture
//
// This package follows the "accept interfaces, return structs" design pattern:
//   - Logger interface: defines the contract for logging operations
//   - LoggerClient struct: concrete implementation of the Logger interface
//   - NewLoggerClient constructor: returns *LoggerClient (concrete type)
//   - FX module: provides both *LoggerClient and Logger for dependency injection
//
// # Direct Usage (Without FX)
//
//	log := logger.NewLoggerClient(logger.Config{
//		Level:       logger.Info,
//		ServiceName: "rabbitharness",
//	})
//
//	log.Info("vhost created", nil, map[string]interface{}{
//		"vhost": "harness_test_abcdefghij",
//	})
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,
//		fx.Provide(func() logger.Config {
//			return logger.Config{Level: logger.Info, ServiceName: "my-service"}
//		}),
//		// ... other modules
//	)
//
// # Thread Safety
//
// All methods on the Logger interface are safe for concurrent use by multiple
// goroutines.
package logger
