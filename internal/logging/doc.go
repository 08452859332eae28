// Package logging provides structured logging for swmrcoord clients.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. Several processes usually coordinate on the same
// data file, so every protocol log line carries the file, the client role
// and the client UUID; grepping one file's lines across all process logs
// reconstructs the linearized history of its shared state.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (file, role, client)
//   - Size-based log rotation with optional gzip of rotated files
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/swmr/writer.log", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	clientLog := logger.WithFile(path).WithRole("writer").WithClient(id)
//	clientLog.Info("writer state changed", "from", "None", "to", "Active")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"writer state changed","file":"/data/run.rec","role":"writer","client_id":"...","from":"None","to":"Active"}
//
// # Log Rotation
//
// Writers in long simulations run for days; use rotation to bound disk use:
//
//	logger, err := logging.NewLoggerWithRotation(path, "INFO", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	    Compress:   true,
//	})
//
// Rotated files are named swmr.log.1, swmr.log.2, ... where .1 is the most
// recent backup; with compression they become swmr.log.1.gz, etc.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a
// bytes.Buffer to assert on emitted lines.
package logging
