// Package log provides structured session event capture.
//
// This package defines the Logger interface and Event types for recording
// what a session did: messages published and received, subscriptions, state
// transitions, token refreshes, and protocol errors. It is separate from
// operational logging (slog) - capture provides a complete machine-readable
// event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure capture by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/cirrus/device.clog")
//
//	// Both: use MultiLogger
//	fileLog, _ := log.NewFileLogger("/var/log/cirrus/device.clog")
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLog,
//	)
//
// # Event Types
//
// Events are captured at two layers:
//   - Session: state changes (StateChangeEvent), token lifecycle (AuthEvent)
//   - Protocol: application messages (MessageEvent), subscriptions (ControlEvent)
//
// Errors have a dedicated event type usable at either layer.
//
// # File Format
//
// Capture files use CBOR encoding with .clog extension. The cirrus-log CLI
// tool provides viewing, filtering, and export capabilities.
package log
