// Package log provides structured lifecycle event tracing for the object
// model.
//
// This package defines the Logger interface and Event types for capturing
// what happens to nodes, attributes and bus members: registration, release,
// attribute writes, device/driver attach and detach, probe failures.
// It is separate from operational logging (slog) - the event trace is a
// complete machine-readable record for debugging and post-mortem analysis.
//
// # Basic Usage
//
// Components accept a Logger through their configuration:
//
//	// For development: log to console via slog
//	reg := model.NewRegistry(model.RegistryConfig{
//	    EventLogger: log.NewSlogAdapter(slog.Default()),
//	})
//
//	// For production: write to binary file
//	fl, _ := log.NewFileLogger("/var/log/hwmodel/events.hwlog")
//
//	// Both: use MultiLogger
//	events := log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Event Categories
//
//   - Node: node created/registered/unregistered/released
//   - Attribute: exposed/removed/written, failed accesses
//   - Bus: device and driver registration, attach, detach
//   - Error: probe failures and contract violations
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys, usually
// with the .hwlog extension. The hwmodel-log CLI provides viewing,
// filtering, statistics and JSONL export.
package log
