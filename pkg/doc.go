// Package pkg provides shared utilities for the softxhci driver and host
// stack.
//
// This package contains common functionality used by the controller
// driver, the simulator and the host stack, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentSlot, "slot enabled", "slot", 1)
//
// Per-TRB tracing logs at [LevelTrace], below Debug.
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
