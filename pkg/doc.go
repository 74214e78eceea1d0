// Package pkg provides shared utilities for the softudc controller core.
//
// This package contains common functionality used by the controller, the
// simulated hardware and the function drivers, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors returned by controller entry points
//   - [TransferStatus], the asynchronous outcome recorded on each request
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component tags:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentUDC, "gadget bound", "driver", name)
//
// # Errors
//
// Synchronous failures are sentinel values:
//
//	if errors.Is(err, pkg.ErrBusy) {
//	    // another gadget driver is bound
//	}
//
// Asynchronous failures are carried on the request and map back to the
// same sentinels through [TransferStatus.Error].
package pkg
