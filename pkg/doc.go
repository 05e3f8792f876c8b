// Package pkg provides shared utilities for the softmsc storage stack.
//
// This package contains common functionality used by the SdioSpi engine,
// the MMCSD card controller and the Mass Storage Class driver:
//
//   - Structured logging via Go's standard [log/slog] package
//   - The closed [Result] taxonomy and its sentinel errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentMMCSD, "card identified", "type", info.Type)
//
// # Errors
//
// Every layer maps the results of the layer below into its own vocabulary
// and reports them as sentinel values:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // Retry budget exhausted
//	}
//
// Interfaces publish their status as a [Result]; [ResultOf] and
// [Result.Error] convert between the two forms.
package pkg
