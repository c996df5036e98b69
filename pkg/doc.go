// Package pkg holds what every tildabridge package shares: the module
// logger and the sentinel errors.
//
// Records carry a component attribute naming the subsystem:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentBridge, "uart opened", "baud", 115200)
//
// Errors are sentinels wrapped with context by callers, so tests and the
// CLI match them with errors.Is:
//
//	if errors.Is(err, pkg.ErrNoTarget) {
//		// no target answered the scan
//	}
package pkg
