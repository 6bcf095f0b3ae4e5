// Package recovery provides panic recovery for the server's long-lived
// goroutines: the accept loop, one per session, and one per relay task.
// A panic in any of those must not take the whole process down with it —
// the accept loop and every other session must keep running.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of a goroutine to prevent a crash and log
// diagnostics instead.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "session.readLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional
// callback. udpgw's relay task uses this to tear down its PortForward (the
// same cleanup a UDP read error would trigger) if its loop ever panics.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
		if callback != nil {
			callback(r)
		}
	}
}
