// Package recovery turns goroutine panics into errors.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic is wrapped by every error produced by Guard.
var ErrPanic = errors.New("panic")

// Guard recovers a panic in the calling goroutine, logs it with its stack
// and stores it in *errp. It must be deferred directly.
//
//	func run() (err error) {
//	    defer recovery.Guard(logger, "daemon", &err)
//	    ...
//	}
func Guard(logger *slog.Logger, name string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
	*errp = fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
}
