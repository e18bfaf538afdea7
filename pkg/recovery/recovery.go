// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package recovery keeps a panic in one session goroutine from taking down the relay.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is passed to the callback of RecoverWithCallback.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// It must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "tcp-session")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from panics, logs them, and hands the panic to callback
// as a *PanicError.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(err *PanicError)) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logPanic(logger, name, r, stack)
		if callback != nil {
			callback(&PanicError{Value: r, Stack: stack})
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any, stack string) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		slog.String("goroutine", name),
		slog.String("panic", fmt.Sprintf("%v", r)),
		slog.String("stack", stack))
}
