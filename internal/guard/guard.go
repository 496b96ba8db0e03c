// Package guard runs caller-supplied callbacks so that their failures stay
// local to the callback.
package guard

import (
	"fmt"
	"log/slog"
)

// ListenerFailure records an error returned, or a panic raised, by a
// callback the core does not own (window listeners, location handlers).
type ListenerFailure struct {
	Component string
	Err       error
	Panic     any
}

func (f *ListenerFailure) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("%s panicked: %v", f.Component, f.Panic)
	}
	return fmt.Sprintf("%s failed: %v", f.Component, f.Err)
}

func (f *ListenerFailure) Unwrap() error {
	return f.Err
}

// Run calls fn, converting a returned error or a panic into a
// ListenerFailure that is logged with attrs and returned. It never panics.
func Run(logger *slog.Logger, component string, fn func() error, attrs ...any) (failure *ListenerFailure) {
	defer func() {
		if r := recover(); r != nil {
			failure = &ListenerFailure{Component: component, Panic: r}
			log(logger, failure, attrs)
		}
	}()

	if err := fn(); err != nil {
		failure = &ListenerFailure{Component: component, Err: err}
		log(logger, failure, attrs)
	}
	return failure
}

func log(logger *slog.Logger, f *ListenerFailure, attrs []any) {
	if logger == nil {
		return
	}
	args := append([]any{"component", f.Component, "error", f.Error()}, attrs...)
	logger.Warn("listener failure", args...)
}
