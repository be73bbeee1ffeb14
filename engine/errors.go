package engine

import "errors"

var (
	// ErrPanic wraps a recovered handler or discovery panic.
	ErrPanic = errors.New("engine: adapter panicked")

	// ErrNotAllowed is returned by LookupOne when the caller may not run the adapter.
	ErrNotAllowed = errors.New("engine: adapter not allowed for caller")

	// ErrEmptyResult marks a handler that returned a zero Result.
	ErrEmptyResult = errors.New("engine: adapter returned no result")
)
