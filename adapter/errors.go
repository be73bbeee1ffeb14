package adapter

import "errors"

var (
	// ErrInvalidAdapter is returned by Register when Name or Handlers are missing.
	ErrInvalidAdapter = errors.New("adapter: name and handlers are required")

	// ErrInvalidCachePolicy is returned by Register when the resolved policy
	// is not one of none, user, shared.
	ErrInvalidCachePolicy = errors.New("adapter: invalid cache policy")

	// ErrUnknownAdapter is returned when no adapter carries the requested name.
	ErrUnknownAdapter = errors.New("adapter: unknown adapter")

	// ErrUnsupportedType is returned when an adapter has no handler for a type.
	ErrUnsupportedType = errors.New("adapter: unsupported indicator type")
)
