package adapter

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a Result.
type Kind int

const (
	KindFound Kind = iota + 1
	KindNotFound
	KindSkipped
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindNotFound:
		return "not_found"
	case KindSkipped:
		return "skipped"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Result is the outcome of one lookup.
type Result struct {
	Kind      Kind
	Data      json.RawMessage
	Count     int
	CreatedAt time.Time
	Reason    string
	Err       error
}

// Found marshals v. A marshal failure becomes an Error result.
func Found(v any, count int) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Failed(fmt.Errorf("marshal result: %w", err))
	}
	return FoundRaw(data, count, time.Time{})
}

// FoundRaw wraps already-encoded data. Negative counts are clamped to 0.
func FoundRaw(data json.RawMessage, count int, createdAt time.Time) Result {
	return Result{Kind: KindFound, Data: data, Count: max(count, 0), CreatedAt: createdAt}
}

// NotFound means the source was checked and holds nothing.
func NotFound() Result { return Result{Kind: KindNotFound} }

// Skipped means the adapter declined, e.g. a credential is missing.
func Skipped(reason string) Result { return Result{Kind: KindSkipped, Reason: reason} }

// Failed wraps err.
func Failed(err error) Result { return Result{Kind: KindError, Err: err} }

// Errorf builds an Error result.
func Errorf(format string, args ...any) Result { return Failed(fmt.Errorf(format, args...)) }

// Fresh reports whether a result created at r.CreatedAt is still valid.
func (r Result) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) < ttl
}
