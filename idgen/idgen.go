// Package idgen produces the identifiers sonde stamps on audit records and
// requests. The strategy is chosen at startup by passing a Generator.
package idgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefixes scope ids to what they name.
const (
	AuditPrefix   = "aud_"
	RequestPrefix = "req_"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 v7 UUIDs (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an id with Default.
func New() string {
	return Default()
}

// Time recovers the creation time of a v7 id, prefixed or not. Ids from
// other generators report an error.
func Time(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("idgen: %w", err)
	}
	if u.Version() != 7 {
		return time.Time{}, fmt.Errorf("idgen: %s is uuid v%d, not v7", id, u.Version())
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), nil
}
