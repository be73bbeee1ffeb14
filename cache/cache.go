// Package cache stores lookup results between searches. Entries carry their
// creation time; freshness is judged by the reader against the adapter's
// timeout, so one store serves adapters with different timeouts.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entry is one cached lookup result.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Count     int             `json:"count"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Cache is the store the engine reads through and writes through.
// Implementations must be safe for concurrent use. Writes are last-write-wins.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, e *Entry) error
}

// Purger drops entries created before a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PurgeLoop calls p.Purge every interval until ctx is done. maxAge is read on
// every tick so hot-reloaded adapters with longer timeouts are honoured.
func PurgeLoop(ctx context.Context, p Purger, interval time.Duration, maxAge func() time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx, time.Now().Add(-maxAge()))
			if err != nil {
				logger.Warn("cache: purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("cache: purged", "entries", n)
			}
		}
	}
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *Memory) Set(_ context.Context, key string, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = *e
	return nil
}

func (m *Memory) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.CreatedAt.Before(before) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
