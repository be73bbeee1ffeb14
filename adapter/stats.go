package adapter

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/sonde/indicator"
)

// window caps the rolling average sample count.
const window = 100

// MetricLookupDuration is the datapoint name sent to the metrics sink.
const MetricLookupDuration = "sonde.lookup.duration_ms"

// Path is the lookup path a latency belongs to.
type Path string

const (
	PathCache  Path = "cache"
	PathDirect Path = "direct"
)

// Stat holds outcome counters and rolling latencies.
type Stat struct {
	Total             int64   `json:"total"`
	CacheLookup       int64   `json:"cacheLookup"`
	CacheFound        int64   `json:"cacheFound"`
	CacheGood         int64   `json:"cacheGood"`
	CacheRecentAvgMs  float64 `json:"cacheRecentAvgMs"`
	DirectLookup      int64   `json:"directLookup"`
	DirectFound       int64   `json:"directFound"`
	DirectGood        int64   `json:"directGood"`
	DirectError       int64   `json:"directError"`
	DirectRecentAvgMs float64 `json:"directRecentAvgMs"`
}

// rolling applies avg' = (avg*(n-1) + ms) / n with n = min(lookups, 100).
// This decays older samples rather than evicting them.
func rolling(avg float64, lookups int64, ms float64) float64 {
	n := float64(min(lookups, window))
	if n < 1 {
		return ms
	}
	return (avg*(n-1) + ms) / n
}

func (s *Stat) cache(found, good bool, ms float64) {
	s.CacheLookup++
	if found {
		s.CacheFound++
	}
	if good {
		s.CacheGood++
	}
	s.CacheRecentAvgMs = rolling(s.CacheRecentAvgMs, s.CacheLookup, ms)
}

func (s *Stat) direct(k Kind, ms float64) {
	s.DirectLookup++
	switch k {
	case KindFound:
		s.DirectFound++
		s.DirectGood++
	case KindNotFound:
		s.DirectFound++
	case KindError:
		s.DirectError++
	}
	s.DirectRecentAvgMs = rolling(s.DirectRecentAvgMs, s.DirectLookup, ms)
}

// AdapterStats is a snapshot for one adapter.
type AdapterStats struct {
	Name   string                  `json:"name"`
	Stat   Stat                    `json:"stat"`
	ByType map[indicator.Type]Stat `json:"byType"`
}

// MetricsSink receives one datapoint per recorded latency.
type MetricsSink interface {
	Observe(name string, value float64, unit string, labels map[string]string)
}

type statEntry struct {
	all    Stat
	byType map[indicator.Type]*Stat
}

// StatsSnapshot is what the stats endpoint serves: per-adapter stats and
// one Stat per type across all adapters.
type StatsSnapshot struct {
	Adapters []AdapterStats          `json:"adapters"`
	Types    map[indicator.Type]Stat `json:"types"`
}

// StatsCollector tracks per-adapter stats, with a per-type breakdown, and
// per-type stats shared by every adapter. Each Stat runs its own rolling
// average.
type StatsCollector struct {
	mu      sync.Mutex
	entries map[string]*statEntry
	types   map[indicator.Type]*Stat
	sink    MetricsSink
}

// NewStatsCollector creates a collector. sink may be nil.
func NewStatsCollector(sink MetricsSink) *StatsCollector {
	return &StatsCollector{
		entries: make(map[string]*statEntry),
		types:   make(map[indicator.Type]*Stat),
		sink:    sink,
	}
}

// Reset zeroes the stats of name. Type stats keep its past lookups.
func (c *StatsCollector) Reset(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &statEntry{byType: make(map[indicator.Type]*Stat)}
}

// Remove forgets name.
func (c *StatsCollector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// stats returns the adapter Stat, its per-type breakdown and the global
// type Stat. c.mu must be held.
func (c *StatsCollector) stats(name string, t indicator.Type) []*Stat {
	e := c.entries[name]
	if e == nil {
		e = &statEntry{byType: make(map[indicator.Type]*Stat)}
		c.entries[name] = e
	}
	at := e.byType[t]
	if at == nil {
		at = &Stat{}
		e.byType[t] = at
	}
	ts := c.types[t]
	if ts == nil {
		ts = &Stat{}
		c.types[t] = ts
	}
	return []*Stat{&e.all, at, ts}
}

// Begin counts one lookup attempt.
func (c *StatsCollector) Begin(name string, t indicator.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stats(name, t) {
		s.Total++
	}
}

// RecordCache records a cache probe. found: an entry existed; good: it was fresh.
func (c *StatsCollector) RecordCache(name string, t indicator.Type, found, good bool, elapsed time.Duration) {
	ms := durationMs(elapsed)
	c.mu.Lock()
	for _, s := range c.stats(name, t) {
		s.cache(found, good, ms)
	}
	c.mu.Unlock()
	c.observe(name, t, PathCache, ms)
}

// RecordDirect records a handler call outcome.
func (c *StatsCollector) RecordDirect(name string, t indicator.Type, k Kind, elapsed time.Duration) {
	ms := durationMs(elapsed)
	c.mu.Lock()
	for _, s := range c.stats(name, t) {
		s.direct(k, ms)
	}
	c.mu.Unlock()
	c.observe(name, t, PathDirect, ms)
}

func (c *StatsCollector) observe(name string, t indicator.Type, p Path, ms float64) {
	if c.sink == nil {
		return
	}
	c.sink.Observe(MetricLookupDuration, ms, "milliseconds", map[string]string{
		"adapter": name,
		"itype":   string(t),
		"path":    string(p),
	})
}

// Get returns a copy of name's stats.
func (c *StatsCollector) Get(name string) (AdapterStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return AdapterStats{}, false
	}
	return e.snapshot(name), true
}

// Type returns a copy of the Stat shared by every adapter serving t.
func (c *StatsCollector) Type(t indicator.Type) (Stat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.types[t]
	if !ok {
		return Stat{}, false
	}
	return *s, true
}

// Snapshot returns copies of every adapter's stats, sorted by name, and of
// the type stats.
func (c *StatsCollector) Snapshot() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := slices.Sorted(maps.Keys(c.entries))
	out := StatsSnapshot{
		Adapters: make([]AdapterStats, 0, len(names)),
		Types:    make(map[indicator.Type]Stat, len(c.types)),
	}
	for _, n := range names {
		out.Adapters = append(out.Adapters, c.entries[n].snapshot(n))
	}
	for t, s := range c.types {
		out.Types[t] = *s
	}
	return out
}

func (e *statEntry) snapshot(name string) AdapterStats {
	by := make(map[indicator.Type]Stat, len(e.byType))
	for t, s := range e.byType {
		by[t] = *s
	}
	return AdapterStats{Name: name, Stat: e.all, ByType: by}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
