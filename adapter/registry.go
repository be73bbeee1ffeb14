package adapter

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/sonde/indicator"
)

// GlobalSection is the config section consulted after the adapter's own.
const GlobalSection = "global"

// Registry holds adapters by name in registration order. It is safe for
// concurrent use; Register may run while searches are in flight.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Adapter
	order  []string

	cfg    ConfigSource
	users  UserSource
	stats  *StatsCollector
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig sets the static configuration source.
func WithConfig(c ConfigSource) Option { return func(r *Registry) { r.cfg = c } }

// WithUserSettings sets the per-user settings source.
func WithUserSettings(u UserSource) Option { return func(r *Registry) { r.users = u } }

// WithStats sets the stats collector. Default: a collector without metrics sink.
func WithStats(s *StatsCollector) Option { return func(r *Registry) { r.stats = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]*Adapter),
		cfg:    emptyConfig{},
		users:  emptyUsers{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.stats == nil {
		r.stats = NewStatsCollector(nil)
	}
	return r
}

// Stats returns the collector shared by every adapter of r.
func (r *Registry) Stats() *StatsCollector { return r.stats }

// Register resolves a's configuration and indexes it. Re-registering a name
// replaces the previous entry in place and resets its stats; the last
// writer wins.
func (r *Registry) Register(a *Adapter) error {
	if a == nil || a.Name == "" || len(a.Handlers) == 0 {
		name := ""
		if a != nil {
			name = a.Name
		}
		r.logger.Error("adapter: rejected registration", "adapter", name, "error", ErrInvalidAdapter)
		return ErrInvalidAdapter
	}
	c := a.clone()
	if err := r.resolve(c); err != nil {
		r.logger.Error("adapter: rejected registration", "adapter", c.Name, "error", err)
		return err
	}

	r.mu.Lock()
	if _, exists := r.byName[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.byName[c.Name] = c
	r.mu.Unlock()
	r.stats.Reset(c.Name)

	r.logger.Debug("adapter: registered", "adapter", c.Name,
		"itypes", c.Types(), "cache_policy", c.CachePolicy, "cache_timeout", c.CacheTimeout)
	return nil
}

// Unregister removes name. It reports whether an entry existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.byName[name]
	if ok {
		delete(r.byName, name)
		r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	}
	r.mu.Unlock()
	if ok {
		r.stats.Remove(name)
	}
	return ok
}

// resolve applies config precedence: adapter section, global section, code
// default, built-in fallback.
func (r *Registry) resolve(a *Adapter) error {
	a.CacheTimeout = r.resolveTimeout(a)

	policy := r.lookupString(a.Name, "cachePolicy")
	if policy == "" {
		policy = string(a.CachePolicy)
	}
	if policy == "" {
		policy = string(PolicyShared)
	}
	p, err := ParsePolicy(policy)
	if err != nil {
		return fmt.Errorf("%s: %w", a.Name, err)
	}
	a.CachePolicy = p

	a.Cacheable = r.boolConfig(a.Name, "cacheable", a.Cacheable)
	if a.CachePolicy == PolicyNone {
		a.Cacheable = false
	}
	a.Disabled = r.boolConfig(a.Name, "disabled", a.Disabled)
	a.Locked = r.boolConfig(a.Name, "locked", a.Locked)
	a.ViewRoles = r.cfg.GetConfigArray(a.Name, "viewRoles", a.ViewRoles, ",")
	if v := r.cfg.GetConfig(a.Name, "order", ""); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			a.Order = n
		} else {
			r.logger.Warn("adapter: ignoring invalid order", "adapter", a.Name, "value", v)
		}
	}
	a.settings = Settings{section: a.Name, locked: a.Locked, cfg: r.cfg, users: r.users}
	return nil
}

func (r *Registry) resolveTimeout(a *Adapter) time.Duration {
	for _, section := range []string{a.Name, GlobalSection} {
		v := r.cfg.GetConfig(section, "cacheTimeout", "")
		if v == "" {
			continue
		}
		if d, ok := parseTimeout(v); ok {
			return d
		}
		r.logger.Warn("adapter: ignoring invalid cacheTimeout", "adapter", a.Name, "section", section, "value", v)
	}
	if a.CacheTimeout > 0 {
		return a.CacheTimeout
	}
	return DefaultCacheTimeout
}

// lookupString returns the adapter-section value, then the global one.
func (r *Registry) lookupString(name, key string) string {
	if v := strings.TrimSpace(r.cfg.GetConfig(name, key, "")); v != "" {
		return v
	}
	return strings.TrimSpace(r.cfg.GetConfig(GlobalSection, key, ""))
}

func (r *Registry) boolConfig(name, key string, def bool) bool {
	v := strings.TrimSpace(r.cfg.GetConfig(name, key, ""))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.logger.Warn("adapter: ignoring invalid boolean", "adapter", name, "key", key, "value", v)
		return def
	}
	return b
}

// Lookup returns the adapters supporting t in registration order.
func (r *Registry) Lookup(t indicator.Type) []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Adapter
	for _, n := range r.order {
		if a := r.byName[n]; a.Supports(t) {
			out = append(out, a)
		}
	}
	return out
}

// Get returns the adapter registered as name.
func (r *Registry) Get(name string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// All returns every adapter in registration order.
func (r *Registry) All() []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Adapter, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}
