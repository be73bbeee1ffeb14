// Package adapter defines the pluggable lookups a search fans out to, the
// Registry that resolves their configuration at registration time, and the
// StatsCollector that tracks their latency.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/indicator"
)

// DefaultCacheTimeout applies when neither config nor code sets one.
const DefaultCacheTimeout = time.Hour

// Policy scopes cache entries.
type Policy string

const (
	PolicyNone   Policy = "none"
	PolicyUser   Policy = "user"
	PolicyShared Policy = "shared"
)

// ParsePolicy validates s.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyNone, PolicyUser, PolicyShared:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCachePolicy, s)
}

// Request is what a handler receives for one lookup.
type Request struct {
	Caller    auth.Caller
	Indicator indicator.Indicator
	// Query is the normalized query (canonical form for IPs).
	Query    string
	Settings Settings
}

// Handler performs one lookup. Handlers bound their own I/O through ctx.
type Handler func(ctx context.Context, req *Request) Result

// Discovery is a child indicator found in a result, with optional
// enrichment forwarded to the client as an enhance chunk.
type Discovery struct {
	Indicator indicator.Indicator
	Enhance   any
}

// DiscoverFunc extracts child indicators from a Found payload.
type DiscoverFunc func(ind indicator.Indicator, data json.RawMessage) []Discovery

// Adapter is one pluggable data source. Fields are resolved by Register and
// read-only afterwards.
type Adapter struct {
	Name     string
	Handlers map[indicator.Type]Handler
	Discover DiscoverFunc

	Cacheable    bool
	CachePolicy  Policy
	CacheTimeout time.Duration

	// Order is a display hint; dispatch follows registration order.
	Order     int
	Disabled  bool
	ViewRoles []string
	// Locked adapters ignore per-user settings.
	Locked bool

	settings Settings
}

// Types returns the supported types in canonical order.
func (a *Adapter) Types() []indicator.Type {
	var out []indicator.Type
	for _, t := range indicator.Types {
		if _, ok := a.Handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Supports reports whether a has a handler for t.
func (a *Adapter) Supports(t indicator.Type) bool {
	_, ok := a.Handlers[t]
	return ok
}

// Settings returns the adapter's config view.
func (a *Adapter) Settings() Settings { return a.settings }

// CacheKey builds {scope}-{name}-{type}-{query}. Scope is "shared" for
// shared policies and the caller id otherwise.
func (a *Adapter) CacheKey(caller auth.Caller, t indicator.Type, query string) string {
	scope := string(PolicyShared)
	if a.CachePolicy == PolicyUser {
		scope = caller.UserID
		if scope == "" {
			scope = "anonymous"
		}
	}
	return scope + "-" + a.Name + "-" + string(t) + "-" + query
}

// Allowed reports whether caller may run a. ctx reaches the per-user
// settings store.
func (a *Adapter) Allowed(ctx context.Context, caller auth.Caller) bool {
	if a.Disabled {
		return false
	}
	if !caller.HasRole(a.ViewRoles...) {
		return false
	}
	return a.settings.ForUser(caller.UserID).UserConfig(ctx, "disabled", "false") != "true"
}

func (a *Adapter) clone() *Adapter {
	c := *a
	c.Handlers = maps.Clone(a.Handlers)
	c.ViewRoles = slices.Clone(a.ViewRoles)
	return &c
}

// Info is the listing view of an adapter.
type Info struct {
	Name         string           `json:"name"`
	Types        []indicator.Type `json:"itypes"`
	Cacheable    bool             `json:"cacheable"`
	CachePolicy  Policy           `json:"cachePolicy"`
	CacheTimeout int64            `json:"cacheTimeoutMs"`
	Order        int              `json:"order"`
	Disabled     bool             `json:"disabled"`
	ViewRoles    []string         `json:"viewRoles"`
	Locked       bool             `json:"locked"`
	Discovers    bool             `json:"discovers"`
}

// Info returns the listing view.
func (a *Adapter) Info() Info {
	roles := a.ViewRoles
	if roles == nil {
		roles = []string{}
	}
	return Info{
		Name:         a.Name,
		Types:        a.Types(),
		Cacheable:    a.Cacheable,
		CachePolicy:  a.CachePolicy,
		CacheTimeout: a.CacheTimeout.Milliseconds(),
		Order:        a.Order,
		Disabled:     a.Disabled,
		ViewRoles:    roles,
		Locked:       a.Locked,
		Discovers:    a.Discover != nil,
	}
}
