// Package connectivity routes remote adapter lookups. Each service is one
// remote lookup; the adapter_routes table decides whether a service runs
// in-process, over HTTP, over MCP or not at all, and the router picks up
// changes to that table without a restart.
//
//	router := connectivity.New(connectivity.WithMetrics(mm))
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	go router.Watch(ctx, db, 2*time.Second)
//
//	reply, err := router.Call(ctx, "passivedns_lookup", &connectivity.Call{IType: "domain", Query: "example.com"})
//
// Remote handlers are wrapped with Recovery, Logging, metrics, Retry,
// CircuitBreaker and Timeout, configured per route from the config column.
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Reply statuses.
const (
	StatusFound    = "found"
	StatusNotFound = "not_found"
	StatusSkipped  = "skipped"
	StatusError    = "error"
)

// Call is one lookup sent to a service.
type Call struct {
	Service string `json:"service"`
	IType   string `json:"itype"`
	Query   string `json:"query"`
	UserID  string `json:"userId,omitempty"`
}

// Discovered is a child indicator reported by a service.
type Discovered struct {
	Query   string `json:"query"`
	IType   string `json:"itype,omitempty"`
	Enhance any    `json:"enhance,omitempty"`
}

// Reply is a service's answer.
type Reply struct {
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Count      int             `json:"count,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Discovered []Discovered    `json:"discovered,omitempty"`
}

// Handler answers one Call. Local functions and remote clients share it.
type Handler func(ctx context.Context, call *Call) (*Reply, error)

// TransportFactory builds a Handler for a remote endpoint. config is the
// route's JSON config column. The close func runs when the route is
// removed or replaced and may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	Service  string
	Strategy string
	Endpoint string
	ITypes   []string
	Config   json.RawMessage
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	breaker *CircuitBreaker
	close   func()
}

// Router dispatches calls according to the routes table.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]route
	factories     map[string]TransportFactory
	onReload      []func()
	metrics       MetricsSink
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics records per-call durations and errors on remote routes.
func WithMetrics(m MetricsSink) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]route),
		factories:     make(map[string]TransportFactory),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for service. It serves
// calls when the route says "local" or when no route exists.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = Recovery(r.logger)(h)
	r.mu.Unlock()
}

// RegisterTransport registers the factory for a strategy ("http", "mcp").
func (r *Router) RegisterTransport(strategy string, f TransportFactory) {
	r.mu.Lock()
	r.factories[strategy] = f
	r.mu.Unlock()
}

// OnReload registers fn to run after every successful Reload.
func (r *Router) OnReload(fn func()) {
	r.mu.Lock()
	r.onReload = append(r.onReload, fn)
	r.mu.Unlock()
}

// Call dispatches call to service. Resolution order: noop route (skipped
// reply), remote route, local handler, ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, call *Call) (*Reply, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	c := *call
	c.Service = service

	if hasRoute && snap.Strategy == "noop" {
		r.logger.DebugContext(ctx, "routing noop", "service", service)
		return &Reply{Status: StatusSkipped, Reason: "route disabled"}, nil
	}
	if hasRemote {
		r.logger.DebugContext(ctx, "routing remote",
			"service", service, "strategy", snap.Strategy, "endpoint", snap.Endpoint)
		return entry.handler(ctx, &c)
	}
	if localH != nil {
		r.logger.DebugContext(ctx, "routing local", "service", service)
		return localH(ctx, &c)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Reload reads the routes table and rebuilds remote handlers. Routes whose
// strategy, endpoint and config are unchanged keep their handler and
// breaker state.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(itypes, ''), COALESCE(config, '{}') FROM adapter_routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	newRoutes := make(map[string]route)
	for rows.Next() {
		var rt route
		var itypes, cfg string
		if err := rows.Scan(&rt.Service, &rt.Strategy, &rt.Endpoint, &itypes, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.ITypes = splitTypes(itypes)
		rt.Config = json.RawMessage(cfg)
		newRoutes[rt.Service] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.mu.Lock()
	newEntries := make(map[string]remoteEntry, len(newRoutes))
	for name, rt := range newRoutes {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routeSnap[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, exists := r.remoteEntries[name]; exists {
				newEntries[name] = existing
				continue
			}
		}
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("connectivity: route skipped",
				"error", &ErrNoFactory{Service: name, Strategy: rt.Strategy})
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("connectivity: route skipped",
				"error", &ErrFactoryFailed{Service: name, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err})
			continue
		}
		entry := r.wrap(name, rt, h)
		entry.close = closeFn
		newEntries[name] = entry
		r.logger.Info("route built", "service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, still := newEntries[name]; !still || r.routeSnap[name].fingerprint() != newRoutes[name].fingerprint() {
			old.close()
		}
	}

	r.remoteEntries = newEntries
	r.routeSnap = newRoutes
	hooks := append([]func(){}, r.onReload...)
	r.mu.Unlock()

	r.logger.Info("routes reloaded", "total", len(newRoutes), "remote", len(newEntries))
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// wrap applies the per-route middleware chain to a transport handler.
func (r *Router) wrap(service string, rt route, h Handler) remoteEntry {
	cfg := parseRouteConfig(rt.Config)
	cb := NewCircuitBreaker(cfg.breakerOptions()...)
	mws := []HandlerMiddleware{Recovery(r.logger), Logging(r.logger, service)}
	if r.metrics != nil {
		mws = append(mws, WithObservability(r.metrics, service, rt.Strategy))
	}
	mws = append(mws,
		WithRetry(cfg.MaxRetries, cfg.backoff(), r.logger),
		WithCircuitBreaker(cb, service),
		Timeout(cfg.timeout()),
	)
	return remoteEntry{handler: Chain(mws...)(h), breaker: cb}
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]route)
	return nil
}

func splitTypes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
