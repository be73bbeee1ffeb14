// Package engine runs indicator searches: it fans each indicator out to the
// adapters registered for its type, reads and writes the lookup cache,
// follows discovered indicators recursively and streams chunks to a sink.
//
// Completion uses a pending-work counter. Every goroutine and every dispatch
// holds one unit; the unit is taken before the goroutine starts, so the
// counter can only reach zero once no more work can be scheduled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/cache"
	"github.com/hazyhaar/sonde/indicator"
)

// Engine holds the collaborators shared by every search.
type Engine struct {
	reg    *adapter.Registry
	cache  cache.Cache
	logger *slog.Logger
	now    func() time.Time
	flight singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the lookup cache. Without one every lookup is direct.
func WithCache(c cache.Cache) Option { return func(e *Engine) { e.cache = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine over reg.
func New(reg *adapter.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the adapter registry.
func (e *Engine) Registry() *adapter.Registry { return e.reg }

// LookupOne runs a single adapter for one indicator, cache first. No
// discovery, no stream, no audit.
func (e *Engine) LookupOne(ctx context.Context, caller auth.Caller, t indicator.Type, name, query string) (adapter.Result, error) {
	a, err := e.reg.Get(name)
	if err != nil {
		return adapter.Result{}, err
	}
	if !a.Supports(t) {
		return adapter.Result{}, fmt.Errorf("%w: %s does not handle %s", adapter.ErrUnsupportedType, name, t)
	}
	if !a.Allowed(ctx, caller) {
		return adapter.Result{}, fmt.Errorf("%w: %s", ErrNotAllowed, name)
	}
	ind := indicator.Indicator{Query: query, Type: t}
	normalized, err := normalize(ind)
	if err != nil {
		return adapter.Result{}, err
	}
	return e.resolve(ctx, caller, a, ind, normalized, false), nil
}

func normalize(ind indicator.Indicator) (string, error) {
	if ind.Type != indicator.IP {
		return ind.Query, nil
	}
	return indicator.NormalizeIP(ind.Query)
}

// resolve produces one adapter outcome: a fresh cache entry when allowed,
// otherwise a handler call written through to the cache when it finds data.
func (e *Engine) resolve(ctx context.Context, caller auth.Caller, a *adapter.Adapter, ind indicator.Indicator, query string, skipCache bool) adapter.Result {
	stats := e.reg.Stats()
	stats.Begin(a.Name, ind.Type)

	useCache := e.cache != nil && a.Cacheable
	key := a.CacheKey(caller, ind.Type, query)

	if useCache && !skipCache {
		start := time.Now()
		entry, ok := e.cacheGet(ctx, a, key)
		fresh := ok && adapter.Result{CreatedAt: entry.CreatedAt}.Fresh(e.now(), a.CacheTimeout)
		stats.RecordCache(a.Name, ind.Type, ok, fresh, time.Since(start))
		if fresh {
			return adapter.FoundRaw(entry.Data, entry.Count, entry.CreatedAt)
		}
	}

	req := &adapter.Request{
		Caller:    caller,
		Indicator: ind,
		Query:     query,
		Settings:  a.Settings().ForUser(caller.UserID),
	}
	start := time.Now()
	var res adapter.Result
	if useCache {
		res = e.shared(ctx, key, a, req)
	} else {
		res = call(ctx, a, req)
	}
	elapsed := time.Since(start)
	stats.RecordDirect(a.Name, ind.Type, res.Kind, elapsed)

	log := e.logger.With("adapter", a.Name, "itype", ind.Type, "query", query, "duration_ms", elapsed.Milliseconds())
	switch res.Kind {
	case adapter.KindFound:
		if res.CreatedAt.IsZero() {
			res.CreatedAt = e.now()
		}
		if useCache {
			e.cacheSet(ctx, a, key, &cache.Entry{Data: res.Data, Count: res.Count, CreatedAt: res.CreatedAt})
		}
		log.Debug("engine: found", "count", res.Count)
	case adapter.KindNotFound:
		log.Debug("engine: not found")
	case adapter.KindSkipped:
		log.Debug("engine: adapter skipped lookup", "reason", res.Reason)
	default:
		log.Warn("engine: lookup failed", "error", res.Err)
	}
	return res
}

// shared collapses concurrent direct calls on the same cache key. The call
// outlives any one waiter, so it runs without their cancellation; a waiter
// whose ctx ends stops waiting and gets its own ctx error.
func (e *Engine) shared(ctx context.Context, key string, a *adapter.Adapter, req *adapter.Request) adapter.Result {
	ch := e.flight.DoChan(key, func() (any, error) {
		return call(context.WithoutCancel(ctx), a, req), nil
	})
	select {
	case r := <-ch:
		return r.Val.(adapter.Result)
	case <-ctx.Done():
		return adapter.Failed(ctx.Err())
	}
}

// call invokes the handler for req's type, turning panics and zero results
// into Error results.
func call(ctx context.Context, a *adapter.Adapter, req *adapter.Request) (res adapter.Result) {
	h, ok := a.Handlers[req.Indicator.Type]
	if !ok {
		return adapter.Failed(fmt.Errorf("%w: %s", adapter.ErrUnsupportedType, req.Indicator.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			res = adapter.Failed(fmt.Errorf("%w: %s: %v", ErrPanic, a.Name, r))
		}
	}()
	res = h(ctx, req)
	if res.Kind == 0 {
		res = adapter.Failed(ErrEmptyResult)
	}
	if res.Kind == adapter.KindError && res.Err == nil {
		res.Err = errors.New("unspecified adapter error")
	}
	return res
}

// cacheGet degrades store errors and panics to a miss.
func (e *Engine) cacheGet(ctx context.Context, a *adapter.Adapter, key string) (entry *cache.Entry, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: cache get panicked", "adapter", a.Name, "panic", r)
			entry, ok = nil, false
		}
	}()
	entry, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("engine: cache get failed, treating as miss", "adapter", a.Name, "error", err)
		return nil, false
	}
	if ok && entry == nil {
		return nil, false
	}
	return entry, ok
}

// cacheSet drops the write on error or panic.
func (e *Engine) cacheSet(ctx context.Context, a *adapter.Adapter, key string, entry *cache.Entry) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: cache set panicked", "adapter", a.Name, "panic", r)
		}
	}()
	if err := e.cache.Set(ctx, key, entry); err != nil {
		e.logger.Warn("engine: cache set failed", "adapter", a.Name, "error", err)
	}
}

// callDiscover runs a's discovery, dropping its output on panic.
func (e *Engine) callDiscover(a *adapter.Adapter, ind indicator.Indicator, res adapter.Result) (out []adapter.Discovery) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: discovery panicked", "adapter", a.Name, "panic", r)
			out = nil
		}
	}()
	return a.Discover(ind, res.Data)
}
