// Package remote exposes connectivity services as adapters. Every service
// named "<name>_lookup" with indicator types on its route becomes the
// adapter <name>; the Syncer keeps the registry in step with the routes
// table.
package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/connectivity"
	"github.com/hazyhaar/sonde/indicator"
)

// Suffix marks the services the Syncer turns into adapters.
const Suffix = "_lookup"

// Envelope is the Found payload. Discovered indicators ride along with the
// data so that a cached result still yields its children.
type Envelope struct {
	Data       json.RawMessage           `json:"data,omitempty"`
	Discovered []connectivity.Discovered `json:"discovered,omitempty"`
}

// New builds the adapter for service. It reports false when the name lacks
// Suffix or no supported type is given.
func New(router *connectivity.Router, service string, types []indicator.Type) (*adapter.Adapter, bool) {
	name, ok := strings.CutSuffix(service, Suffix)
	if !ok || name == "" || len(types) == 0 {
		return nil, false
	}
	h := handler(router, service)
	a := &adapter.Adapter{
		Name:        name,
		Handlers:    make(map[indicator.Type]adapter.Handler, len(types)),
		Discover:    Discover,
		Cacheable:   true,
		CachePolicy: adapter.PolicyShared,
	}
	for _, t := range types {
		a.Handlers[t] = h
	}
	return a, true
}

func handler(router *connectivity.Router, service string) adapter.Handler {
	return func(ctx context.Context, req *adapter.Request) adapter.Result {
		reply, err := router.Call(ctx, service, &connectivity.Call{
			IType:  string(req.Indicator.Type),
			Query:  req.Query,
			UserID: req.Caller.UserID,
		})
		if err != nil {
			return adapter.Failed(err)
		}
		switch reply.Status {
		case connectivity.StatusFound:
			return adapter.Found(Envelope{Data: reply.Data, Discovered: reply.Discovered}, reply.Count)
		case connectivity.StatusNotFound:
			return adapter.NotFound()
		case connectivity.StatusSkipped:
			return adapter.Skipped(reply.Reason)
		case connectivity.StatusError:
			return adapter.Errorf("%s: %s", service, reply.Reason)
		}
		return adapter.Errorf("%s: unknown reply status %q", service, reply.Status)
	}
}

// Discover reads the children a service reported. A declared itype wins;
// otherwise the query is classified.
func Discover(parent indicator.Indicator, data json.RawMessage) []adapter.Discovery {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	var out []adapter.Discovery
	for _, d := range env.Discovered {
		q := strings.TrimSpace(d.Query)
		if q == "" {
			continue
		}
		ind := indicator.Classify(q)
		if t, err := indicator.ParseType(d.IType); err == nil {
			ind.Type = t
		}
		if ind.Type == indicator.Text || ind.Key() == parent.Key() {
			continue
		}
		out = append(out, adapter.Discovery{Indicator: ind, Enhance: d.Enhance})
	}
	return out
}

// Syncer registers an adapter for each routed lookup service and removes
// the ones whose route disappeared. It never touches adapters it did not
// register itself.
type Syncer struct {
	reg    *adapter.Registry
	router *connectivity.Router
	logger *slog.Logger

	mu    sync.Mutex
	owned map[string][]indicator.Type
}

// NewSyncer wires a Syncer to router's reload hook. Call Sync once after
// the first Reload if the hook was added later.
func NewSyncer(reg *adapter.Registry, router *connectivity.Router, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{reg: reg, router: router, logger: logger, owned: make(map[string][]indicator.Type)}
	router.OnReload(s.Sync)
	return s
}

// Sync reconciles the registry with the router.
func (s *Syncer) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for info := range s.router.ListServices() {
		types := s.types(info)
		a, ok := New(s.router, info.Name, types)
		if !ok {
			continue
		}
		seen[a.Name] = true
		if prev, mine := s.owned[a.Name]; mine && slices.Equal(prev, types) {
			continue
		}
		if _, mine := s.owned[a.Name]; !mine {
			if _, err := s.reg.Get(a.Name); err == nil {
				s.logger.Warn("remote: name taken by a built-in adapter", "adapter", a.Name, "service", info.Name)
				continue
			}
		}
		if err := s.reg.Register(a); err != nil {
			continue
		}
		s.owned[a.Name] = types
		s.logger.Info("remote: adapter registered", "adapter", a.Name, "service", info.Name, "itypes", types)
	}

	for name := range s.owned {
		if !seen[name] {
			s.reg.Unregister(name)
			delete(s.owned, name)
			s.logger.Info("remote: adapter removed", "adapter", name)
		}
	}
}

// Owned returns the names of the adapters the Syncer registered, sorted.
func (s *Syncer) Owned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.owned))
	for n := range s.owned {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (s *Syncer) types(info connectivity.ServiceInfo) []indicator.Type {
	var out []indicator.Type
	for _, raw := range info.ITypes {
		t, err := indicator.ParseType(raw)
		if err != nil {
			s.logger.Warn("remote: ignoring itype", "service", info.Name, "itype", raw, "error", err)
			continue
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
