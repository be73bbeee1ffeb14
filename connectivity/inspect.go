package connectivity

import (
	"iter"
	"slices"
)

// ServiceInfo is a snapshot of one routed service.
type ServiceInfo struct {
	Name     string   `json:"name"`
	Strategy string   `json:"strategy"`
	Endpoint string   `json:"endpoint,omitempty"`
	ITypes   []string `json:"itypes,omitempty"`
	HasLocal bool     `json:"hasLocal"`
	// Breaker is empty for local and noop services.
	Breaker string `json:"breaker,omitempty"`
}

// ListServices yields every service known to the router, routed ones first
// then local-only ones, each group sorted by name.
func (r *Router) ListServices() iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		r.mu.RLock()
		infos := make([]ServiceInfo, 0, len(r.routeSnap)+len(r.localHandlers))
		for name := range r.routeSnap {
			infos = append(infos, r.infoLocked(name))
		}
		var local []ServiceInfo
		for name := range r.localHandlers {
			if _, routed := r.routeSnap[name]; !routed {
				local = append(local, r.infoLocked(name))
			}
		}
		r.mu.RUnlock()

		byName := func(a, b ServiceInfo) int {
			if a.Name < b.Name {
				return -1
			}
			if a.Name > b.Name {
				return 1
			}
			return 0
		}
		slices.SortFunc(infos, byName)
		slices.SortFunc(local, byName)
		for _, info := range append(infos, local...) {
			if !yield(info) {
				return
			}
		}
	}
}

// Inspect returns the snapshot of one service; ok is false when the router
// knows nothing about it.
func (r *Router) Inspect(service string) (info ServiceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, hasRoute := r.routeSnap[service]
	_, hasLocal := r.localHandlers[service]
	if !hasRoute && !hasLocal {
		return ServiceInfo{}, false
	}
	return r.infoLocked(service), true
}

func (r *Router) infoLocked(name string) ServiceInfo {
	_, hasLocal := r.localHandlers[name]
	info := ServiceInfo{Name: name, Strategy: "local", HasLocal: hasLocal}
	if rt, ok := r.routeSnap[name]; ok {
		info.Strategy = rt.Strategy
		info.Endpoint = rt.Endpoint
		info.ITypes = slices.Clone(rt.ITypes)
	}
	if e, ok := r.remoteEntries[name]; ok && e.breaker != nil {
		info.Breaker = e.breaker.State().String()
	}
	return info
}
