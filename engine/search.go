package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/indicator"
)

// Options are the per-search switches.
type Options struct {
	Caller       auth.Caller
	SkipCache    bool
	SkipChildren bool
	// Adapters restricts the search to these names. Nil allows all.
	Adapters []string
}

// Seed is a dispatch root. Parent is set for derived indicators.
type Seed struct {
	Indicator indicator.Indicator
	Parent    *indicator.Indicator
}

// Counts is a snapshot of a search's accounting.
type Counts struct {
	Sent        int
	Total       int
	ResultCount int
	Finished    bool
}

// Balanced reports whether every provisional total was settled.
func (c Counts) Balanced() bool { return c.Sent == c.Total }

// Search is the state of one search request.
type Search struct {
	e     *Engine
	opts  Options
	allow map[string]bool
	sink  func(Chunk)
	ctx   context.Context

	mu          sync.Mutex
	sent        int
	total       int
	resultCount int
	queried     map[indicator.Key]struct{}
	pending     int
	finished    bool
	closed      bool
	onFinish    []func(Counts)
	done        chan struct{}
}

// NewSearch prepares a search. sink receives chunks one at a time, never
// concurrently.
func (e *Engine) NewSearch(opts Options, sink func(Chunk)) *Search {
	s := &Search{
		e:       e,
		opts:    opts,
		sink:    sink,
		queried: make(map[indicator.Key]struct{}),
		done:    make(chan struct{}),
	}
	if opts.Adapters != nil {
		s.allow = make(map[string]bool, len(opts.Adapters))
		for _, n := range opts.Adapters {
			s.allow[n] = true
		}
	}
	return s
}

// OnFinish registers fn to run once after the finish chunk.
func (s *Search) OnFinish(fn func(Counts)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = append(s.onFinish, fn)
}

// Counts returns the current accounting.
func (s *Search) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

func (s *Search) countsLocked() Counts {
	return Counts{Sent: s.sent, Total: s.total, ResultCount: s.resultCount, Finished: s.finished}
}

// Run dispatches seeds and blocks until the search finishes or ctx is done.
// After ctx is done no further chunks reach the sink.
func (s *Search) Run(ctx context.Context, seeds []Seed) error {
	s.ctx = ctx
	s.acquire()
	for _, sd := range seeds {
		s.dispatch(sd.Indicator, sd.Parent, s.e.reg.Lookup(sd.Indicator.Type))
	}
	s.release()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Done is closed when the search finishes.
func (s *Search) Done() <-chan struct{} { return s.done }

// emitLocked must be called with s.mu held. Holding the lock across the
// sink keeps sent monotone on the wire; a slow sink therefore holds up
// adapter goroutines at settlement, never the handlers' own I/O.
func (s *Search) emitLocked(c Chunk) {
	if s.closed || s.sink == nil {
		return
	}
	s.sink(c)
}

func (s *Search) acquire() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

// release drops one unit of pending work and finishes the search when it
// was the last one.
func (s *Search) release() {
	s.mu.Lock()
	s.pending--
	if s.pending > 0 || s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	counts := s.countsLocked()
	if !counts.Balanced() {
		s.e.logger.Error("engine: accounting mismatch at finish", "sent", counts.Sent, "total", counts.Total)
	}
	s.emitLocked(Chunk{Purpose: PurposeFinish, ResultCount: counts.ResultCount})
	hooks := slices.Clone(s.onFinish)
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		for _, fn := range hooks {
			fn(counts)
		}
	}
	close(s.done)
}

// dispatch schedules every adapter for ind. The caller holds a pending unit.
func (s *Search) dispatch(ind indicator.Indicator, parent *indicator.Indicator, adapters []*adapter.Adapter) {
	s.mu.Lock()
	if parent != nil {
		s.emitLocked(Chunk{Purpose: PurposeLink, Indicator: ind, Parent: *parent})
	}
	key := ind.Key()
	if _, dup := s.queried[key]; dup {
		s.mu.Unlock()
		return
	}
	s.queried[key] = struct{}{}
	s.total += len(adapters)
	s.mu.Unlock()

	query, err := normalize(ind)
	if err != nil {
		s.mu.Lock()
		s.total -= len(adapters)
		s.mu.Unlock()
		s.e.logger.Warn("engine: cannot normalize indicator, batch dropped", "query", ind.Query, "itype", ind.Type, "error", err)
		return
	}

	for _, a := range adapters {
		s.acquire()
		go s.lookup(a, ind, query)
	}
}

func (s *Search) lookup(a *adapter.Adapter, ind indicator.Indicator, query string) {
	defer s.release()

	if !s.permitted(a) {
		s.mu.Lock()
		s.total--
		s.mu.Unlock()
		s.e.logger.Debug("engine: adapter skipped for caller", "adapter", a.Name, "itype", ind.Type)
		return
	}

	res := s.e.resolve(s.ctx, s.opts.Caller, a, ind, query, s.opts.SkipCache)
	s.deliver(a, ind, res)

	if res.Kind == adapter.KindFound && a.Discover != nil && !s.opts.SkipChildren {
		s.discover(a, ind, res)
	}
}

func (s *Search) permitted(a *adapter.Adapter) bool {
	if s.allow != nil && !s.allow[a.Name] {
		return false
	}
	return a.Allowed(s.ctx, s.opts.Caller)
}

// deliver accounts one outcome and emits its chunk under the state lock.
func (s *Search) deliver(a *adapter.Adapter, ind indicator.Indicator, res adapter.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	switch res.Kind {
	case adapter.KindFound:
		s.resultCount += res.Count
		s.emitLocked(Chunk{Purpose: PurposeData, Sent: s.sent, Total: s.total, Name: a.Name, Indicator: ind, Data: res.Data})
	case adapter.KindNotFound:
		s.emitLocked(Chunk{Purpose: PurposeData, Sent: s.sent, Total: s.total, Name: a.Name, Indicator: ind, Data: NoResult})
	case adapter.KindSkipped:
		// counted, not emitted
	default:
		s.emitLocked(Chunk{Purpose: PurposeFail, Sent: s.sent, Total: s.total, Name: a.Name, Indicator: ind})
	}
}

func (s *Search) discover(a *adapter.Adapter, parent indicator.Indicator, res adapter.Result) {
	for _, d := range s.e.callDiscover(a, parent, res) {
		child := d.Indicator
		if !child.Type.Valid() || child.Query == "" {
			s.e.logger.Warn("engine: dropping invalid discovery", "adapter", a.Name, "query", child.Query, "itype", child.Type)
			continue
		}
		if d.Enhance != nil {
			s.mu.Lock()
			s.emitLocked(Chunk{Purpose: PurposeEnhance, Indicator: child, EnhanceInfo: d.Enhance})
			s.mu.Unlock()
		}
		p := parent
		s.dispatch(child, &p, s.e.reg.Lookup(child.Type))
	}
}
