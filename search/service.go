// Package search is the outer surface of sonde: it validates search
// requests, classifies their tokens, runs them through the engine and
// streams the resulting chunks over HTTP or MCP.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/config"
	"github.com/hazyhaar/sonde/engine"
	"github.com/hazyhaar/sonde/indicator"
	"github.com/hazyhaar/sonde/kit"
	"github.com/hazyhaar/sonde/observability"
)

// Auditor records completed searches.
type Auditor interface {
	Create(ctx context.Context, rec observability.Record) error
}

// AuditQuerier reads the audit trail back.
type AuditQuerier interface {
	Query(ctx context.Context, f observability.AuditFilter) ([]observability.Record, error)
}

// SettingsStore is the per-user settings backend exposed over HTTP.
type SettingsStore interface {
	Set(ctx context.Context, userID, section, key, value string) error
	Delete(ctx context.Context, userID, section, key string) error
	List(ctx context.Context, userID string) ([]config.Setting, error)
}

// Service runs searches.
type Service struct {
	engine   *engine.Engine
	audit    Auditor
	history  AuditQuerier
	settings SettingsStore
	metrics  adapter.MetricsSink
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAuditor records one audit entry per finished search. When a also
// implements AuditQuerier, GET /api/audit is served from it.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) {
		s.audit = a
		if q, ok := a.(AuditQuerier); ok {
			s.history = q
		}
	}
}

// WithSettingsStore enables the per-user settings endpoints.
func WithSettingsStore(st SettingsStore) ServiceOption {
	return func(s *Service) { s.settings = st }
}

// WithMetrics records search durations.
func WithMetrics(m adapter.MetricsSink) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service over e.
func NewService(e *engine.Engine, opts ...ServiceOption) *Service {
	s := &Service{engine: e, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Roots classifies the request's tokens. Duplicate tokens collapse before
// classification.
func Roots(req *Request) []indicator.Indicator {
	tokens := Tokens(req.Query)
	out := make([]indicator.Indicator, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, indicator.Classify(t))
	}
	return out
}

// Stream runs req and hands every chunk to emit, starting with init and
// ending with finish. It returns when the search finishes or ctx is done.
func (s *Service) Stream(ctx context.Context, caller auth.Caller, req *Request, emit func(engine.Chunk)) error {
	start := time.Now()
	roots := Roots(req)
	reg := s.engine.Registry()

	total := 0
	seeds := make([]engine.Seed, 0, len(roots))
	for _, r := range roots {
		total += len(reg.Lookup(r.Type))
		seeds = append(seeds, engine.Seed{Indicator: r})
	}
	if !req.SkipChildren {
		for _, r := range roots {
			parent := r
			for _, d := range indicator.Derive(r) {
				seeds = append(seeds, engine.Seed{Indicator: d, Parent: &parent})
			}
		}
	}

	emit(engine.Chunk{
		Purpose:    engine.PurposeInit,
		Indicators: roots,
		Total:      total,
		Text:       fmt.Sprintf("searching %d indicator(s)", len(roots)),
	})

	var allow []string
	if len(req.DoIntegrations) > 0 {
		allow = req.DoIntegrations
	}
	search := s.engine.NewSearch(engine.Options{
		Caller:       caller,
		SkipCache:    req.SkipCache,
		SkipChildren: req.SkipChildren,
		Adapters:     allow,
	}, emit)

	requestID := kit.RequestID(ctx)
	scope := kit.LogAttrs(kit.WithUserID(ctx, caller.UserID))
	search.OnFinish(func(c engine.Counts) {
		took := time.Since(start)
		s.logger.With(scope...).Info("search: finished",
			"indicators", len(roots), "results", c.ResultCount,
			"lookups", c.Sent, "duration_ms", took.Milliseconds())
		if s.metrics != nil {
			s.metrics.Observe(observability.MetricSearchDurationMs, float64(took.Milliseconds()), "milliseconds", nil)
		}
		if s.audit == nil {
			return
		}
		rec := observability.Record{
			UserID:      caller.UserID,
			RequestID:   requestID,
			Indicator:   joinQueries(roots),
			IType:       joinTypes(roots),
			Tags:        req.Tags,
			ViewID:      req.ViewID,
			IssuedAt:    start,
			TookMs:      took.Milliseconds(),
			ResultCount: c.ResultCount,
		}
		go func() {
			if err := s.audit.Create(context.WithoutCancel(ctx), rec); err != nil {
				s.logger.Error("search: audit failed", "user", caller.UserID, "error", err)
			}
		}()
	})
	return search.Run(ctx, seeds)
}

// Lookup runs one adapter synchronously and returns a data, fail or error
// chunk.
func (s *Service) Lookup(ctx context.Context, caller auth.Caller, itype, name, query string) engine.Chunk {
	t, err := indicator.ParseType(itype)
	if err != nil {
		return engine.Chunk{Purpose: engine.PurposeError, Text: err.Error()}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return engine.Chunk{Purpose: engine.PurposeError, Text: "query is empty"}
	}
	ind := indicator.Indicator{Query: query, Type: t}
	res, err := s.engine.LookupOne(ctx, caller, t, name, query)
	if err != nil {
		return engine.Chunk{Purpose: engine.PurposeError, Text: err.Error()}
	}
	switch res.Kind {
	case adapter.KindFound:
		return engine.Chunk{Purpose: engine.PurposeData, Sent: 1, Total: 1, Name: name, Indicator: ind, Data: res.Data}
	case adapter.KindNotFound, adapter.KindSkipped:
		return engine.Chunk{Purpose: engine.PurposeData, Sent: 1, Total: 1, Name: name, Indicator: ind, Data: engine.NoResult}
	default:
		return engine.Chunk{Purpose: engine.PurposeFail, Sent: 1, Total: 1, Name: name, Indicator: ind}
	}
}

func joinQueries(inds []indicator.Indicator) string {
	qs := make([]string, len(inds))
	for i, ind := range inds {
		qs[i] = ind.Query
	}
	return strings.Join(qs, ",")
}

// joinTypes lists the distinct root types in first-seen order.
func joinTypes(inds []indicator.Indicator) string {
	var ts []string
	for _, ind := range inds {
		if !slices.Contains(ts, string(ind.Type)) {
			ts = append(ts, string(ind.Type))
		}
	}
	return strings.Join(ts, ",")
}
