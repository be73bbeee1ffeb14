// Package dns is the resolver adapter: domains resolve to their A, AAAA, MX
// and NS records and IPs to their PTR names. Every address and host it
// finds is handed back to the engine as a child indicator.
package dns

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/indicator"
)

// Name is the adapter name and its config section.
const Name = "dns"

const defaultLookupTimeout = 5 * time.Second

// Resolver is the subset of *net.Resolver the adapter uses.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Record is one DNS answer.
type Record struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Priority uint16 `json:"priority,omitempty"`
}

// Answer is the Found payload.
type Answer struct {
	Query   string   `json:"query"`
	Records []Record `json:"records"`
}

// Option configures the adapter.
type Option func(*dnsAdapter)

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(d *dnsAdapter) { d.resolver = r }
}

type dnsAdapter struct {
	resolver Resolver
}

// New returns the dns adapter. Results are cached shared for 15 minutes
// unless configured otherwise; the per-lookup timeout is read from the
// adapter's lookup_timeout key.
func New(opts ...Option) *adapter.Adapter {
	d := &dnsAdapter{resolver: net.DefaultResolver}
	for _, o := range opts {
		o(d)
	}
	return &adapter.Adapter{
		Name: Name,
		Handlers: map[indicator.Type]adapter.Handler{
			indicator.Domain: d.lookupDomain,
			indicator.IP:     d.lookupIP,
		},
		Discover:     Discover,
		Cacheable:    true,
		CachePolicy:  adapter.PolicyShared,
		CacheTimeout: 15 * time.Minute,
	}
}

func lookupTimeout(s adapter.Settings) time.Duration {
	d, err := time.ParseDuration(s.Config("lookup_timeout", ""))
	if err != nil || d <= 0 {
		return defaultLookupTimeout
	}
	return d
}

// notFound reports NXDOMAIN and empty answers.
func notFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func (d *dnsAdapter) lookupDomain(ctx context.Context, req *adapter.Request) adapter.Result {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout(req.Settings))
	defer cancel()

	host := req.Query
	if req.Indicator.Decoded != "" {
		host = req.Indicator.Decoded
	}

	var (
		mu      sync.Mutex
		records []Record
		failed  int
	)
	add := func(err error, rs ...Record) error {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && !notFound(err) {
			failed++
			return err
		}
		records = append(records, rs...)
		return nil
	}

	// Each query runs on its own; one failing record type does not cancel
	// the others, so g.Wait only reports the first error.
	var g errgroup.Group
	g.Go(func() error {
		addrs, err := d.resolver.LookupIPAddr(ctx, host)
		var rs []Record
		for _, a := range addrs {
			t := "A"
			if a.IP.To4() == nil {
				t = "AAAA"
			}
			rs = append(rs, Record{Type: t, Value: a.IP.String()})
		}
		return add(err, rs...)
	})
	g.Go(func() error {
		mxs, err := d.resolver.LookupMX(ctx, host)
		var rs []Record
		for _, mx := range mxs {
			rs = append(rs, Record{Type: "MX", Value: trimDot(mx.Host), Priority: mx.Pref})
		}
		return add(err, rs...)
	})
	g.Go(func() error {
		nss, err := d.resolver.LookupNS(ctx, host)
		var rs []Record
		for _, ns := range nss {
			rs = append(rs, Record{Type: "NS", Value: trimDot(ns.Host)})
		}
		return add(err, rs...)
	})
	err := g.Wait()

	if failed == 3 {
		return adapter.Errorf("dns: resolve %s: %w", host, err)
	}
	if len(records) == 0 {
		return adapter.NotFound()
	}
	sortRecords(records)
	return adapter.Found(Answer{Query: host, Records: records}, len(records))
}

func (d *dnsAdapter) lookupIP(ctx context.Context, req *adapter.Request) adapter.Result {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout(req.Settings))
	defer cancel()

	names, err := d.resolver.LookupAddr(ctx, req.Query)
	if err != nil && !notFound(err) {
		return adapter.Errorf("dns: reverse %s: %w", req.Query, err)
	}
	if len(names) == 0 {
		return adapter.NotFound()
	}
	records := make([]Record, 0, len(names))
	for _, n := range names {
		records = append(records, Record{Type: "PTR", Value: trimDot(n)})
	}
	return adapter.Found(Answer{Query: req.Query, Records: records}, len(records))
}

// Discover turns A/AAAA answers into ip children, enriched with the record
// they came from, and MX, NS and PTR hosts into domain children.
func Discover(parent indicator.Indicator, data json.RawMessage) []adapter.Discovery {
	var ans Answer
	if err := json.Unmarshal(data, &ans); err != nil {
		return nil
	}
	var out []adapter.Discovery
	for _, r := range ans.Records {
		switch r.Type {
		case "A", "AAAA":
			out = append(out, adapter.Discovery{
				Indicator: indicator.Indicator{Query: r.Value, Type: indicator.IP},
				Enhance:   map[string]string{"source": Name, "record": r.Type, "name": parent.Query},
			})
		case "MX", "NS", "PTR":
			if r.Value == "" || strings.EqualFold(r.Value, parent.Query) {
				continue
			}
			out = append(out, adapter.Discovery{Indicator: indicator.Indicator{Query: r.Value, Type: indicator.Domain}})
		}
	}
	return out
}

func trimDot(s string) string { return strings.TrimSuffix(s, ".") }

var recordOrder = map[string]int{"A": 0, "AAAA": 1, "MX": 2, "NS": 3, "PTR": 4}

// sortRecords orders by type then value so cached payloads are stable.
func sortRecords(rs []Record) {
	slices.SortFunc(rs, func(a, b Record) int {
		if c := recordOrder[a.Type] - recordOrder[b.Type]; c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
}
