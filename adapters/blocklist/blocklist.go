// Package blocklist checks indicators against operator-maintained lists
// held in the adapter's config section:
//
//	adapters:
//	  blocklist:
//	    lists: tor_exits, c2
//	    tor_exits: 185.220.101.0/24, 199.249.230.1
//	    c2: evil.example, bad@evil.example, 44d88612fea8a8f36de82e1278abb02f
//
// Entries match exactly (case-insensitive), by CIDR for IPs and by parent
// domain for domains and URL hosts. Signed-in users may add their own
// entries under the "personal" user setting.
package blocklist

import (
	"context"
	"net/netip"
	"net/url"
	"strings"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/indicator"
)

// Name is the adapter name and its config section.
const Name = "blocklist"

// PersonalList names the per-user list in results.
const PersonalList = "personal"

// Match is one list hit.
type Match struct {
	List  string `json:"list"`
	Entry string `json:"entry"`
}

// Hits is the Found payload.
type Hits struct {
	Matches []Match `json:"matches"`
}

// New returns the blocklist adapter. Lookups are in-memory, so it is not
// cached.
func New() *adapter.Adapter {
	h := adapter.Handler(lookup)
	return &adapter.Adapter{
		Name: Name,
		Handlers: map[indicator.Type]adapter.Handler{
			indicator.IP:     h,
			indicator.Domain: h,
			indicator.URL:    h,
			indicator.Email:  h,
			indicator.Hash:   h,
		},
		CachePolicy: adapter.PolicyNone,
	}
}

type list struct {
	name    string
	entries []string
}

func lists(ctx context.Context, s adapter.Settings) []list {
	var out []list
	for _, name := range s.ConfigArray("lists", nil, ",") {
		if entries := s.ConfigArray(name, nil, ","); len(entries) > 0 {
			out = append(out, list{name: name, entries: entries})
		}
	}
	if personal := s.UserConfig(ctx, PersonalList, ""); personal != "" {
		var entries []string
		for _, e := range strings.Split(personal, ",") {
			if e = strings.TrimSpace(e); e != "" {
				entries = append(entries, e)
			}
		}
		if len(entries) > 0 {
			out = append(out, list{name: PersonalList, entries: entries})
		}
	}
	return out
}

func lookup(ctx context.Context, req *adapter.Request) adapter.Result {
	ls := lists(ctx, req.Settings)
	if len(ls) == 0 {
		return adapter.Skipped("no blocklist configured")
	}
	var hits Hits
	for _, l := range ls {
		for _, e := range l.entries {
			if matches(req.Indicator.Type, req.Query, e) {
				hits.Matches = append(hits.Matches, Match{List: l.name, Entry: e})
			}
		}
	}
	if len(hits.Matches) == 0 {
		return adapter.NotFound()
	}
	return adapter.Found(hits, len(hits.Matches))
}

func matches(t indicator.Type, query, entry string) bool {
	if strings.EqualFold(query, entry) {
		return true
	}
	switch t {
	case indicator.IP:
		addr, err := netip.ParseAddr(query)
		if err != nil {
			return false
		}
		prefix, err := netip.ParsePrefix(entry)
		if err == nil {
			return prefix.Contains(addr)
		}
		// Entries are written in any spelling; queries arrive normalized.
		e, err := netip.ParseAddr(entry)
		return err == nil && e == addr
	case indicator.Domain:
		return underDomain(query, entry)
	case indicator.URL:
		u, err := url.Parse(query)
		return err == nil && u.Hostname() != "" && underDomain(u.Hostname(), entry)
	}
	return false
}

// underDomain reports whether host is entry or one of its subdomains.
func underDomain(host, entry string) bool {
	host, entry = strings.ToLower(host), strings.ToLower(strings.TrimPrefix(entry, "."))
	return host == entry || strings.HasSuffix(host, "."+entry)
}
