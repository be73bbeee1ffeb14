// Package indicator classifies free-form search tokens into typed indicators
// (ip, domain, email, url, phone, hash, text).
//
// Classification is a pure, total function: every input yields exactly one
// Type and identical inputs always yield identical results.
//
//	ind := indicator.Classify("xn--bcher-kva.example")
//	// ind.Type == indicator.Domain, ind.Decoded == "bücher.example"
package indicator

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Type is the indicator type ("itype" on the wire).
type Type string

const (
	IP     Type = "ip"
	Domain Type = "domain"
	Email  Type = "email"
	URL    Type = "url"
	Phone  Type = "phone"
	Hash   Type = "hash"
	Text   Type = "text"
)

// Types lists every indicator type in classification order.
var Types = []Type{Phone, IP, Email, URL, Hash, Domain, Text}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case IP, Domain, Email, URL, Phone, Hash, Text:
		return true
	}
	return false
}

// ParseType converts a wire string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("indicator: unknown itype %q", s)
	}
	return t, nil
}

// Indicator is a classified search token.
type Indicator struct {
	Query   string `json:"query"`
	Type    Type   `json:"itype"`
	Decoded string `json:"decoded,omitempty"`
}

// Key identifies an indicator for per-search deduplication.
type Key struct {
	Query string
	Type  Type
}

// Key returns the (query, type) dedup key.
func (i Indicator) Key() Key { return Key{Query: i.Query, Type: i.Type} }

func (i Indicator) String() string { return string(i.Type) + ":" + i.Query }

var (
	phoneIntl  = regexp.MustCompile(`^\+\d[\d\s\-().]{5,20}\d$`)
	phoneLocal = regexp.MustCompile(`^\(?\d{2,4}\)?[\s\-]\d{2,4}[\s\-]\d{3,4}([\s\-]\d{2,4})?$`)
	ipv4Shape  = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)
	emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	hashShape  = regexp.MustCompile(`^(?:[0-9a-fA-F]{32}|[0-9a-fA-F]{40}|[0-9a-fA-F]{64})$`)
	hostShape  = regexp.MustCompile(`(?i)^(?:[a-z0-9_](?:[a-z0-9_-]{0,61}[a-z0-9_])?\.)+(?:[a-z]{2,63}|xn--[a-z0-9-]{1,59})$`)
)

// Classify returns the indicator for s. The cascade is ordered; the first
// matching rule wins and unrecognised input is Text.
func Classify(s string) Indicator {
	q := strings.TrimSpace(s)
	ind := Indicator{Query: q, Type: Text}

	switch {
	case phoneIntl.MatchString(q) || phoneLocal.MatchString(q):
		ind.Type = Phone
	case isIPv4(q):
		ind.Type = IP
	case isIPv6(q):
		ind.Type = IP
	case emailShape.MatchString(q):
		ind.Type = Email
	case isURL(q):
		ind.Type = URL
	case hashShape.MatchString(q):
		ind.Type = Hash
	default:
		if decoded, ok := decodePunycode(q); ok {
			ind.Type = Domain
			ind.Decoded = decoded
		} else if hostShape.MatchString(q) {
			ind.Type = Domain
		}
	}
	return ind
}

func isIPv4(q string) bool {
	if !ipv4Shape.MatchString(q) {
		return false
	}
	addr, err := netip.ParseAddr(q)
	return err == nil && addr.Is4()
}

func isIPv6(q string) bool {
	if !strings.Contains(q, ":") {
		return false
	}
	addr, err := netip.ParseAddr(q)
	return err == nil && addr.Is6()
}

// isURL requires a scheme separator and a successful parse with a host.
// Anything URL-like that fails to parse falls through to the next rule.
func isURL(q string) bool {
	if !strings.Contains(q, "://") {
		return false
	}
	u, err := url.Parse(q)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func decodePunycode(q string) (string, bool) {
	lower := strings.ToLower(q)
	if !strings.HasPrefix(lower, "xn--") && !strings.Contains(lower, ".xn--") {
		return "", false
	}
	if !hostShape.MatchString(q) {
		return "", false
	}
	decoded, err := idna.Punycode.ToUnicode(lower)
	if err != nil || decoded == lower {
		return "", false
	}
	return decoded, true
}

// NormalizeIP returns the canonical textual form of an IP indicator query.
// IPv6 addresses are fully expanded with every group zero-padded to four
// hex digits so that equivalent spellings share a cache key.
func NormalizeIP(q string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(q))
	if err != nil {
		return "", fmt.Errorf("indicator: normalize ip %q: %w", q, err)
	}
	if addr.Is4() {
		return addr.String(), nil
	}
	return addr.StringExpanded(), nil
}

// Derive returns the indicators implied by ind that are worth searching on
// their own: the domain of an email address and the host of a URL.
func Derive(ind Indicator) []Indicator {
	switch ind.Type {
	case Email:
		at := strings.LastIndex(ind.Query, "@")
		if at < 0 || at == len(ind.Query)-1 {
			return nil
		}
		return []Indicator{hostIndicator(ind.Query[at+1:])}
	case URL:
		u, err := url.Parse(ind.Query)
		if err != nil || u.Hostname() == "" {
			return nil
		}
		return []Indicator{hostIndicator(u.Hostname())}
	}
	return nil
}

// hostIndicator classifies a host as ip when it parses as an address and as
// domain otherwise.
func hostIndicator(host string) Indicator {
	if _, err := netip.ParseAddr(host); err == nil {
		return Indicator{Query: host, Type: IP}
	}
	ind := Classify(host)
	ind.Type = Domain
	return ind
}
