package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/indicator"
)

// mapConfig is a ConfigSource over nested maps.
type mapConfig map[string]map[string]string

func (m mapConfig) GetConfig(section, key, def string) string {
	if v, ok := m[section][key]; ok {
		return v
	}
	return def
}

func (m mapConfig) GetConfigArray(section, key string, def []string, sep string) []string {
	v, ok := m[section][key]
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, sep) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type mapUsers map[string]string // "user/section/key" -> value

func (m mapUsers) GetUserConfig(_ context.Context, userID, section, key, def string) string {
	if v, ok := m[userID+"/"+section+"/"+key]; ok {
		return v
	}
	return def
}

func noop(context.Context, *Request) Result { return NotFound() }

func newAdapter(name string, types ...indicator.Type) *Adapter {
	h := make(map[indicator.Type]Handler, len(types))
	for _, t := range types {
		h[t] = noop
	}
	return &Adapter{Name: name, Handlers: h, Cacheable: true}
}

func TestRegister_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Adapter{Name: "x"}); !errors.Is(err, ErrInvalidAdapter) {
		t.Fatalf("missing handlers: err = %v", err)
	}
	if err := r.Register(&Adapter{Handlers: map[indicator.Type]Handler{indicator.IP: noop}}); !errors.Is(err, ErrInvalidAdapter) {
		t.Fatalf("missing name: err = %v", err)
	}
	if len(r.All()) != 0 {
		t.Fatal("invalid adapters must not be indexed")
	}
}

func TestRegister_CacheTimeoutPrecedence(t *testing.T) {
	tests := []struct {
		name string
		cfg  mapConfig
		code time.Duration
		want time.Duration
	}{
		{"fallback", mapConfig{}, 0, time.Hour},
		{"code default", mapConfig{}, 5 * time.Minute, 5 * time.Minute},
		{"global beats code", mapConfig{"global": {"cacheTimeout": "120000"}}, 5 * time.Minute, 2 * time.Minute},
		{"adapter beats global", mapConfig{"a": {"cacheTimeout": "30s"}, "global": {"cacheTimeout": "120000"}}, 0, 30 * time.Second},
		{"invalid adapter value falls through", mapConfig{"a": {"cacheTimeout": "soon"}, "global": {"cacheTimeout": "1m"}}, 0, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(WithConfig(tt.cfg))
			a := newAdapter("a", indicator.IP)
			a.CacheTimeout = tt.code
			if err := r.Register(a); err != nil {
				t.Fatal(err)
			}
			got, _ := r.Get("a")
			if got.CacheTimeout != tt.want {
				t.Fatalf("CacheTimeout = %v, want %v", got.CacheTimeout, tt.want)
			}
		})
	}
}

func TestRegister_CachePolicy(t *testing.T) {
	tests := []struct {
		name          string
		cfg           mapConfig
		code          Policy
		wantPolicy    Policy
		wantCacheable bool
		wantErr       bool
	}{
		{"fallback shared", mapConfig{}, "", PolicyShared, true, false},
		{"code user", mapConfig{}, PolicyUser, PolicyUser, true, false},
		{"global overrides code", mapConfig{"global": {"cachePolicy": "user"}}, PolicyShared, PolicyUser, true, false},
		{"adapter none forces uncacheable", mapConfig{"a": {"cachePolicy": "none"}}, PolicyShared, PolicyNone, false, false},
		{"invalid", mapConfig{"a": {"cachePolicy": "sometimes"}}, "", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(WithConfig(tt.cfg))
			a := newAdapter("a", indicator.IP)
			a.CachePolicy = tt.code
			err := r.Register(a)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCachePolicy) {
					t.Fatalf("err = %v, want ErrInvalidCachePolicy", err)
				}
				if _, err := r.Get("a"); !errors.Is(err, ErrUnknownAdapter) {
					t.Fatal("rejected adapter was indexed")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			got, _ := r.Get("a")
			if got.CachePolicy != tt.wantPolicy || got.Cacheable != tt.wantCacheable {
				t.Fatalf("policy=%s cacheable=%v, want %s %v", got.CachePolicy, got.Cacheable, tt.wantPolicy, tt.wantCacheable)
			}
		})
	}
}

func TestRegister_ResolvesFlags(t *testing.T) {
	cfg := mapConfig{"a": {"disabled": "true", "viewRoles": "analyst,ops", "order": "7", "locked": "true"}}
	r := NewRegistry(WithConfig(cfg))
	if err := r.Register(newAdapter("a", indicator.Domain)); err != nil {
		t.Fatal(err)
	}
	a, _ := r.Get("a")
	if !a.Disabled || !a.Locked || a.Order != 7 {
		t.Fatalf("disabled=%v locked=%v order=%d", a.Disabled, a.Locked, a.Order)
	}
	if diff := cmp.Diff([]string{"analyst", "ops"}, a.ViewRoles); diff != "" {
		t.Fatalf("viewRoles (-want +got):\n%s", diff)
	}
}

func TestRegister_DoesNotMutateInput(t *testing.T) {
	r := NewRegistry(WithConfig(mapConfig{"a": {"cachePolicy": "none"}}))
	a := newAdapter("a", indicator.IP)
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if !a.Cacheable || a.CachePolicy != "" {
		t.Fatal("Register mutated the caller's adapter")
	}
}

func TestLookup_RegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		a := newAdapter(n, indicator.IP)
		a.Order = len(n)
		r.Register(a)
	}
	r.Register(newAdapter("domainonly", indicator.Domain))

	var got []string
	for _, a := range r.Lookup(indicator.IP) {
		got = append(got, a.Name)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, got); diff != "" {
		t.Fatalf("Lookup(ip) (-want +got):\n%s", diff)
	}
	if n := len(r.Lookup(indicator.Hash)); n != 0 {
		t.Fatalf("Lookup(hash) = %d adapters", n)
	}
}

func TestRegister_OverwriteInPlace(t *testing.T) {
	r := NewRegistry()
	r.Register(newAdapter("first", indicator.IP))
	r.Register(newAdapter("second", indicator.IP))
	r.Stats().Begin("first", indicator.IP)

	replacement := newAdapter("first", indicator.IP, indicator.Domain)
	replacement.Order = 99
	if err := r.Register(replacement); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"first", "second"}, r.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	a, _ := r.Get("first")
	if a.Order != 99 || !a.Supports(indicator.Domain) {
		t.Fatal("last registration did not win")
	}
	st, _ := r.Stats().Get("first")
	if st.Stat.Total != 0 {
		t.Fatalf("stats not reset: total=%d", st.Stat.Total)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(newAdapter("a", indicator.IP))
	if !r.Unregister("a") || r.Unregister("a") {
		t.Fatal("Unregister should report presence once")
	}
	if len(r.Lookup(indicator.IP)) != 0 {
		t.Fatal("adapter still indexed")
	}
}

func TestAllowed(t *testing.T) {
	users := mapUsers{"u1/a/disabled": "true", "u1/locked/disabled": "true"}
	cfg := mapConfig{"roles": {"viewRoles": "analyst"}, "off": {"disabled": "true"}, "locked": {"locked": "true"}}
	r := NewRegistry(WithConfig(cfg), WithUserSettings(users))
	for _, n := range []string{"a", "roles", "off", "locked"} {
		if err := r.Register(newAdapter(n, indicator.IP)); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()
	u1 := auth.Caller{UserID: "u1"}
	u2 := auth.Caller{UserID: "u2"}
	analyst := auth.Caller{UserID: "u3", Roles: []string{"analyst"}}

	tests := []struct {
		adapter string
		caller  auth.Caller
		want    bool
	}{
		{"a", u1, false},
		{"a", u2, true},
		{"roles", u2, false},
		{"roles", analyst, true},
		{"off", analyst, false},
		{"locked", u1, true},
	}
	for _, tt := range tests {
		a, _ := r.Get(tt.adapter)
		if got := a.Allowed(ctx, tt.caller); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.adapter, tt.caller.UserID, got, tt.want)
		}
	}
}

func TestCacheKey(t *testing.T) {
	r := NewRegistry()
	shared := newAdapter("s", indicator.IP)
	user := newAdapter("u", indicator.IP)
	user.CachePolicy = PolicyUser
	r.Register(shared)
	r.Register(user)

	s, _ := r.Get("s")
	u, _ := r.Get("u")
	c := auth.Caller{UserID: "42"}
	if got := s.CacheKey(c, indicator.IP, "1.2.3.4"); got != "shared-s-ip-1.2.3.4" {
		t.Errorf("shared key = %q", got)
	}
	if got := u.CacheKey(c, indicator.IP, "1.2.3.4"); got != "42-u-ip-1.2.3.4" {
		t.Errorf("user key = %q", got)
	}
	if got := u.CacheKey(auth.Caller{}, indicator.IP, "x"); got != "anonymous-u-ip-x" {
		t.Errorf("anonymous key = %q", got)
	}
}

func TestSettings(t *testing.T) {
	cfg := mapConfig{"a": {"apiKey": "k", "lists": "x|y"}}
	users := mapUsers{"u1/a/apiKey": "mine"}
	r := NewRegistry(WithConfig(cfg), WithUserSettings(users))
	r.Register(newAdapter("a", indicator.IP))
	a, _ := r.Get("a")
	ctx := context.Background()

	s := a.Settings()
	if s.Config("apiKey", "") != "k" {
		t.Fatal("Config")
	}
	if diff := cmp.Diff([]string{"x", "y"}, s.ConfigArray("lists", nil, "|")); diff != "" {
		t.Fatalf("ConfigArray (-want +got):\n%s", diff)
	}
	if got := s.ForUser("u1").UserConfig(ctx, "apiKey", "d"); got != "mine" {
		t.Fatalf("UserConfig = %q", got)
	}
	if got := s.UserConfig(ctx, "apiKey", "d"); got != "d" {
		t.Fatalf("unbound UserConfig = %q", got)
	}
}

func TestResult(t *testing.T) {
	r := Found(map[string]int{"n": 1}, 3)
	if r.Kind != KindFound || r.Count != 3 || string(r.Data) != `{"n":1}` {
		t.Fatalf("Found = %+v", r)
	}
	if bad := Found(make(chan int), 1); bad.Kind != KindError {
		t.Fatalf("unmarshalable Found = %v", bad.Kind)
	}
	now := time.Now()
	ttl := time.Minute
	if (Result{CreatedAt: now.Add(-ttl - time.Millisecond)}).Fresh(now, ttl) {
		t.Fatal("expired result reported fresh")
	}
	if !(Result{CreatedAt: now.Add(-ttl + time.Millisecond)}).Fresh(now, ttl) {
		t.Fatal("fresh result reported stale")
	}
	if KindSkipped.String() != "skipped" {
		t.Fatal("Kind.String")
	}
}
