package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/cache"
	"github.com/hazyhaar/sonde/config"
	"github.com/hazyhaar/sonde/dbopen"
	"github.com/hazyhaar/sonde/engine"
	"github.com/hazyhaar/sonde/indicator"
	"github.com/hazyhaar/sonde/observability"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type chanAuditor struct{ ch chan observability.Record }

func (a *chanAuditor) Create(_ context.Context, rec observability.Record) error {
	a.ch <- rec
	return nil
}

func found(count int) adapter.Handler {
	return func(_ context.Context, r *adapter.Request) adapter.Result {
		return adapter.Found(map[string]string{"seen": r.Query}, count)
	}
}

type fixture struct {
	reg      *adapter.Registry
	svc      *Service
	srv      *httptest.Server
	audit    *chanAuditor
	settings *config.SettingsStore
	ipCalls  atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(config.SettingsSchema))
	f := &fixture{
		audit:    &chanAuditor{ch: make(chan observability.Record, 4)},
		settings: config.NewSettingsStore(db, nil),
	}
	f.reg = adapter.NewRegistry(adapter.WithUserSettings(f.settings))
	ipHandler := func(ctx context.Context, r *adapter.Request) adapter.Result {
		f.ipCalls.Add(1)
		return found(1)(ctx, r)
	}
	for _, a := range []*adapter.Adapter{
		{Name: "ipone", Handlers: map[indicator.Type]adapter.Handler{indicator.IP: ipHandler}, Cacheable: true},
		{Name: "iptwo", Handlers: map[indicator.Type]adapter.Handler{indicator.IP: found(2)}},
		{Name: "whois", Handlers: map[indicator.Type]adapter.Handler{indicator.Domain: found(1)}},
		{Name: "mailcheck", Handlers: map[indicator.Type]adapter.Handler{indicator.Email: found(1)}},
	} {
		if err := f.reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	e := engine.New(f.reg, engine.WithCache(cache.NewMemory()))
	f.svc = NewService(e, WithAuditor(f.audit), WithSettingsStore(f.settings))

	r := chi.NewRouter()
	r.Use(auth.Middleware(testSecret))
	f.svc.RegisterHTTP(r)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type wireChunk struct {
	Purpose     string                `json:"purpose"`
	Indicators  []indicator.Indicator `json:"indicators"`
	Indicator   indicator.Indicator   `json:"indicator"`
	Parent      indicator.Indicator   `json:"parentIndicator"`
	Sent        int                   `json:"sent"`
	Total       int                   `json:"total"`
	Name        string                `json:"name"`
	Data        json.RawMessage       `json:"data"`
	Text        string                `json:"text"`
	ResultCount int                   `json:"resultCount"`
}

func decodeStream(t *testing.T, resp *http.Response) []wireChunk {
	t.Helper()
	var chunks []wireChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunks); err != nil {
		t.Fatalf("stream is not a JSON array: %v", err)
	}
	return chunks
}

func TestSearch_IPScenario(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/integration/search", `{"query":"1.2.3.4","tags":["case-7"]}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	chunks := decodeStream(t, resp)

	first, last := chunks[0], chunks[len(chunks)-1]
	if first.Purpose != "init" || first.Total != 2 || len(first.Indicators) != 1 || first.Indicators[0].Type != indicator.IP {
		t.Fatalf("init = %+v", first)
	}
	if last.Purpose != "finish" || last.ResultCount != 3 {
		t.Fatalf("finish = %+v", last)
	}

	select {
	case rec := <-f.audit.ch:
		if rec.IType != "ip" || rec.Indicator != "1.2.3.4" || rec.ResultCount != 3 || len(rec.Tags) != 1 {
			t.Fatalf("audit = %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audit record")
	}
}

func TestSearch_EmailLinksDerivedDomain(t *testing.T) {
	f := newFixture(t)
	chunks := decodeStream(t, f.post(t, "/api/integration/search", `{"query":"a@b.com"}`, ""))

	link, data := -1, -1
	for i, c := range chunks {
		if c.Purpose == "link" && c.Indicator.Query == "b.com" && c.Indicator.Type == indicator.Domain &&
			c.Parent.Query == "a@b.com" && c.Parent.Type == indicator.Email && link < 0 {
			link = i
		}
		if c.Purpose == "data" && c.Indicator.Query == "b.com" && data < 0 {
			data = i
		}
	}
	if link < 0 || data < 0 || link > data {
		t.Fatalf("link=%d data=%d in %+v", link, data, chunks)
	}
}

func TestSearch_DuplicateTokensCollapse(t *testing.T) {
	f := newFixture(t)
	chunks := decodeStream(t, f.post(t, "/api/integration/search", `{"query":"1.1.1.1,1.1.1.1","skipCache":true}`, ""))
	if n := len(chunks[0].Indicators); n != 1 {
		t.Fatalf("root indicators = %d", n)
	}
	if f.ipCalls.Load() != 1 {
		t.Fatalf("ip adapter calls = %d", f.ipCalls.Load())
	}
}

func TestSearch_Malformed(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"query":5}`, `{"query":""}`, `{"query":"x","tags":"t"}`, `nope`} {
		resp := f.post(t, "/api/integration/search", body, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, resp.StatusCode)
		}
		var c wireChunk
		if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
			t.Fatalf("%s: error body is not an object: %v", body, err)
		}
		if c.Purpose != "error" || c.Text == "" {
			t.Fatalf("%s: chunk = %+v", body, c)
		}
	}
}

func TestSearch_AllowList(t *testing.T) {
	f := newFixture(t)
	chunks := decodeStream(t, f.post(t, "/api/integration/search", `{"query":"1.2.3.4","doIntegrations":["iptwo"]}`, ""))
	var names []string
	for _, c := range chunks {
		if c.Purpose == "data" {
			names = append(names, c.Name)
		}
	}
	if len(names) != 1 || names[0] != "iptwo" {
		t.Fatalf("data from %v", names)
	}
	if last := chunks[len(chunks)-1]; last.ResultCount != 2 {
		t.Fatalf("finish = %+v", last)
	}
}

func TestLookupEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/integration/ip/iptwo/search", `{"query":"8.8.8.8"}`, "")
	var c wireChunk
	json.NewDecoder(resp.Body).Decode(&c)
	if resp.StatusCode != http.StatusOK || c.Purpose != "data" || c.Name != "iptwo" {
		t.Fatalf("status=%d chunk=%+v", resp.StatusCode, c)
	}

	for _, path := range []string{"/api/integration/ip/nope/search", "/api/integration/bogus/iptwo/search", "/api/integration/domain/iptwo/search"} {
		resp := f.post(t, path, `{"query":"8.8.8.8"}`, "")
		var c wireChunk
		json.NewDecoder(resp.Body).Decode(&c)
		if resp.StatusCode != http.StatusBadRequest || c.Purpose != "error" {
			t.Fatalf("%s: status=%d chunk=%+v", path, resp.StatusCode, c)
		}
	}
	select {
	case rec := <-f.audit.ch:
		t.Fatalf("single lookup produced audit %+v", rec)
	default:
	}
}

func TestStatsEndpoint_TypeTotals(t *testing.T) {
	f := newFixture(t)
	decodeStream(t, f.post(t, "/api/integration/search", `{"query":"1.2.3.4"}`, ""))

	resp, err := http.Get(f.srv.URL + "/api/integration/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap adapter.StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if ip := snap.Types[indicator.IP]; ip.Total != 2 || ip.DirectLookup != 2 {
		t.Fatalf("ip stat = %+v, want both adapters counted", ip)
	}
	if len(snap.Adapters) != 4 {
		t.Fatalf("adapters = %d, want 4", len(snap.Adapters))
	}
}

func TestClassifyEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/classify?q=8.8.8.8,evil.example")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []indicator.Indicator
	json.NewDecoder(resp.Body).Decode(&got)
	if len(got) != 2 || got[0].Type != indicator.IP || got[1].Type != indicator.Domain {
		t.Fatalf("classified = %+v", got)
	}
}

func TestSettingsDisableAdapterForUser(t *testing.T) {
	f := newFixture(t)
	token, err := auth.GenerateToken(testSecret, &auth.Claims{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodPut, f.srv.URL+"/api/settings/ipone/disabled", strings.NewReader(`{"value":"true"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	chunks := decodeStream(t, f.post(t, "/api/integration/search", `{"query":"1.2.3.4"}`, token))
	for _, c := range chunks {
		if c.Name == "ipone" {
			t.Fatalf("disabled adapter produced %+v", c)
		}
	}
	if last := chunks[len(chunks)-1]; last.Purpose != "finish" || last.ResultCount != 2 {
		t.Fatalf("finish = %+v", last)
	}

	list, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/settings", nil)
	list.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(list)
	if err != nil {
		t.Fatal(err)
	}
	var settings []config.Setting
	json.NewDecoder(resp.Body).Decode(&settings)
	resp.Body.Close()
	if len(settings) != 1 || settings[0].Section != "ipone" || settings[0].Key != "disabled" || settings[0].Value != "true" {
		t.Fatalf("settings = %+v", settings)
	}

	anon, _ := http.NewRequest(http.MethodPut, f.srv.URL+"/api/settings/ipone/disabled", strings.NewReader(`{"value":"true"}`))
	resp, err = http.DefaultClient.Do(anon)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous PUT status = %d", resp.StatusCode)
	}
}

type memHistory struct {
	mu   sync.Mutex
	recs []observability.Record
}

func (m *memHistory) Create(_ context.Context, r observability.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memHistory) Query(_ context.Context, f observability.AuditFilter) ([]observability.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []observability.Record
	for _, r := range m.recs {
		if f.UserID == "" || r.UserID == f.UserID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestAuditEndpoint(t *testing.T) {
	hist := &memHistory{recs: []observability.Record{{UserID: "u1", Indicator: "a"}, {UserID: "u2", Indicator: "b"}}}
	svc := NewService(engine.New(adapter.NewRegistry()), WithAuditor(hist))
	r := chi.NewRouter()
	r.Use(auth.Middleware(testSecret))
	svc.RegisterHTTP(r)

	get := func(token, query string) (int, []observability.Record) {
		req := httptest.NewRequest(http.MethodGet, "/api/audit"+query, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		var out []observability.Record
		json.Unmarshal(rec.Body.Bytes(), &out)
		return rec.Code, out
	}

	user, _ := auth.GenerateToken(testSecret, &auth.Claims{UserID: "u1"}, time.Hour)
	admin, _ := auth.GenerateToken(testSecret, &auth.Claims{UserID: "root", Roles: []string{auth.RoleAdmin}}, time.Hour)

	if code, _ := get("", ""); code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", code)
	}
	if code, recs := get(user, "?user=u2"); code != http.StatusOK || len(recs) != 1 || recs[0].UserID != "u1" {
		t.Fatalf("user sees %+v", recs)
	}
	if _, recs := get(admin, ""); len(recs) != 2 {
		t.Fatalf("admin sees %d records", len(recs))
	}
}
