package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/dbopen"
	"github.com/hazyhaar/sonde/kit"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestMaintenance_Off(t *testing.T) {
	mm := NewMaintenanceMode(setupDB(t))
	if w := serve(mm.Middleware(okHandler()), "POST", "/api/integration/search"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 when maintenance off, got %d", w.Code)
	}
}

func TestMaintenance_On(t *testing.T) {
	db := setupDB(t)
	db.Exec(`UPDATE maintenance SET active = 1, message = 'upgrading feeds' WHERE id = 1`)
	mm := NewMaintenanceMode(db, "/health")
	h := mm.Middleware(okHandler())

	w := serve(h, "POST", "/api/integration/search")
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") != "300" {
		t.Fatalf("code=%d retry=%q", w.Code, w.Header().Get("Retry-After"))
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["purpose"] != "error" || body["text"] != "upgrading feeds" {
		t.Fatalf("body = %v", body)
	}

	if w := serve(h, "GET", "/health"); w.Code != http.StatusOK {
		t.Fatalf("/health should bypass maintenance, got %d", w.Code)
	}
}

func TestMaintenance_Toggle(t *testing.T) {
	db := setupDB(t)
	mm := NewMaintenanceMode(db)

	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	mm.reload(context.Background())
	if !mm.Active() {
		t.Fatal("expected on after toggle")
	}
	db.Exec(`UPDATE maintenance SET active = 0 WHERE id = 1`)
	mm.reload(context.Background())
	if mm.Active() {
		t.Fatal("expected off after second toggle")
	}
}

func TestMaintenance_NoTable(t *testing.T) {
	mm := NewMaintenanceMode(dbopen.OpenMemory(t))
	if mm.Active() {
		t.Fatal("expected maintenance off when table missing")
	}
}

func TestRateLimiter(t *testing.T) {
	db := setupDB(t)
	db.Exec(`UPDATE rate_limits SET max_requests = 2 WHERE endpoint = 'POST /api/integration/search'`)
	rl := NewRateLimiter(db, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := auth.Middleware([]byte(strings.Repeat("k", 32)))(rl.Middleware(okHandler()))
	token, err := auth.GenerateToken([]byte(strings.Repeat("k", 32)), &auth.Claims{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	do := func(path, bearer string) int {
		req := httptest.NewRequest("POST", path, nil)
		req.RemoteAddr = "203.0.113.9:5555"
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	for i, want := range []int{200, 200, 429} {
		if got := do("/api/integration/search", ""); got != want {
			t.Fatalf("anonymous request %d: got %d, want %d", i, got, want)
		}
	}
	// Authenticated callers have their own bucket.
	if got := do("/api/integration/search", token); got != http.StatusOK {
		t.Fatalf("user request: got %d", got)
	}
	// Endpoints without a rule are unlimited.
	for range 5 {
		if got := do("/api/integration/ip/x/search", ""); got != http.StatusOK {
			t.Fatalf("unlimited endpoint: got %d", got)
		}
	}
	// A new window resets the count.
	now = now.Add(61 * time.Second)
	if got := do("/api/integration/search", ""); got != http.StatusOK {
		t.Fatalf("after window: got %d", got)
	}
	rl.gc()
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		xff, remote, want string
	}{
		{"", "198.51.100.1:1234", "198.51.100.1"},
		{"203.0.113.5, 10.0.0.1", "10.0.0.1:80", "203.0.113.5"},
		{"", "bare", "bare"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ExtractIP(r); got != tt.want {
			t.Errorf("ExtractIP(%q, %q) = %q, want %q", tt.xff, tt.remote, got, tt.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders(APIHeaders())(okHandler()), "GET", "/")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("headers = %v", w.Header())
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.RequestID(r.Context())
		// The recorder's Flusher must reach the handler unwrapped.
		if _, ok := w.(http.Flusher); !ok {
			t.Error("ResponseWriter lost http.Flusher")
		}
	}))

	w := serve(h, "GET", "/")
	if !strings.HasPrefix(seen, "req_") || w.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id %q, header %q", seen, w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-42" {
		t.Fatalf("incoming id not kept: %q", seen)
	}

	req.Header.Set("X-Request-ID", "bad id with spaces")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "bad id with spaces" {
		t.Fatal("malformed incoming id kept")
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	serve(h, "HEAD", "/health")
	if method != http.MethodGet {
		t.Fatalf("method = %s", method)
	}
}
