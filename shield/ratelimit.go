package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/sonde/auth"
)

// RateLimitConfig is one rate_limits row.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter enforces fixed-window limits per caller and endpoint.
// Authenticated callers are keyed by user id, anonymous ones by client IP.
// Endpoints without a rule are unlimited.
type RateLimiter struct {
	db      *sql.DB
	rules   map[string]RateLimitConfig
	mu      sync.RWMutex
	buckets sync.Map
	now     func() time.Time
	logger  *slog.Logger
}

// NewRateLimiter loads the rules from db. Call StartReloader to refresh
// them and collect expired buckets.
func NewRateLimiter(db *sql.DB, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{db: db, rules: make(map[string]RateLimitConfig), now: time.Now, logger: logger}
	rl.reload(context.Background())
	return rl
}

// StartReloader reloads rules every minute and drops expired buckets every
// five, until ctx is done.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadTick.C:
				rl.reload(ctx)
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		rl.logger.Warn("ratelimit: reload failed", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	rl.logger.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// allow reports whether the request fits, and the seconds until the
// window resets when it does not.
func (rl *RateLimiter) allow(who, endpoint string) (bool, int) {
	rl.mu.RLock()
	cfg, ok := rl.rules[endpoint]
	rl.mu.RUnlock()
	if !ok || !cfg.Enabled {
		return true, 0
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	now := rl.now()
	val, _ := rl.buckets.LoadOrStore(who+"|"+endpoint, &bucket{resetAt: now.Add(window)})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(window)
	}
	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	return false, int(b.resetAt.Sub(now).Seconds()) + 1
}

// Middleware answers 429 with Retry-After once a caller exceeds the rule
// for "METHOD path". Register it after auth.Middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		who := "ip:" + ExtractIP(r)
		if c := auth.CallerFrom(r.Context()); !c.Anonymous() {
			who = "user:" + c.UserID
		}

		ok, retry := rl.allow(who, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		GetLogger(r.Context()).Warn("ratelimit: request blocked", "caller", who, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// ExtractIP returns the first X-Forwarded-For address or the RemoteAddr host.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
