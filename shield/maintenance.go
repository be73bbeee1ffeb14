package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultMaintenanceMessage = "sonde is under maintenance, retry later"

// MaintenanceMode answers 503 on every request while the maintenance row is
// active. The flag is cached; a missing table means off.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string
	logger  *slog.Logger
}

// NewMaintenanceMode reads the flag from db. Paths under excludePrefixes
// (e.g. /health) are never blocked.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{db: db, exclude: excludePrefixes, logger: slog.Default()}
	m.message.Store(defaultMaintenanceMessage)
	m.reload(context.Background())
	return m
}

// Active reports whether maintenance mode is on.
func (m *MaintenanceMode) Active() bool { return m.active.Load() }

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// StartReloader re-reads the flag every interval until ctx is done.
func (m *MaintenanceMode) StartReloader(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				m.reload(ctx)
			}
		}
	}()
}

func (m *MaintenanceMode) reload(ctx context.Context) {
	var active int
	var message string
	err := m.db.QueryRowContext(ctx, `SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		if m.active.Swap(false) {
			m.logger.Info("maintenance: flag cleared", "error", err)
		}
		return
	}
	if message != "" {
		m.message.Store(message)
	}
	was := m.active.Swap(active == 1)
	switch {
	case active == 1 && !was:
		m.logger.Warn("maintenance: mode enabled", "message", message)
	case active != 1 && was:
		m.logger.Info("maintenance: mode disabled")
	}
}

// Middleware blocks requests with 503 and a JSON error chunk while the
// mode is active.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "300")
		writeError(w, http.StatusServiceUnavailable, m.Message())
	})
}
