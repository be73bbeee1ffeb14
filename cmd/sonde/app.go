package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/adapters/blocklist"
	"github.com/hazyhaar/sonde/adapters/dns"
	"github.com/hazyhaar/sonde/adapters/remote"
	"github.com/hazyhaar/sonde/cache"
	"github.com/hazyhaar/sonde/config"
	"github.com/hazyhaar/sonde/connectivity"
	"github.com/hazyhaar/sonde/dbopen"
	"github.com/hazyhaar/sonde/observability"
	"github.com/hazyhaar/sonde/shield"
	_ "modernc.org/sqlite"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() (*config.File, error) {
	cfg, err := config.Load(env("SONDE_CONFIG", "sonde.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openDB opens DATA_DIR/sonde.db with every table sonde owns.
func openDB(cfg *config.File) (*sql.DB, error) {
	db, err := dbopen.Open(filepath.Join(cfg.Server.DataDir, "sonde.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(cache.Schema),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(config.SettingsSchema),
		dbopen.WithSchema(connectivity.Schema),
	)
	if err != nil {
		return nil, err
	}
	if err := shield.Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("shield init: %w", err)
	}
	return db, nil
}

// app is the registry and routing state shared by serve and the CLI
// commands.
type app struct {
	cfg      *config.File
	db       *sql.DB
	logger   *slog.Logger
	settings *config.SettingsStore
	reg      *adapter.Registry
	router   *connectivity.Router
	syncer   *remote.Syncer
}

// newApp registers the built-in adapters and loads the remote routes once.
// metrics may be nil.
func newApp(ctx context.Context, cfg *config.File, db *sql.DB, logger *slog.Logger, metrics adapter.MetricsSink) (*app, error) {
	a := &app{cfg: cfg, db: db, logger: logger, settings: config.NewSettingsStore(db, logger)}

	a.reg = adapter.NewRegistry(
		adapter.WithConfig(cfg),
		adapter.WithUserSettings(a.settings),
		adapter.WithStats(adapter.NewStatsCollector(metrics)),
		adapter.WithLogger(logger),
	)
	for _, ad := range []*adapter.Adapter{dns.New(), blocklist.New()} {
		if err := a.reg.Register(ad); err != nil {
			return nil, err
		}
	}

	ropts := []connectivity.Option{connectivity.WithLogger(logger)}
	if metrics != nil {
		ropts = append(ropts, connectivity.WithMetrics(metrics))
	}
	a.router = connectivity.New(ropts...)
	a.router.RegisterTransport("http", connectivity.HTTPFactory())
	a.router.RegisterTransport("mcp", connectivity.MCPFactory())
	a.syncer = remote.NewSyncer(a.reg, a.router, logger)
	if err := a.router.Reload(ctx, db); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.router.Close()
}

// maxCacheTimeout is the longest adapter cache timeout; entries older than
// that are stale for everyone.
func maxCacheTimeout(reg *adapter.Registry) time.Duration {
	longest := adapter.DefaultCacheTimeout
	for _, a := range reg.All() {
		longest = max(longest, a.CacheTimeout)
	}
	return longest
}
