package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/cache"
	"github.com/hazyhaar/sonde/engine"
	"github.com/hazyhaar/sonde/observability"
	"github.com/hazyhaar/sonde/search"
	"github.com/hazyhaar/sonde/shield"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the search API",
	Long: `Serves the search API over HTTP and the sonde MCP tools at /mcp.

Configuration comes from SONDE_CONFIG (default sonde.yaml); PORT, DATA_DIR,
LOG_LEVEL and SESSION_SECRET override the file. Remote adapters are read
from the adapter_routes table and reloaded when it changes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel, os.Stdout)
	if cfg.Server.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	// 32-byte JWT key whatever the length of the configured secret.
	sum := sha256.Sum256([]byte(cfg.Server.SessionSecret))
	jwtSecret := sum[:]

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	mm := observability.NewMetricsManager(db, 100, 5*time.Second, logger)
	defer mm.Close()
	auditLog := observability.NewAuditLogger(db, cfg.Server.AuditBuffer, observability.WithAuditLogger(logger))
	defer auditLog.Close()

	a, err := newApp(ctx, cfg, db, logger, mm)
	if err != nil {
		return err
	}
	defer a.Close()

	store := cache.NewSQLite(db)
	eng := engine.New(a.reg, engine.WithCache(store), engine.WithLogger(logger))
	svc := search.NewService(eng,
		search.WithAuditor(auditLog),
		search.WithSettingsStore(a.settings),
		search.WithMetrics(mm),
		search.WithLogger(logger),
	)

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "sonde", Version: version}, nil)
	svc.RegisterMCP(mcpSrv)

	maint := shield.NewMaintenanceMode(db, "/health")
	limiter := shield.NewRateLimiter(db, logger)

	r := chi.NewRouter()
	r.Use(shield.RequestID)
	r.Use(shield.HeadToGet)
	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
	r.Use(auth.Middleware(jwtSecret)) // soft: anonymous requests pass
	r.Use(maint.Middleware)
	r.Use(limiter.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"adapters":    len(a.reg.Names()),
			"maintenance": maint.Active(),
		})
	})
	svc.RegisterHTTP(r)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	maint.StartReloader(ctx, 10*time.Second)
	limiter.StartReloader(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sonde starting", "port", cfg.Server.Port, "adapters", a.reg.Names(), "remote", a.syncer.Owned())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.router.Watch(gctx, db, cfg.Server.WatchInterval)
		return nil
	})
	g.Go(func() error {
		cache.PurgeLoop(gctx, store, cfg.Server.PurgeInterval, func() time.Duration { return maxCacheTimeout(a.reg) }, logger)
		return nil
	})
	g.Go(func() error {
		observability.SampleRuntime(gctx, mm, time.Minute)
		return nil
	})
	g.Go(func() error {
		retain(gctx, auditLog, mm, cfg.Server.AuditRetention, cfg.Server.MetricsRetention, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("sonde stopped")
	return err
}

type cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// retain prunes the audit trail and the metrics timeseries hourly.
func retain(ctx context.Context, audit, metrics cleaner, auditFor, metricsFor time.Duration, logger *slog.Logger) {
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n, err := audit.Cleanup(ctx, auditFor); err != nil {
				logger.Warn("audit cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("audit cleanup", "deleted", n)
			}
			if n, err := metrics.Cleanup(ctx, metricsFor); err != nil {
				logger.Warn("metrics cleanup failed", "error", err)
			} else if n > 0 {
				logger.Debug("metrics cleanup", "deleted", n)
			}
		}
	}
}
