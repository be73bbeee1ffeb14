package connectivity

import (
	"context"
	"database/sql"
	"time"
)

// Watch loads the routes once, then polls PRAGMA data_version every
// interval and reloads when it changes. It blocks until ctx is done.
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastVersion int64
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("connectivity: initial reload failed", "error", err)
	}
	db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&lastVersion)

	r.logger.Info("connectivity watcher started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("connectivity watcher stopped")
			return
		case <-ticker.C:
			var ver int64
			if err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&ver); err != nil {
				r.logger.Warn("connectivity: data_version poll failed", "error", err)
				continue
			}
			if ver == lastVersion {
				continue
			}
			r.logger.Info("connectivity: change detected, reloading", "old_version", lastVersion, "new_version", ver)
			if err := r.Reload(ctx, db); err != nil {
				r.logger.Error("connectivity: reload failed", "error", err)
			}
			lastVersion = ver
		}
	}
}
