package observability

import "database/sql"

// Schema holds the DDL for the audit trail and the metrics timeseries.
// Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS search_audit (
    entry_id     TEXT PRIMARY KEY,
    issued_at    INTEGER NOT NULL,
    user_id      TEXT NOT NULL DEFAULT '',
    request_id   TEXT NOT NULL DEFAULT '',
    indicator    TEXT NOT NULL,
    itype        TEXT NOT NULL,
    tags         TEXT NOT NULL DEFAULT '[]',
    view_id      TEXT NOT NULL DEFAULT '',
    took_ms      INTEGER NOT NULL DEFAULT 0,
    result_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_search_audit_issued ON search_audit(issued_at DESC);
CREATE INDEX IF NOT EXISTS idx_search_audit_user ON search_audit(user_id, issued_at DESC);

CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
