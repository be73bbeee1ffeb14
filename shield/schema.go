package shield

import "database/sql"

// Schema holds the tables the shield middleware reads:
//   - rate_limits: one row per "METHOD /path" endpoint (RateLimiter).
//   - maintenance: a single row switching the API off (MaintenanceMode).
//
// Operators edit the rows directly; the reloaders pick changes up.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT 'sonde is under maintenance, retry later'
);

INSERT OR IGNORE INTO maintenance (id, active) VALUES (1, 0);
`

// DefaultRateLimits seeds limits for the fan-out endpoints. Existing rows
// are left alone.
const DefaultRateLimits = `
INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds) VALUES
    ('POST /api/integration/search', 30, 60);
`

// Init creates the shield tables and seeds the default limits.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	_, err := db.Exec(DefaultRateLimits)
	return err
}
