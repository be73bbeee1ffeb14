package connectivity

import "database/sql"

// Schema is the adapter_routes table. One row per remote lookup service:
//   - strategy "local": in-process handler from RegisterLocal.
//   - strategy "http" or "mcp": built by the matching TransportFactory.
//   - strategy "noop": every call answers skipped.
//
// itypes is the comma list of indicator types the service accepts. config
// holds timeout_ms, max_retries, backoff_ms, breaker_threshold and
// breaker_reset_ms plus transport specific keys. Any write bumps PRAGMA
// data_version, which Watch polls.
const Schema = `
CREATE TABLE IF NOT EXISTS adapter_routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'mcp', 'noop')),
    endpoint     TEXT,
    itypes       TEXT NOT NULL DEFAULT '',
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TRIGGER IF NOT EXISTS trg_adapter_routes_updated_at
AFTER UPDATE ON adapter_routes
FOR EACH ROW
BEGIN
    UPDATE adapter_routes SET updated_at = strftime('%s', 'now') WHERE service_name = NEW.service_name;
END;
`

// Init creates the routes table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
