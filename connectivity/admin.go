package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/sonde/dbopen"
)

// ErrRouteNotFound is returned by Admin mutations on a missing route.
var ErrRouteNotFound = errors.New("connectivity: route not found")

// Admin edits the routes table. Watch picks the changes up; there is no
// need to call Reload.
type Admin struct {
	db *sql.DB
}

// NewAdmin wraps a database that has Schema applied.
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// RouteRow is one row of adapter_routes.
type RouteRow struct {
	ServiceName string          `json:"service_name"`
	Strategy    string          `json:"strategy"`
	Endpoint    string          `json:"endpoint,omitempty"`
	ITypes      []string        `json:"itypes,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

const routeColumns = `service_name, strategy, COALESCE(endpoint, ''), COALESCE(itypes, ''), COALESCE(config, '{}'), updated_at`

func scanRoute(sc interface{ Scan(...any) error }) (RouteRow, error) {
	var r RouteRow
	var itypes, cfg string
	if err := sc.Scan(&r.ServiceName, &r.Strategy, &r.Endpoint, &itypes, &cfg, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.ITypes = splitTypes(itypes)
	r.Config = json.RawMessage(cfg)
	return r, nil
}

// ListRoutes returns all routes ordered by service name.
func (a *Admin) ListRoutes(ctx context.Context) ([]RouteRow, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+routeColumns+` FROM adapter_routes ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("admin: list routes: %w", err)
	}
	defer rows.Close()

	var result []RouteRow
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("admin: scan route: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetRoute returns one route, or ErrRouteNotFound.
func (a *Admin) GetRoute(ctx context.Context, service string) (*RouteRow, error) {
	r, err := scanRoute(a.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM adapter_routes WHERE service_name = ?`, service))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, service)
	}
	if err != nil {
		return nil, fmt.Errorf("admin: get route: %w", err)
	}
	return &r, nil
}

// UpsertRoute inserts or replaces a route.
func (a *Admin) UpsertRoute(ctx context.Context, r RouteRow) error {
	if r.ServiceName == "" {
		return errors.New("admin: service name required")
	}
	cfg := r.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	if !json.Valid(cfg) {
		return errors.New("admin: config is not valid JSON")
	}
	_, err := dbopen.Exec(ctx, a.db,
		`INSERT INTO adapter_routes (service_name, strategy, endpoint, itypes, config)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(service_name) DO UPDATE SET
		     strategy = excluded.strategy,
		     endpoint = excluded.endpoint,
		     itypes   = excluded.itypes,
		     config   = excluded.config`,
		r.ServiceName, r.Strategy, r.Endpoint, strings.Join(r.ITypes, ","), string(cfg))
	if err != nil {
		return fmt.Errorf("admin: upsert route: %w", err)
	}
	return nil
}

// DeleteRoute removes a route.
func (a *Admin) DeleteRoute(ctx context.Context, service string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM adapter_routes WHERE service_name = ?`, service)
	if err != nil {
		return fmt.Errorf("admin: delete route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, service)
	}
	return nil
}

// SetStrategy changes only the strategy, e.g. "noop" to switch a remote
// adapter off without losing its endpoint.
func (a *Admin) SetStrategy(ctx context.Context, service, strategy string) error {
	res, err := a.db.ExecContext(ctx, `UPDATE adapter_routes SET strategy = ? WHERE service_name = ?`, strategy, service)
	if err != nil {
		return fmt.Errorf("admin: set strategy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, service)
	}
	return nil
}
