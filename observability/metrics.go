// Package observability keeps sonde's operational records in SQLite: the
// search audit trail, lookup latency metrics and runtime samples.
//
// All writes are buffered and flushed in batches by a background goroutine,
// so a slow or failing store never blocks a search.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/sonde/dbopen"
)

// Metric names.
const (
	MetricLookupDurationMs = "sonde.lookup.duration_ms"
	MetricSearchDurationMs = "sonde.search.duration_ms"
	MetricGoroutines       = "sonde.runtime.goroutines"
	MetricMemoryAllocMB    = "sonde.runtime.memory_alloc_mb"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// MetricFilter narrows Query. Zero values mean unfiltered.
type MetricFilter struct {
	Name   string
	Labels map[string]string
	Since  time.Time
	Limit  int
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	logger        *slog.Logger
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric
	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewMetricsManager starts the flush goroutine. Recommended: bufferSize=100,
// flushInterval=5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		logger:        logger,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues m. Never blocks on the database.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	mm.buffer = append(mm.buffer, m)
	full := len(mm.buffer) >= mm.bufferSize
	mm.mu.Unlock()
	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// Observe records a labelled value now.
func (mm *MetricsManager) Observe(name string, value float64, unit string, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: value, Unit: unit, Labels: labels})
}

// Query returns datapoints newest first. Label filters match exactly.
func (mm *MetricsManager) Query(ctx context.Context, f MetricFilter) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if f.Name != "" {
		q += " AND metric_name = ?"
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	for k, v := range f.Labels {
		q += " AND json_extract(labels, ?) = ?"
		args = append(args, "$."+k, v)
	}
	q += " ORDER BY timestamp DESC, metric_id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than now - retention.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, mm.db, "DELETE FROM metrics_timeseries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Flush writes the buffer now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	mm.mu.Unlock()
	mm.write(batch)
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-mm.kick:
			mm.Flush()
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) write(batch []*Metric) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				mm.logger.Error("metrics: insert", "metric", m.Name, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("metrics: flush", "datapoints", len(batch), "error", err)
	}
}
