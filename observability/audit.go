package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sonde/dbopen"
	"github.com/hazyhaar/sonde/idgen"
)

// Record is one completed search.
type Record struct {
	EntryID     string    `json:"id"`
	UserID      string    `json:"userId"`
	RequestID   string    `json:"requestId,omitempty"`
	Indicator   string    `json:"indicator"`
	IType       string    `json:"itype"`
	Tags        []string  `json:"tags"`
	ViewID      string    `json:"viewId,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	TookMs      int64     `json:"tookMs"`
	ResultCount int       `json:"resultCount"`
}

// AuditFilter narrows Query. Zero values mean unfiltered.
type AuditFilter struct {
	UserID string
	IType  string
	Since  time.Time
	Limit  int // default 100
	Offset int
}

// AuditLogger persists search records asynchronously in batches.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Record
	stop   chan struct{}
	done   chan struct{}

	flushEvery time.Duration
	batchSize  int
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the generator for entry ids.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditLogger sets the slog logger used for flush errors.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// WithFlushInterval sets how often queued records are written. Default 5s.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(a *AuditLogger) { a.flushEvery = d }
}

// NewAuditLogger starts the flush goroutine. Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:         db,
		newID:      idgen.Prefixed(idgen.AuditPrefix, idgen.Default),
		logger:     slog.Default(),
		ch:         make(chan *Record, bufferSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		flushEvery: 5 * time.Second,
		batchSize:  100,
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Create queues rec. When the buffer is full it falls back to a synchronous
// insert and returns that error.
func (a *AuditLogger) Create(ctx context.Context, rec Record) error {
	r := &rec
	a.fillDefaults(r)
	select {
	case a.ch <- r:
		return nil
	default:
		a.logger.Warn("audit: buffer full, sync fallback", "user", r.UserID)
		return a.Log(ctx, r)
	}
}

// Log inserts rec synchronously.
func (a *AuditLogger) Log(ctx context.Context, rec *Record) error {
	a.fillDefaults(rec)
	return dbopen.RunTx(ctx, a.db, func(tx *sql.Tx) error {
		return insertRecord(ctx, tx, rec)
	})
}

// Query returns records newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]Record, error) {
	q := `SELECT entry_id, issued_at, user_id, request_id, indicator, itype,
		tags, view_id, took_ms, result_count FROM search_audit WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.IType != "" {
		q += " AND itype = ?"
		args = append(args, f.IType)
	}
	if !f.Since.IsZero() {
		q += " AND issued_at >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY issued_at DESC, entry_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var issued int64
		var tags string
		if err := rows.Scan(&r.EntryID, &issued, &r.UserID, &r.RequestID, &r.Indicator,
			&r.IType, &tags, &r.ViewID, &r.TookMs, &r.ResultCount); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		r.IssuedAt = time.UnixMilli(issued)
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			r.Tags = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cleanup deletes records issued before now - retention.
func (a *AuditLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, a.db, `DELETE FROM search_audit WHERE issued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(r *Record) {
	if r.EntryID == "" {
		r.EntryID = a.newID()
	}
	if r.IssuedAt.IsZero() {
		r.IssuedAt = time.Now()
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()
	batch := make([]*Record, 0, a.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, a.db, func(tx *sql.Tx) error {
			for _, r := range batch {
				if err := insertRecord(ctx, tx, r); err != nil {
					a.logger.Error("audit: insert", "entry_id", r.EntryID, "error", err)
				}
			}
			return nil
		})
		if err != nil {
			a.logger.Error("audit: flush", "records", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case r := <-a.ch:
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}
		case r := <-a.ch:
			batch = append(batch, r)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func insertRecord(ctx context.Context, tx *sql.Tx, r *Record) error {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO search_audit
		(entry_id, issued_at, user_id, request_id, indicator, itype, tags, view_id, took_ms, result_count)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.EntryID, r.IssuedAt.UnixMilli(), r.UserID, r.RequestID, r.Indicator, r.IType,
		string(tags), r.ViewID, r.TookMs, r.ResultCount)
	return err
}
