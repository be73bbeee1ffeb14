package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sonde/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_Idempotent(t *testing.T) {
	db := setupObsDB(t)
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	for _, table := range []string{"search_audit", "metrics_timeseries"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestAuditLogger_LogAndQuery(t *testing.T) {
	db := setupObsDB(t)
	a := NewAuditLogger(db, 10)
	defer a.Close()
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, u := range []string{"u1", "u2", "u1"} {
		rec := &Record{
			UserID:      u,
			Indicator:   fmt.Sprintf("10.0.0.%d", i),
			IType:       "ip",
			Tags:        []string{"t"},
			IssuedAt:    base.Add(time.Duration(i) * time.Second),
			TookMs:      int64(10 * i),
			ResultCount: i,
		}
		if err := a.Log(ctx, rec); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	got, err := a.Query(ctx, AuditFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("u1 records = %d, want 2", len(got))
	}
	if got[0].Indicator != "10.0.0.2" {
		t.Errorf("newest first: got %q", got[0].Indicator)
	}
	if len(got[0].Tags) != 1 || got[0].Tags[0] != "t" {
		t.Errorf("tags = %v", got[0].Tags)
	}
	if got[0].EntryID == "" || got[0].EntryID[:4] != "aud_" {
		t.Errorf("entry id = %q", got[0].EntryID)
	}

	all, err := a.Query(ctx, AuditFilter{Limit: 1})
	if err != nil || len(all) != 1 {
		t.Fatalf("limit: %d, %v", len(all), err)
	}
}

func TestAuditLogger_CreateAsyncFlushOnClose(t *testing.T) {
	db := setupObsDB(t)
	a := NewAuditLogger(db, 10, WithFlushInterval(time.Hour))
	if err := a.Create(context.Background(), Record{UserID: "u", Indicator: "x", IType: "text"}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM search_audit`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1 after Close", n)
	}
}

func TestAuditLogger_BufferFullFallsBackToSync(t *testing.T) {
	db := setupObsDB(t)
	a := &AuditLogger{db: db, newID: func() string { return fmt.Sprint(time.Now().UnixNano()) }, ch: make(chan *Record)}
	a.logger = slog.Default()
	if err := a.Create(context.Background(), Record{Indicator: "x", IType: "text"}); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM search_audit`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestAuditLogger_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	a := NewAuditLogger(db, 10)
	defer a.Close()
	ctx := context.Background()
	a.Log(ctx, &Record{Indicator: "old", IType: "text", IssuedAt: time.Now().Add(-48 * time.Hour)})
	a.Log(ctx, &Record{Indicator: "new", IType: "text"})

	n, err := a.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()

	mm.Observe(MetricLookupDurationMs, 12, "milliseconds", map[string]string{"adapter": "dns", "path": "direct"})
	mm.Observe(MetricLookupDurationMs, 3, "milliseconds", map[string]string{"adapter": "dns", "path": "cache"})
	mm.Observe(MetricSearchDurationMs, 40, "milliseconds", nil)
	mm.Flush()

	ctx := context.Background()
	all, err := mm.Query(ctx, MetricFilter{Name: MetricLookupDurationMs})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("lookup datapoints = %d, want 2", len(all))
	}
	cached, err := mm.Query(ctx, MetricFilter{Name: MetricLookupDurationMs, Labels: map[string]string{"path": "cache"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 || cached[0].Value != 3 {
		t.Fatalf("cache datapoints = %+v", cached)
	}
	if cached[0].Labels["adapter"] != "dns" {
		t.Errorf("labels = %v", cached[0].Labels)
	}
}

func TestMetricsManager_FlushWhenFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()
	mm.Observe("x", 1, "", nil)
	mm.Observe("x", 2, "", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var n int
		db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n)
		if n == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("buffer was not flushed after reaching bufferSize")
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-72 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "new", Value: 1})
	mm.Flush()

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
}

func TestSampleRuntime(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	SampleRuntime(ctx, mm, time.Hour)
	mm.Flush()

	got, err := mm.Query(context.Background(), MetricFilter{Name: MetricGoroutines})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value < 1 {
		t.Fatalf("goroutine samples = %+v", got)
	}
}
