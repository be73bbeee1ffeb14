package observability

import (
	"context"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines    int
	MemoryAllocMB float64
	MemorySysMB   float64
	GCCount       uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
	}
}

// SampleRuntime records goroutine and heap samples into mm every interval
// until ctx is done. One sample is taken immediately.
func SampleRuntime(ctx context.Context, mm *MetricsManager, interval time.Duration) {
	sample := func() {
		m := CollectRuntimeMetrics()
		now := time.Now()
		mm.Record(&Metric{Name: MetricGoroutines, Timestamp: now, Value: float64(m.Goroutines), Unit: "count"})
		mm.Record(&Metric{Name: MetricMemoryAllocMB, Timestamp: now, Value: m.MemoryAllocMB, Unit: "megabytes"})
	}
	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
