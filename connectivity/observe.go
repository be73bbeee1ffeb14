package connectivity

import (
	"context"
	"time"
)

// Metric names recorded by WithObservability.
const (
	MetricCallDurationMs = "sonde.remote.duration_ms"
	MetricCallError      = "sonde.remote.error"
)

// MetricsSink receives call datapoints. observability.MetricsManager
// satisfies it.
type MetricsSink interface {
	Observe(name string, value float64, unit string, labels map[string]string)
}

// WithObservability records one duration per call and one error count per
// failed call, labelled with service, strategy and reply status.
func WithObservability(m MetricsSink, service, strategy string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*Reply, error) {
			start := time.Now()
			reply, err := next(ctx, call)
			status := StatusError
			if err == nil {
				status = reply.Status
			}
			labels := map[string]string{"service": service, "strategy": strategy, "status": status}
			m.Observe(MetricCallDurationMs, float64(time.Since(start).Milliseconds()), "milliseconds", labels)
			if err != nil {
				m.Observe(MetricCallError, 1, "count", map[string]string{"service": service, "strategy": strategy})
			}
			return reply, err
		}
	}
}
