package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultBackoff     = 200 * time.Millisecond
)

// routeConfig is the resilience part of a route's config column.
type routeConfig struct {
	TimeoutMs        int64 `json:"timeout_ms"`
	MaxRetries       int   `json:"max_retries"`
	BackoffMs        int64 `json:"backoff_ms"`
	BreakerThreshold int   `json:"breaker_threshold"`
	BreakerResetMs   int64 `json:"breaker_reset_ms"`
}

func parseRouteConfig(cfg json.RawMessage) routeConfig {
	var rc routeConfig
	if len(cfg) > 0 {
		_ = json.Unmarshal(cfg, &rc)
	}
	return rc
}

func (rc routeConfig) timeout() time.Duration {
	if rc.TimeoutMs > 0 {
		return time.Duration(rc.TimeoutMs) * time.Millisecond
	}
	return defaultCallTimeout
}

func (rc routeConfig) backoff() time.Duration {
	if rc.BackoffMs > 0 {
		return time.Duration(rc.BackoffMs) * time.Millisecond
	}
	return defaultBackoff
}

func (rc routeConfig) breakerOptions() []BreakerOption {
	var opts []BreakerOption
	if rc.BreakerThreshold > 0 {
		opts = append(opts, WithBreakerThreshold(rc.BreakerThreshold))
	}
	if rc.BreakerResetMs > 0 {
		opts = append(opts, WithBreakerResetTimeout(time.Duration(rc.BreakerResetMs)*time.Millisecond))
	}
	return opts
}

// WithRetry retries failed calls up to maxRetries times, doubling
// baseBackoff between attempts. Replies are never retried, whatever their
// status; an open circuit or a done context stops retrying.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*Reply, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				reply, err := next(ctx, call)
				if err == nil {
					return reply, nil
				}
				lastErr = err
				if ctx.Err() != nil {
					return nil, lastErr
				}
				var open *ErrCircuitOpen
				if errors.As(err, &open) {
					return nil, err
				}
				if attempt == maxRetries {
					break
				}
				wait := baseBackoff * (1 << uint(attempt))
				if logger != nil {
					logger.WarnContext(ctx, "retrying call",
						"service", call.Service, "attempt", attempt+1, "max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(), "error", err)
				}
				select {
				case <-ctx.Done():
					return nil, lastErr
				case <-time.After(wait):
				}
			}
			return nil, lastErr
		}
	}
}
