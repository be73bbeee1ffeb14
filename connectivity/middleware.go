package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"
)

// HandlerMiddleware wraps a Handler.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs failures at error level and successes at debug level.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*Reply, error) {
			start := time.Now()
			reply, err := next(ctx, call)
			dur := time.Since(start)
			if err != nil {
				logger.ErrorContext(ctx, "connectivity call failed",
					"service", service, "itype", call.IType, "query", call.Query,
					"duration_ms", dur.Milliseconds(), "error", err)
				return reply, err
			}
			logger.DebugContext(ctx, "connectivity call ok",
				"service", service, "itype", call.IType,
				"status", reply.Status, "duration_ms", dur.Milliseconds())
			return reply, err
		}
	}
}

// Timeout bounds each call to d. Zero disables it. A call cut short by
// this deadline fails with ErrCallTimeout; a cancelled caller context is
// returned as is.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, call *Call) (*Reply, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			reply, err := next(tctx, call)
			if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
				return nil, &ErrCallTimeout{Service: call.Service}
			}
			return reply, err
		}
	}
}

// Recovery turns a handler panic into ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (reply *Reply, err error) {
			defer func() {
				if r := recover(); r != nil {
					if logger != nil {
						logger.ErrorContext(ctx, "handler panic recovered",
							"service", call.Service, "panic", r, "stack", string(debug.Stack()))
					}
					reply, err = nil, &ErrPanic{Value: r}
				}
			}()
			reply, err = next(ctx, call)
			if err == nil && reply == nil {
				err = errors.New("connectivity: handler returned no reply")
			}
			return reply, err
		}
	}
}
