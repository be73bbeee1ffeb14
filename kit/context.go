// Package kit carries request-scoped values shared across transports (HTTP,
// MCP, CLI) and the glue that exposes plain endpoints as MCP tools.
package kit

import (
	"context"
	"log/slog"
)

// Transport names the surface a search arrived through.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportMCP  Transport = "mcp"
	TransportCLI  Transport = "cli"
)

type (
	userKey      struct{}
	requestKey   struct{}
	transportKey struct{}
)

// WithUserID records the authenticated user for logs and audit.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserID is empty for anonymous requests.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestKey{}).(string)
	return v
}

func WithTransport(ctx context.Context, t Transport) context.Context {
	return context.WithValue(ctx, transportKey{}, t)
}

// TransportOf defaults to HTTP: only the MCP and CLI entry points tag
// their contexts.
func TransportOf(ctx context.Context) Transport {
	if v, ok := ctx.Value(transportKey{}).(Transport); ok {
		return v
	}
	return TransportHTTP
}

// LogAttrs returns the request scope as slog attributes, omitting empty
// values.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{slog.String("transport", string(TransportOf(ctx)))}
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if u := UserID(ctx); u != "" {
		attrs = append(attrs, slog.String("user", u))
	}
	return attrs
}
