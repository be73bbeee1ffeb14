// Package shield holds the HTTP middleware sonde puts in front of its API:
// request ids, security headers, maintenance mode and per-caller rate
// limits on the search endpoints.
//
//	r := chi.NewRouter()
//	r.Use(shield.RequestID, shield.HeadToGet, shield.SecurityHeaders(shield.APIHeaders()))
//	r.Use(auth.Middleware(secret))
//	r.Use(mm.Middleware, rl.Middleware)
//
// None of the middleware wraps the ResponseWriter, so streamed search
// responses keep their http.Flusher.
package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey holds the per-request logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// writeError answers in the search error envelope so streaming clients
// parse refusals the same way as a malformed request.
func writeError(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"purpose": "error", "text": text})
}
