package shield

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/hazyhaar/sonde/idgen"
	"github.com/hazyhaar/sonde/kit"
)

var (
	newRequestID = idgen.Prefixed(idgen.RequestPrefix, idgen.Default)
	// Incoming ids are kept only when they look like ids.
	requestIDShape = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)
)

// RequestID stores a request id in the context (see kit.RequestID), echoes
// it in X-Request-ID and attaches a request-scoped logger. A well-formed
// incoming X-Request-ID is reused so ids follow a call across proxies.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !requestIDShape.MatchString(id) {
			id = newRequestID()
		}
		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request", "remote_addr", r.RemoteAddr)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
