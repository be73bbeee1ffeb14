package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/sonde/kit"
)

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	ctx = context.WithValue(ctx, callerKey{}, c)
	return kit.WithUserID(ctx, c.UserID)
}

// CallerFrom returns the caller stored in ctx, or the anonymous caller.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// Middleware extracts a JWT from the Authorization Bearer header or the
// "token" cookie and stores the caller in the request context. Missing or
// invalid tokens leave the request anonymous; use RequireCaller to enforce.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearer(r)
			if tokenStr == "" {
				if c, err := r.Cookie("token"); err == nil {
					tokenStr = c.Value
				}
			}
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims.Caller())))
		})
	}
}

// RequireCaller rejects anonymous requests with 401.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CallerFrom(r.Context()).Anonymous() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
