package shield

import "net/http"

// HeaderConfig lists the security headers set on every response. Empty
// fields are skipped.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	CacheControl        string
}

// APIHeaders is the configuration for a JSON-only API: nothing may be
// framed or embedded and responses are not cached by intermediaries.
func APIHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

// SecurityHeaders sets cfg on every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range map[string]string{
				"X-Content-Type-Options":  cfg.XContentTypeOptions,
				"X-Frame-Options":         cfg.XFrameOptions,
				"Referrer-Policy":         cfg.ReferrerPolicy,
				"Content-Security-Policy": cfg.CSP,
				"Cache-Control":           cfg.CacheControl,
			} {
				if v != "" {
					h.Set(k, v)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
