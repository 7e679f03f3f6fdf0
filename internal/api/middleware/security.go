package middleware

import (
	"net/http"
)

// SecurityHeadersConfig holds configuration for security headers
type SecurityHeadersConfig struct {
	// ContentSecurityPolicy sets the Content-Security-Policy header.
	// API responses are JSON or file downloads, so nothing may be loaded.
	ContentSecurityPolicy string

	// XFrameOptions sets the X-Frame-Options header
	XFrameOptions string

	// XContentTypeOptions sets the X-Content-Type-Options header
	XContentTypeOptions string

	// StrictTransportSecurity sets the Strict-Transport-Security header
	StrictTransportSecurity string

	// ReferrerPolicy sets the Referrer-Policy header
	ReferrerPolicy string

	// CacheControl sets the Cache-Control header. Decrypted downloads must
	// not be kept by shared caches.
	CacheControl string

	// EnableHSTS enables the Strict-Transport-Security header.
	// Should be enabled when TLS is in use
	EnableHSTS bool
}

// DefaultSecurityHeadersConfig returns the headers for JSON API responses
func DefaultSecurityHeadersConfig(tlsEnabled bool) SecurityHeadersConfig {
	return SecurityHeadersConfig{
		ContentSecurityPolicy:   "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:           "DENY",
		XContentTypeOptions:     "nosniff",
		StrictTransportSecurity: "max-age=31536000; includeSubDomains",
		ReferrerPolicy:          "no-referrer",
		CacheControl:            "no-store",
		EnableHSTS:              tlsEnabled,
	}
}

// SecurityHeaders returns a middleware that adds security headers to responses
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			if cfg.XFrameOptions != "" {
				h.Set("X-Frame-Options", cfg.XFrameOptions)
			}

			if cfg.XContentTypeOptions != "" {
				h.Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}

			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}

			// Only meaningful over TLS
			if cfg.EnableHSTS && cfg.StrictTransportSecurity != "" {
				h.Set("Strict-Transport-Security", cfg.StrictTransportSecurity)
			}

			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}

			if cfg.CacheControl != "" {
				h.Set("Cache-Control", cfg.CacheControl)
				h.Set("Pragma", "no-cache")
			}

			next.ServeHTTP(w, r)
		})
	}
}
