// Package middleware provides HTTP middleware for the dlpgate API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// contextKey is a private type for context keys to avoid collisions.
type contextKey int

const (
	// requestIDKey is the context key for the request ID.
	requestIDKey contextKey = iota
	// userKey is the context key for the authenticated user.
	userKey
	// clientIPKey is the context key for the resolved client IP.
	clientIPKey
)

// Request ID generation constants.
const (
	requestIDBufferSize = 16
	// Bit shift positions for timestamp encoding.
	shiftBits40 = 40
	shiftBits32 = 32
	shiftBits24 = 24
	shiftBits16 = 16
	shiftBits8  = 8
)

// inboundRequestID limits which client supplied IDs are echoed back.
var inboundRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// requestCounter provides a monotonically increasing counter for request IDs.
var requestCounter uint64

// RequestID is a middleware that assigns a request ID to each request.
// An ID set by a load balancer is kept when it is well formed. The ID is
// returned in the response headers and made available in the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !inboundRequestID.MatchString(requestID) {
			requestID = generateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
// Returns an empty string if no request ID is present.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}

	return ""
}

// SetRequestID sets a request ID in the context.
// This is useful for testing or when request ID needs to be injected.
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// generateRequestID generates a sortable unique request ID:
// 6 bytes of millisecond timestamp, 4 bytes of counter and 6 random bytes,
// base64url encoded.
func generateRequestID() string {
	counter := atomic.AddUint64(&requestCounter, 1)

	//nolint:gosec // G115: timestamp is always positive for current time
	timestamp := uint64(time.Now().UnixNano() / int64(time.Millisecond))

	buf := make([]byte, requestIDBufferSize)

	buf[0] = byte(timestamp >> shiftBits40)
	buf[1] = byte(timestamp >> shiftBits32)
	buf[2] = byte(timestamp >> shiftBits24)
	buf[3] = byte(timestamp >> shiftBits16)
	buf[4] = byte(timestamp >> shiftBits8)
	buf[5] = byte(timestamp)

	buf[6] = byte(counter >> shiftBits24)
	buf[7] = byte(counter >> shiftBits16)
	buf[8] = byte(counter >> shiftBits8)
	buf[9] = byte(counter)

	_, _ = rand.Read(buf[10:])

	return base64.RawURLEncoding.EncodeToString(buf)
}

// RequestLogger logs one line per request with zerolog. It should be used
// after RequestID.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		var event *zerolog.Event

		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		default:
			event = log.Debug()
		}

		event.
			Str("request_id", GetRequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}
