// Package dlperrors provides the dlpgate error taxonomy and its mapping to
// HTTP responses. Every error that crosses the API boundary is classified
// into a Kind; the Kind alone decides the status code.
package dlperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindExtraction    Kind = "extraction"
	KindAccountLocked Kind = "account_locked"
	KindIntegrity     Kind = "integrity"
	KindPersistence   Kind = "persistence"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindRateLimited   Kind = "rate_limited"
	KindTooLarge      Kind = "too_large"
	KindInternal      Kind = "internal"
)

// statusByKind is the single kind to HTTP status table.
var statusByKind = map[Kind]int{
	KindValidation:    http.StatusBadRequest,
	KindExtraction:    http.StatusUnprocessableEntity,
	KindAccountLocked: http.StatusForbidden,
	KindIntegrity:     http.StatusInternalServerError,
	KindPersistence:   http.StatusInternalServerError,
	KindUnauthorized:  http.StatusUnauthorized,
	KindForbidden:     http.StatusForbidden,
	KindNotFound:      http.StatusNotFound,
	KindConflict:      http.StatusConflict,
	KindRateLimited:   http.StatusTooManyRequests,
	KindTooLarge:      http.StatusRequestEntityTooLarge,
	KindInternal:      http.StatusInternalServerError,
}

// opaqueMessage replaces the message of every 5xx error in responses.
const opaqueMessage = "internal server error"

// AccountLockedMessage is shown to users of a locked account.
const AccountLockedMessage = "Your account has been locked due to repeated high-risk uploads. Please contact an administrator."

// StatusFor returns the HTTP status for a kind.
func StatusFor(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}

	return http.StatusInternalServerError
}

// Error is a classified error.
type Error struct {
	Err     error
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err,
// dlperrors.New(dlperrors.KindNotFound, "")) checks the kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}

	return false
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// AccountLocked creates the error returned for locked accounts.
func AccountLocked() *Error {
	return New(KindAccountLocked, AccountLockedMessage)
}

// Persistence wraps a storage failure.
func Persistence(message string, err error) *Error {
	return Wrap(KindPersistence, message, err)
}

// KindOf returns the kind of err, or KindInternal when it is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Response is the JSON error body.
type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Kind      Kind   `json:"kind"`
	Status    string `json:"status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Write writes err as a JSON response. Server-side errors are logged in full
// and shown to the client only as an opaque message.
func Write(w http.ResponseWriter, err error, requestID string) {
	kind := KindOf(err)
	status := StatusFor(kind)

	resp := Response{Kind: kind, RequestID: requestID}

	var e *Error
	if errors.As(err, &e) {
		resp.Message = e.Message
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", string(kind)).Str("request_id", requestID).Msg("Request failed")

		resp.Message = opaqueMessage
	}

	if kind == KindAccountLocked {
		resp.Status = "locked"
	}

	w.Header().Set("Content-Type", "application/json")

	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}

	w.WriteHeader(status)

	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		log.Error().Err(encErr).Msg("Failed to write error response")
	}
}
