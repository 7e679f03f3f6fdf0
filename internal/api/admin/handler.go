// Package admin implements the dlpgate Admin API: system statistics, the
// audit log, anomalies and account unlocks. Every route requires an
// authenticated administrator.
package admin

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dlpgate/internal/api/middleware"
	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/auth"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// Listing limits.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handler handles Admin API requests
type Handler struct {
	auth  *auth.Service
	store metadata.Store
	now   func() time.Time
}

// NewHandler creates a new Admin API handler
func NewHandler(authService *auth.Service, store metadata.Store) *Handler {
	return &Handler{
		auth:  authService,
		store: store,
		now:   time.Now,
	}
}

// RegisterRoutes registers Admin API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.RequireAuth(h.auth))
	r.Use(middleware.RequireRole(metadata.RoleAdmin))

	r.Get("/stats", h.GetStats)
	r.Get("/logs", h.ListLogs)
	r.Get("/anomalies", h.ListAnomalies)

	// Users
	r.Get("/users", h.ListUsers)
	r.Post("/users/{id}/unlock", h.UnlockUser)
}

// Envelope is the shape of every successful response.
type Envelope struct {
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
	Success bool   `json:"success"`
}

// TypeCount is one entry of the detected label distribution.
type TypeCount struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// StatsResponse summarises the system for the dashboard.
type StatsResponse struct {
	TypeDistribution []TypeCount `json:"type_distribution"`
	TotalUsers       int         `json:"total_users"`
	TotalFiles       int         `json:"total_files"`
	BlockedFiles     int         `json:"blocked_files"`
	UploadsToday     int         `json:"daily_uploads"`
	LockedUsers      int         `json:"locked_users"`
}

// LogEntry is the public view of an audit event.
type LogEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Action    audit.Action `json:"action"`
	Details   string       `json:"details"`
	IPAddress string       `json:"ip"`
}

// AnomalyEntry is the public view of an anomaly record.
type AnomalyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Details   string    `json:"details"`
}

// UserEntry is the public view of a user.
type UserEntry struct {
	CreatedAt time.Time     `json:"created_at"`
	LockedAt  *time.Time    `json:"locked_at,omitempty"`
	ID        string        `json:"id"`
	Username  string        `json:"username"`
	Email     string        `json:"email"`
	Role      metadata.Role `json:"role"`
	Locked    bool          `json:"is_locked"`
}

func newUserEntry(u *metadata.User) UserEntry {
	return UserEntry{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		Locked:    u.Locked,
		LockedAt:  u.LockedAt,
		CreatedAt: u.CreatedAt,
	}
}

// GetStats returns totals and the label distribution. Uploads are counted
// from midnight UTC.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stats, err := h.store.Stats(r.Context(), midnight)
	if err != nil {
		writeError(w, r, dlperrors.Persistence("load stats failed", err))
		return
	}

	distribution := make([]TypeCount, 0, len(stats.TypeDistribution))
	for label, count := range stats.TypeDistribution {
		distribution = append(distribution, TypeCount{Type: label, Value: count})
	}

	slices.SortFunc(distribution, func(a, b TypeCount) int {
		if a.Value != b.Value {
			return cmp.Compare(b.Value, a.Value)
		}

		return cmp.Compare(a.Type, b.Type)
	})

	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Data: StatsResponse{
			TotalUsers:       stats.TotalUsers,
			TotalFiles:       stats.TotalFiles,
			BlockedFiles:     stats.BlockedFiles,
			UploadsToday:     stats.UploadsSince,
			LockedUsers:      stats.LockedUsers,
			TypeDistribution: distribution,
		},
	})
}

// ListLogs returns the most recent audit events, newest first.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	events, err := h.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		writeError(w, r, dlperrors.Persistence("list audit events failed", err))
		return
	}

	entries := make([]LogEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, LogEntry{
			ID:        e.ID,
			UserID:    e.UserID,
			Action:    e.Action,
			Details:   e.Details,
			IPAddress: e.IPAddress,
			Timestamp: e.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: entries})
}

// ListAnomalies returns the most recent anomalies, newest first.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	records, err := h.store.ListAnomalies(r.Context(), limit)
	if err != nil {
		writeError(w, r, dlperrors.Persistence("list anomalies failed", err))
		return
	}

	entries := make([]AnomalyEntry, 0, len(records))
	for _, a := range records {
		entries = append(entries, AnomalyEntry{
			ID:        a.ID,
			UserID:    a.UserID,
			Type:      a.Kind,
			Severity:  a.Severity,
			Details:   a.Details,
			Timestamp: a.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: entries})
}

// ListUsers returns every account.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, dlperrors.Persistence("list users failed", err))
		return
	}

	entries := make([]UserEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, newUserEntry(u))
	}

	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: entries})
}

// UnlockUser clears the lock state of an account.
func (h *Handler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	admin := middleware.GetUser(r.Context())

	user, err := h.auth.Unlock(r.Context(), admin.ID, chi.URLParam(r, "id"),
		middleware.GetRequestID(r.Context()), middleware.GetClientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: "Account unlocked successfully",
		Data:    newUserEntry(user),
	})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, dlperrors.Validation("limit must be a positive integer")
	}

	return min(limit, maxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	dlperrors.Write(w, err, middleware.GetRequestID(r.Context()))
}
