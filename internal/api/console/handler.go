// Package console implements the dlpgate user-facing API.
//
// The console API provides endpoints for browser and CLI clients:
//   - Session management: register, login, logout
//   - Files: upload for inspection, list own uploads, download
//   - Users: the caller's risk profile
//
// Successful responses share the envelope {success, message, data}. Errors
// are written by dlperrors.Write.
package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dlpgate/internal/api/middleware"
	"github.com/piwi3910/dlpgate/internal/auth"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/risk"
	"github.com/piwi3910/dlpgate/internal/upload"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// Console handler constants.
const (
	// Maximum JSON request body size in bytes.
	maxJSONBodySize = 64 << 10
	// Form memory before multipart parts spill to disk.
	maxMultipartMemory = 8 << 20
	// multipartOverhead allows for form boundaries and headers on top of
	// the file itself.
	multipartOverhead = 64 << 10
)

// Handler handles Console API requests (user-facing, non-admin).
type Handler struct {
	auth           *auth.Service
	uploads        *upload.Service
	rateLimiter    *middleware.RateLimiter
	maxUploadBytes int64
}

// NewHandler creates a new Console API handler. rateLimiter may be nil.
func NewHandler(authService *auth.Service, uploadService *upload.Service, rateLimiter *middleware.RateLimiter, maxUploadBytes int64) *Handler {
	return &Handler{
		auth:           authService,
		uploads:        uploadService,
		rateLimiter:    rateLimiter,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers Console API routes under r, usually /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)

		if h.rateLimiter != nil {
			r.With(middleware.RateLimitMiddleware(h.rateLimiter)).Post("/login", h.Login)
		} else {
			r.Post("/login", h.Login)
		}

		r.Post("/logout", h.Logout)
		r.Get("/logout", h.Logout)

		r.With(middleware.RequireAuth(h.auth)).Get("/me", h.GetCurrentUser)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.auth))

		r.Post("/files/upload", h.UploadFile)
		r.Get("/files/my-files", h.ListMyFiles)
		r.Get("/files/{id}/download", h.DownloadFile)

		r.Get("/users/risk-profile", h.GetRiskProfile)
	})
}

// Envelope is the shape of every successful response.
type Envelope struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// Session handlers

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// UserResponse is the public view of a user.
type UserResponse struct {
	ID       string        `json:"id"`
	Username string        `json:"username"`
	Email    string        `json:"email"`
	Role     metadata.Role `json:"role"`
	Locked   bool          `json:"is_locked"`
}

func newUserResponse(u *metadata.User) UserResponse {
	return UserResponse{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
		Locked:   u.Locked,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.auth.Register(r.Context(), auth.RegisterRequest{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		Role:      req.Role,
		RequestID: middleware.GetRequestID(r.Context()),
		IPAddress: middleware.GetClientIP(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, Envelope{
		Success: true,
		Message: "User registered successfully",
		Data: map[string]any{
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Username   string `json:"username"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginResponse carries the session token and the user it belongs to.
type LoginResponse struct {
	ExpiresAt time.Time    `json:"expires_at"`
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	User      UserResponse `json:"user"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Email
	}

	if identifier == "" {
		identifier = req.Username
	}

	session, err := h.auth.Login(r.Context(), auth.LoginRequest{
		Identifier: identifier,
		Password:   req.Password,
		RequestID:  middleware.GetRequestID(r.Context()),
		IPAddress:  middleware.GetClientIP(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: "Login successful",
		Data: LoginResponse{
			Token:     session.Token,
			TokenType: session.TokenType,
			ExpiresAt: session.ExpiresAt,
			User:      newUserResponse(session.User),
		},
	})
}

// Logout always succeeds. A valid token is recorded in the audit log.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := middleware.BearerToken(r); ok {
		if user, err := h.auth.Authenticate(r.Context(), token); err == nil {
			h.auth.Logout(user, middleware.GetRequestID(r.Context()), middleware.GetClientIP(r))
		}
	}

	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "Logged out successfully"})
}

func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: "User retrieved successfully",
		Data:    newUserResponse(user),
	})
}

// File handlers

// UploadResponse describes the inspection outcome of an upload. It is used
// for both accepted (201) and blocked (403) files.
type UploadResponse struct {
	Detected []string     `json:"detected,omitempty"`
	File     *FileSummary `json:"data,omitempty"`
	Status   string       `json:"status"`
	Message  string       `json:"message"`
	Level    risk.Level   `json:"level"`
	Score    int          `json:"score"`
	Success  bool         `json:"success"`
}

// FileSummary is the public view of an upload record.
type FileSummary struct {
	UploadTime    time.Time  `json:"upload_time"`
	ID            string     `json:"id"`
	Filename      string     `json:"filename"`
	DetectedTypes []string   `json:"detected_types"`
	Size          int64      `json:"filesize"`
	RiskScore     int        `json:"risk_score"`
	RiskLevel     risk.Level `json:"risk_level"`
	Blocked       bool       `json:"is_blocked"`
}

func newFileSummary(rec *metadata.UploadRecord) *FileSummary {
	detected := rec.DetectedTypes
	if detected == nil {
		detected = []string{}
	}

	return &FileSummary{
		ID:            rec.ID,
		Filename:      rec.Filename,
		Blocked:       rec.Blocked,
		DetectedTypes: detected,
		Size:          rec.Size,
		RiskScore:     rec.RiskScore,
		RiskLevel:     rec.RiskLevel,
		UploadTime:    rec.UploadTime,
	}
}

func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, r, h.formError(err))
		return
	}

	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, dlperrors.Validation("No file part"))
		return
	}

	defer func() { _ = file.Close() }()

	if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
		writeError(w, r, h.tooLarge())
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("read uploaded file: %w", err))
		return
	}

	result, err := h.uploads.Upload(r.Context(), upload.Request{
		UserID:    user.ID,
		Filename:  header.Filename,
		RequestID: middleware.GetRequestID(r.Context()),
		IPAddress: middleware.GetClientIP(r),
		Data:      data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if result.Blocked() {
		writeJSON(w, http.StatusForbidden, UploadResponse{
			Success:  false,
			Status:   string(upload.StatusBlocked),
			Detected: result.Detections.Labels(),
			Score:    result.Assessment.Score,
			Level:    result.Assessment.Level,
			Message:  "File contains sensitive data and has been blocked.",
		})

		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		Success: true,
		Status:  string(upload.StatusSuccess),
		Score:   result.Assessment.Score,
		Level:   result.Assessment.Level,
		Message: "File uploaded and encrypted successfully.",
		File:    newFileSummary(result.Record),
	})
}

func (h *Handler) ListMyFiles(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	records, err := h.uploads.ListUploads(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	files := make([]*FileSummary, 0, len(records))
	for _, rec := range records {
		files = append(files, newFileSummary(rec))
	}

	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: "Files retrieved successfully",
		Data:    files,
	})
}

func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	download, err := h.uploads.Fetch(r.Context(), user, chi.URLParam(r, "id"),
		middleware.GetRequestID(r.Context()), middleware.GetClientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": download.Record.Filename,
	}))
	w.Header().Set("Content-Length", strconv.Itoa(len(download.Data)))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(download.Data); err != nil {
		log.Warn().Err(err).Str("upload_id", download.Record.ID).Msg("Failed to stream download")
	}
}

// User handlers

func (h *Handler) GetRiskProfile(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	profile, err := h.uploads.Profile(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: "Risk profile retrieved successfully",
		Data:    profile,
	})
}

func (h *Handler) formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return h.tooLarge()
	}

	return dlperrors.Validation("Invalid multipart form")
}

func (h *Handler) tooLarge() error {
	return dlperrors.New(dlperrors.KindTooLarge, fmt.Sprintf("File too large (Max %dMB)", h.maxUploadBytes>>20))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	if err := dec.Decode(v); err != nil {
		return dlperrors.Validation("Invalid input")
	}

	return nil
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
