// Package metadata persists dlpgate users, upload records, anomaly events
// and audit logs.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/piwi3910/dlpgate/internal/anomaly"
	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/risk"
)

// Common store errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Role is a user's authorization role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User represents a dlpgate account.
type User struct {
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"password_hash"`
	Role         Role       `json:"role"`
	Locked       bool       `json:"is_locked"`
}

// UploadRecord is the immutable record of one upload.
type UploadRecord struct {
	UploadTime    time.Time      `json:"upload_time"`
	Detections    map[string]int `json:"detections,omitempty"`
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Filename      string         `json:"filename"`
	StorageKey    string         `json:"storage_key"`
	KeyID         string         `json:"key_id"`
	DetectedTypes []string       `json:"detected_types"`
	Size          int64          `json:"filesize"`
	RiskScore     int            `json:"risk_score"`
	RiskLevel     risk.Level     `json:"risk_level"`
	Blocked       bool           `json:"is_blocked"`
}

// Assessment returns the record's risk assessment.
func (r *UploadRecord) Assessment() risk.Assessment {
	return risk.Assessment{Score: r.RiskScore, Level: r.RiskLevel}
}

// AnomalyRecord is a persisted anomaly event.
type AnomalyRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"anomaly_type"`
	Severity  string    `json:"severity"`
	Details   string    `json:"details"`
}

// NewAnomalyRecord converts a detected event into a record with a fresh ID.
func NewAnomalyRecord(e anomaly.Event) *AnomalyRecord {
	return &AnomalyRecord{
		ID:        uuid.New().String(),
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		Kind:      string(e.Kind),
		Severity:  string(e.Severity),
		Details:   e.Details,
	}
}

// Batch groups records that are written in the same transaction as an
// upload or a lock change.
type Batch struct {
	Anomalies []*AnomalyRecord
	Events    []*audit.Event
}

// Stats holds aggregate counts for the admin dashboard.
type Stats struct {
	TypeDistribution map[string]int `json:"type_distribution"`
	TotalUsers       int            `json:"total_users"`
	TotalFiles       int            `json:"total_files"`
	BlockedFiles     int            `json:"blocked_files"`
	UploadsSince     int            `json:"daily_uploads"`
	LockedUsers      int            `json:"locked_users"`
}

// Store is the interface for the metadata store.
type Store interface {
	// Close shuts down the store
	Close() error

	// Ping checks that the store is usable
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// GetUserByLogin finds a user by username or email, case-insensitively
	GetUserByLogin(ctx context.Context, identifier string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	// SetUserLocked changes the lock state and writes batch atomically with it
	SetUserLocked(ctx context.Context, userID string, locked bool, batch Batch) error

	// Upload operations
	// RecordUpload writes the record and batch in one transaction
	RecordUpload(ctx context.Context, record *UploadRecord, batch Batch) error
	GetUpload(ctx context.Context, id string) (*UploadRecord, error)
	// ListUploadsByUser returns a user's uploads, newest first
	ListUploadsByUser(ctx context.Context, userID string) ([]*UploadRecord, error)
	CountUploadsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountCriticalUploadsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Anomaly and audit operations
	RecordEvents(ctx context.Context, batch Batch) error
	StoreAuditEvent(ctx context.Context, event *audit.Event) error
	// ListAuditEvents returns the newest events first
	ListAuditEvents(ctx context.Context, limit int) ([]*audit.Event, error)
	CountAuditEventsSince(ctx context.Context, userID string, action audit.Action, since time.Time) (int, error)
	// ListAnomalies returns the newest anomalies first
	ListAnomalies(ctx context.Context, limit int) ([]*AnomalyRecord, error)
	ListAnomaliesByUser(ctx context.Context, userID string, since time.Time) ([]*AnomalyRecord, error)

	// Stats aggregates counts, with UploadsSince counted from since
	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

// Ensure the audit logger can write through any Store.
var _ audit.Store = Store(nil)
