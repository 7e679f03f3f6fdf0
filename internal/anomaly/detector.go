// Package anomaly flags abnormal upload and login behaviour from rolling
// counters. Detection is pure; callers persist the returned events.
package anomaly

import (
	"fmt"
	"time"
)

// Kind names an anomaly rule.
type Kind string

const (
	KindHighUploadFrequency     Kind = "High Upload Frequency"
	KindLargeFileUpload         Kind = "Large File Upload"
	KindBruteForceAttempt       Kind = "Brute Force Attempt"
	KindRepeatedCriticalUploads Kind = "Repeated Critical Uploads"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

const bytesPerMB = 1024 * 1024

// Event is one detected anomaly.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"anomaly_type"`
	Severity  Severity  `json:"severity"`
	Details   string    `json:"details"`
}

// Thresholds are the per-deployment anomaly limits.
type Thresholds struct {
	// UploadsPerHour is exceeded when the recent upload count is greater than it.
	UploadsPerHour int `mapstructure:"uploads_per_hour" yaml:"uploads_per_hour"`
	// MaxFileSizeMB is exceeded when the file size in MiB is greater than it.
	MaxFileSizeMB float64 `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	// FailedLogins is reached when the failed attempt count is at least it.
	FailedLogins int `mapstructure:"failed_logins" yaml:"failed_logins"`
}

// DefaultThresholds returns the built-in limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UploadsPerHour: 10,
		MaxFileSizeMB:  50,
		FailedLogins:   5,
	}
}

// Detector evaluates anomaly rules against fixed thresholds.
type Detector struct {
	now        func() time.Time
	thresholds Thresholds
}

// NewDetector creates a detector.
func NewDetector(thresholds Thresholds) *Detector {
	return &Detector{thresholds: thresholds, now: time.Now}
}

// WithClock replaces the clock used to stamp events.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Thresholds returns the configured limits.
func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}

// DetectUploadAnomalies evaluates the frequency and size rules
// independently. Both may fire for one upload.
func (d *Detector) DetectUploadAnomalies(userID string, sizeBytes int64, recentUploads int) []Event {
	var events []Event

	if recentUploads > d.thresholds.UploadsPerHour {
		events = append(events, d.event(userID, KindHighUploadFrequency, SeverityMedium,
			fmt.Sprintf("User uploaded %d files in the last hour.", recentUploads)))
	}

	if sizeMB := float64(sizeBytes) / bytesPerMB; sizeMB > d.thresholds.MaxFileSizeMB {
		events = append(events, d.event(userID, KindLargeFileUpload, SeverityLow,
			fmt.Sprintf("User uploaded a file of size %.2f MB.", sizeMB)))
	}

	return events
}

// DetectLoginAnomaly returns a brute force event once failed attempts reach
// the threshold, or nil.
func (d *Detector) DetectLoginAnomaly(userID string, failedAttempts int) *Event {
	if failedAttempts < d.thresholds.FailedLogins {
		return nil
	}

	e := d.event(userID, KindBruteForceAttempt, SeverityHigh,
		fmt.Sprintf("User had %d failed login attempts.", failedAttempts))

	return &e
}

// EscalationEvent describes an account lock caused by repeated Critical uploads.
func (d *Detector) EscalationEvent(userID string, criticalUploads int, window time.Duration) Event {
	return d.event(userID, KindRepeatedCriticalUploads, SeverityHigh,
		fmt.Sprintf("User made %d critical-risk uploads within %s; account locked.", criticalUploads, window))
}

func (d *Detector) event(userID string, kind Kind, severity Severity, details string) Event {
	return Event{
		Timestamp: d.now().UTC(),
		UserID:    userID,
		Kind:      kind,
		Severity:  severity,
		Details:   details,
	}
}
