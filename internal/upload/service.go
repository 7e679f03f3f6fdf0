// Package upload runs the inspection pipeline for uploaded files: text
// extraction, pattern scanning, risk scoring, escalation, anomaly detection,
// encryption and persistence.
//
// Upload runs its steps synchronously and in a fixed order. A file that
// contains any sensitive label is blocked, but it is still encrypted and
// recorded so that escalation counts and admin statistics see it.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dlpgate/internal/anomaly"
	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/dlp"
	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/metrics"
	"github.com/piwi3910/dlpgate/internal/risk"
	"github.com/piwi3910/dlpgate/internal/storage/backend"
	"github.com/piwi3910/dlpgate/internal/storage/compression"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// Status is the outcome of an accepted upload.
type Status string

const (
	StatusSuccess Status = "success"
	StatusBlocked Status = "blocked"
)

// Metric outcome labels not covered by Status.
const (
	outcomeLocked = "locked"
	outcomeError  = "error"
)

// recentUploadWindow is the window for the upload frequency rule.
const recentUploadWindow = time.Hour

// profileAnomalyWindow is the window for anomalies counted in a risk profile.
const profileAnomalyWindow = 24 * time.Hour

// Auditor receives audit events. *audit.Logger implements it.
type Auditor interface {
	// Log persists an event asynchronously
	Log(event *audit.Event)
	// Mirror forwards events that were already persisted
	Mirror(events ...*audit.Event)
}

// Request is one uploaded file.
type Request struct {
	UserID    string
	Filename  string
	RequestID string
	IPAddress string
	Data      []byte
}

// Result describes an accepted upload.
type Result struct {
	Record     *metadata.UploadRecord
	Detections dlp.DetectionResult
	Status     Status
	Anomalies  []anomaly.Event
	Assessment risk.Assessment
}

// Blocked reports whether the file was quarantined.
func (r *Result) Blocked() bool {
	return r.Status == StatusBlocked
}

// Download is a decrypted file.
type Download struct {
	Record *metadata.UploadRecord
	Data   []byte
}

// Config holds pipeline limits.
type Config struct {
	// MaxFileSize rejects larger files when positive
	MaxFileSize int64
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Store    metadata.Store
	Blobs    backend.Backend
	Cipher   *encryption.Service
	Codec    *compression.Codec
	Scanner  *dlp.Scanner
	Scorer   *risk.Scorer
	Policy   *risk.Policy
	Detector *anomaly.Detector
	Auditor  Auditor
}

// Service is the upload pipeline.
type Service struct {
	store    metadata.Store
	blobs    backend.Backend
	cipher   *encryption.Service
	codec    *compression.Codec
	scanner  *dlp.Scanner
	scorer   *risk.Scorer
	policy   *risk.Policy
	detector *anomaly.Detector
	auditor  Auditor
	now      func() time.Time
	config   Config
}

// NewService creates the pipeline. Scanner, scorer and detector default to
// their built-in configurations; storage and encryption are required.
func NewService(deps Deps, config Config) (*Service, error) {
	if deps.Store == nil || deps.Blobs == nil || deps.Cipher == nil {
		return nil, errors.New("upload: store, blob backend and cipher are required")
	}

	s := &Service{
		store:    deps.Store,
		blobs:    deps.Blobs,
		cipher:   deps.Cipher,
		codec:    deps.Codec,
		scanner:  deps.Scanner,
		scorer:   deps.Scorer,
		policy:   deps.Policy,
		detector: deps.Detector,
		auditor:  deps.Auditor,
		config:   config,
		now:      time.Now,
	}

	if s.codec == nil {
		codec, err := compression.NewCodec(compression.Config{Algorithm: compression.AlgorithmNone})
		if err != nil {
			return nil, err
		}

		s.codec = codec
	}

	if s.scanner == nil {
		s.scanner = dlp.NewDefaultScanner()
	}

	if s.scorer == nil {
		s.scorer = risk.NewDefaultScorer()
	}

	if s.policy == nil {
		s.policy = risk.NewPolicy(deps.Store, risk.DefaultEscalationConfig())
	}

	if s.detector == nil {
		s.detector = anomaly.NewDetector(anomaly.DefaultThresholds())
	}

	if s.auditor == nil {
		s.auditor = nopAuditor{}
	}

	return s, nil
}

// WithClock replaces the clock used to stamp records. It is meant for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Upload inspects, encrypts and records one file.
func (s *Service) Upload(ctx context.Context, req Request) (*Result, error) {
	result, err := s.upload(ctx, req)
	if err != nil {
		if !dlperrors.IsKind(err, dlperrors.KindAccountLocked) {
			metrics.RecordUpload(outcomeError, 0)
		}

		return nil, err
	}

	metrics.RecordUpload(string(result.Status), result.Record.Size)

	return result, nil
}

func (s *Service) upload(ctx context.Context, req Request) (*Result, error) {
	filename := sanitizeFilename(req.Filename)
	if filename == "" {
		return nil, dlperrors.Validation("No selected file")
	}

	if len(req.Data) == 0 {
		return nil, dlperrors.Validation("File is empty")
	}

	if s.config.MaxFileSize > 0 && int64(len(req.Data)) > s.config.MaxFileSize {
		return nil, dlperrors.New(dlperrors.KindTooLarge, fmt.Sprintf("File exceeds the maximum size of %d bytes", s.config.MaxFileSize))
	}

	if err := s.checkUnlocked(ctx, req.UserID); err != nil {
		return nil, err
	}

	logger := log.With().Str("user_id", req.UserID).Str("filename", filename).Str("request_id", req.RequestID).Logger()

	text, err := dlp.Extract(req.Data, filename)
	if err != nil {
		var extErr *dlp.ExtractionError
		if !errors.As(err, &extErr) {
			return nil, dlperrors.Wrap(dlperrors.KindExtraction, "text extraction failed", err)
		}

		logger.Warn().Err(err).Str("format", string(extErr.Format)).Msg("Could not extract text, scanning as empty")
		metrics.RecordExtractionError(string(extErr.Format))

		text = ""
	}

	detections := s.scanner.Scan(text)
	assessment := s.scorer.Score(detections)
	blocked := risk.Blocked(detections)

	metrics.RecordDetections(detections)
	metrics.RecordRiskLevel(assessment.Level.String())

	unlock := s.policy.Lock(req.UserID)
	defer unlock()

	// The lock state may have changed while the file was being scanned.
	if err := s.checkUnlocked(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := s.now().UTC()

	decision, err := s.policy.EvaluateAt(ctx, req.UserID, assessment.Level, now)
	if err != nil {
		return nil, dlperrors.Persistence("escalation check failed", err)
	}

	if decision == risk.DecisionLock {
		return nil, s.lockAccount(ctx, req, logger)
	}

	recent, err := s.store.CountUploadsSince(ctx, req.UserID, now.Add(-recentUploadWindow))
	if err != nil {
		return nil, dlperrors.Persistence("count recent uploads failed", err)
	}

	anomalies := s.detector.DetectUploadAnomalies(req.UserID, int64(len(req.Data)), recent)

	frame, err := s.codec.Encode(req.Data)
	if err != nil {
		return nil, dlperrors.Wrap(dlperrors.KindInternal, "compression failed", err)
	}

	ciphertext, err := s.cipher.Encrypt(frame)
	if err != nil {
		return nil, dlperrors.Wrap(dlperrors.KindInternal, "encryption failed", err)
	}

	id := uuid.New().String()
	storageKey := req.UserID + "/" + id

	if _, err := s.blobs.PutObject(ctx, storageKey, bytes.NewReader(ciphertext), int64(len(ciphertext))); err != nil {
		return nil, dlperrors.Persistence("store encrypted file failed", err)
	}

	record := &metadata.UploadRecord{
		ID:            id,
		UserID:        req.UserID,
		Filename:      filename,
		StorageKey:    storageKey,
		KeyID:         s.cipher.KeyID(),
		UploadTime:    now,
		Size:          int64(len(req.Data)),
		Blocked:       blocked,
		DetectedTypes: detections.Labels(),
		Detections:    detections,
		RiskScore:     assessment.Score,
		RiskLevel:     assessment.Level,
	}

	uploadEvent := audit.FileUploadEvent(req.UserID, filename, blocked).WithRequestInfo(req.RequestID, req.IPAddress)
	batch := metadata.Batch{Events: []*audit.Event{uploadEvent}}

	for _, a := range anomalies {
		batch.Anomalies = append(batch.Anomalies, metadata.NewAnomalyRecord(a))
	}

	if err := s.store.RecordUpload(ctx, record, batch); err != nil {
		if delErr := s.blobs.DeleteObject(ctx, storageKey); delErr != nil {
			logger.Error().Err(delErr).Str("storage_key", storageKey).Msg("Failed to remove orphaned blob")
		}

		return nil, dlperrors.Persistence("record upload failed", err)
	}

	s.auditor.Mirror(batch.Events...)

	for _, a := range anomalies {
		metrics.RecordAnomaly(string(a.Kind))
		logger.Warn().Str("anomaly", string(a.Kind)).Str("severity", string(a.Severity)).Msg(a.Details)
	}

	status := StatusSuccess
	if blocked {
		status = StatusBlocked
	}

	logger.Info().
		Str("upload_id", id).
		Str("status", string(status)).
		Int("score", assessment.Score).
		Str("level", assessment.Level.String()).
		Strs("detected", record.DetectedTypes).
		Msg("Upload inspected")

	return &Result{
		Record:     record,
		Detections: detections,
		Status:     status,
		Anomalies:  anomalies,
		Assessment: assessment,
	}, nil
}

func (s *Service) checkUnlocked(ctx context.Context, userID string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return dlperrors.New(dlperrors.KindUnauthorized, "user not found")
		}

		return dlperrors.Persistence("load user failed", err)
	}

	if user.Locked {
		return dlperrors.AccountLocked()
	}

	return nil
}

// lockAccount locks the user and returns the error that rejects the upload.
// The caller holds the escalation lock.
func (s *Service) lockAccount(ctx context.Context, req Request, logger zerolog.Logger) error {
	cfg := s.policy.Config()
	event := s.detector.EscalationEvent(req.UserID, cfg.TriggerCount, cfg.Window)
	lockEvent := audit.AccountLockedEvent(req.UserID, event.Details).WithRequestInfo(req.RequestID, req.IPAddress)

	batch := metadata.Batch{
		Anomalies: []*metadata.AnomalyRecord{metadata.NewAnomalyRecord(event)},
		Events:    []*audit.Event{lockEvent},
	}

	if err := s.store.SetUserLocked(ctx, req.UserID, true, batch); err != nil {
		return dlperrors.Persistence("lock account failed", err)
	}

	s.auditor.Mirror(lockEvent)

	metrics.RecordAccountLocked()
	metrics.RecordAnomaly(string(event.Kind))
	metrics.RecordUpload(outcomeLocked, 0)

	logger.Warn().Int("critical_uploads", cfg.TriggerCount).Dur("window", cfg.Window).Msg("Account locked after repeated critical uploads")

	return dlperrors.AccountLocked()
}

// ListUploads returns a user's records, newest first.
func (s *Service) ListUploads(ctx context.Context, userID string) ([]*metadata.UploadRecord, error) {
	records, err := s.store.ListUploadsByUser(ctx, userID)
	if err != nil {
		return nil, dlperrors.Persistence("list uploads failed", err)
	}

	return records, nil
}

// Profile summarizes a user's upload risk.
func (s *Service) Profile(ctx context.Context, userID string) (risk.Profile, error) {
	records, err := s.store.ListUploadsByUser(ctx, userID)
	if err != nil {
		return risk.Profile{}, dlperrors.Persistence("list uploads failed", err)
	}

	anomalies, err := s.store.ListAnomaliesByUser(ctx, userID, s.now().Add(-profileAnomalyWindow))
	if err != nil {
		return risk.Profile{}, dlperrors.Persistence("list anomalies failed", err)
	}

	assessments := make([]risk.Assessment, 0, len(records))
	for _, r := range records {
		assessments = append(assessments, r.Assessment())
	}

	return risk.BuildProfile(assessments, len(anomalies)), nil
}

// Fetch decrypts a stored file for requester. Owners may fetch their own
// files unless blocked; admins may fetch any file.
func (s *Service) Fetch(ctx context.Context, requester *metadata.User, uploadID, requestID, ip string) (*Download, error) {
	record, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, dlperrors.New(dlperrors.KindNotFound, "File not found")
		}

		return nil, dlperrors.Persistence("load upload failed", err)
	}

	isAdmin := requester.Role == metadata.RoleAdmin

	if !isAdmin && record.UserID != requester.ID {
		return nil, dlperrors.New(dlperrors.KindNotFound, "File not found")
	}

	if !isAdmin && record.Blocked {
		return nil, dlperrors.New(dlperrors.KindForbidden, "File contains sensitive data and is quarantined")
	}

	rc, err := s.blobs.GetObject(ctx, record.StorageKey)
	if err != nil {
		return nil, dlperrors.Persistence("read encrypted file failed", err)
	}

	ciphertext, err := io.ReadAll(rc)
	_ = rc.Close()

	if err != nil {
		return nil, dlperrors.Persistence("read encrypted file failed", err)
	}

	frame, err := s.cipher.Decrypt(ciphertext)
	if err == nil {
		var data []byte

		data, err = s.codec.Decode(frame)
		if err == nil {
			s.auditor.Log(audit.NewEvent(audit.ActionFileDownload, requester.ID,
				fmt.Sprintf("File: %s, Owner: %s", record.Filename, record.UserID)).WithRequestInfo(requestID, ip))

			return &Download{Record: record, Data: data}, nil
		}
	}

	log.Error().
		Err(err).
		Str("upload_id", record.ID).
		Str("key_id", record.KeyID).
		Str("current_key_id", s.cipher.KeyID()).
		Msg("Stored file failed integrity check")

	s.auditor.Log(audit.NewEvent(audit.ActionIntegrityFailed, requester.ID,
		fmt.Sprintf("File: %s, Upload: %s", record.Filename, record.ID)).WithRequestInfo(requestID, ip))

	return nil, dlperrors.Wrap(dlperrors.KindIntegrity, "stored file failed integrity check", err)
}

// sanitizeFilename keeps the base name and drops control characters.
func sanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}

		return r
	}, name)

	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}

	return name
}

type nopAuditor struct{}

func (nopAuditor) Log(*audit.Event)       {}
func (nopAuditor) Mirror(...*audit.Event) {}
