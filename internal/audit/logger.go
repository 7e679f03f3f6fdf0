// Package audit records security-relevant user activity for dlpgate:
// logins, uploads, downloads and account lock changes.
//
// Entries are written through a Store, usually the metadata store, and can
// optionally be mirrored as JSON lines to a file for SIEM collection.
//
// Example log entry:
//
//	{"timestamp": "2026-01-15T10:30:00Z", "action": "File Upload",
//	 "user_id": "4f7c...", "details": "File: report.pdf, Blocked: true"}
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Action names an audited activity.
type Action string

const (
	ActionRegister        Action = "Register"
	ActionLogin           Action = "Login"
	ActionFailedLogin     Action = "Failed Login"
	ActionLogout          Action = "Logout"
	ActionFileUpload      Action = "File Upload"
	ActionFileDownload    Action = "File Download"
	ActionAccountLocked   Action = "Account Locked"
	ActionAccountUnlocked Action = "Account Unlocked"
	ActionIntegrityFailed Action = "Integrity Failure"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Action    Action    `json:"action"`
	Details   string    `json:"details"`
	IPAddress string    `json:"ip_address,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// NewEvent creates an event with an ID and the current time.
func NewEvent(action Action, userID, details string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Action:    action,
		Details:   details,
	}
}

// WithRequestInfo adds request information to the event.
func (e *Event) WithRequestInfo(requestID, ipAddress string) *Event {
	e.RequestID = requestID
	e.IPAddress = ipAddress

	return e
}

// FileUploadEvent describes a completed upload.
func FileUploadEvent(userID, filename string, blocked bool) *Event {
	return NewEvent(ActionFileUpload, userID, fmt.Sprintf("File: %s, Blocked: %v", filename, blocked))
}

// AccountLockedEvent describes an automatic lock.
func AccountLockedEvent(userID, reason string) *Event {
	return NewEvent(ActionAccountLocked, userID, reason)
}

// Store persists audit events.
type Store interface {
	StoreAuditEvent(ctx context.Context, event *Event) error
}

// Logger writes audit events asynchronously through a buffer.
type Logger struct {
	store    Store
	buffer   chan *Event
	file     *os.File
	cancel   context.CancelFunc
	filePath string
	wg       sync.WaitGroup
	mu       sync.Mutex

	// sendMu guards stopped and the close of buffer.
	sendMu  sync.RWMutex
	stopped bool
}

// Config holds configuration for the audit logger.
type Config struct {
	Store      Store
	FilePath   string // Optional: path to a JSON lines mirror
	BufferSize int
}

// NewLogger creates a new Logger.
func NewLogger(config Config) (*Logger, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}

	logger := &Logger{
		store:    config.Store,
		buffer:   make(chan *Event, config.BufferSize),
		filePath: config.FilePath,
		cancel:   func() {},
	}

	if config.FilePath != "" {
		//nolint:gosec // G302: audit mirror is read by log shippers
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, err
		}

		logger.file = f
	}

	return logger, nil
}

// Start begins processing buffered events.
func (l *Logger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)

	go l.processEvents(ctx)
}

// Stop drains the buffer and closes the mirror file. Later calls are no-ops.
func (l *Logger) Stop() {
	l.sendMu.Lock()
	if l.stopped {
		l.sendMu.Unlock()
		return
	}

	l.stopped = true
	close(l.buffer)
	l.sendMu.Unlock()

	l.wg.Wait()
	l.cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

// Log queues an event. Events are dropped with a warning when the buffer is
// full or the logger is stopped.
func (l *Logger) Log(event *Event) {
	fillDefaults(event)

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	if l.stopped {
		log.Warn().
			Str("event_id", event.ID).
			Str("action", string(event.Action)).
			Msg("Audit logger stopped, dropping event")

		return
	}

	select {
	case l.buffer <- event:
	default:
		log.Warn().
			Str("event_id", event.ID).
			Str("action", string(event.Action)).
			Msg("Audit buffer full, dropping event")
	}
}

// LogSync writes an event before returning.
func (l *Logger) LogSync(ctx context.Context, event *Event) error {
	fillDefaults(event)
	return l.processEvent(ctx, event)
}

// Mirror writes events that were already persisted elsewhere, such as in an
// upload transaction, to the file mirror and the debug log only.
func (l *Logger) Mirror(events ...*Event) {
	for _, event := range events {
		if err := l.writeFile(event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to mirror audit event")
		}

		logEvent(event)
	}
}

func fillDefaults(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

func (l *Logger) processEvents(ctx context.Context) {
	defer l.wg.Done()

	for event := range l.buffer {
		if err := l.processEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to process audit event")
		}
	}
}

func (l *Logger) processEvent(ctx context.Context, event *Event) error {
	if err := l.writeFile(event); err != nil {
		return err
	}

	if l.store != nil {
		if err := l.store.StoreAuditEvent(ctx, event); err != nil {
			return err
		}
	}

	logEvent(event)

	return nil
}

func (l *Logger) writeFile(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	_, err = l.file.Write(append(data, '\n'))

	return err
}

func logEvent(event *Event) {
	log.Debug().
		Str("event_id", event.ID).
		Str("action", string(event.Action)).
		Str("user_id", event.UserID).
		Str("ip_address", event.IPAddress).
		Msg("Audit event")
}
