// Package mocks provides mock implementations for testing dlpgate components.
package mocks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/risk"
)

// Op names a store method for error injection.
type Op string

// Store operations that accept injected errors.
const (
	OpPing                      Op = "Ping"
	OpCreateUser                Op = "CreateUser"
	OpGetUser                   Op = "GetUser"
	OpGetUserByLogin            Op = "GetUserByLogin"
	OpListUsers                 Op = "ListUsers"
	OpSetUserLocked             Op = "SetUserLocked"
	OpRecordUpload              Op = "RecordUpload"
	OpGetUpload                 Op = "GetUpload"
	OpListUploadsByUser         Op = "ListUploadsByUser"
	OpCountUploadsSince         Op = "CountUploadsSince"
	OpCountCriticalUploadsSince Op = "CountCriticalUploadsSince"
	OpRecordEvents              Op = "RecordEvents"
	OpStoreAuditEvent           Op = "StoreAuditEvent"
	OpListAuditEvents           Op = "ListAuditEvents"
	OpCountAuditEventsSince     Op = "CountAuditEventsSince"
	OpListAnomalies             Op = "ListAnomalies"
	OpListAnomaliesByUser       Op = "ListAnomaliesByUser"
	OpStats                     Op = "Stats"
)

// MockMetadataStore implements metadata.Store interface for testing.
// It provides thread-safe in-memory storage with configurable error injection.
type MockMetadataStore struct {
	users     map[string]*metadata.User
	uploads   map[string]*metadata.UploadRecord
	errs      map[Op]error
	calls     map[Op]int
	anomalies []*metadata.AnomalyRecord
	events    []*audit.Event
	mu        sync.RWMutex
}

// NewMockMetadataStore creates a new MockMetadataStore with initialized maps.
func NewMockMetadataStore() *MockMetadataStore {
	return &MockMetadataStore{
		users:   make(map[string]*metadata.User),
		uploads: make(map[string]*metadata.UploadRecord),
		errs:    make(map[Op]error),
		calls:   make(map[Op]int),
	}
}

// SetError makes op return err until cleared with a nil err.
func (m *MockMetadataStore) SetError(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.errs, op)
		return
	}

	m.errs[op] = err
}

// Calls returns how many times op was invoked.
func (m *MockMetadataStore) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.calls[op]
}

// enter records a call and returns the injected error, if any. The caller
// must hold mu.
func (m *MockMetadataStore) enter(ctx context.Context, op Op) error {
	m.calls[op]++

	if err := ctx.Err(); err != nil {
		return err
	}

	return m.errs[op]
}

// Close implements metadata.Store.
func (m *MockMetadataStore) Close() error {
	return nil
}

// Ping implements metadata.Store.
func (m *MockMetadataStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enter(ctx, OpPing)
}

// CreateUser implements metadata.Store.
func (m *MockMetadataStore) CreateUser(ctx context.Context, user *metadata.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpCreateUser); err != nil {
		return err
	}

	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	for _, u := range m.users {
		if u.ID == user.ID ||
			strings.EqualFold(u.Username, user.Username) ||
			strings.EqualFold(u.Email, user.Email) {
			return metadata.ErrAlreadyExists
		}
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	user.UpdatedAt = now

	stored := *user
	m.users[user.ID] = &stored

	return nil
}

// GetUser implements metadata.Store.
func (m *MockMetadataStore) GetUser(ctx context.Context, id string) (*metadata.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpGetUser); err != nil {
		return nil, err
	}

	user, ok := m.users[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}

	clone := *user

	return &clone, nil
}

// GetUserByLogin implements metadata.Store.
func (m *MockMetadataStore) GetUserByLogin(ctx context.Context, identifier string) (*metadata.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpGetUserByLogin); err != nil {
		return nil, err
	}

	identifier = strings.TrimSpace(identifier)

	for _, user := range m.users {
		if strings.EqualFold(user.Username, identifier) || strings.EqualFold(user.Email, identifier) {
			clone := *user
			return &clone, nil
		}
	}

	return nil, metadata.ErrNotFound
}

// ListUsers implements metadata.Store.
func (m *MockMetadataStore) ListUsers(ctx context.Context) ([]*metadata.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpListUsers); err != nil {
		return nil, err
	}

	users := make([]*metadata.User, 0, len(m.users))
	for _, user := range m.users {
		clone := *user
		users = append(users, &clone)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	return users, nil
}

// SetUserLocked implements metadata.Store.
func (m *MockMetadataStore) SetUserLocked(ctx context.Context, userID string, locked bool, batch metadata.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpSetUserLocked); err != nil {
		return err
	}

	user, ok := m.users[userID]
	if !ok {
		return metadata.ErrNotFound
	}

	now := time.Now().UTC()
	user.Locked = locked
	user.UpdatedAt = now

	if locked {
		user.LockedAt = &now
	} else {
		user.LockedAt = nil
	}

	m.appendBatch(batch)

	return nil
}

// RecordUpload implements metadata.Store.
func (m *MockMetadataStore) RecordUpload(ctx context.Context, record *metadata.UploadRecord, batch metadata.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpRecordUpload); err != nil {
		return err
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	if record.UploadTime.IsZero() {
		record.UploadTime = time.Now().UTC()
	}

	if _, ok := m.uploads[record.ID]; ok {
		return metadata.ErrAlreadyExists
	}

	stored := *record
	m.uploads[record.ID] = &stored
	m.appendBatch(batch)

	return nil
}

// GetUpload implements metadata.Store.
func (m *MockMetadataStore) GetUpload(ctx context.Context, id string) (*metadata.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpGetUpload); err != nil {
		return nil, err
	}

	record, ok := m.uploads[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}

	clone := *record

	return &clone, nil
}

// ListUploadsByUser implements metadata.Store.
func (m *MockMetadataStore) ListUploadsByUser(ctx context.Context, userID string) ([]*metadata.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpListUploadsByUser); err != nil {
		return nil, err
	}

	var records []*metadata.UploadRecord

	for _, record := range m.uploads {
		if record.UserID == userID {
			clone := *record
			records = append(records, &clone)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].UploadTime.After(records[j].UploadTime) })

	return records, nil
}

// CountUploadsSince implements metadata.Store.
func (m *MockMetadataStore) CountUploadsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpCountUploadsSince); err != nil {
		return 0, err
	}

	return m.countUploads(userID, since, false), nil
}

// CountCriticalUploadsSince implements metadata.Store.
func (m *MockMetadataStore) CountCriticalUploadsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpCountCriticalUploadsSince); err != nil {
		return 0, err
	}

	return m.countUploads(userID, since, true), nil
}

func (m *MockMetadataStore) countUploads(userID string, since time.Time, criticalOnly bool) int {
	count := 0

	for _, record := range m.uploads {
		if record.UserID != userID || record.UploadTime.Before(since) {
			continue
		}

		if criticalOnly && record.RiskLevel != risk.LevelCritical {
			continue
		}

		count++
	}

	return count
}

// RecordEvents implements metadata.Store.
func (m *MockMetadataStore) RecordEvents(ctx context.Context, batch metadata.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpRecordEvents); err != nil {
		return err
	}

	m.appendBatch(batch)

	return nil
}

// StoreAuditEvent implements metadata.Store.
func (m *MockMetadataStore) StoreAuditEvent(ctx context.Context, event *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpStoreAuditEvent); err != nil {
		return err
	}

	m.appendBatch(metadata.Batch{Events: []*audit.Event{event}})

	return nil
}

// ListAuditEvents implements metadata.Store.
func (m *MockMetadataStore) ListAuditEvents(ctx context.Context, limit int) ([]*audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpListAuditEvents); err != nil {
		return nil, err
	}

	events := make([]*audit.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(events) == limit {
			break
		}

		clone := *m.events[i]
		events = append(events, &clone)
	}

	return events, nil
}

// CountAuditEventsSince implements metadata.Store.
func (m *MockMetadataStore) CountAuditEventsSince(ctx context.Context, userID string, action audit.Action, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpCountAuditEventsSince); err != nil {
		return 0, err
	}

	count := 0

	for _, e := range m.events {
		if e.UserID == userID && e.Action == action && !e.Timestamp.Before(since) {
			count++
		}
	}

	return count, nil
}

// ListAnomalies implements metadata.Store.
func (m *MockMetadataStore) ListAnomalies(ctx context.Context, limit int) ([]*metadata.AnomalyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpListAnomalies); err != nil {
		return nil, err
	}

	anomalies := make([]*metadata.AnomalyRecord, 0, len(m.anomalies))
	for i := len(m.anomalies) - 1; i >= 0; i-- {
		if limit > 0 && len(anomalies) == limit {
			break
		}

		clone := *m.anomalies[i]
		anomalies = append(anomalies, &clone)
	}

	return anomalies, nil
}

// ListAnomaliesByUser implements metadata.Store.
func (m *MockMetadataStore) ListAnomaliesByUser(ctx context.Context, userID string, since time.Time) ([]*metadata.AnomalyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpListAnomaliesByUser); err != nil {
		return nil, err
	}

	var anomalies []*metadata.AnomalyRecord

	for i := len(m.anomalies) - 1; i >= 0; i-- {
		a := m.anomalies[i]
		if a.UserID == userID && !a.Timestamp.Before(since) {
			clone := *a
			anomalies = append(anomalies, &clone)
		}
	}

	return anomalies, nil
}

// Stats implements metadata.Store.
func (m *MockMetadataStore) Stats(ctx context.Context, since time.Time) (*metadata.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, OpStats); err != nil {
		return nil, err
	}

	stats := &metadata.Stats{TypeDistribution: make(map[string]int), TotalUsers: len(m.users)}

	for _, user := range m.users {
		if user.Locked {
			stats.LockedUsers++
		}
	}

	for _, record := range m.uploads {
		stats.TotalFiles++

		if record.Blocked {
			stats.BlockedFiles++
		}

		if !record.UploadTime.Before(since) {
			stats.UploadsSince++
		}

		for _, label := range record.DetectedTypes {
			stats.TypeDistribution[label]++
		}
	}

	return stats, nil
}

// appendBatch keeps events and anomalies in timestamp order. The caller
// must hold mu.
func (m *MockMetadataStore) appendBatch(batch metadata.Batch) {
	for _, a := range batch.Anomalies {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}

		if a.Timestamp.IsZero() {
			a.Timestamp = time.Now().UTC()
		}

		clone := *a
		m.anomalies = append(m.anomalies, &clone)
	}

	for _, e := range batch.Events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}

		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}

		clone := *e
		m.events = append(m.events, &clone)
	}

	sort.SliceStable(m.anomalies, func(i, j int) bool { return m.anomalies[i].Timestamp.Before(m.anomalies[j].Timestamp) })
	sort.SliceStable(m.events, func(i, j int) bool { return m.events[i].Timestamp.Before(m.events[j].Timestamp) })
}

// AuditEvents returns every stored audit event, oldest first.
func (m *MockMetadataStore) AuditEvents() []*audit.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*audit.Event, len(m.events))
	copy(events, m.events)

	return events
}

// Anomalies returns every stored anomaly, oldest first.
func (m *MockMetadataStore) Anomalies() []*metadata.AnomalyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	anomalies := make([]*metadata.AnomalyRecord, len(m.anomalies))
	copy(anomalies, m.anomalies)

	return anomalies
}

// UploadCount returns the number of stored upload records.
func (m *MockMetadataStore) UploadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.uploads)
}

// Ensure MockMetadataStore implements metadata.Store
var _ metadata.Store = (*MockMetadataStore)(nil)
