package mocks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/piwi3910/dlpgate/internal/storage/backend"
)

// MockStorageBackend implements backend.Backend for testing.
// It provides thread-safe in-memory storage with configurable error injection.
type MockStorageBackend struct {
	objects         map[string][]byte
	initErr         error
	putObjectErr    error
	getObjectErr    error
	deleteObjectErr error
	objectExistsErr error
	deletes         int
	mu              sync.RWMutex
}

// NewMockStorageBackend creates a new MockStorageBackend with initialized maps.
func NewMockStorageBackend() *MockStorageBackend {
	return &MockStorageBackend{objects: make(map[string][]byte)}
}

// SetInitError sets the error to return on Init calls.
func (m *MockStorageBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// SetPutObjectError sets the error to return on PutObject calls.
func (m *MockStorageBackend) SetPutObjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putObjectErr = err
}

// SetGetObjectError sets the error to return on GetObject calls.
func (m *MockStorageBackend) SetGetObjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getObjectErr = err
}

// SetDeleteObjectError sets the error to return on DeleteObject calls.
func (m *MockStorageBackend) SetDeleteObjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteObjectErr = err
}

// SetObjectExistsError sets the error to return on ObjectExists calls.
func (m *MockStorageBackend) SetObjectExistsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectExistsErr = err
}

// Name implements backend.Backend.
func (m *MockStorageBackend) Name() string {
	return "mock"
}

// Init implements backend.Backend.
func (m *MockStorageBackend) Init(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.initErr
}

// Close implements backend.Backend.
func (m *MockStorageBackend) Close() error {
	return nil
}

// PutObject implements backend.Backend.
func (m *MockStorageBackend) PutObject(_ context.Context, key string, reader io.Reader, _ int64) (*backend.PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putObjectErr != nil {
		return nil, m.putObjectErr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	m.objects[key] = data

	return &backend.PutResult{ETag: fmt.Sprintf("mock-%d", len(data)), Size: int64(len(data))}, nil
}

// GetObject implements backend.Backend.
func (m *MockStorageBackend) GetObject(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.getObjectErr != nil {
		return nil, m.getObjectErr
	}

	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrObjectNotFound, key)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteObject implements backend.Backend.
func (m *MockStorageBackend) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deletes++

	if m.deleteObjectErr != nil {
		return m.deleteObjectErr
	}

	delete(m.objects, key)

	return nil
}

// ObjectExists implements backend.Backend.
func (m *MockStorageBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.objectExistsErr != nil {
		return false, m.objectExistsErr
	}

	_, ok := m.objects[key]

	return ok, nil
}

// Object returns a stored blob for inspection.
func (m *MockStorageBackend) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]

	return data, ok
}

// SetObject overwrites a stored blob, for corruption tests.
func (m *MockStorageBackend) SetObject(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = data
}

// ObjectCount returns the number of stored blobs.
func (m *MockStorageBackend) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.objects)
}

// DeleteCalls returns the number of DeleteObject calls.
func (m *MockStorageBackend) DeleteCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.deletes
}

// Ensure MockStorageBackend implements backend.Backend
var _ backend.Backend = (*MockStorageBackend)(nil)
