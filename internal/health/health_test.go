package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/internal/testutil/mocks"
)

func newCipher(t *testing.T) *encryption.Service {
	t.Helper()

	cipher, err := encryption.NewWithKey(bytes.Repeat([]byte{1}, encryption.KeySize), encryption.AlgorithmAES256GCM)
	require.NoError(t, err)

	return cipher
}

func newEphemeralCipher(t *testing.T) *encryption.Service {
	t.Helper()

	cipher, err := encryption.New(encryption.DefaultConfig())
	require.NoError(t, err)
	require.True(t, cipher.Ephemeral())

	return cipher
}

func TestNewChecker(t *testing.T) {
	checker := NewChecker(mocks.NewMockMetadataStore(), mocks.NewMockStorageBackend(), newCipher(t))

	require.NotNil(t, checker)
	assert.Equal(t, DefaultCacheTTL, checker.cacheTTL)
}

func TestCheckHealthy(t *testing.T) {
	checker := NewChecker(mocks.NewMockMetadataStore(), mocks.NewMockStorageBackend(), newCipher(t))

	status := checker.Check(context.Background())

	assert.Equal(t, StatusHealthy, status.Status)
	assert.Len(t, status.Checks, 3)

	for name, check := range status.Checks {
		assert.Equal(t, StatusHealthy, check.Status, name)
	}
}

func TestCheckDegradedWithEphemeralKey(t *testing.T) {
	checker := NewChecker(mocks.NewMockMetadataStore(), mocks.NewMockStorageBackend(), newEphemeralCipher(t))

	status := checker.Check(context.Background())

	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Checks[ComponentEncryption].Status)
	assert.True(t, checker.IsReady(context.Background()))
}

func TestCheckUnhealthy(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*mocks.MockMetadataStore, *mocks.MockStorageBackend)
		component string
	}{
		{
			name: "metadata ping fails",
			setup: func(store *mocks.MockMetadataStore, _ *mocks.MockStorageBackend) {
				store.SetError(mocks.OpPing, errors.New("closed"))
			},
			component: ComponentMetadata,
		},
		{
			name: "storage check fails",
			setup: func(_ *mocks.MockMetadataStore, blobs *mocks.MockStorageBackend) {
				blobs.SetObjectExistsError(errors.New("bucket missing"))
			},
			component: ComponentStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mocks.NewMockMetadataStore()
			blobs := mocks.NewMockStorageBackend()
			tt.setup(store, blobs)

			checker := NewChecker(store, blobs, newCipher(t))
			status := checker.Check(context.Background())

			assert.Equal(t, StatusUnhealthy, status.Status)
			assert.Equal(t, StatusUnhealthy, status.Checks[tt.component].Status)
			assert.False(t, checker.IsReady(context.Background()))
		})
	}
}

func TestNilComponentsAreUnhealthy(t *testing.T) {
	checker := NewChecker(nil, nil, nil)

	assert.Equal(t, StatusUnhealthy, checker.CheckMetadata(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, checker.CheckStorage(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, checker.CheckEncryption().Status)
}

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"empty", map[string]Check{}, StatusHealthy},
		{"all healthy", map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusHealthy}}, StatusHealthy},
		{"one degraded", map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusDegraded}}, StatusDegraded},
		{"unhealthy wins", map[string]Check{"a": {Status: StatusDegraded}, "b": {Status: StatusUnhealthy}}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.checks))
		})
	}
}

func TestCaching(t *testing.T) {
	store := mocks.NewMockMetadataStore()
	checker := NewChecker(store, mocks.NewMockStorageBackend(), newCipher(t))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checker.now = func() time.Time { return now }

	first := checker.Check(context.Background())
	store.SetError(mocks.OpPing, errors.New("closed"))

	now = now.Add(DefaultCacheTTL - time.Second)
	assert.Same(t, first, checker.Check(context.Background()))
	assert.Equal(t, 1, store.Calls(mocks.OpPing))

	now = now.Add(2 * time.Second)
	second := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, second.Status)
	assert.Equal(t, 2, store.Calls(mocks.OpPing))
}

func TestDetailedHandler(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		wantCode int
		want     Status
	}{
		{"healthy", nil, http.StatusOK, StatusHealthy},
		{"unhealthy", errors.New("closed"), http.StatusServiceUnavailable, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mocks.NewMockMetadataStore()
			if tt.pingErr != nil {
				store.SetError(mocks.OpPing, tt.pingErr)
			}

			h := NewHandler(NewChecker(store, mocks.NewMockStorageBackend(), newCipher(t)))

			rec := httptest.NewRecorder()
			h.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Status)
			assert.Contains(t, body.Checks, ComponentStorage)
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	h := NewHandler(NewChecker(nil, nil, nil))

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	ready := NewHandler(NewChecker(mocks.NewMockMetadataStore(), mocks.NewMockStorageBackend(), newCipher(t)))

	rec := httptest.NewRecorder()
	ready.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	notReady := NewHandler(NewChecker(nil, mocks.NewMockStorageBackend(), newCipher(t)))

	rec = httptest.NewRecorder()
	notReady.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
