package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/testutil"
	"github.com/piwi3910/dlpgate/internal/testutil/mocks"
)

func readMirror(t *testing.T, path string) []audit.Event {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)

	defer f.Close()

	var events []audit.Event

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e audit.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}

	require.NoError(t, scanner.Err())

	return events
}

func TestNewEvent(t *testing.T) {
	event := audit.NewEvent(audit.ActionLogin, "user-1", "User logged in").WithRequestInfo("req-1", "10.0.0.1")

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, audit.ActionLogin, event.Action)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, "10.0.0.1", event.IPAddress)
}

func TestEventHelpers(t *testing.T) {
	upload := audit.FileUploadEvent("user-1", "report.pdf", true)
	assert.Equal(t, audit.ActionFileUpload, upload.Action)
	assert.Equal(t, "File: report.pdf, Blocked: true", upload.Details)

	locked := audit.AccountLockedEvent("user-1", "3 critical uploads in 1h")
	assert.Equal(t, audit.ActionAccountLocked, locked.Action)
	assert.Equal(t, "3 critical uploads in 1h", locked.Details)
}

func TestLoggerDrainsOnStop(t *testing.T) {
	store := mocks.NewMockMetadataStore()
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := audit.NewLogger(audit.Config{Store: store, FilePath: path, BufferSize: 16})
	require.NoError(t, err)

	logger.Start(context.Background())

	for range 5 {
		logger.Log(&audit.Event{Action: audit.ActionLogin, UserID: "user-1"})
	}

	logger.Stop()

	events := store.AuditEvents()
	require.Len(t, events, 5)

	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	assert.Len(t, readMirror(t, path), 5)
}

func TestLoggerWritesWhileRunning(t *testing.T) {
	store := mocks.NewMockMetadataStore()

	logger, err := audit.NewLogger(audit.Config{Store: store})
	require.NoError(t, err)

	logger.Start(context.Background())
	defer logger.Stop()

	for range 3 {
		logger.Log(audit.NewEvent(audit.ActionFileUpload, "user-1", "File: a.txt, Blocked: false"))
	}

	testutil.RequireEventually(t, func() bool {
		return len(store.AuditEvents()) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestLoggerStopTwiceAndLogAfterStop(t *testing.T) {
	store := mocks.NewMockMetadataStore()
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := audit.NewLogger(audit.Config{Store: store, FilePath: path})
	require.NoError(t, err)

	logger.Start(context.Background())
	logger.Log(audit.NewEvent(audit.ActionLogin, "user-1", "before stop"))
	logger.Stop()

	require.NotPanics(t, logger.Stop)
	require.NotPanics(t, func() {
		logger.Log(audit.NewEvent(audit.ActionLogin, "user-1", "after stop"))
	})
	require.NotPanics(t, func() {
		logger.Mirror(audit.NewEvent(audit.ActionLogout, "user-1", "after stop"))
	})

	events := store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "before stop", events[0].Details)
	assert.Len(t, readMirror(t, path), 1)
}

func TestLogSync(t *testing.T) {
	store := mocks.NewMockMetadataStore()

	logger, err := audit.NewLogger(audit.Config{Store: store})
	require.NoError(t, err)

	require.NoError(t, logger.LogSync(context.Background(), audit.NewEvent(audit.ActionFailedLogin, "user-1", "bad password")))
	require.Len(t, store.AuditEvents(), 1)

	store.SetError(mocks.OpStoreAuditEvent, errors.New("disk full"))
	require.Error(t, logger.LogSync(context.Background(), audit.NewEvent(audit.ActionFailedLogin, "user-1", "bad password")))

	logger.Stop()
}

func TestLogDropsWhenBufferFull(t *testing.T) {
	store := mocks.NewMockMetadataStore()

	logger, err := audit.NewLogger(audit.Config{Store: store, BufferSize: 1})
	require.NoError(t, err)

	// Not started, so the second event has nowhere to go.
	logger.Log(audit.NewEvent(audit.ActionLogin, "user-1", "first"))
	logger.Log(audit.NewEvent(audit.ActionLogin, "user-1", "second"))

	logger.Start(context.Background())
	logger.Stop()

	events := store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Details)
}

func TestMirrorSkipsStore(t *testing.T) {
	store := mocks.NewMockMetadataStore()
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := audit.NewLogger(audit.Config{Store: store, FilePath: path})
	require.NoError(t, err)

	logger.Mirror(
		audit.FileUploadEvent("user-1", "a.txt", false),
		audit.FileUploadEvent("user-1", "b.txt", true),
	)
	logger.Stop()

	assert.Empty(t, store.AuditEvents())

	mirrored := readMirror(t, path)
	require.Len(t, mirrored, 2)
	assert.Equal(t, "File: b.txt, Blocked: true", mirrored[1].Details)
}

func TestNewLoggerBadPath(t *testing.T) {
	_, err := audit.NewLogger(audit.Config{FilePath: filepath.Join(t.TempDir(), "missing", "audit.log")})
	require.Error(t, err)
}
