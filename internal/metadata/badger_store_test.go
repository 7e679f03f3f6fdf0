package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/risk"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()

	store, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func createUser(t *testing.T, store *BadgerStore, username string) *User {
	t.Helper()

	user := &User{Username: username, Email: username + "@example.com", PasswordHash: "x", Role: RoleUser}
	require.NoError(t, store.CreateUser(context.Background(), user))

	return user
}

func TestBadgerStore_Users(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	alice := createUser(t, store, "Alice")
	assert.NotEmpty(t, alice.ID)

	t.Run("lookup by username and email", func(t *testing.T) {
		byName, err := store.GetUserByLogin(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, byName.ID)

		byEmail, err := store.GetUserByLogin(ctx, " ALICE@example.com ")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, byEmail.ID)

		_, err = store.GetUserByLogin(ctx, "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicates rejected", func(t *testing.T) {
		err := store.CreateUser(ctx, &User{Username: "ALICE", Email: "other@example.com"})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		err = store.CreateUser(ctx, &User{Username: "other", Email: "alice@EXAMPLE.com"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("lock and unlock", func(t *testing.T) {
		event := audit.AccountLockedEvent(alice.ID, "test")
		require.NoError(t, store.SetUserLocked(ctx, alice.ID, true, Batch{Events: []*audit.Event{event}}))

		got, err := store.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.True(t, got.Locked)
		assert.NotNil(t, got.LockedAt)

		events, err := store.ListAuditEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, audit.ActionAccountLocked, events[0].Action)

		require.NoError(t, store.SetUserLocked(ctx, alice.ID, false, Batch{}))
		got, err = store.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.False(t, got.Locked)
		assert.Nil(t, got.LockedAt)

		assert.ErrorIs(t, store.SetUserLocked(ctx, "missing", true, Batch{}), ErrNotFound)
	})

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestBadgerStore_WindowedCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := createUser(t, store, "carol")
	other := createUser(t, store, "dave")

	now := time.Now().UTC()
	uploads := []struct {
		owner string
		ago   time.Duration
		level risk.Level
	}{
		{user.ID, 2 * time.Hour, risk.LevelCritical},
		{user.ID, 50 * time.Minute, risk.LevelCritical},
		{user.ID, 30 * time.Minute, risk.LevelLow},
		{user.ID, 5 * time.Minute, risk.LevelCritical},
		{other.ID, time.Minute, risk.LevelCritical},
	}

	for _, u := range uploads {
		record := &UploadRecord{UserID: u.owner, Filename: "f.txt", RiskLevel: u.level, UploadTime: now.Add(-u.ago)}
		require.NoError(t, store.RecordUpload(ctx, record, Batch{}))
	}

	since := now.Add(-time.Hour)

	n, err := store.CountUploadsSince(ctx, user.ID, since)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.CountCriticalUploadsSince(ctx, user.ID, since)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.CountCriticalUploadsSince(ctx, other.ID, since)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := store.ListUploadsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.True(t, records[0].UploadTime.After(records[3].UploadTime))
}

func TestBadgerStore_RecordUploadAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := createUser(t, store, "erin")

	record := &UploadRecord{
		UserID:        user.ID,
		Filename:      "secret.txt",
		Blocked:       true,
		DetectedTypes: []string{"Email Address", "Password String"},
		RiskScore:     50,
		RiskLevel:     risk.LevelMedium,
	}
	batch := Batch{
		Anomalies: []*AnomalyRecord{{UserID: user.ID, Kind: "Large File Upload", Severity: "Low"}},
		Events:    []*audit.Event{audit.FileUploadEvent(user.ID, "secret.txt", true)},
	}

	require.NoError(t, store.RecordUpload(ctx, record, batch))
	assert.ErrorIs(t, store.RecordUpload(ctx, record, Batch{}), ErrAlreadyExists)

	got, err := store.GetUpload(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelMedium, got.RiskLevel)
	assert.Equal(t, risk.Assessment{Score: 50, Level: risk.LevelMedium}, got.Assessment())

	anomalies, err := store.ListAnomaliesByUser(ctx, user.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, anomalies, 1)

	n, err := store.CountAuditEventsSince(ctx, user.ID, audit.ActionFileUpload, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetUpload(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStore_ListsNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.RecordEvents(ctx, Batch{
			Anomalies: []*AnomalyRecord{{UserID: "u", Kind: "k", Timestamp: at}},
			Events:    []*audit.Event{{UserID: "u", Action: audit.ActionFailedLogin, Timestamp: at}},
		}))
	}

	events, err := store.ListAuditEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))

	anomalies, err := store.ListAnomalies(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, anomalies, 5)

	recent, err := store.ListAnomaliesByUser(ctx, "u", base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	n, err := store.CountAuditEventsSince(ctx, "u", audit.ActionFailedLogin, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBadgerStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := createUser(t, store, "frank")
	createUser(t, store, "grace")

	now := time.Now().UTC()
	require.NoError(t, store.RecordUpload(ctx, &UploadRecord{UserID: user.ID, UploadTime: now.Add(-48 * time.Hour)}, Batch{}))
	require.NoError(t, store.RecordUpload(ctx, &UploadRecord{
		UserID: user.ID, Blocked: true, DetectedTypes: []string{"Email Address"}, UploadTime: now,
	}, Batch{}))
	require.NoError(t, store.RecordUpload(ctx, &UploadRecord{
		UserID: user.ID, Blocked: true, DetectedTypes: []string{"Email Address", "Credit Card"}, UploadTime: now,
	}, Batch{}))
	require.NoError(t, store.SetUserLocked(ctx, user.ID, true, Batch{}))

	stats, err := store.Stats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 1, stats.LockedUsers)
	assert.Equal(t, 3, stats.TotalFiles)
	assert.Equal(t, 2, stats.BlockedFiles)
	assert.Equal(t, 2, stats.UploadsSince)
	assert.Equal(t, map[string]int{"Email Address": 2, "Credit Card": 1}, stats.TypeDistribution)
}

func TestBadgerStore_PingAndCancelledContext(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Ping(ctx), context.Canceled)
	_, err := store.CountUploadsSince(ctx, "u", time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
