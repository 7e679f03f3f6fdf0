package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/risk"
)

// Key prefixes for stored data.
const (
	prefixUser         = "user:"
	prefixUsername     = "username:"
	prefixEmail        = "email:"
	prefixUpload       = "upload:"
	prefixUserUploads  = "useruploads:"
	prefixUserCritical = "usercritical:"
	prefixAnomaly      = "anomaly:"
	prefixUserAnomaly  = "useranomaly:"
	prefixAudit        = "audit:"
	prefixUserAction   = "useraction:"
)

// keyTimeLayout is fixed width so keys sort chronologically.
const keyTimeLayout = "20060102T150405.000000000"

const dirPermissions = 0750

// BadgerConfig configures the Badger-backed store.
type BadgerConfig struct {
	// DataDir is the directory holding the database files.
	DataDir string
	// InMemory keeps all data in memory. Used by tests.
	InMemory bool
}

// BadgerStore implements Store on a local BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens or creates the database.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options

	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := filepath.Join(cfg.DataDir, "metadata")
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}

		opts = badger.DefaultOptions(dir)
	}

	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is open and readable.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.db.IsClosed() {
		return errors.New("metadata store is closed")
	}

	return s.db.View(func(txn *badger.Txn) error { return nil })
}

func timeKey(t time.Time) string {
	return t.UTC().Format(keyTimeLayout)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}

	if err != nil {
		return err
	}

	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}

	return err == nil, err
}

// CreateUser stores a new user. Username and email must be unused.
func (s *BadgerStore) CreateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	user.UpdatedAt = now

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range []string{
			prefixUser + user.ID,
			prefixUsername + strings.ToLower(user.Username),
			prefixEmail + strings.ToLower(user.Email),
		} {
			found, err := exists(txn, key)
			if err != nil {
				return err
			}

			if found {
				return fmt.Errorf("user %q: %w", user.Username, ErrAlreadyExists)
			}
		}

		if err := setJSON(txn, prefixUser+user.ID, user); err != nil {
			return err
		}

		if err := txn.Set([]byte(prefixUsername+strings.ToLower(user.Username)), []byte(user.ID)); err != nil {
			return err
		}

		return txn.Set([]byte(prefixEmail+strings.ToLower(user.Email)), []byte(user.ID))
	})
}

// GetUser retrieves a user by ID.
func (s *BadgerStore) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user User

	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixUser+id, &user)
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// GetUserByLogin retrieves a user by username or email.
func (s *BadgerStore) GetUserByLogin(ctx context.Context, identifier string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identifier = strings.ToLower(strings.TrimSpace(identifier))

	var user User

	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixUsername, prefixEmail} {
			item, err := txn.Get([]byte(prefix + identifier))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			return getJSON(txn, prefixUser+string(id), &user)
		}

		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// ListUsers returns all users.
func (s *BadgerStore) ListUsers(ctx context.Context) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var users []*User

	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixUser, false, 0, func(val []byte) error {
			var user User
			if err := json.Unmarshal(val, &user); err != nil {
				return err
			}

			users = append(users, &user)

			return nil
		})
	})

	return users, err
}

// SetUserLocked changes a user's lock state.
func (s *BadgerStore) SetUserLocked(ctx context.Context, userID string, locked bool, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		var user User
		if err := getJSON(txn, prefixUser+userID, &user); err != nil {
			return err
		}

		now := time.Now().UTC()
		user.Locked = locked
		user.UpdatedAt = now

		if locked {
			user.LockedAt = &now
		} else {
			user.LockedAt = nil
		}

		if err := setJSON(txn, prefixUser+userID, &user); err != nil {
			return err
		}

		return writeBatch(txn, batch)
	})
}

// RecordUpload stores an upload record, its indexes and batch atomically.
func (s *BadgerStore) RecordUpload(ctx context.Context, record *UploadRecord, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	if record.UploadTime.IsZero() {
		record.UploadTime = time.Now().UTC()
	}

	return s.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, prefixUpload+record.ID)
		if err != nil {
			return err
		}

		if found {
			return fmt.Errorf("upload %s: %w", record.ID, ErrAlreadyExists)
		}

		if err := setJSON(txn, prefixUpload+record.ID, record); err != nil {
			return err
		}

		suffix := record.UserID + ":" + timeKey(record.UploadTime) + ":" + record.ID
		if err := txn.Set([]byte(prefixUserUploads+suffix), []byte(record.ID)); err != nil {
			return err
		}

		if record.RiskLevel == risk.LevelCritical {
			if err := txn.Set([]byte(prefixUserCritical+suffix), nil); err != nil {
				return err
			}
		}

		return writeBatch(txn, batch)
	})
}

// GetUpload retrieves an upload record by ID.
func (s *BadgerStore) GetUpload(ctx context.Context, id string) (*UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record UploadRecord

	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixUpload+id, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// ListUploadsByUser returns a user's uploads, newest first.
func (s *BadgerStore) ListUploadsByUser(ctx context.Context, userID string) ([]*UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []*UploadRecord

	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixUserUploads+userID+":", true, 0, func(val []byte) error {
			var record UploadRecord
			if err := getJSON(txn, prefixUpload+string(val), &record); err != nil {
				return err
			}

			records = append(records, &record)

			return nil
		})
	})

	return records, err
}

// CountUploadsSince counts a user's uploads at or after since.
func (s *BadgerStore) CountUploadsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.countSince(ctx, prefixUserUploads+userID+":", since)
}

// CountCriticalUploadsSince counts a user's Critical uploads at or after since.
func (s *BadgerStore) CountCriticalUploadsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.countSince(ctx, prefixUserCritical+userID+":", since)
}

// RecordEvents stores anomalies and audit events atomically.
func (s *BadgerStore) RecordEvents(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return writeBatch(txn, batch)
	})
}

// StoreAuditEvent stores a single audit event.
func (s *BadgerStore) StoreAuditEvent(ctx context.Context, event *audit.Event) error {
	return s.RecordEvents(ctx, Batch{Events: []*audit.Event{event}})
}

// ListAuditEvents returns up to limit events, newest first.
func (s *BadgerStore) ListAuditEvents(ctx context.Context, limit int) ([]*audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var events []*audit.Event

	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixAudit, true, limit, func(val []byte) error {
			var event audit.Event
			if err := json.Unmarshal(val, &event); err != nil {
				return err
			}

			events = append(events, &event)

			return nil
		})
	})

	return events, err
}

// CountAuditEventsSince counts a user's events of one action at or after since.
func (s *BadgerStore) CountAuditEventsSince(ctx context.Context, userID string, action audit.Action, since time.Time) (int, error) {
	return s.countSince(ctx, prefixUserAction+userID+":"+string(action)+":", since)
}

// ListAnomalies returns up to limit anomalies, newest first.
func (s *BadgerStore) ListAnomalies(ctx context.Context, limit int) ([]*AnomalyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var anomalies []*AnomalyRecord

	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixAnomaly, true, limit, appendAnomaly(&anomalies))
	})

	return anomalies, err
}

// ListAnomaliesByUser returns a user's anomalies at or after since, newest first.
func (s *BadgerStore) ListAnomaliesByUser(ctx context.Context, userID string, since time.Time) ([]*AnomalyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var anomalies []*AnomalyRecord

	prefix := prefixUserAnomaly + userID + ":"
	floor := prefix + timeKey(since)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		collect := appendAnomaly(&anomalies)

		for it.Seek(append([]byte(prefix), 0xFF)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if string(it.Item().Key()) < floor {
				break
			}

			if err := it.Item().Value(collect); err != nil {
				return err
			}
		}

		return nil
	})

	return anomalies, err
}

// Stats aggregates user and upload counts.
func (s *BadgerStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &Stats{TypeDistribution: make(map[string]int)}

	err := s.db.View(func(txn *badger.Txn) error {
		err := scanPrefix(txn, prefixUser, false, 0, func(val []byte) error {
			var user User
			if err := json.Unmarshal(val, &user); err != nil {
				return err
			}

			stats.TotalUsers++
			if user.Locked {
				stats.LockedUsers++
			}

			return nil
		})
		if err != nil {
			return err
		}

		return scanPrefix(txn, prefixUpload, false, 0, func(val []byte) error {
			var record UploadRecord
			if err := json.Unmarshal(val, &record); err != nil {
				return err
			}

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

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *BadgerStore) countSince(ctx context.Context, prefix string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix + timeKey(since))); it.ValidForPrefix([]byte(prefix)); it.Next() {
			count++
		}

		return nil
	})

	return count, err
}

func writeBatch(txn *badger.Txn, batch Batch) error {
	for _, a := range batch.Anomalies {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}

		if a.Timestamp.IsZero() {
			a.Timestamp = time.Now().UTC()
		}

		ts := timeKey(a.Timestamp)
		if err := setJSON(txn, prefixAnomaly+ts+":"+a.ID, a); err != nil {
			return err
		}

		if err := setJSON(txn, prefixUserAnomaly+a.UserID+":"+ts+":"+a.ID, a); err != nil {
			return err
		}
	}

	for _, e := range batch.Events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}

		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}

		ts := timeKey(e.Timestamp)
		if err := setJSON(txn, prefixAudit+ts+":"+e.ID, e); err != nil {
			return err
		}

		if e.UserID == "" {
			continue
		}

		key := prefixUserAction + e.UserID + ":" + string(e.Action) + ":" + ts + ":" + e.ID
		if err := txn.Set([]byte(key), nil); err != nil {
			return err
		}
	}

	return nil
}

// scanPrefix calls fn with each value under prefix. A positive limit stops
// after that many values.
func scanPrefix(txn *badger.Txn, prefix string, reverse bool, limit int, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.Reverse = reverse

	it := txn.NewIterator(opts)
	defer it.Close()

	start := []byte(prefix)
	if reverse {
		start = append(start, 0xFF)
	}

	n := 0

	for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}

		n++
		if limit > 0 && n >= limit {
			break
		}
	}

	return nil
}

func appendAnomaly(out *[]*AnomalyRecord) func(val []byte) error {
	return func(val []byte) error {
		var a AnomalyRecord
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}

		*out = append(*out, &a)

		return nil
	}
}

// Ensure BadgerStore implements Store
var _ Store = (*BadgerStore)(nil)
