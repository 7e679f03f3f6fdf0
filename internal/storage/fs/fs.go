// Package fs implements a filesystem-based blob backend.
//
// Layout:
//
//	{data_dir}/uploads/{user_id}/{upload_id}
//
// Writes go to a temporary file in the target directory and are renamed
// into place, so a reader never sees a partial blob.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/piwi3910/dlpgate/internal/storage/backend"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// Config holds filesystem backend configuration.
type Config struct {
	DataDir string
}

// Backend stores blobs as files.
type Backend struct {
	rootDir string
}

// New creates a new filesystem backend.
func New(config Config) (*Backend, error) {
	if config.DataDir == "" {
		return nil, errors.New("data directory is required")
	}

	return &Backend{rootDir: filepath.Join(config.DataDir, "uploads")}, nil
}

// Name identifies the backend.
func (b *Backend) Name() string {
	return "fs"
}

// Init creates the root directory.
func (b *Backend) Init(ctx context.Context) error {
	if err := os.MkdirAll(b.rootDir, dirPermissions); err != nil {
		return fmt.Errorf("failed to create uploads directory: %w", err)
	}

	return nil
}

// Close closes the storage backend.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) objectPath(key string) (string, error) {
	if err := backend.ValidateKey(key); err != nil {
		return "", err
	}

	return filepath.Join(b.rootDir, filepath.FromSlash(key)), nil
}

// PutObject stores a blob atomically.
func (b *Backend) PutObject(ctx context.Context, key string, reader io.Reader, size int64) (*backend.PutResult, error) {
	path, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpPath := tmpFile.Name()

	defer func() { _ = os.Remove(tmpPath) }() // Clean up on error

	if err := tmpFile.Chmod(filePermissions); err != nil {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("failed to set permissions: %w", err)
	}

	hash := sha256.New()
	writer := io.MultiWriter(tmpFile, hash)

	written, err := io.Copy(writer, reader)
	if err != nil {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	if size >= 0 && written != size {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("short write: wrote %d of %d bytes", written, size)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("failed to sync object: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to rename object: %w", err)
	}

	return &backend.PutResult{
		ETag: hex.EncodeToString(hash.Sum(nil)),
		Size: written,
	}, nil
}

// GetObject opens a blob for reading.
func (b *Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // G304: path is built from a validated key
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrObjectNotFound, key)
		}

		return nil, fmt.Errorf("failed to open object: %w", err)
	}

	return file, nil
}

// DeleteObject deletes a blob and prunes its empty parent directory.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	path, err := b.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}

		return fmt.Errorf("failed to delete object: %w", err)
	}

	if dir := filepath.Dir(path); dir != b.rootDir {
		_ = os.Remove(dir) // fails harmlessly when not empty
	}

	return nil
}

// ObjectExists checks if a blob exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	path, err := b.objectPath(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// Ensure Backend implements backend.Backend
var _ backend.Backend = (*Backend)(nil)
