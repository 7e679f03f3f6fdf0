// Package backend defines the blob storage interface for encrypted uploads.
//
// Implementations:
//
//   - fs: local filesystem (default)
//   - s3: Amazon S3 through the AWS SDK
//   - minio: MinIO or any S3-compatible endpoint through minio-go
//
// Blobs are opaque ciphertext addressed by a key of the form
// "{user_id}/{upload_id}". compression.Backend wraps any of them.
package backend

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Common backend errors.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

// Backend is the interface for blob storage backends.
type Backend interface {
	// Init prepares the backend, creating directories or buckets as needed
	Init(ctx context.Context) error

	// Close releases backend resources
	Close() error

	// PutObject stores a blob
	PutObject(ctx context.Context, key string, reader io.Reader, size int64) (*PutResult, error)

	// GetObject retrieves a blob
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteObject deletes a blob. Deleting a missing blob is not an error
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if a blob exists
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Name identifies the backend in logs and health checks
	Name() string
}

// PutResult contains the result of a put operation.
type PutResult struct {
	// ETag is the checksum reported by the backend
	ETag string

	// Size is the number of bytes written
	Size int64
}

// ValidateKey rejects empty keys and keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}

	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}

	return nil
}
