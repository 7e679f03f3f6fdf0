package minio

import (
	"context"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/storage/backend"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)

	b, err := New(Config{Endpoint: "localhost:9000", Bucket: "uploads", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "minio", b.Name())
}

func TestObjectKey(t *testing.T) {
	b, err := New(Config{Endpoint: "localhost:9000", Bucket: "uploads", Prefix: "blobs"})
	require.NoError(t, err)

	key, err := b.objectKey("u1/f1")
	require.NoError(t, err)
	assert.Equal(t, "blobs/u1/f1", key)

	_, err = b.objectKey("u1/../f1")
	assert.ErrorIs(t, err, backend.ErrInvalidKey)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
	assert.False(t, isNotFound(context.Canceled))
}
