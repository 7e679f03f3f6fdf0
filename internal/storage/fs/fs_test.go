package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/storage/backend"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	b, err := New(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))

	return b
}

func TestBackend_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	data := []byte("ciphertext bytes")

	result, err := b.PutObject(ctx, "user-1/upload-1", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.Size)
	assert.Len(t, result.ETag, 64)

	ok, err := b.ObjectExists(ctx, "user-1/upload-1")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := b.GetObject(ctx, "user-1/upload-1")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := os.Stat(filepath.Join(b.rootDir, "user-1", "upload-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePermissions), info.Mode().Perm())

	require.NoError(t, b.DeleteObject(ctx, "user-1/upload-1"))
	require.NoError(t, b.DeleteObject(ctx, "user-1/upload-1"))

	_, err = b.GetObject(ctx, "user-1/upload-1")
	assert.ErrorIs(t, err, backend.ErrObjectNotFound)

	_, err = os.Stat(filepath.Join(b.rootDir, "user-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestBackend_ShortWrite(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.PutObject(context.Background(), "u/x", bytes.NewReader([]byte("abc")), 10)
	require.Error(t, err)

	ok, err := b.ObjectExists(context.Background(), "u/x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackend_InvalidKeys(t *testing.T) {
	b := newTestBackend(t)

	for _, key := range []string{"", "../escape", "/abs", "a//b", "a/./b", `a\b`} {
		_, err := b.PutObject(context.Background(), key, bytes.NewReader(nil), 0)
		assert.ErrorIs(t, err, backend.ErrInvalidKey, key)
	}
}

func TestNew_RequiresDataDir(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, "fs", newTestBackend(t).Name())
}
