package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/api/admin"
	"github.com/piwi3910/dlpgate/internal/api/console"
	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

func isolateConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("DLPGATE_CLI_CONFIG", path)
	t.Setenv("DLPGATE_SERVER", "")
	t.Setenv("DLPGATE_TOKEN", "")
	t.Setenv("DLPGATE_PASSWORD", "")

	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := NewRootCmd("test")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestConfigSetGetShow(t *testing.T) {
	path := isolateConfig(t)

	out, err := run(t, "", "config", "set", "server", "https://dlp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Set server = https://dlp.example.com\n", out)

	out, err = run(t, "", "config", "set", "token", "abcdefghijklmnop")
	require.NoError(t, err)
	assert.Equal(t, "Set token = abcd****mnop\n", out)

	out, err = run(t, "", "config", "get", "server")
	require.NoError(t, err)
	assert.Equal(t, "https://dlp.example.com\n", out)

	out, err = run(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "token:       abcd****mnop")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePermissions), info.Mode().Perm())

	_, err = run(t, "", "config", "set", "region", "eu")
	require.EqualError(t, err, "unknown configuration key: region")
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	isolateConfig(t)
	require.NoError(t, SaveConfig(&ClientConfig{Server: "http://file:5000", Token: "file-token"}))

	t.Setenv("DLPGATE_SERVER", "http://env:5000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://env:5000", cfg.Server)
	assert.Equal(t, "file-token", cfg.Token)
}

func TestLoginSavesToken(t *testing.T) {
	isolateConfig(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body["password"] != "s3cret" {
			respond(w, http.StatusUnauthorized, dlperrors.Response{Kind: dlperrors.KindUnauthorized, Message: "Invalid credentials"})
			return
		}

		respond(w, http.StatusOK, map[string]any{
			"success": true,
			"data": console.LoginResponse{
				Token: "session-token",
				User:  console.UserResponse{Username: "alice", Role: "user"},
			},
		})
	}))
	defer srv.Close()

	t.Setenv("DLPGATE_SERVER", srv.URL)

	_, err := run(t, "wrong\n", "login", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid credentials")

	out, err := run(t, "s3cret\n", "login", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as alice (user)")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "session-token", cfg.Token)
	assert.Equal(t, "alice", cfg.Username)
}

func TestCommandsRequireLogin(t *testing.T) {
	isolateConfig(t)

	for _, args := range [][]string{{"files"}, {"profile"}, {"admin", "stats"}, {"upload", "x.txt"}} {
		_, err := run(t, "", args...)
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "not logged in")
	}
}

func TestUploadBlocked(t *testing.T) {
	isolateConfig(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusForbidden, console.UploadResponse{
			Status:   "blocked",
			Message:  "File contains sensitive data and has been blocked.",
			Detected: []string{"Credit Card"},
			Score:    50,
		})
	}))
	defer srv.Close()

	t.Setenv("DLPGATE_SERVER", srv.URL)
	t.Setenv("DLPGATE_TOKEN", "tok")

	file := filepath.Join(t.TempDir(), "card.txt")
	require.NoError(t, os.WriteFile(file, []byte("4111 1111 1111 1111"), 0o600))

	out, err := run(t, "", "upload", file)
	require.ErrorIs(t, err, ErrBlocked)
	assert.Contains(t, out, "Detected: Credit Card")
	assert.Contains(t, out, "Risk:     50 (Low)")
}

func TestUploadLockedAccount(t *testing.T) {
	isolateConfig(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusForbidden, dlperrors.Response{
			Kind:    dlperrors.KindAccountLocked,
			Status:  "locked",
			Message: dlperrors.AccountLockedMessage,
		})
	}))
	defer srv.Close()

	t.Setenv("DLPGATE_SERVER", srv.URL)
	t.Setenv("DLPGATE_TOKEN", "tok")

	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o600))

	_, err := run(t, "", "upload", file)
	require.EqualError(t, err, dlperrors.AccountLockedMessage)
}

func TestAdminStats(t *testing.T) {
	isolateConfig(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/admin/stats", r.URL.Path)
		respond(w, http.StatusOK, map[string]any{
			"success": true,
			"data": admin.StatsResponse{
				TotalUsers:       3,
				LockedUsers:      1,
				TotalFiles:       7,
				BlockedFiles:     2,
				UploadsToday:     4,
				TypeDistribution: []admin.TypeCount{{Type: "Credit Card", Value: 2}},
			},
		})
	}))
	defer srv.Close()

	t.Setenv("DLPGATE_SERVER", srv.URL)
	t.Setenv("DLPGATE_TOKEN", "tok")

	out, err := run(t, "", "admin", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Users:          3 (1 locked)")
	assert.Contains(t, out, "Files:          7 (2 blocked)")
	assert.Contains(t, out, "Credit Card")
}

func TestScanOffline(t *testing.T) {
	isolateConfig(t)

	dir := t.TempDir()
	clean := filepath.Join(dir, "clean.txt")
	leaky := filepath.Join(dir, "leaky.txt")
	require.NoError(t, os.WriteFile(clean, []byte("nothing to see here"), 0o600))
	require.NoError(t, os.WriteFile(leaky, []byte("contact bob@example.com"), 0o600))

	out, err := run(t, "", "scan", clean, leaky)
	require.NoError(t, err)
	assert.Contains(t, out, clean+": clean, risk 0 (Low)")
	assert.Contains(t, out, leaky+": would be blocked, risk 10 (Low)")
	assert.Contains(t, out, "Email Address")

	_, err = run(t, "", "scan", "--fail-on-detect", leaky)
	require.ErrorIs(t, err, ErrSensitiveData)
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "", "keygen")
	require.NoError(t, err)

	key, err := encryption.DecodeKey(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, encryption.KeySize)
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		want string
		size int64
	}{
		{"512 B", 512},
		{"1.50 KB", 1536},
		{"16.00 MB", 16 << 20},
		{"2.00 GB", 2 << 30},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.size))
	}
}
