package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/config"
)

const adminPassword = "admin-password-1"

func newTestServer(t *testing.T, extra string) *Server {
	t.Helper()

	dataDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "dlpgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dataDir+`
auth:
  jwt_secret: server-test-secret
  admin_user: root
  admin_email: root@example.com
  admin_password: `+adminPassword+`
audit:
  file_path: audit.log
rate_limit:
  enabled: false
`+extra), 0o600))

	cfg, err := config.Load(path, config.Options{})
	require.NoError(t, err)

	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)

	srv.auditLogger.Start(context.Background())
	require.NoError(t, srv.ensureAdmin(context.Background()))

	t.Cleanup(srv.shutdown)

	return srv
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	return rec
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")

	return req
}

func login(t *testing.T, srv *Server, identifier, password string) string {
	t.Helper()

	rec := serve(srv, postJSON(t, "/api/auth/login", map[string]string{
		"identifier": identifier,
		"password":   password,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.Token)

	return body.Data.Token
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, "")

	tests := []struct {
		path   string
		status int
	}{
		{"/health", http.StatusOK},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(srv, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
		})
	}
}

func TestEphemeralKeyReportsDegraded(t *testing.T) {
	srv := newTestServer(t, "")

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, "")

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dlpgate_build_info")

	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/files/upload")
}

func TestUploadFlowEndToEnd(t *testing.T) {
	srv := newTestServer(t, "")

	rec := serve(srv, postJSON(t, "/api/auth/register", map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "alice-password",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	token := login(t, srv, "alice", "alice-password")

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "memo.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("Quarterly planning notes, nothing sensitive."))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	rec = serve(srv, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var uploaded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	require.NotEmpty(t, uploaded.Data.ID)

	req = httptest.NewRequest(http.MethodGet, "/api/files/"+uploaded.Data.ID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec = serve(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Quarterly planning notes, nothing sensitive.", rec.Body.String())
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	srv := newTestServer(t, "")

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := login(t, srv, "root", adminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec = serve(srv, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data struct {
			TotalUsers int `json:"total_users"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Data.TotalUsers)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := serve(srv, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Storage.Backend = "tape"

	_, err := newBackend(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage backend")
}

func TestNewWithGeneratedTLS(t *testing.T) {
	srv := newTestServer(t, `
server:
  tls:
    enabled: true
    auto_generate: true
`)

	require.NotNil(t, srv.httpServer.TLSConfig)
	assert.Len(t, srv.httpServer.TLSConfig.Certificates, 1)
	assert.FileExists(t, filepath.Join(srv.cfg.Server.TLS.CertDir, "ca.crt"))

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
