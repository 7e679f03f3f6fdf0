package console

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/piwi3910/dlpgate/internal/api/middleware"
	"github.com/piwi3910/dlpgate/internal/auth"
	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/testutil"
	"github.com/piwi3910/dlpgate/internal/testutil/mocks"
	"github.com/piwi3910/dlpgate/internal/upload"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

type testEnv struct {
	router http.Handler
	store  *mocks.MockMetadataStore
	auth   *auth.Service
	user   *metadata.User
	token  string
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()

	store := mocks.NewMockMetadataStore()

	authSvc, err := auth.NewService(auth.Config{
		JWTSecret:    "console-test-secret",
		PasswordCost: bcrypt.MinCost,
	}, store, nil, nil)
	require.NoError(t, err)

	cipher, err := encryption.NewWithKey(bytes.Repeat([]byte{3}, encryption.KeySize), encryption.AlgorithmAES256GCM)
	require.NoError(t, err)

	uploadSvc, err := upload.NewService(upload.Deps{
		Store:  store,
		Blobs:  mocks.NewMockStorageBackend(),
		Cipher: cipher,
	}, upload.Config{MaxFileSize: maxUpload})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api", NewHandler(authSvc, uploadSvc, nil, maxUpload).RegisterRoutes)

	user := testutil.NewTestUser("alice", metadata.RoleUser)
	require.NoError(t, store.CreateUser(context.Background(), user))

	session, err := authSvc.Login(context.Background(), auth.LoginRequest{Identifier: "alice", Password: testutil.TestPassword})
	require.NoError(t, err)

	return &testEnv{router: r, store: store, auth: authSvc, user: user, token: session.Token}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	return rec
}

func (e *testEnv) authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+e.token)
	return req
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")

	return req
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, jsonRequest(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "hunter12",
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode[Envelope](t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "User registered successfully", body.Message)

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "bob",
		"email":    "bob2@example.com",
		"password": "hunter12",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "carol",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, decode[dlperrors.Response](t, rec).Success)
}

func TestRegisterMalformedJSON(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader("{not json"))
	rec := env.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid input", decode[dlperrors.Response](t, rec).Message)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"by email", map[string]string{"email": "alice@example.com", "password": testutil.TestPassword}, http.StatusOK},
		{"by username", map[string]string{"username": "alice", "password": testutil.TestPassword}, http.StatusOK},
		{"wrong password", map[string]string{"email": "alice@example.com", "password": "nope"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"email": "alice@example.com"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, jsonRequest(t, http.MethodPost, "/api/auth/login", tt.body))
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusOK {
				return
			}

			var body struct {
				Data    LoginResponse `json:"data"`
				Message string        `json:"message"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "Login successful", body.Message)
			assert.NotEmpty(t, body.Data.Token)
			assert.Equal(t, env.user.ID, body.Data.User.ID)
		})
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, env.authed(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logged out successfully", decode[Envelope](t, rec).Message)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, env.authed(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data UserResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body.Data.Username)
	assert.Equal(t, metadata.RoleUser, body.Data.Role)
}

func TestUploadClean(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, env.authed(uploadRequest(t, "notes.txt", testutil.CleanText)))
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode[UploadResponse](t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, "File uploaded and encrypted successfully.", body.Message)
	require.NotNil(t, body.File)
	assert.Equal(t, "notes.txt", body.File.Filename)
	assert.False(t, body.File.Blocked)

	rec = env.do(t, env.authed(httptest.NewRequest(http.MethodGet, "/api/files/"+body.File.ID+"/download", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testutil.CleanText, rec.Body.String())
	assert.Equal(t, `attachment; filename=notes.txt`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestUploadBlocked(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, env.authed(uploadRequest(t, "creds.txt", testutil.MediumText)))
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decode[UploadResponse](t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "blocked", body.Status)
	assert.Equal(t, "File contains sensitive data and has been blocked.", body.Message)
	assert.Contains(t, body.Detected, "Password String")
	assert.Equal(t, 50, body.Score)

	rec = env.do(t, env.authed(httptest.NewRequest(http.MethodGet, "/api/files/my-files", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data    []FileSummary `json:"data"`
		Message string        `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "Files retrieved successfully", list.Message)
	require.Len(t, list.Data, 1)
	assert.True(t, list.Data[0].Blocked)

	rec = env.do(t, env.authed(httptest.NewRequest(http.MethodGet, "/api/files/"+list.Data[0].ID+"/download", nil)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadEscalatesToLock(t *testing.T) {
	env := newTestEnv(t, 0)

	for range 2 {
		rec := env.do(t, env.authed(uploadRequest(t, "dump.txt", testutil.CriticalText)))
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "blocked", decode[UploadResponse](t, rec).Status)
	}

	rec := env.do(t, env.authed(uploadRequest(t, "dump.txt", testutil.CriticalText)))
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decode[dlperrors.Response](t, rec)
	assert.Equal(t, "locked", body.Status)
	assert.Equal(t, dlperrors.AccountLockedMessage, body.Message)

	rec = env.do(t, env.authed(uploadRequest(t, "notes.txt", testutil.CleanText)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, dlperrors.KindAccountLocked, decode[dlperrors.Response](t, rec).Kind)
}

func TestUploadMissingFile(t *testing.T) {
	env := newTestEnv(t, 0)

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := env.do(t, env.authed(req))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file part", decode[dlperrors.Response](t, rec).Message)
}

func TestUploadTooLarge(t *testing.T) {
	const limit = 1 << 20

	env := newTestEnv(t, limit)

	rec := env.do(t, env.authed(uploadRequest(t, "big.txt", strings.Repeat("a", limit+1))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "File too large (Max 1MB)", decode[dlperrors.Response](t, rec).Message)

	rec = env.do(t, env.authed(uploadRequest(t, "huge.txt", strings.Repeat("a", 2*limit+multipartOverhead))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadRequiresAuth(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, uploadRequest(t, "notes.txt", testutil.CleanText))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Token is missing", decode[dlperrors.Response](t, rec).Message)
}

func TestDownloadOtherUsersFile(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, env.authed(uploadRequest(t, "notes.txt", testutil.CleanText)))
	require.Equal(t, http.StatusCreated, rec.Code)
	fileID := decode[UploadResponse](t, rec).File.ID

	_, err := env.auth.Register(context.Background(), auth.RegisterRequest{Username: "mallory", Email: "mallory@example.com", Password: "hunter12"})
	require.NoError(t, err)

	session, err := env.auth.Login(context.Background(), auth.LoginRequest{Identifier: "mallory", Password: "hunter12"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/files/"+fileID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)

	rec = env.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRiskProfile(t *testing.T) {
	env := newTestEnv(t, 0)

	env.do(t, env.authed(uploadRequest(t, "notes.txt", testutil.CleanText)))
	env.do(t, env.authed(uploadRequest(t, "creds.txt", testutil.MediumText)))

	rec := env.do(t, env.authed(httptest.NewRequest(http.MethodGet, "/api/users/risk-profile", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Status       string  `json:"risk_status"`
			TotalUploads int     `json:"total_uploads"`
			AverageRisk  float64 `json:"average_risk"`
		} `json:"data"`
		Success bool `json:"success"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Data.TotalUploads)
	assert.InDelta(t, 25.0, body.Data.AverageRisk, 0.001)
}

func TestRequestIDEchoedInErrors(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/files/my-files", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc-123")

	rec := env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "abc-123", decode[dlperrors.Response](t, rec).RequestID)
}
