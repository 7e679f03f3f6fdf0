// Package client is a Go client for the dlpgate console and admin APIs. It
// is used by dlpgate-cli.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/piwi3910/dlpgate/internal/api/admin"
	"github.com/piwi3910/dlpgate/internal/api/console"
	"github.com/piwi3910/dlpgate/internal/health"
	"github.com/piwi3910/dlpgate/internal/risk"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// APIError is an error response from the gateway.
type APIError struct {
	Kind       dlperrors.Kind
	Message    string
	Status     string
	RequestID  string
	StatusCode int
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}

	if e.RequestID != "" {
		return fmt.Sprintf("%s (HTTP %d, request %s)", msg, e.StatusCode, e.RequestID)
	}

	return fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind dlperrors.Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Config configures a Client.
type Config struct {
	// BaseURL is the gateway root, e.g. http://localhost:5000
	BaseURL   string
	Token     string
	Transport TransportConfig
}

// Client calls the dlpgate API.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	token   string
}

// New creates a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}

	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base URL must be http or https, got %q", cfg.BaseURL)
	}

	return &Client{
		http:    NewHTTPClient(cfg.Transport),
		baseURL: u,
		token:   cfg.Token,
	}, nil
}

// SetToken replaces the bearer token used for later calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Redacted(), err)
	}

	return resp, nil
}

// envelope is the success body; Data is decoded into the caller's type.
type envelope[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// call sends a JSON request and decodes the data field of a 2xx response.
func call[T any](ctx context.Context, c *Client, method, path string, in any) (T, error) {
	var zero T

	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return zero, err
		}

		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return zero, err
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return zero, readError(resp)
	}

	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return zero, fmt.Errorf("invalid response from %s: %w", path, err)
	}

	return env.Data, nil
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
	}

	var body dlperrors.Response
	if json.Unmarshal(data, &body) == nil {
		apiErr.Kind = body.Kind
		apiErr.Message = body.Message
		apiErr.Status = body.Status

		if body.RequestID != "" {
			apiErr.RequestID = body.RequestID
		}
	}

	return apiErr
}

// RegisterRequest describes a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, in RegisterRequest) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/api/auth/register", in)
	return err
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, identifier, password string) (*console.LoginResponse, error) {
	session, err := call[console.LoginResponse](ctx, c, http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return nil, err
	}

	c.token = session.Token

	return &session, nil
}

// Logout ends the session on the server and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/api/auth/logout", nil)
	c.token = ""

	return err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*console.UserResponse, error) {
	user, err := call[console.UserResponse](ctx, c, http.MethodGet, "/api/auth/me", nil)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Upload sends a file for inspection. A blocked file is not an error: the
// returned response has Status "blocked". A locked account is returned as an
// APIError of kind account_locked.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (*console.UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, content)
		}

		if err == nil {
			err = mw.Close()
		}

		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/files/upload", pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, err
	}

	var result console.UploadResponse

	switch {
	case resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusForbidden && isBlocked(data):
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("invalid upload response: %w", err)
		}

		return &result, nil
	default:
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return nil, readError(resp)
	}
}

func isBlocked(data []byte) bool {
	var body struct {
		Status string `json:"status"`
	}

	return json.Unmarshal(data, &body) == nil && body.Status == "blocked"
}

// Files lists the caller's uploads, newest first.
func (c *Client) Files(ctx context.Context) ([]console.FileSummary, error) {
	return call[[]console.FileSummary](ctx, c, http.MethodGet, "/api/files/my-files", nil)
}

// Download writes the decrypted content of an upload to w and returns the
// number of bytes written.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/files/"+url.PathEscape(id)+"/download", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, readError(resp)
	}

	return io.Copy(w, resp.Body)
}

// RiskProfile returns the caller's risk profile.
func (c *Client) RiskProfile(ctx context.Context) (*risk.Profile, error) {
	profile, err := call[risk.Profile](ctx, c, http.MethodGet, "/api/users/risk-profile", nil)
	if err != nil {
		return nil, err
	}

	return &profile, nil
}

// Stats returns the admin dashboard counters.
func (c *Client) Stats(ctx context.Context) (*admin.StatsResponse, error) {
	stats, err := call[admin.StatsResponse](ctx, c, http.MethodGet, "/api/admin/stats", nil)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}

	return "?limit=" + strconv.Itoa(limit)
}

// Logs returns the newest audit entries. A limit of zero uses the server
// default.
func (c *Client) Logs(ctx context.Context, limit int) ([]admin.LogEntry, error) {
	return call[[]admin.LogEntry](ctx, c, http.MethodGet, "/api/admin/logs"+limitQuery(limit), nil)
}

// Anomalies returns the newest anomaly records.
func (c *Client) Anomalies(ctx context.Context, limit int) ([]admin.AnomalyEntry, error) {
	return call[[]admin.AnomalyEntry](ctx, c, http.MethodGet, "/api/admin/anomalies"+limitQuery(limit), nil)
}

// Users lists every account.
func (c *Client) Users(ctx context.Context) ([]admin.UserEntry, error) {
	return call[[]admin.UserEntry](ctx, c, http.MethodGet, "/api/admin/users", nil)
}

// Unlock clears the lock on a user account.
func (c *Client) Unlock(ctx context.Context, userID string) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/api/admin/users/"+url.PathEscape(userID)+"/unlock", nil)
	return err
}

// Health returns the detailed health report. An unhealthy gateway answers
// 503 with the same body, so the report is returned for both.
func (c *Client) Health(ctx context.Context) (*health.HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, readError(resp)
	}

	var status health.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}

	return &status, nil
}
