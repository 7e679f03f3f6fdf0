package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSpec = `openapi: "3.0.0"
info:
  title: Test API
  version: "1.0.0"
paths: {}`

func TestNewOpenAPIHandler(t *testing.T) {
	handler := NewOpenAPIHandler([]byte(testSpec), 0)

	require.NotNil(t, handler)
	assert.NotEmpty(t, handler.specJSON)
	assert.Equal(t, defaultCacheMaxAge, handler.cacheMaxAge)

	handler = NewOpenAPIHandler([]byte(testSpec), 120)
	assert.Equal(t, 120, handler.cacheMaxAge)
}

func TestNewOpenAPIHandler_InvalidYAML(t *testing.T) {
	handler := NewOpenAPIHandler([]byte(`{invalid yaml::`), 0)

	require.NotNil(t, handler)
	assert.Equal(t, []byte("{}"), handler.specJSON)
}

func TestEmbeddedSpecParses(t *testing.T) {
	handler := NewOpenAPIHandler(OpenAPISpec, 0)

	var spec map[string]any
	require.NoError(t, json.Unmarshal(handler.specJSON, &spec))

	paths, ok := spec["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/files/upload")
	assert.Contains(t, paths, "/admin/users/{id}/unlock")
}

func TestServeOpenAPI(t *testing.T) {
	handler := NewOpenAPIHandler([]byte(testSpec), 0)

	tests := []struct {
		name        string
		target      string
		accept      string
		contentType string
	}{
		{"default json", "/openapi", "", "application/json"},
		{"format param", "/openapi?format=yaml", "", "application/x-yaml"},
		{"accept header", "/openapi", "application/x-yaml", "application/x-yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}

			rec := httptest.NewRecorder()
			handler.ServeOpenAPI(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=3600")
		})
	}
}

func TestServeOpenAPIJSON(t *testing.T) {
	handler := NewOpenAPIHandler([]byte(testSpec), 0)

	rec := httptest.NewRecorder()
	handler.ServeOpenAPIJSON(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "3.0.0", result["openapi"])
}

func TestConvertMapKeys(t *testing.T) {
	input := map[any]any{
		"name":   "x",
		1:        "dropped",
		"nested": []any{map[any]any{"k": "v"}},
	}

	got, ok := convertMapKeys(input).(map[string]any)
	require.True(t, ok)
	assert.Len(t, got, 2)

	nested, ok := got["nested"].([]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"k": "v"}, nested[0])
}
