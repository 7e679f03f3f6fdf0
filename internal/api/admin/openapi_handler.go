package admin

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// OpenAPISpec is the description of the dlpgate HTTP API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte

// Default cache duration in seconds (1 hour).
const defaultCacheMaxAge = 3600

// OpenAPIHandler serves the API description in YAML and JSON.
type OpenAPIHandler struct {
	specJSON    []byte
	specYAML    []byte
	cacheMaxAge int
}

// NewOpenAPIHandler creates a handler for yamlSpec. A cacheMaxAge of zero
// selects one hour. An unparsable document is served as "{}" in JSON.
func NewOpenAPIHandler(yamlSpec []byte, cacheMaxAge int) *OpenAPIHandler {
	if cacheMaxAge <= 0 {
		cacheMaxAge = defaultCacheMaxAge
	}

	return &OpenAPIHandler{
		specYAML:    yamlSpec,
		specJSON:    convertToJSON(yamlSpec),
		cacheMaxAge: cacheMaxAge,
	}
}

// convertToJSON converts the YAML spec to JSON format.
func convertToJSON(yamlSpec []byte) []byte {
	var spec any
	if err := yaml.Unmarshal(yamlSpec, &spec); err != nil {
		log.Error().
			Err(err).
			Int("yaml_size_bytes", len(yamlSpec)).
			Msg("Failed to parse OpenAPI YAML specification")

		return []byte("{}")
	}

	jsonBytes, err := json.Marshal(convertMapKeys(spec))
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal OpenAPI specification to JSON")
		return []byte("{}")
	}

	return jsonBytes
}

// convertMapKeys recursively converts map[any]any to map[string]any, which
// encoding/json requires. Non-string keys are dropped.
func convertMapKeys(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(typed))
		for key, value := range typed {
			result[key] = convertMapKeys(value)
		}

		return result
	case map[any]any:
		result := make(map[string]any, len(typed))
		for key, value := range typed {
			strKey, ok := key.(string)
			if !ok {
				continue
			}

			result[strKey] = convertMapKeys(value)
		}

		return result
	case []any:
		result := make([]any, len(typed))
		for idx, value := range typed {
			result[idx] = convertMapKeys(value)
		}

		return result
	default:
		return v
	}
}

// ServeOpenAPIJSON serves the OpenAPI specification as JSON.
func (h *OpenAPIHandler) ServeOpenAPIJSON(w http.ResponseWriter, _ *http.Request) {
	h.write(w, "application/json", h.specJSON)
}

// ServeOpenAPIYAML serves the OpenAPI specification as YAML.
func (h *OpenAPIHandler) ServeOpenAPIYAML(w http.ResponseWriter, _ *http.Request) {
	h.write(w, "application/x-yaml", h.specYAML)
}

// ServeOpenAPI picks the format from ?format=yaml or the Accept header.
// JSON is the default.
func (h *OpenAPIHandler) ServeOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "yaml" || strings.Contains(r.Header.Get("Accept"), "application/x-yaml") {
		h.ServeOpenAPIYAML(w, r)
		return
	}

	h.ServeOpenAPIJSON(w, r)
}

func (h *OpenAPIHandler) write(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.cacheMaxAge))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
