package toolclient

import (
	"net/http"
	"strings"

	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/pkg/models"
)

const (
	defaultAPIKeyHeader = "X-API-Key"
	redacted            = "***REDACTED***"
)

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
}

// applyAuth sets the authentication headers of tool on h.
func applyAuth(tool *models.ExternalTool, h http.Header) error {
	cfg := tool.AuthConfig
	switch tool.AuthType {
	case "", models.AuthNone:
	case models.AuthAPIKey:
		h.Set(apiKeyHeader(tool), cfg["key_value"])
	case models.AuthBearer:
		h.Set("Authorization", "Bearer "+cfg["token"])
	case models.AuthBasic:
		req := http.Request{Header: h}
		req.SetBasicAuth(cfg["username"], cfg["password"])
	default:
		return outcome.New(outcome.ConfigurationError, "tool %q has unknown auth_type %q", tool.ID, tool.AuthType)
	}
	return nil
}

func apiKeyHeader(tool *models.ExternalTool) string {
	if name := tool.AuthConfig["key_name"]; name != "" {
		return name
	}
	return defaultAPIKeyHeader
}

// sanitizeHeaders flattens h for the execution record with credentials
// redacted.
func sanitizeHeaders(tool *models.ExternalTool, h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	keyName := strings.ToLower(apiKeyHeader(tool))
	out := make(map[string]string, len(h))
	for k, vals := range h {
		lower := strings.ToLower(k)
		if sensitiveHeaders[lower] || (tool.AuthType == models.AuthAPIKey && lower == keyName) {
			out[k] = redacted
			continue
		}
		out[k] = strings.Join(vals, ", ")
	}
	return out
}
