package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/repository"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "proposal-workflow",
		Version:   Version,
	})
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	// ErrorType carries the outcome kind for engine failures.
	ErrorType string `json:"error_type,omitempty"`
	Clause    string `json:"clause,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(w http.ResponseWriter, p ProblemDetails) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// StatusFor maps an outcome kind to the HTTP status reported for it.
func StatusFor(kind outcome.Kind) int {
	switch kind {
	case outcome.ConditionNotMet, outcome.Conflict:
		return http.StatusConflict
	case outcome.RoleNotAuthorized:
		return http.StatusForbidden
	case outcome.ValidationFailed, outcome.MappingError:
		return http.StatusUnprocessableEntity
	case outcome.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case outcome.ClientRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publishError marks a definition rejection so it is reported as 422 rather
// than as a server-side configuration fault.
type publishError struct{ err error }

func (e *publishError) Error() string { return e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

// problemFor converts err into a problem document.
func problemFor(err error) ProblemDetails {
	var (
		httpErr *echo.HTTPError
		pubErr  *publishError
	)
	if errors.As(err, &httpErr) {
		detail := http.StatusText(httpErr.Code)
		if msg, ok := httpErr.Message.(string); ok {
			detail = msg
		}
		return ProblemDetails{Title: http.StatusText(httpErr.Code), Status: httpErr.Code, Detail: detail}
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ProblemDetails{Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error()}
	}
	if errors.Is(err, repository.ErrAlreadyExists) {
		return ProblemDetails{Title: "Conflict", Status: http.StatusConflict, Detail: err.Error()}
	}
	if oe, ok := outcome.As(err); ok {
		status := StatusFor(oe.Kind)
		if errors.As(err, &pubErr) && oe.Kind == outcome.ConfigurationError {
			status = http.StatusUnprocessableEntity
		}
		return ProblemDetails{
			Title:     http.StatusText(status),
			Status:    status,
			Detail:    oe.Error(),
			ErrorType: string(oe.Kind),
			Clause:    oe.Clause,
		}
	}
	return ProblemDetails{
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
		Detail: err.Error(),
	}
}

// ErrorHandler renders every handler error as problem details.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := problemFor(err)
		p.Instance = c.Request().URL.Path
		if p.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", p.Instance, "error", err)
		}
		writeError(c.Response(), p)
	}
}
