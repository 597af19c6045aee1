package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposal-workflow/backend/internal/auth"
	"proposal-workflow/backend/internal/config"
	"proposal-workflow/backend/internal/engine"
	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/repository"
	"proposal-workflow/backend/internal/services"
	"proposal-workflow/backend/internal/toolclient"
	"proposal-workflow/backend/pkg/models"
)

const testWorkflow = `{
	"id": "csst",
	"initial_state": "Draft",
	"roles": ["Proposer", "Technical Expert"],
	"transitions": [
		{"name": "submit", "from": "Draft", "to": "Submitted", "roles": ["Proposer"],
		 "effects": {"phase": "phase1", "set_phase_status": "submitted"}},
		{"name": "check", "from": "Submitted", "to": "Scheduling", "roles": ["Technical Expert"],
		 "effects": {"external_tools": [{"operation_id": "checkVisibility"}]}}
	]
}`

type testAPI struct {
	e    *echo.Echo
	tool *httptest.Server
}

func newTestAPI(t *testing.T, toolHandler http.HandlerFunc) *testAPI {
	t.Helper()
	toolSrv := httptest.NewServer(toolHandler)
	t.Cleanup(toolSrv.Close)

	store := repository.NewMemoryStore()
	catalog := repository.NewCatalog(store)
	client := toolclient.New()
	evaluator := engine.NewEvaluator(engine.NewExecutor(catalog, client, nil))
	server := NewServer(
		services.NewTransitionService(store, evaluator, nil),
		services.NewOperationService(catalog, client, nil),
		services.NewDefinitionService(store, nil),
	)

	cfg := &config.Config{Environment: "DEV", DevModeBypass: true}
	authz, err := auth.New(context.Background(), cfg, nil, logging.Discard())
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logging.Discard())
	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(HandleHealth)))
	g := e.Group("/api/v1")
	g.Use(echo.WrapMiddleware(authz.RequireAuth))
	RegisterHandlers(g, server)

	return &testAPI{e: e, tool: toolSrv}
}

func (a *testAPI) do(t *testing.T, method, path, body, roles string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if roles != "" {
		req.Header.Set(auth.DevRolesHeader, roles)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) publish(t *testing.T) {
	t.Helper()
	rec := a.do(t, http.MethodPut, "/api/v1/tools/astro",
		`{"name": "Astro", "base_url": "`+a.tool.URL+`", "auth_type": "none"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPut, "/api/v1/operations/1", `{
		"tool_id": "astro", "operation_id": "checkVisibility", "method": "GET", "path": "/visibility",
		"tool_type": "validation",
		"validation_config": {"failure_conditions": [{"path": "response.visible", "value": false}],
		                      "error_message_template": "not visible: {response.reason}"}
	}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPut, "/api/v1/workflows/csst", testWorkflow, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createProposal(t *testing.T) models.Proposal {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/proposals",
		`{"workflow_id": "csst", "title": "Deep field", "phases": [{"phase": "phase1", "status": "draft"}]}`, "Proposer")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Proposal](t, rec)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)
	rec := a.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	status := decode[HealthStatus](t, rec)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "proposal-workflow", status.Service)
}

func TestProposalLifecycle(t *testing.T) {
	a := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"visible": true}`)
	})
	a.publish(t)
	p := a.createProposal(t)
	assert.Equal(t, "Draft", p.Status)
	assert.Equal(t, "dev@localhost", p.Author)

	rec := a.do(t, http.MethodGet, "/api/v1/proposals/"+p.ID+"/transitions", "", "Proposer")
	require.Equal(t, http.StatusOK, rec.Code)
	available := decode[[]services.AvailableTransition](t, rec)
	require.Len(t, available, 1)
	assert.Equal(t, "submit", available[0].Name)

	rec = a.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/transitions", `{"transition": "submit"}`, "Proposer")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[services.TriggerResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "Submitted", res.NewStatus)
	assert.NotEmpty(t, res.AttemptID)

	rec = a.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/transitions", `{"transition": "check"}`, "Technical Expert")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/v1/proposals/"+p.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Scheduling", decode[models.Proposal](t, rec).Status)

	rec = a.do(t, http.MethodGet, "/api/v1/proposals/"+p.ID+"/attempts", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[AttemptHistory](t, rec)
	assert.Len(t, history.Attempts, 2)
	assert.Empty(t, history.AsyncOutcomes)
}

func TestTriggerOutcomeStatusCodes(t *testing.T) {
	a := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"visible": false, "reason": "below horizon"}`)
	})
	a.publish(t)
	p := a.createProposal(t)

	rec := a.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/transitions", `{"transition": "submit"}`, "Technical Expert")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	res := decode[services.TriggerResult](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "role_not_authorized", res.ErrorType)

	rec = a.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/transitions", `{"transition": "check"}`, "Technical Expert")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "status == Submitted", decode[services.TriggerResult](t, rec).Clause)

	rec = a.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/transitions", `{"transition": "submit"}`, "Proposer")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/transitions", `{"transition": "check"}`, "Technical Expert")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	res = decode[services.TriggerResult](t, rec)
	assert.Equal(t, "validation_failed", res.ErrorType)
	assert.Contains(t, res.Error, "not visible: below horizon")

	rec = a.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/transitions", `{}`, "Proposer")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFoundIsProblemDetails(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, http.MethodPost, "/api/v1/proposals/missing/transitions", `{"transition": "submit"}`, "Proposer")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "/api/v1/proposals/missing/transitions", problem.Instance)
}

func TestPublishRejectionIs422(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, http.MethodPut, "/api/v1/workflows/bad", `{"id": "bad", "initial_state": "A", "transitions": [
		{"name": "go", "from": "A", "to": "B", "roles": ["R"], "effects": {"external_tools": [{"operation_id": "ghost"}]}}
	]}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, "configuration_error", problem.ErrorType)
	assert.Contains(t, problem.Detail, "ghost")

	rec = a.do(t, http.MethodPut, "/api/v1/workflows/other", testWorkflow, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPut, "/api/v1/operations/9", `{"tool_id": "nope", "operation_id": "x", "method": "GET", "tool_type": "other"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTestOperation(t *testing.T) {
	a := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"visible": true, "target": "`+r.URL.Query().Get("target")+`"}`)
	})
	a.publish(t)

	rec := a.do(t, http.MethodPost, "/api/v1/operations/checkVisibility/test", `{"query": {"target": "M31"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[services.TestResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "M31", res.Response.(map[string]any)["target"])

	rec = a.do(t, http.MethodPost, "/api/v1/operations/checkVisibility/execute", `{"context": {}}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.AsyncSuccess, decode[services.ExecuteResult](t, rec).Status)

	rec = a.do(t, http.MethodPost, "/api/v1/operations/ghost/test", `{}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor("conflict"))
	assert.Equal(t, http.StatusBadGateway, StatusFor("client_rejected"))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor("service_unavailable"))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor("mapping_error"))
	assert.Equal(t, http.StatusInternalServerError, StatusFor("configuration_error"))
}

func TestSpecAndSwaggerHandlers(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://example.okta.com/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://example.okta.com/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")

	rec = httptest.NewRecorder()
	SwaggerHandler("https://example.okta.com", "swagger-client")(rec, httptest.NewRequest(http.MethodGet, "http://api.local/docs", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `clientId: "swagger-client"`)
	assert.Contains(t, body, "http://api.local/docs/oauth2-redirect.html")
	assert.Contains(t, body, `scopes: "openid profile email proposals:read proposals:write".split(" ")`)
	assert.NotContains(t, body, "${SCOPES}")
}
