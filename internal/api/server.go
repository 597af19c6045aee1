// Package api contains the HTTP handlers for the proposal workflow service.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"proposal-workflow/backend/internal/auth"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/services"
	"proposal-workflow/backend/internal/toolclient"
	"proposal-workflow/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Transitions *services.TransitionService
	Operations  *services.OperationService
	Definitions *services.DefinitionService
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates a new Server.
func NewServer(transitions *services.TransitionService, operations *services.OperationService, definitions *services.DefinitionService) *Server {
	return &Server{Transitions: transitions, Operations: operations, Definitions: definitions}
}

// TriggerBody is the request body of a transition trigger.
type TriggerBody struct {
	Transition string         `json:"transition"`
	Context    map[string]any `json:"context,omitempty"`
}

// AttemptHistory is the audit trail of a proposal.
type AttemptHistory struct {
	Attempts      []*models.AttemptRecord `json:"attempts"`
	AsyncOutcomes []*models.AsyncOutcome  `json:"async_outcomes"`
}

// PublishedWorkflow is returned after a workflow is stored.
type PublishedWorkflow struct {
	Workflow any      `json:"workflow"`
	Warnings []string `json:"warnings"`
}

func actorFrom(c echo.Context) (auth.Actor, error) {
	a, ok := auth.ActorFrom(c.Request().Context())
	if !ok {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated actor")
	}
	return a, nil
}

func bindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}

func rejected(err error) error {
	if outcome.Is(err, outcome.ConfigurationError) {
		return &publishError{err: err}
	}
	return err
}

// CreateProposal stores a new proposal in its workflow's initial state.
// (POST /api/v1/proposals)
func (s *Server) CreateProposal(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req services.CreateProposalRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.WorkflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id is required")
	}
	if req.Author == "" {
		req.Author = actor.Email
	}
	p, err := s.Transitions.CreateProposal(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

// GetProposal returns a proposal.
// (GET /api/v1/proposals/{id})
func (s *Server) GetProposal(c echo.Context, id string) error {
	p, err := s.Transitions.GetProposal(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// ListTransitions returns the transitions the caller may trigger now.
// (GET /api/v1/proposals/{id}/transitions)
func (s *Server) ListTransitions(c echo.Context, id string) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	available, err := s.Transitions.AvailableTransitions(c.Request().Context(), id, actor.Roles)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, available)
}

// TriggerTransition attempts a transition. The body is the attempt result;
// the status code reflects its outcome.
// (POST /api/v1/proposals/{id}/transitions)
func (s *Server) TriggerTransition(c echo.Context, id string) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var body TriggerBody
	if err := bindJSON(c, &body); err != nil {
		return err
	}
	if body.Transition == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transition is required")
	}

	res, err := s.Transitions.Trigger(c.Request().Context(), services.TriggerRequest{
		ProposalID: id,
		Transition: body.Transition,
		Actor:      actor.Email,
		ActorRoles: actor.Roles,
		Context:    body.Context,
	})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if !res.Success {
		status = StatusFor(outcome.Kind(res.ErrorType))
	}
	return c.JSON(status, res)
}

// ListAttempts returns a proposal's audit trail.
// (GET /api/v1/proposals/{id}/attempts)
func (s *Server) ListAttempts(c echo.Context, id string) error {
	ctx := c.Request().Context()
	if _, err := s.Transitions.GetProposal(ctx, id); err != nil {
		return err
	}
	attempts, err := s.Transitions.ListAttempts(ctx, id)
	if err != nil {
		return err
	}
	outcomes, err := s.Transitions.ListAsyncOutcomes(ctx, id)
	if err != nil {
		return err
	}
	history := AttemptHistory{Attempts: attempts, AsyncOutcomes: outcomes}
	if history.Attempts == nil {
		history.Attempts = []*models.AttemptRecord{}
	}
	if history.AsyncOutcomes == nil {
		history.AsyncOutcomes = []*models.AsyncOutcome{}
	}
	return c.JSON(http.StatusOK, history)
}

// ListWorkflows returns a list of all workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.Definitions.ListWorkflows(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

// GetWorkflow returns a workflow definition.
// (GET /api/v1/workflows/{id})
func (s *Server) GetWorkflow(c echo.Context, id string) error {
	d, err := s.Definitions.GetWorkflow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// PutWorkflow validates and publishes a workflow definition.
// (PUT /api/v1/workflows/{id})
func (s *Server) PutWorkflow(c echo.Context, id string) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if head.ID != id {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow id does not match the path")
	}

	d, warnings, err := s.Definitions.PublishWorkflow(c.Request().Context(), raw)
	if err != nil {
		return rejected(err)
	}
	if warnings == nil {
		warnings = []string{}
	}
	return c.JSON(http.StatusOK, PublishedWorkflow{Workflow: d, Warnings: warnings})
}

// PutTool publishes an external tool.
// (PUT /api/v1/tools/{id})
func (s *Server) PutTool(c echo.Context, id string) error {
	var tool models.ExternalTool
	if err := bindJSON(c, &tool); err != nil {
		return err
	}
	if tool.ID == "" {
		tool.ID = id
	}
	if tool.ID != id {
		return echo.NewHTTPError(http.StatusBadRequest, "tool id does not match the path")
	}
	tool.UpdatedAt = time.Now().UTC()
	if err := s.Definitions.PublishTool(c.Request().Context(), &tool); err != nil {
		return rejected(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": tool.ID})
}

// PutOperation publishes a tool operation.
// (PUT /api/v1/operations/{id})
func (s *Server) PutOperation(c echo.Context, id string) error {
	var op models.ToolOperation
	if err := bindJSON(c, &op); err != nil {
		return err
	}
	if op.ID == "" {
		op.ID = id
	}
	if op.ID != id {
		return echo.NewHTTPError(http.StatusBadRequest, "operation id does not match the path")
	}
	op.UpdatedAt = time.Now().UTC()
	if err := s.Definitions.PublishOperation(c.Request().Context(), &op); err != nil {
		return rejected(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": op.ID, "operation_id": op.OperationID})
}

// TestOperation calls an operation with ad hoc parameters.
// (POST /api/v1/operations/{id}/test)
func (s *Server) TestOperation(c echo.Context, id string) error {
	var params toolclient.Params
	if err := bindJSON(c, &params); err != nil {
		return err
	}
	res, err := s.Operations.Test(c.Request().Context(), id, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ExecuteOperation runs an operation's mappings against the posted document.
// (POST /api/v1/operations/{id}/execute)
func (s *Server) ExecuteOperation(c echo.Context, id string) error {
	var document map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&document); err != nil && err != io.EOF {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Operations.Execute(c.Request().Context(), id, document)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
