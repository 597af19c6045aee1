package services

import (
	"context"
	"errors"
	"fmt"

	"proposal-workflow/backend/internal/engine"
	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/repository"
	"proposal-workflow/backend/internal/toolclient"
	"proposal-workflow/backend/internal/validation"
	"proposal-workflow/backend/pkg/models"
)

// ToolRunner is the subset of the tool client the operation service needs.
type ToolRunner interface {
	Invoke(ctx context.Context, tool *models.ExternalTool, op *models.ToolOperation, source map[string]any) (*toolclient.Result, error)
	Do(ctx context.Context, tool *models.ExternalTool, op *models.ToolOperation, req *toolclient.Request) (*toolclient.Result, error)
}

// TestResult is the outcome of a dry-run call.
type TestResult struct {
	Success    bool                  `json:"success"`
	StatusCode int                   `json:"status_code,omitempty"`
	Response   any                   `json:"response,omitempty"`
	Error      string                `json:"error,omitempty"`
	ErrorType  string                `json:"error_type,omitempty"`
	Execution  *models.ToolExecution `json:"execution,omitempty"`
}

// ExecuteResult is the outcome of a form-interaction call.
type ExecuteResult struct {
	Success      bool           `json:"success"`
	Status       string         `json:"status"`
	Response     any            `json:"response,omitempty"`
	MappedOutput map[string]any `json:"mapped_output,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
}

// OperationService calls tool operations outside of transitions. Nothing it
// does touches proposal state.
type OperationService struct {
	catalog *repository.Catalog
	tools   ToolRunner
	logger  *logging.Logger
}

// NewOperationService creates an OperationService.
func NewOperationService(catalog *repository.Catalog, tools ToolRunner, logger *logging.Logger) *OperationService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &OperationService{catalog: catalog, tools: tools, logger: logger}
}

func (s *OperationService) resolve(ctx context.Context, ref string) (*models.ExternalTool, *models.ToolOperation, error) {
	if !s.catalog.Exists(ctx, ref) {
		return nil, nil, fmt.Errorf("operation %q: %w", ref, repository.ErrNotFound)
	}
	return s.catalog.Operation(ctx, ref)
}

// Test sends ad hoc parameters to an operation without input mapping. Tool
// failures are reported in the result.
func (s *OperationService) Test(ctx context.Context, ref string, params toolclient.Params) (*TestResult, error) {
	tool, op, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	req, err := toolclient.RequestFromParams(tool, op, params)
	if err != nil {
		return failedTest(err)
	}
	res, err := s.tools.Do(ctx, tool, op, req)
	out := &TestResult{Success: err == nil}
	if res != nil {
		out.StatusCode = res.StatusCode
		out.Response = res.Body
		out.Execution = res.Execution
	}
	if err != nil {
		if _, ok := outcome.As(err); !ok {
			return nil, err
		}
		out.Error = err.Error()
		out.ErrorType = string(outcome.KindOf(err))
	}
	s.logger.Info("operation tested", "operation", op.OperationID, "success", out.Success, "status_code", out.StatusCode)
	return out, nil
}

func failedTest(err error) (*TestResult, error) {
	var oe *outcome.Error
	if !errors.As(err, &oe) {
		return nil, err
	}
	return &TestResult{Error: oe.Error(), ErrorType: string(oe.Kind)}, nil
}

// Execute maps document through the operation's input mapping, calls it and
// applies validation and output mapping. document is the mapping source, so
// mappings address it as they would a transition's ("proposal.x",
// "context.y", "params.z").
func (s *OperationService) Execute(ctx context.Context, ref string, document map[string]any) (*ExecuteResult, error) {
	tool, op, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if document == nil {
		document = map[string]any{}
	}
	res, err := s.tools.Invoke(ctx, tool, op, document)
	if err != nil {
		if _, ok := outcome.As(err); !ok {
			return nil, err
		}
	}

	out := &ExecuteResult{Status: engine.CallStatus(res, err)}
	out.Success = out.Status == models.AsyncSuccess
	if res != nil {
		out.Response = res.Body
		out.MappedOutput = res.Mapped
		if res.Validation != nil && res.Validation.Failed() && op.ValidationConfig != nil {
			out.Error = validation.Message(op.ValidationConfig.ErrorMessageTemplate, res.Body, *res.Validation)
			out.ErrorType = string(outcome.ValidationFailed)
		}
	}
	if err != nil {
		out.Error = err.Error()
		out.ErrorType = string(outcome.KindOf(err))
	}
	s.logger.Info("operation executed", "operation", op.OperationID, "status", out.Status)
	return out, nil
}
