package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/repository"
	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

// DefinitionService publishes workflow, tool and operation definitions.
// Definitions are validated before they are stored; a rejected definition is
// reported as a ConfigurationError.
type DefinitionService struct {
	defs    repository.DefinitionStore
	catalog *repository.Catalog
	logger  *logging.Logger
}

// NewDefinitionService creates a DefinitionService.
func NewDefinitionService(defs repository.DefinitionStore, logger *logging.Logger) *DefinitionService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DefinitionService{defs: defs, catalog: repository.NewCatalog(defs), logger: logger}
}

// PublishWorkflow parses, validates and stores a workflow definition. The
// returned warnings do not block publishing.
func (s *DefinitionService) PublishWorkflow(ctx context.Context, raw []byte) (*workflow.Definition, []string, error) {
	d, err := workflow.Parse(raw)
	if err != nil {
		return nil, nil, outcome.Wrap(outcome.ConfigurationError, err, "workflow rejected")
	}
	return s.publishWorkflow(ctx, d)
}

// PublishWorkflowDefinition validates and stores an already parsed
// definition.
func (s *DefinitionService) PublishWorkflowDefinition(ctx context.Context, d *workflow.Definition) (*workflow.Definition, []string, error) {
	return s.publishWorkflow(ctx, d)
}

func (s *DefinitionService) publishWorkflow(ctx context.Context, d *workflow.Definition) (*workflow.Definition, []string, error) {
	result := workflow.Validate(d, func(ref string) bool { return s.catalog.Exists(ctx, ref) })
	if result.HasErrors() {
		return nil, result.Warnings, outcome.New(outcome.ConfigurationError,
			"workflow %q rejected: %s", d.ID, strings.Join(result.Errors, "; "))
	}
	if err := s.defs.PutWorkflow(ctx, d); err != nil {
		return nil, nil, fmt.Errorf("failed to store workflow %q: %w", d.ID, err)
	}
	s.logger.Info("workflow published", "workflow_id", d.ID, "version", d.Version, "warnings", len(result.Warnings))
	return d, result.Warnings, nil
}

// PublishTool validates and stores a tool definition.
func (s *DefinitionService) PublishTool(ctx context.Context, t *models.ExternalTool) error {
	if err := models.ValidateTool(t); err != nil {
		return outcome.Wrap(outcome.ConfigurationError, err, "tool %q rejected", t.ID)
	}
	if err := s.defs.PutTool(ctx, t); err != nil {
		return fmt.Errorf("failed to store tool %q: %w", t.ID, err)
	}
	s.logger.Info("tool published", "tool_id", t.ID, "auth_type", t.AuthType)
	return nil
}

// PublishOperation validates and stores an operation. Its tool must already
// be published.
func (s *DefinitionService) PublishOperation(ctx context.Context, op *models.ToolOperation) error {
	if err := models.ValidateOperation(op); err != nil {
		return outcome.Wrap(outcome.ConfigurationError, err, "operation %q rejected", op.ID)
	}
	if _, err := s.defs.GetTool(ctx, op.ToolID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return outcome.New(outcome.ConfigurationError, "operation %q references unknown tool %q", op.ID, op.ToolID)
		}
		return err
	}
	if err := s.defs.PutOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to store operation %q: %w", op.ID, err)
	}
	s.logger.Info("operation published", "operation_id", op.OperationID, "tool_id", op.ToolID, "tool_type", op.ToolType)
	return nil
}

// GetWorkflow returns a stored workflow.
func (s *DefinitionService) GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	return s.defs.GetWorkflow(ctx, id)
}

// ListWorkflows returns every stored workflow.
func (s *DefinitionService) ListWorkflows(ctx context.Context) ([]*workflow.Definition, error) {
	return s.defs.ListWorkflows(ctx)
}

// ListOperations returns every stored operation.
func (s *DefinitionService) ListOperations(ctx context.Context) ([]*models.ToolOperation, error) {
	return s.defs.ListOperations(ctx)
}
