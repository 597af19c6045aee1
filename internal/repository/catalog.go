package repository

import (
	"context"
	"errors"
	"fmt"

	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/pkg/models"
)

// Catalog resolves operation references for the engine.
type Catalog struct {
	defs DefinitionStore
}

// NewCatalog creates a Catalog over defs.
func NewCatalog(defs DefinitionStore) *Catalog {
	return &Catalog{defs: defs}
}

// Operation resolves ref as an operation id, then as an operation_id, and
// loads the owning tool. Dangling references are ConfigurationErrors.
func (c *Catalog) Operation(ctx context.Context, ref string) (*models.ExternalTool, *models.ToolOperation, error) {
	op, err := c.findOperation(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	tool, err := c.defs.GetTool(ctx, op.ToolID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, outcome.New(outcome.ConfigurationError, "operation %q references unknown tool %q", ref, op.ToolID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tool %q: %w", op.ToolID, err)
	}
	return tool, op, nil
}

// Exists reports whether ref resolves to an operation.
func (c *Catalog) Exists(ctx context.Context, ref string) bool {
	_, err := c.findOperation(ctx, ref)
	return err == nil
}

func (c *Catalog) findOperation(ctx context.Context, ref string) (*models.ToolOperation, error) {
	op, err := c.defs.GetOperation(ctx, ref)
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load operation %q: %w", ref, err)
	}
	ops, err := c.defs.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	for _, candidate := range ops {
		if candidate.OperationID == ref {
			return candidate, nil
		}
	}
	return nil, outcome.New(outcome.ConfigurationError, "operation %q does not exist", ref)
}
