package repository

import (
	"context"
	"errors"

	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrVersionConflict is returned when a proposal changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// ProposalStore persists proposal snapshots with optimistic versioning.
type ProposalStore interface {
	// GetProposal retrieves a proposal by its ID.
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	// CreateProposal stores a new proposal at version 1.
	CreateProposal(ctx context.Context, p *models.Proposal) error
	// SaveProposal replaces the stored proposal if its version still equals
	// expectedVersion. On success p.Version is advanced.
	SaveProposal(ctx context.Context, p *models.Proposal, expectedVersion int64) error
}

// DefinitionStore holds workflow, tool and operation definitions.
type DefinitionStore interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error)
	PutWorkflow(ctx context.Context, d *workflow.Definition) error
	ListWorkflows(ctx context.Context) ([]*workflow.Definition, error)

	GetTool(ctx context.Context, id string) (*models.ExternalTool, error)
	PutTool(ctx context.Context, t *models.ExternalTool) error
	ListTools(ctx context.Context) ([]*models.ExternalTool, error)

	GetOperation(ctx context.Context, id string) (*models.ToolOperation, error)
	PutOperation(ctx context.Context, op *models.ToolOperation) error
	ListOperations(ctx context.Context) ([]*models.ToolOperation, error)
}

// AuditLog is the append-only record of transition attempts and background
// tool call outcomes.
type AuditLog interface {
	AppendAttempt(ctx context.Context, rec *models.AttemptRecord) error
	// ListAttempts returns a proposal's attempts, oldest first.
	ListAttempts(ctx context.Context, proposalID string) ([]*models.AttemptRecord, error)
	AppendAsyncOutcome(ctx context.Context, o *models.AsyncOutcome) error
	// ListAsyncOutcomes returns a proposal's async outcomes, oldest first.
	ListAsyncOutcomes(ctx context.Context, proposalID string) ([]*models.AsyncOutcome, error)
}

// Store is a complete persistence backend.
type Store interface {
	ProposalStore
	DefinitionStore
	AuditLog
}
