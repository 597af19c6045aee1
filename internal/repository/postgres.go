package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a PostgreSQL implementation of Store. Records are kept as
// JSONB documents next to the columns that are queried.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	var (
		doc     []byte
		version int64
	)
	err := s.db.QueryRow(ctx, "SELECT document, version FROM proposals WHERE id = $1", id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("proposal %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p models.Proposal
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode proposal %q: %w", id, err)
	}
	p.Version = version
	return &p, nil
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p *models.Proposal) error {
	p.Version = 1
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode proposal %q: %w", p.ID, err)
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO proposals (id, workflow_id, status, document, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		p.ID, p.WorkflowID, p.Status, doc, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %q: %w", p.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) SaveProposal(ctx context.Context, p *models.Proposal, expectedVersion int64) error {
	next := p.Clone()
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode proposal %q: %w", p.ID, err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE proposals SET status = $2, document = $3, version = $4, updated_at = $5
		 WHERE id = $1 AND version = $6`,
		p.ID, p.Status, doc, next.Version, p.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM proposals WHERE id = $1)", p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("proposal %q: %w", p.ID, ErrNotFound)
		}
		return fmt.Errorf("proposal %q expected version %d: %w", p.ID, expectedVersion, ErrVersionConflict)
	}
	p.Version = next.Version
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, "SELECT definition FROM workflows WHERE id = $1", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return workflow.Parse(raw)
}

func (s *PostgresStore) PutWorkflow(ctx context.Context, d *workflow.Definition) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %q: %w", d.ID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (id, version, definition, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		d.ID, d.Version, raw, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*workflow.Definition, error) {
	rows, err := s.db.Query(ctx, "SELECT definition FROM workflows ORDER BY id")
	if err != nil {
		return nil, err
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Definition, 0, len(raws))
	for _, raw := range raws {
		d, err := workflow.Parse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *PostgresStore) GetTool(ctx context.Context, id string) (*models.ExternalTool, error) {
	return queryDocument[models.ExternalTool](ctx, s.db, "tool", "SELECT definition FROM external_tools WHERE id = $1", id)
}

func (s *PostgresStore) PutTool(ctx context.Context, t *models.ExternalTool) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tool %q: %w", t.ID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO external_tools (id, definition, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		t.ID, raw, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListTools(ctx context.Context) ([]*models.ExternalTool, error) {
	return queryDocuments[models.ExternalTool](ctx, s.db, "SELECT definition FROM external_tools ORDER BY id")
}

func (s *PostgresStore) GetOperation(ctx context.Context, id string) (*models.ToolOperation, error) {
	return queryDocument[models.ToolOperation](ctx, s.db, "operation", "SELECT definition FROM tool_operations WHERE id = $1", id)
}

func (s *PostgresStore) PutOperation(ctx context.Context, op *models.ToolOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation %q: %w", op.ID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO tool_operations (id, tool_id, operation_id, definition, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET tool_id = EXCLUDED.tool_id, operation_id = EXCLUDED.operation_id,
		     definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		op.ID, op.ToolID, op.OperationID, raw, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListOperations(ctx context.Context) ([]*models.ToolOperation, error) {
	return queryDocuments[models.ToolOperation](ctx, s.db, "SELECT definition FROM tool_operations ORDER BY id")
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, rec *models.AttemptRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode attempt %q: %w", rec.ID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO transition_attempts (id, proposal_id, transition, success, record, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.ProposalID, rec.Transition, rec.Success, raw, rec.StartedAt)
	return err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, proposalID string) ([]*models.AttemptRecord, error) {
	return queryDocuments[models.AttemptRecord](ctx, s.db,
		"SELECT record FROM transition_attempts WHERE proposal_id = $1 ORDER BY seq", proposalID)
}

func (s *PostgresStore) AppendAsyncOutcome(ctx context.Context, o *models.AsyncOutcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode async outcome of %q: %w", o.AttemptID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO async_tool_outcomes (attempt_id, proposal_id, operation_id, status, record, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.AttemptID, o.ProposalID, o.OperationID, o.Status, raw, o.FinishedAt)
	return err
}

func (s *PostgresStore) ListAsyncOutcomes(ctx context.Context, proposalID string) ([]*models.AsyncOutcome, error) {
	return queryDocuments[models.AsyncOutcome](ctx, s.db,
		"SELECT record FROM async_tool_outcomes WHERE proposal_id = $1 ORDER BY seq", proposalID)
}

func queryDocument[T any](ctx context.Context, db *pgxpool.Pool, kind, sql string, id string) (*T, error) {
	var raw []byte
	err := db.QueryRow(ctx, sql, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %q: %w", kind, id, err)
	}
	return &v, nil
}

func queryDocuments[T any](ctx context.Context, db *pgxpool.Pool, sql string, args ...any) ([]*T, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
