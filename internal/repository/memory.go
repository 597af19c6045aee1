package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

// MemoryStore is an in-process Store. Records are kept as JSON so callers
// never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	proposals  map[string]*models.Proposal
	workflows  map[string][]byte
	tools      map[string][]byte
	operations map[string][]byte
	attempts   map[string][]*models.AttemptRecord
	async      map[string][]*models.AsyncOutcome
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:  make(map[string]*models.Proposal),
		workflows:  make(map[string][]byte),
		tools:      make(map[string][]byte),
		operations: make(map[string][]byte),
		attempts:   make(map[string][]*models.AttemptRecord),
		async:      make(map[string][]*models.AsyncOutcome),
	}
}

func (s *MemoryStore) GetProposal(_ context.Context, id string) (*models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("proposal %q: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) CreateProposal(_ context.Context, p *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %q: %w", p.ID, ErrAlreadyExists)
	}
	p.Version = 1
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) SaveProposal(_ context.Context, p *models.Proposal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.proposals[p.ID]
	if !ok {
		return fmt.Errorf("proposal %q: %w", p.ID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("proposal %q at version %d, expected %d: %w", p.ID, cur.Version, expectedVersion, ErrVersionConflict)
	}
	p.Version = expectedVersion + 1
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	raw, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	return workflow.Parse(raw)
}

func (s *MemoryStore) PutWorkflow(_ context.Context, d *workflow.Definition) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %q: %w", d.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[d.ID] = raw
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Definition, 0, len(s.workflows))
	for _, id := range sortedIDs(s.workflows) {
		d, err := workflow.Parse(s.workflows[id])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStore) GetTool(_ context.Context, id string) (*models.ExternalTool, error) {
	return getJSON[models.ExternalTool](&s.mu, s.tools, "tool", id)
}

func (s *MemoryStore) PutTool(_ context.Context, t *models.ExternalTool) error {
	return putJSON(&s.mu, s.tools, t.ID, t)
}

func (s *MemoryStore) ListTools(_ context.Context) ([]*models.ExternalTool, error) {
	return listJSON[models.ExternalTool](&s.mu, s.tools)
}

func (s *MemoryStore) GetOperation(_ context.Context, id string) (*models.ToolOperation, error) {
	return getJSON[models.ToolOperation](&s.mu, s.operations, "operation", id)
}

func (s *MemoryStore) PutOperation(_ context.Context, op *models.ToolOperation) error {
	return putJSON(&s.mu, s.operations, op.ID, op)
}

func (s *MemoryStore) ListOperations(_ context.Context) ([]*models.ToolOperation, error) {
	return listJSON[models.ToolOperation](&s.mu, s.operations)
}

func (s *MemoryStore) AppendAttempt(_ context.Context, rec *models.AttemptRecord) error {
	c, err := cloneJSON(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[rec.ProposalID] = append(s.attempts[rec.ProposalID], c)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, proposalID string) ([]*models.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AttemptRecord, 0, len(s.attempts[proposalID]))
	for _, rec := range s.attempts[proposalID] {
		c, err := cloneJSON(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) AppendAsyncOutcome(_ context.Context, o *models.AsyncOutcome) error {
	c, err := cloneJSON(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.async[o.ProposalID] = append(s.async[o.ProposalID], c)
	return nil
}

func (s *MemoryStore) ListAsyncOutcomes(_ context.Context, proposalID string) ([]*models.AsyncOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AsyncOutcome, 0, len(s.async[proposalID]))
	for _, o := range s.async[proposalID] {
		c, err := cloneJSON(o)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func getJSON[T any](mu *sync.RWMutex, m map[string][]byte, kind, id string) (*T, error) {
	mu.RLock()
	raw, ok := m[id]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %q: %w", kind, id, err)
	}
	return &v, nil
}

func putJSON(mu *sync.RWMutex, m map[string][]byte, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", id, err)
	}
	mu.Lock()
	defer mu.Unlock()
	m[id] = raw
	return nil
}

func listJSON[T any](mu *sync.RWMutex, m map[string][]byte) ([]*T, error) {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]*T, 0, len(m))
	for _, id := range sortedIDs(m) {
		var v T
		if err := json.Unmarshal(m[id], &v); err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", id, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

func cloneJSON[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
