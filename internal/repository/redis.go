package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

const defaultRedisPrefix = "proposal-workflow"

// RedisStore is a Redis implementation of Store. Proposals are written with
// WATCH/MULTI check-and-set; audit entries are appended to per-proposal lists.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new RedisStore. An empty prefix uses the default.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	raw, err := s.client.Get(ctx, s.key("proposal", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("proposal %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p models.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode proposal %q: %w", id, err)
	}
	return &p, nil
}

func (s *RedisStore) CreateProposal(ctx context.Context, p *models.Proposal) error {
	p.Version = 1
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode proposal %q: %w", p.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.key("proposal", p.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("proposal %q: %w", p.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *RedisStore) SaveProposal(ctx context.Context, p *models.Proposal, expectedVersion int64) error {
	key := s.key("proposal", p.ID)
	next := p.Clone()
	next.Version = expectedVersion + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode proposal %q: %w", p.ID, err)
	}

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("proposal %q: %w", p.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(cur, &stored); err != nil {
			return fmt.Errorf("failed to decode proposal %q: %w", p.ID, err)
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("proposal %q at version %d, expected %d: %w", p.ID, stored.Version, expectedVersion, ErrVersionConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("proposal %q changed during write: %w", p.ID, ErrVersionConflict)
	}
	if err != nil {
		return err
	}
	p.Version = next.Version
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	raw, err := s.client.Get(ctx, s.key("workflow", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return workflow.Parse(raw)
}

func (s *RedisStore) PutWorkflow(ctx context.Context, d *workflow.Definition) error {
	return s.putDocument(ctx, "workflow", d.ID, d)
}

func (s *RedisStore) ListWorkflows(ctx context.Context) ([]*workflow.Definition, error) {
	raws, err := s.listDocuments(ctx, "workflow")
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

func (s *RedisStore) GetTool(ctx context.Context, id string) (*models.ExternalTool, error) {
	return getDocument[models.ExternalTool](ctx, s, "tool", id)
}

func (s *RedisStore) PutTool(ctx context.Context, t *models.ExternalTool) error {
	return s.putDocument(ctx, "tool", t.ID, t)
}

func (s *RedisStore) ListTools(ctx context.Context) ([]*models.ExternalTool, error) {
	return listDecoded[models.ExternalTool](ctx, s, "tool")
}

func (s *RedisStore) GetOperation(ctx context.Context, id string) (*models.ToolOperation, error) {
	return getDocument[models.ToolOperation](ctx, s, "operation", id)
}

func (s *RedisStore) PutOperation(ctx context.Context, op *models.ToolOperation) error {
	return s.putDocument(ctx, "operation", op.ID, op)
}

func (s *RedisStore) ListOperations(ctx context.Context) ([]*models.ToolOperation, error) {
	return listDecoded[models.ToolOperation](ctx, s, "operation")
}

func (s *RedisStore) AppendAttempt(ctx context.Context, rec *models.AttemptRecord) error {
	return s.appendEntry(ctx, s.key("attempts", rec.ProposalID), rec)
}

func (s *RedisStore) ListAttempts(ctx context.Context, proposalID string) ([]*models.AttemptRecord, error) {
	return listEntries[models.AttemptRecord](ctx, s.client, s.key("attempts", proposalID))
}

func (s *RedisStore) AppendAsyncOutcome(ctx context.Context, o *models.AsyncOutcome) error {
	return s.appendEntry(ctx, s.key("async", o.ProposalID), o)
}

func (s *RedisStore) ListAsyncOutcomes(ctx context.Context, proposalID string) ([]*models.AsyncOutcome, error) {
	return listEntries[models.AsyncOutcome](ctx, s.client, s.key("async", proposalID))
}

// putDocument stores a definition and indexes its id in the kind's set.
func (s *RedisStore) putDocument(ctx context.Context, kind, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %q: %w", kind, id, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(kind, id), raw, 0)
		pipe.SAdd(ctx, s.key(kind+"s"), id)
		return nil
	})
	return err
}

func (s *RedisStore) listDocuments(ctx context.Context, kind string) ([][]byte, error) {
	ids, err := s.client.SMembers(ctx, s.key(kind+"s")).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(kind, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, []byte(str))
		}
	}
	return out, nil
}

func (s *RedisStore) appendEntry(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	return s.client.RPush(ctx, key, raw).Err()
}

func getDocument[T any](ctx context.Context, s *RedisStore, kind, id string) (*T, error) {
	raw, err := s.client.Get(ctx, s.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
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

func listDecoded[T any](ctx context.Context, s *RedisStore, kind string) ([]*T, error) {
	raws, err := s.listDocuments(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

func listEntries[T any](ctx context.Context, client *redis.Client, key string) ([]*T, error) {
	raws, err := client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}
