package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/repository"
	"proposal-workflow/backend/pkg/models"
)

func TestLoadBuiltinSeed(t *testing.T) {
	data, err := loadSeed(builtinSeed)
	require.NoError(t, err)

	require.Len(t, data.Tools, 2)
	assert.Equal(t, models.AuthAPIKey, data.Tools[0].AuthType)
	require.Len(t, data.Operations, 3)
	assert.Equal(t, models.ToolTypeValidation, data.Operations[0].ToolType)
	assert.Len(t, data.Operations[0].InputMapping, 2)
	require.Len(t, data.Workflows, 1)
	assert.Equal(t, "Draft", data.Workflows[0].InitialState)
	assert.Len(t, data.Workflows[0].Transitions, 8)
	require.Len(t, data.Proposals, 1)
	assert.Equal(t, "csst", data.Proposals[0].WorkflowID)
}

func TestLoadSeedRejectsBadWorkflow(t *testing.T) {
	_, err := loadSeed([]byte("workflows:\n  - id: broken\n    transitions: []\n"))
	assert.Error(t, err)

	_, err = loadSeed([]byte("tools: [unterminated"))
	assert.Error(t, err)
}

func TestSeedIsRerunnable(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	data, err := loadSeed(builtinSeed)
	require.NoError(t, err)

	require.NoError(t, seed(ctx, store, data, logging.Discard()))
	require.NoError(t, seed(ctx, store, data, logging.Discard()))

	p, err := store.GetProposal(ctx, "csst-demo-001")
	require.NoError(t, err)
	assert.Equal(t, "Draft", p.Status)
	assert.Equal(t, int64(1), p.Version)

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
	assert.True(t, repository.NewCatalog(store).Exists(ctx, "sendNotification"))
}
