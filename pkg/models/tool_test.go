package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const visibilityOperation = `{
	"id": "op-visibility",
	"tool_id": "tool-visibility",
	"operation_id": "checkVisibility",
	"name": "Check Target Visibility",
	"method": "post",
	"path": "/api/v1/check/{target}",
	"parameters": {"query": ["verbose", {"name": "epoch", "required": true}], "path": [], "header": []},
	"request_body": {"type": "object", "required": ["ra", "dec"]},
	"input_mapping": {
		"path.target": "proposal.id",
		"body": {
			"ra": "context.ra",
			"dec": "context.dec",
			"kind": {"literal": "imaging"},
			"label": {"template": "Proposal {proposal.id}"}
		},
		"headers": {"X-Trace": {"query": "context.trace_id"}}
	},
	"output_mapping": {"to_context": {"visibility_result": "response"}, "context.last_check": "response.visible"},
	"timeout": 5,
	"retry_config": {"max_retries": 2, "retry_delay": 3, "retryable_codes": [500, 502, 503, 504]},
	"tool_type": "validation",
	"validation_config": {
		"failure_conditions": [{"path": "response.visible", "value": false}],
		"error_message_template": "Target is not visible: {response.reason}"
	}
}`

func TestBackoffIsCapped(t *testing.T) {
	r := RetryConfig{MaxAttempts: 64, RetryDelay: 3}

	assert.Equal(t, 3*time.Second, r.Backoff(1))
	assert.Equal(t, 48*time.Second, r.Backoff(5))
	assert.Equal(t, MaxBackoff, r.Backoff(6))
	assert.Equal(t, MaxBackoff, r.Backoff(30))
	assert.Equal(t, MaxBackoff, r.Backoff(63))
	assert.Equal(t, MaxBackoff, r.Backoff(1000))
	assert.Equal(t, MaxBackoff, RetryConfig{RetryDelay: 1e12}.Backoff(1))
	assert.Zero(t, RetryConfig{}.Backoff(3))
}

func TestDecodeOperation(t *testing.T) {
	var op ToolOperation
	require.NoError(t, json.Unmarshal([]byte(visibilityOperation), &op))

	assert.Equal(t, "POST", op.HTTPMethod())
	assert.False(t, op.Idempotent())
	assert.Equal(t, 5*time.Second, op.TimeoutDuration())
	assert.Equal(t, 3, op.RetryConfig.Attempts())
	assert.Equal(t, 3*time.Second, op.RetryConfig.Backoff(1))
	assert.Equal(t, 6*time.Second, op.RetryConfig.Backoff(2))
	assert.True(t, op.RetryConfig.RetriesStatus(503))
	assert.False(t, op.RetryConfig.RetriesStatus(501))
	assert.Equal(t, []string{"target"}, op.PathParams())
	assert.Equal(t, []string{"ra", "dec"}, op.RequiredBodyFields())
	assert.True(t, op.Parameters.Required(LocationQuery, "epoch"))
	assert.False(t, op.Parameters.Required(LocationQuery, "verbose"))

	targets := make([]string, 0, len(op.InputMapping))
	for _, e := range op.InputMapping {
		targets = append(targets, e.Target())
	}
	assert.Equal(t, []string{"body.dec", "body.kind", "body.label", "body.ra", "header.X-Trace", "path.target"}, targets)
	assert.True(t, op.InputMapping[1].Source.HasLiteral)
	assert.Equal(t, "imaging", op.InputMapping[1].Source.Literal)
	assert.Equal(t, "Proposal {proposal.id}", op.InputMapping[2].Source.Template)
	assert.Equal(t, "context.trace_id", op.InputMapping[4].Source.Query)

	assert.Equal(t, OutputMapping{
		{Key: "last_check", Source: "response.visible"},
		{Key: "visibility_result", Source: "response"},
	}, op.OutputMapping)

	require.NotNil(t, op.ValidationConfig)
	assert.True(t, op.ValidationConfig.BlocksOnFailure())
	assert.False(t, op.ValidationConfig.BlocksOnServiceError())
	assert.Equal(t, OpEqual, op.ValidationConfig.FailureConditions[0].Op())

	assert.NoError(t, ValidateOperation(&op))
}

func TestMappingRoundTripsToFlatForm(t *testing.T) {
	var op ToolOperation
	require.NoError(t, json.Unmarshal([]byte(visibilityOperation), &op))

	raw, err := json.Marshal(op)
	require.NoError(t, err)

	var again ToolOperation
	require.NoError(t, json.Unmarshal(raw, &again))
	assert.Equal(t, op.InputMapping, again.InputMapping)
	assert.Equal(t, op.OutputMapping, again.OutputMapping)
}

func TestMalformedMappings(t *testing.T) {
	cases := map[string]string{
		"unknown location": `{"input_mapping": {"cookie.session": "context.sid"}}`,
		"bad source kind":  `{"input_mapping": {"body.x": {"env": "HOME"}}}`,
		"numeric source":   `{"input_mapping": {"body.x": 42}}`,
		"empty path":       `{"input_mapping": {"body.x": ""}}`,
		"bad output":       `{"output_mapping": {"context.x": {"path": "response.x"}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var op ToolOperation
			assert.Error(t, json.Unmarshal([]byte(raw), &op))
		})
	}
}

func TestValidateOperation(t *testing.T) {
	op := &ToolOperation{
		ID:          "op-1",
		ToolID:      "tool-1",
		OperationID: "check",
		Method:      "FETCH",
		Path:        "check",
		ToolType:    "magic",
		InputMapping: InputMapping{
			{Location: LocationPath, Field: "id", Source: Source{Path: "proposal.id"}},
		},
		ValidationConfig: &ValidationConfig{
			FailureConditions: []FailureCondition{{Path: "response.ok", Operator: "~="}},
		},
	}
	err := ValidateOperation(op)
	require.Error(t, err)
	for _, want := range []string{"unsupported method", "must start with /", "unknown tool_type", "unknown operator", "path.id"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestIdempotency(t *testing.T) {
	yes := true
	assert.True(t, (&ToolOperation{Method: "GET"}).Idempotent())
	assert.True(t, (&ToolOperation{Method: "put"}).Idempotent())
	assert.False(t, (&ToolOperation{Method: "POST"}).Idempotent())
	assert.True(t, (&ToolOperation{Method: "POST", RetryConfig: RetryConfig{Idempotent: &yes}}).Idempotent())
	assert.Equal(t, 1, RetryConfig{}.Attempts())
	assert.Equal(t, 2, RetryConfig{MaxAttempts: 2, MaxRetries: 5}.Attempts())
}

func TestValidateTool(t *testing.T) {
	ok := &ExternalTool{ID: "t", Name: "Visibility", BaseURL: "https://api.example.org/v", AuthType: AuthAPIKey, AuthConfig: map[string]string{"key_value": "k"}}
	assert.NoError(t, ValidateTool(ok))
	assert.True(t, ok.Active())

	bad := &ExternalTool{ID: "t", Name: "x", BaseURL: "/relative", AuthType: "oauth"}
	err := ValidateTool(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute URL")
	assert.Contains(t, err.Error(), "unknown auth_type")
}
