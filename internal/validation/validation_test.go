package validation

import (
	"encoding/json"
	"testing"

	"proposal-workflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

var notVisible = []models.FailureCondition{{Path: "response.visible", Operator: "==", Value: false}}

func TestClassifyBlocksOnMatch(t *testing.T) {
	resp := body(t, `{"visible": false, "reason": "below horizon"}`)

	r, err := Classify(resp, notVisible)
	require.NoError(t, err)
	assert.True(t, r.Failed())
	assert.Equal(t, "response.visible", r.Condition.Path)
	assert.Equal(t, false, r.Value)
	assert.Equal(t, "Target is not visible: below horizon", Message("Target is not visible: {response.reason}", resp, r))
}

func TestClassifyPassesWhenNothingMatches(t *testing.T) {
	r, err := Classify(body(t, `{"visible": true}`), notVisible)
	require.NoError(t, err)
	assert.Equal(t, Passed, r.Status)
	assert.Nil(t, r.Condition)
}

func TestClassifyUnresolvablePathDoesNotHold(t *testing.T) {
	conds := []models.FailureCondition{{Path: "response.missing", Operator: "!=", Value: "x"}}
	r, err := Classify(body(t, `{"visible": true}`), conds)
	require.NoError(t, err)
	assert.Equal(t, Passed, r.Status)
}

func TestClassifyOrSemantics(t *testing.T) {
	conds := []models.FailureCondition{
		{Path: "response.elevation", Operator: "<", Value: 10},
		{Path: "response.moon_distance", Operator: "<", Value: 30},
	}
	r, err := Classify(body(t, `{"elevation": 45, "moon_distance": 12}`), conds)
	require.NoError(t, err)
	assert.True(t, r.Failed())
	assert.Equal(t, "response.moon_distance", r.Condition.Path)
}

func TestClassifyUnknownOperator(t *testing.T) {
	_, err := Classify(body(t, `{"a": 1}`), []models.FailureCondition{{Path: "response.a", Operator: "~", Value: 1}})
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestClassifyNoConditions(t *testing.T) {
	r, err := Classify(body(t, `{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, Passed, r.Status)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		op       string
		expected any
		want     bool
	}{
		{"int equals float", float64(3), "==", 3, true},
		{"bool not equal", true, "!=", false, true},
		{"nil equals nil", nil, "==", nil, true},
		{"greater", 12.5, ">", 10, true},
		{"less equal", float64(10), "<=", int64(10), true},
		{"greater equal false", float64(9), ">=", 10, false},
		{"string ordering", "b", ">", "a", true},
		{"mixed kinds not ordered", "10", ">", 5, false},
		{"in list", "galaxy", "in", []any{"galaxy", "stellar"}, true},
		{"in string list", "x", "in", []string{"x"}, true},
		{"numeric in list", float64(2), "in", []any{1, 2}, true},
		{"not in list", "cosmology", "not_in", []any{"galaxy"}, true},
		{"not in on scalar", "a", "not_in", 5, false},
		{"in substring", "hor", "in", "below horizon", true},
		{"contains list", []any{"a", "b"}, "contains", "b", true},
		{"contains substring", "below horizon", "contains", "horizon", true},
		{"contains key", map[string]any{"warning": "x"}, "contains", "warning", true},
		{"contains on number", float64(1), "contains", 1, false},
		{"deep equality", map[string]any{"n": float64(1)}, "==", map[string]any{"n": 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.actual, tt.op, tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolate(t *testing.T) {
	assert.Equal(t, "cloudy", Interpolate("{response.reason}", map[string]any{"reason": "cloudy"}))
	assert.Equal(t, "", Interpolate("{response.missing}", map[string]any{}))
	assert.Equal(t, "Window 22:00-23:00", Interpolate("Window {response.window.start}-{response.window.end}",
		map[string]any{"window": map[string]any{"start": "22:00", "end": "23:00"}}))
}

func TestMessageFallback(t *testing.T) {
	resp := body(t, `{"visible": false}`)
	r, err := Classify(resp, notVisible)
	require.NoError(t, err)
	assert.Equal(t, "Validation failed: response.visible = false", Message("", resp, r))
}
