package workflow

import (
	"encoding/json"
	"testing"

	"proposal-workflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const observationWorkflow = `{
	"id": "csst-observation",
	"name": "CSST Observation",
	"version": 1,
	"initial_state": "Draft",
	"states": ["Draft", "Phase1Submitted", "Scheduling", "Phase1Confirmed"],
	"roles": ["Proposer", "Technical Expert", "Instrument Scheduler"],
	"transitions": [
		{
			"name": "submit_phase1",
			"label": "Submit Phase-1",
			"from": "Draft",
			"to": "Phase1Submitted",
			"roles": ["Proposer"],
			"conditions": {"phase_status": {"phase": "phase1", "status": "draft"}},
			"effects": {"phase": "phase1", "set_phase_status": "submitted", "record_submission_time": true}
		},
		{
			"name": "start_scheduling",
			"from": "Phase1Submitted",
			"to": "Scheduling",
			"roles": ["Technical Expert", "Instrument Scheduler"],
			"effects": {"external_tools": [{"operation_id": 7, "on_failure": "continue"}]}
		},
		{
			"name": "complete_scheduling",
			"from": "Scheduling",
			"to": "Phase1Confirmed",
			"roles": ["Technical Expert"],
			"conditions": {
				"instrument_status": {"phase": "phase1", "status": "scheduled"},
				"context.visibility.visible": true,
				"context.score": {"operator": ">=", "value": 3}
			},
			"effects": [
				{"external_tools": [{"operation_id": "sendNotification", "async": true}], "phase": "phase1", "set_phase_status": "confirmed", "record_confirmation_time": true},
				{"set_context": {"confirmed": true}, "instrument": {"phase": "phase1", "set_status": "confirmed"}}
			]
		}
	],
	"nodes": [{"id": "n1", "data": {"label": "Draft"}}]
}`

func mustParse(t *testing.T, raw string) *Definition {
	t.Helper()
	d, err := Parse([]byte(raw))
	require.NoError(t, err)
	return d
}

func TestParseCompilesConditionsAndEffects(t *testing.T) {
	d := mustParse(t, observationWorkflow)

	submit, ok := d.Transition("submit_phase1")
	require.True(t, ok)
	assert.Equal(t, []Condition{PhaseStatus{Phase: "phase1", Status: "draft"}}, submit.Conditions)
	assert.Equal(t, []Effect{SetPhaseStatus{Phase: "phase1", Status: "submitted", RecordSubmissionTime: true}}, submit.Effects)

	sched, _ := d.Transition("start_scheduling")
	assert.Equal(t, []Effect{InvokeTool{Operation: "7", OnFailure: OnFailureContinue}}, sched.Effects)

	complete, _ := d.Transition("complete_scheduling")
	assert.Equal(t, []Condition{
		InstrumentStatus{Phase: "phase1", Status: "scheduled"},
		ContextCompare{Key: "score", Operator: ">=", Value: float64(3)},
		ContextCompare{Key: "visibility.visible", Operator: "==", Value: true},
	}, complete.Conditions)

	// Canonical order inside one object, array order across objects.
	kinds := make([]string, 0, len(complete.Effects))
	for _, e := range complete.Effects {
		kinds = append(kinds, e.Kind())
	}
	assert.Equal(t, []string{KindSetPhaseStatus, KindInvokeTool, KindSetInstrumentStatus, KindWriteContext}, kinds)
	assert.Equal(t, InvokeTool{Operation: "sendNotification", Async: true, OnFailure: OnFailureContinue}, complete.Effects[1])

	assert.Len(t, d.From("Draft"), 1)
	assert.JSONEq(t, `[{"id": "n1", "data": {"label": "Draft"}}]`, string(d.Nodes))
}

func TestDefinitionRoundTrip(t *testing.T) {
	d := mustParse(t, observationWorkflow)
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	again := mustParse(t, string(raw))
	assert.Equal(t, d.Transitions[2].Conditions, again.Transitions[2].Conditions)
	assert.Equal(t, d.Transitions[2].Effects, again.Transitions[2].Effects)
}

func TestParseRejectsUnknownShapes(t *testing.T) {
	cases := map[string]string{
		"unknown effect key":    `{"id":"w","initial_state":"A","transitions":[{"name":"t","from":"A","to":"B","effects":{"send_email":true}}]}`,
		"unknown condition key": `{"id":"w","initial_state":"A","transitions":[{"name":"t","from":"A","to":"B","conditions":{"weather":"clear"}}]}`,
		"bad operator":          `{"id":"w","initial_state":"A","transitions":[{"name":"t","from":"A","to":"B","conditions":{"context.x":{"operator":"~","value":1}}}]}`,
		"phase without status":  `{"id":"w","initial_state":"A","transitions":[{"name":"t","from":"A","to":"B","effects":{"phase":"p1"}}]}`,
		"bad on_failure":        `{"id":"w","initial_state":"A","transitions":[{"name":"t","from":"A","to":"B","effects":{"external_tools":[{"operation_id":"x","on_failure":"retry"}]}}]}`,
		"missing initial state": `{"id":"w","transitions":[]}`,
		"unknown top-level key": `{"id":"w","initial_state":"A","transitions":[],"owner":"me"}`,
		"extra phase field":     `{"id":"w","initial_state":"A","transitions":[{"name":"t","from":"A","to":"B","conditions":{"phase_status":{"phase":"p","status":"s","since":"x"}}}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestParseValueFromGenericMap(t *testing.T) {
	d, err := ParseValue(map[string]any{
		"id":            "w",
		"initial_state": "A",
		"transitions": []any{
			map[string]any{"name": "go", "from": "A", "to": "B", "roles": []any{"Admin"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", d.Transitions[0].To)
}

func TestConditionsHold(t *testing.T) {
	p := &models.Proposal{
		Phases: []models.PhaseRecord{{Phase: "phase1", Status: "draft"}},
		Instruments: []models.InstrumentRecord{
			{Instrument: "CSST_IM", Phase: "phase1", Status: "scheduled"},
			{Instrument: "CSST_SPEC", Phase: "phase1", Status: "pending"},
		},
		Context: map[string]any{"score": float64(4), "visibility": map[string]any{"visible": true}},
	}

	tests := []struct {
		cond Condition
		want bool
	}{
		{PhaseStatus{Phase: "phase1", Status: "draft"}, true},
		{PhaseStatus{Phase: "phase2", Status: "draft"}, false},
		{InstrumentStatus{Instrument: "CSST_IM", Status: "scheduled"}, true},
		{InstrumentStatus{Phase: "phase1", Status: "scheduled"}, false},
		{InstrumentStatus{Phase: "phase9", Status: "scheduled"}, false},
		{ContextCompare{Key: "score", Operator: ">=", Value: 3}, true},
		{ContextCompare{Key: "visibility.visible", Operator: "==", Value: true}, true},
		{ContextCompare{Key: "missing", Operator: "!=", Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.cond.Clause(), func(t *testing.T) {
			got, err := tt.cond.Holds(p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	d := mustParse(t, observationWorkflow)

	r := Validate(d, func(ref string) bool { return ref == "7" || ref == "sendNotification" })
	assert.False(t, r.HasErrors(), r.Errors)
	assert.Empty(t, r.Warnings)

	r = Validate(d, func(ref string) bool { return ref == "7" })
	require.True(t, r.HasErrors())
	assert.Contains(t, r.Errors[0], `operation "sendNotification" does not exist`)
}

func TestValidateReportsStructuralProblems(t *testing.T) {
	d := mustParse(t, `{
		"id": "w",
		"initial_state": "Draft",
		"states": ["Draft", "Review", "Archived"],
		"roles": ["Proposer"],
		"transitions": [
			{"name": "submit", "from": "Draft", "to": "Review", "roles": ["Proposer"]},
			{"name": "submit", "from": "Review", "to": "Draft", "roles": ["Chair"]},
			{"name": "close", "from": "Review", "to": "Closed"}
		]
	}`)

	r := Validate(d, nil)
	assert.Contains(t, r.Errors, `transition "submit" is declared more than once`)
	assert.Contains(t, r.Errors, `transition "submit": role "Chair" is not declared`)
	assert.Contains(t, r.Errors, `transition "close": to state "Closed" is not declared`)
	assert.Contains(t, r.Warnings, `transition "close" has no roles and can never be triggered`)
	assert.Contains(t, r.Warnings, `state "Archived" is unreachable from "Draft"`)
	assert.Contains(t, r.Warnings, "workflow contains a cycle: Review -> Draft")
}
