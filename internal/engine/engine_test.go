package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/toolclient"
	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

type catalog map[string]*models.ToolOperation

func (c catalog) Operation(_ context.Context, ref string) (*models.ExternalTool, *models.ToolOperation, error) {
	op, ok := c[ref]
	if !ok {
		return nil, nil, errors.New("not found")
	}
	return testTool, op, nil
}

var testTool = &models.ExternalTool{ID: "astro", Name: "Astro", AuthType: models.AuthNone}

type recorder struct {
	mu       sync.Mutex
	outcomes []*models.AsyncOutcome
}

func (r *recorder) AppendAsyncOutcome(_ context.Context, o *models.AsyncOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

const testWorkflow = `{
	"id": "csst",
	"initial_state": "Draft",
	"states": ["Draft", "Submitted", "Scheduling", "Confirmed"],
	"roles": ["Proposer", "Technical Expert"],
	"transitions": [
		{
			"name": "submit_phase1", "from": "Draft", "to": "Submitted", "roles": ["Proposer"],
			"conditions": {"phase_status": {"phase": "phase1", "status": "draft"}},
			"effects": {"phase": "phase1", "set_phase_status": "submitted", "record_submission_time": true}
		},
		{
			"name": "check_target", "from": "Submitted", "to": "Scheduling", "roles": ["Technical Expert"],
			"effects": [
				{"set_context": {"touched": true}, "instrument": {"phase": "phase1", "set_status": "checking"}},
				{"external_tools": [{"operation_id": "checkVisibility"}]}
			]
		},
		{
			"name": "schedule", "from": "Submitted", "to": "Scheduling", "roles": ["Technical Expert"],
			"effects": {"external_tools": [{"operation_id": "scheduleTargets"}], "set_context": {"scheduling": true}}
		},
		{
			"name": "schedule_strict", "from": "Submitted", "to": "Scheduling", "roles": ["Technical Expert"],
			"effects": {"external_tools": [{"operation_id": "scheduleTargets", "on_failure": "abort"}]}
		},
		{
			"name": "confirm", "from": "Scheduling", "to": "Confirmed", "roles": ["Technical Expert"],
			"conditions": {"context.last_check": true},
			"effects": {"external_tools": [{"operation_id": "sendNotification", "async": true}], "phase": "phase1", "set_phase_status": "confirmed"}
		},
		{
			"name": "broken", "from": "Submitted", "to": "Scheduling", "roles": ["Technical Expert"],
			"effects": {"external_tools": [{"operation_id": "ghost"}]}
		}
	]
}`

func newFixture(t *testing.T, handler http.HandlerFunc) (*Evaluator, *workflow.Definition, catalog) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	testTool.BaseURL = srv.URL

	def, err := workflow.Parse([]byte(testWorkflow))
	require.NoError(t, err)

	ops := catalog{}
	for _, raw := range []string{
		`{"id": "1", "operation_id": "checkVisibility", "method": "GET", "path": "/visibility",
		  "tool_type": "validation",
		  "validation_config": {
			"block_on_failure": true,
			"failure_conditions": [{"path": "response.visible", "operator": "==", "value": false}],
			"error_message_template": "Target is not visible: {response.reason}"
		  },
		  "output_mapping": {"context.last_check": "response.visible"}}`,
		`{"id": "2", "operation_id": "scheduleTargets", "method": "POST", "path": "/schedule", "tool_type": "data_processing",
		  "input_mapping": {"body.proposal": "proposal.id"}}`,
		`{"id": "3", "operation_id": "sendNotification", "method": "POST", "path": "/notify", "tool_type": "notification",
		  "input_mapping": {"body.status": "proposal.status"}}`,
	} {
		var op models.ToolOperation
		require.NoError(t, json.Unmarshal([]byte(raw), &op))
		ops[op.OperationID] = &op
	}

	client := toolclient.New(toolclient.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return NewEvaluator(NewExecutor(ops, client, nil)), def, ops
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func draftProposal() *models.Proposal {
	return &models.Proposal{
		ID:          "p-1",
		WorkflowID:  "csst",
		Status:      "Draft",
		Phases:      []models.PhaseRecord{{Phase: "phase1", Status: "draft"}},
		Instruments: []models.InstrumentRecord{{Instrument: "CSST_IM", Phase: "phase1", Status: "pending"}},
		Context:     map[string]any{"target": "M31"},
		Version:     3,
	}
}

func inState(status string) *models.Proposal {
	p := draftProposal()
	p.Status = status
	return p
}

var (
	proposer = Actor{ID: "ada@example.org", Roles: []string{"Proposer"}}
	expert   = Actor{ID: "tex@example.org", Roles: []string{"Technical Expert"}}
)

func TestEvaluateSubmitsPhase(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{}`))
	p := draftProposal()

	res, err := ev.Evaluate(context.Background(), def, p, "submit_phase1", proposer, nil)
	require.NoError(t, err)
	assert.Equal(t, "Submitted", res.Proposal.Status)
	assert.Equal(t, "Draft", res.From)

	phase, ok := res.Proposal.Phase("phase1")
	require.True(t, ok)
	assert.Equal(t, "submitted", phase.Status)
	assert.NotNil(t, phase.SubmittedAt)
	assert.Nil(t, phase.ConfirmedAt)

	// Input is untouched.
	assert.Equal(t, "Draft", p.Status)
	assert.Equal(t, "draft", p.Phases[0].Status)
	require.Len(t, res.Trace, 1)
	assert.Equal(t, models.EffectApplied, res.Trace[0].Status)
}

func TestEvaluateRejectsWrongState(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{}`))
	p := inState("Submitted")
	before := p.Clone()

	res, err := ev.Evaluate(context.Background(), def, p, "submit_phase1", proposer, nil)
	require.Error(t, err)
	assert.True(t, outcome.Is(err, outcome.ConditionNotMet))
	oe, _ := outcome.As(err)
	assert.Equal(t, "status == Draft", oe.Clause)
	assert.Nil(t, res.Proposal)
	assert.Equal(t, before, p)
}

func TestEvaluateRejectsRole(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{}`))

	_, err := ev.Evaluate(context.Background(), def, draftProposal(), "submit_phase1", expert, nil)
	assert.True(t, outcome.Is(err, outcome.RoleNotAuthorized))
}

func TestEvaluateReportsFailingClause(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{}`))
	p := draftProposal()
	p.Phases[0].Status = "submitted"

	_, err := ev.Evaluate(context.Background(), def, p, "submit_phase1", proposer, nil)
	require.Error(t, err)
	oe, ok := outcome.As(err)
	require.True(t, ok)
	assert.Equal(t, outcome.ConditionNotMet, oe.Kind)
	assert.Equal(t, "phase_status: phase1 == draft", oe.Clause)
}

func TestEvaluateUnknownTransition(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{}`))

	_, err := ev.Evaluate(context.Background(), def, draftProposal(), "teleport", proposer, nil)
	assert.True(t, outcome.Is(err, outcome.ConfigurationError))
}

func TestBlockingValidationRollsBack(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{"visible": false, "reason": "below horizon"}`))
	p := inState("Submitted")
	before := p.Clone()

	res, err := ev.Evaluate(context.Background(), def, p, "check_target", expert, nil)
	require.Error(t, err)
	oe, ok := outcome.As(err)
	require.True(t, ok)
	assert.Equal(t, outcome.ValidationFailed, oe.Kind)
	assert.Equal(t, "Target is not visible: below horizon", oe.Message)
	assert.Equal(t, "checkVisibility", oe.OperationID)

	assert.Nil(t, res.Proposal)
	assert.Equal(t, before, p)

	// The trace still explains the rejection.
	require.Len(t, res.Trace, 3)
	assert.Equal(t, models.EffectApplied, res.Trace[0].Status)
	assert.Equal(t, models.EffectApplied, res.Trace[1].Status)
	assert.Equal(t, models.EffectAborted, res.Trace[2].Status)
	assert.Equal(t, string(outcome.ValidationFailed), res.Trace[2].ErrorType)
	require.NotNil(t, res.Trace[2].Execution)
	assert.Equal(t, "failed", res.Trace[2].Execution.Classification)
}

func TestPassingValidationMapsOutput(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{"visible": true}`))

	res, err := ev.Evaluate(context.Background(), def, inState("Submitted"), "check_target", expert, nil)
	require.NoError(t, err)
	assert.Equal(t, "Scheduling", res.Proposal.Status)
	assert.Equal(t, true, res.Proposal.Context["last_check"])
	assert.Equal(t, true, res.Proposal.Context["touched"])
	assert.Equal(t, "checking", res.Proposal.Instruments[0].Status)
}

func withOutputMapping(t *testing.T, ops catalog, ref, mapping string) {
	t.Helper()
	op := *ops[ref]
	require.NoError(t, json.Unmarshal([]byte(mapping), &op.OutputMapping))
	ops[ref] = &op
}

func TestNestedOutputKeepsSiblingContext(t *testing.T) {
	ev, def, ops := newFixture(t, jsonHandler(200, `{"visible": true}`))
	withOutputMapping(t, ops, "checkVisibility", `{"context.checks.visible": "response.visible", "context.last_check": "response.visible"}`)

	p := inState("Submitted")
	p.Context["checks"] = map[string]any{"prior": "kept"}

	res, err := ev.Evaluate(context.Background(), def, p, "check_target", expert, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"prior": "kept", "visible": true}, res.Proposal.Context["checks"])
	assert.Equal(t, true, res.Proposal.Context["last_check"])
	assert.Equal(t, "M31", res.Proposal.Context["target"])
	assert.Equal(t, map[string]any{"prior": "kept"}, p.Context["checks"], "input snapshot must not change")
}

func TestOutputIntoScalarContextIsMappingError(t *testing.T) {
	ev, def, ops := newFixture(t, jsonHandler(200, `{"visible": true}`))
	withOutputMapping(t, ops, "checkVisibility", `{"context.target.visible": "response.visible"}`)

	_, err := ev.Evaluate(context.Background(), def, inState("Submitted"), "check_target", expert, nil)
	assert.Equal(t, outcome.MappingError, outcome.KindOf(err))
}

func TestFailedCallContinuesByDefault(t *testing.T) {
	var hits int32
	ev, def, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	res, err := ev.Evaluate(context.Background(), def, inState("Submitted"), "schedule", expert, nil)
	require.NoError(t, err)
	assert.Equal(t, "Scheduling", res.Proposal.Status)
	assert.Equal(t, true, res.Proposal.Context["scheduling"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	var toolLine models.EffectOutcome
	for _, line := range res.Trace {
		if line.Kind == workflow.KindInvokeTool {
			toolLine = line
		}
	}
	assert.Equal(t, models.EffectFailed, toolLine.Status)
	assert.Equal(t, string(outcome.ServiceUnavailable), toolLine.ErrorType)
}

func TestFailedCallAbortsWhenConfigured(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(http.StatusConflict, `{"error": "slot taken"}`))

	res, err := ev.Evaluate(context.Background(), def, inState("Submitted"), "schedule_strict", expert, nil)
	assert.True(t, outcome.Is(err, outcome.ClientRejected))
	assert.Nil(t, res.Proposal)
}

func TestBlockOnServiceError(t *testing.T) {
	ev, def, ops := newFixture(t, jsonHandler(http.StatusServiceUnavailable, `{}`))

	res, err := ev.Evaluate(context.Background(), def, inState("Submitted"), "check_target", expert, nil)
	require.NoError(t, err, "service errors do not block by default")
	assert.NotContains(t, res.Proposal.Context, "last_check")

	ops["checkVisibility"].ValidationConfig.BlockOnServiceError = true
	_, err = ev.Evaluate(context.Background(), def, inState("Submitted"), "check_target", expert, nil)
	assert.True(t, outcome.Is(err, outcome.ServiceUnavailable))
}

func TestUnresolvableOperationIsConfigurationError(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{}`))

	_, err := ev.Evaluate(context.Background(), def, inState("Submitted"), "broken", expert, nil)
	assert.True(t, outcome.Is(err, outcome.ConfigurationError))
}

func TestCancelledCallerDiscardsResult(t *testing.T) {
	var hits int32
	ev, def, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = io.WriteString(w, `{"visible": true}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ev.Evaluate(ctx, def, inState("Submitted"), "check_target", expert, nil)
	assert.True(t, outcome.Is(err, outcome.ServiceUnavailable))
	assert.Nil(t, res.Proposal)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "the in-flight request still completes")
}

func TestAsyncCallIsDeferredAndRecorded(t *testing.T) {
	var body atomic.Value
	ev, def, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))
		w.WriteHeader(http.StatusAccepted)
	})
	p := inState("Scheduling")
	p.Context["last_check"] = true

	res, err := ev.Evaluate(context.Background(), def, p, "confirm", expert, nil)
	require.NoError(t, err)
	require.Len(t, res.Async, 1)
	assert.Nil(t, body.Load(), "async calls wait for the commit")
	require.Len(t, res.Trace, 2)
	assert.Equal(t, models.EffectScheduled, res.Trace[1].Status)

	rec := &recorder{}
	d := NewDispatcher(toolclient.New(), rec, 2, nil)
	d.Dispatch(Job{AttemptID: "a-1", ProposalID: p.ID, Transition: "confirm", Call: res.Async[0]})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	require.Len(t, rec.outcomes, 1)
	got := rec.outcomes[0]
	assert.Equal(t, "a-1", got.AttemptID)
	assert.Equal(t, "sendNotification", got.OperationID)
	assert.Equal(t, models.AsyncSuccess, got.Status)
	// The call saw the snapshot as it was when the effect was reached.
	assert.JSONEq(t, `{"status": "Scheduling"}`, body.Load().(string))
}

func TestAvailable(t *testing.T) {
	ev, def, _ := newFixture(t, jsonHandler(200, `{}`))

	names := func(ts []*workflow.Transition) []string {
		out := []string{}
		for _, t := range ts {
			out = append(out, t.Name)
		}
		return out
	}
	assert.Equal(t, []string{"submit_phase1"}, names(ev.Available(def, draftProposal(), proposer.Roles)))
	assert.Empty(t, names(ev.Available(def, draftProposal(), expert.Roles)))
	assert.Empty(t, names(ev.Available(def, inState("Scheduling"), expert.Roles)), "context.last_check is unset")
	assert.Equal(t, []string{"check_target", "schedule", "schedule_strict", "broken"},
		names(ev.Available(def, inState("Submitted"), expert.Roles)))
}

func TestCallStatus(t *testing.T) {
	assert.Equal(t, models.AsyncSuccess, CallStatus(&toolclient.Result{}, nil))
	assert.Equal(t, models.AsyncServiceError, CallStatus(nil, outcome.New(outcome.ServiceUnavailable, "down")))
	assert.Equal(t, models.AsyncServiceError, CallStatus(nil, outcome.New(outcome.ClientRejected, "400")))
	assert.Equal(t, models.AsyncFailed, CallStatus(nil, outcome.New(outcome.MappingError, "bad")))
}
