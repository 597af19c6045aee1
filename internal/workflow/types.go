// Package workflow holds workflow definitions: the states of a proposal and
// the guarded transitions between them. Raw condition and effect objects are
// compiled into closed sets of typed variants when a definition is parsed.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"proposal-workflow/backend/internal/jsonpath"
	"proposal-workflow/backend/internal/validation"
	"proposal-workflow/backend/pkg/models"
)

// Definition is a parsed workflow. It is read-only once parsed.
type Definition struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	Version      int          `json:"version,omitempty"`
	InitialState string       `json:"initial_state"`
	States       []string     `json:"states,omitempty"`
	Roles        []string     `json:"roles,omitempty"`
	Transitions  []Transition `json:"transitions"`
	// Nodes and Edges carry editor layout and are not interpreted.
	Nodes     json.RawMessage `json:"nodes,omitempty"`
	Edges     json.RawMessage `json:"edges,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// Transition is one guarded edge. The raw conditions and effects are kept for
// storage; Conditions and Effects are their compiled forms.
type Transition struct {
	Name          string          `json:"name"`
	Label         string          `json:"label,omitempty"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Roles         []string        `json:"roles,omitempty"`
	RawConditions json.RawMessage `json:"conditions,omitempty"`
	RawEffects    json.RawMessage `json:"effects,omitempty"`

	Conditions []Condition `json:"-"`
	Effects    []Effect    `json:"-"`
}

// Transition looks up a transition by name.
func (d *Definition) Transition(name string) (*Transition, bool) {
	for i := range d.Transitions {
		if d.Transitions[i].Name == name {
			return &d.Transitions[i], true
		}
	}
	return nil, false
}

// From returns the transitions leaving state, in declaration order.
func (d *Definition) From(state string) []*Transition {
	var out []*Transition
	for i := range d.Transitions {
		if d.Transitions[i].From == state {
			out = append(out, &d.Transitions[i])
		}
	}
	return out
}

// AllowsAny reports whether any of roles may trigger t.
func (t *Transition) AllowsAny(roles []string) bool {
	for _, r := range roles {
		for _, allowed := range t.Roles {
			if r == allowed {
				return true
			}
		}
	}
	return false
}

// Condition is a structural predicate over a proposal.
type Condition interface {
	// Holds evaluates the predicate. An error means the condition itself is
	// malformed.
	Holds(p *models.Proposal) (bool, error)
	// Clause names the predicate for error reporting.
	Clause() string
}

// PhaseStatus holds when the named phase exists and carries Status.
type PhaseStatus struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
}

func (c PhaseStatus) Holds(p *models.Proposal) (bool, error) {
	ph, ok := p.Phase(c.Phase)
	return ok && ph.Status == c.Status, nil
}

func (c PhaseStatus) Clause() string {
	return fmt.Sprintf("phase_status: %s == %s", c.Phase, c.Status)
}

// InstrumentStatus holds when at least one instrument record matches the
// filter and every matching record carries Status.
type InstrumentStatus struct {
	Instrument string `json:"instrument,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Status     string `json:"status"`
}

func (c InstrumentStatus) Holds(p *models.Proposal) (bool, error) {
	recs := p.MatchingInstruments(c.Instrument, c.Phase)
	if len(recs) == 0 {
		return false, nil
	}
	for _, r := range recs {
		if r.Status != c.Status {
			return false, nil
		}
	}
	return true, nil
}

func (c InstrumentStatus) Clause() string {
	scope := c.Instrument
	if scope == "" {
		scope = "*"
	}
	if c.Phase != "" {
		scope += "@" + c.Phase
	}
	return fmt.Sprintf("instrument_status: %s == %s", scope, c.Status)
}

// ContextCompare compares a context value. Key may be a dotted path into the
// context. A missing key never holds.
type ContextCompare struct {
	Key      string
	Operator string
	Value    any
}

func (c ContextCompare) Holds(p *models.Proposal) (bool, error) {
	v, ok := jsonpath.Resolve(p.Context, c.Key)
	if !ok {
		return false, nil
	}
	return validation.Compare(v, c.Operator, c.Value)
}

func (c ContextCompare) Clause() string {
	return fmt.Sprintf("context.%s %s %s", c.Key, c.Operator, jsonpath.Stringify(c.Value))
}

// Effect kinds.
const (
	KindSetPhaseStatus      = "set_phase_status"
	KindSetInstrumentStatus = "set_instrument_status"
	KindWriteContext        = "write_context"
	KindInvokeTool          = "invoke_tool"
)

// Effect is one action taken when a transition is applied.
type Effect interface {
	Kind() string
}

// SetPhaseStatus updates (or creates) a phase record.
type SetPhaseStatus struct {
	Phase                  string
	Status                 string
	RecordSubmissionTime   bool
	RecordConfirmationTime bool
}

func (SetPhaseStatus) Kind() string { return KindSetPhaseStatus }

// SetInstrumentStatus updates every instrument record matching the filter.
type SetInstrumentStatus struct {
	Instrument string
	Phase      string
	Status     string
}

func (SetInstrumentStatus) Kind() string { return KindSetInstrumentStatus }

// WriteContext merges values into the proposal context.
type WriteContext struct {
	Values map[string]any
}

func (WriteContext) Kind() string { return KindWriteContext }

// Failure policies of a tool invocation.
const (
	OnFailureContinue = "continue"
	OnFailureAbort    = "abort"
)

// InvokeTool calls an external tool operation. Operation references either
// the operation's id or its operation_id.
type InvokeTool struct {
	Operation string
	Async     bool
	OnFailure string
}

func (InvokeTool) Kind() string { return KindInvokeTool }

// Aborts reports whether a non-blocking failure aborts the attempt.
func (e InvokeTool) Aborts() bool { return e.OnFailure == OnFailureAbort }
