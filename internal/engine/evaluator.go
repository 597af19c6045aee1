package engine

import (
	"context"
	"fmt"
	"time"

	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

// Actor is the caller of a transition.
type Actor struct {
	ID    string
	Roles []string
}

// Evaluation is the result of a transition attempt before it is committed.
type Evaluation struct {
	Transition *workflow.Transition
	From       string
	// Proposal is the new snapshot; nil when the attempt was rejected.
	Proposal *models.Proposal
	Trace    []models.EffectOutcome
	Async    []AsyncCall
}

// Evaluator checks transition eligibility and runs effects on a copy of the
// proposal.
type Evaluator struct {
	executor *Executor
	now      func() time.Time
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(executor *Executor) *Evaluator {
	return &Evaluator{executor: executor, now: time.Now}
}

// Evaluate attempts transition name on p. p is never modified; on success the
// returned Evaluation holds the snapshot to commit. params are caller-supplied
// values exposed to input mappings as "params".
func (ev *Evaluator) Evaluate(ctx context.Context, def *workflow.Definition, p *models.Proposal, name string, actor Actor, params map[string]any) (*Evaluation, error) {
	t, ok := def.Transition(name)
	if !ok {
		return nil, outcome.New(outcome.ConfigurationError, "workflow %q has no transition %q", def.ID, name)
	}
	result := &Evaluation{Transition: t, From: p.Status}

	if p.Status != t.From {
		return result, &outcome.Error{
			Kind:    outcome.ConditionNotMet,
			Message: fmt.Sprintf("proposal is in %q, transition %q requires %q", p.Status, name, t.From),
			Clause:  fmt.Sprintf("status == %s", t.From),
		}
	}
	if !t.AllowsAny(actor.Roles) {
		return result, outcome.New(outcome.RoleNotAuthorized, "roles %v may not trigger %q", actor.Roles, name)
	}
	if err := checkConditions(t, p); err != nil {
		return result, err
	}

	applied, err := ev.executor.Apply(ctx, t.Effects, p.Clone(), params)
	result.Trace = applied.Trace
	if err != nil {
		return result, err
	}
	result.Proposal = applied.Proposal.WithStatus(t.To, ev.now().UTC())
	result.Async = applied.Async
	return result, nil
}

func checkConditions(t *workflow.Transition, p *models.Proposal) error {
	for _, c := range t.Conditions {
		holds, err := c.Holds(p)
		if err != nil {
			return outcome.Wrap(outcome.ConfigurationError, err, "condition %s", c.Clause())
		}
		if !holds {
			return &outcome.Error{
				Kind:    outcome.ConditionNotMet,
				Message: fmt.Sprintf("condition not met: %s", c.Clause()),
				Clause:  c.Clause(),
			}
		}
	}
	return nil
}

// Available lists the transitions out of p's state that roles may trigger and
// whose conditions hold.
func (ev *Evaluator) Available(def *workflow.Definition, p *models.Proposal, roles []string) []*workflow.Transition {
	var out []*workflow.Transition
	for _, t := range def.From(p.Status) {
		if !t.AllowsAny(roles) {
			continue
		}
		if checkConditions(t, p) != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
