package models

import (
	"encoding/json"
	"time"
)

// Phase statuses used by the built-in workflows. Definitions may use others.
const (
	PhaseStatusDraft     = "draft"
	PhaseStatusSubmitted = "submitted"
	PhaseStatusConfirmed = "confirmed"
)

// Proposal is the business entity moved through a workflow. A Proposal value
// is treated as an immutable snapshot: the With* methods return modified
// deep copies and never touch the receiver.
type Proposal struct {
	ID          string             `json:"id"`
	WorkflowID  string             `json:"workflow_id"`
	Title       string             `json:"title"`
	Author      string             `json:"author,omitempty"`
	Status      string             `json:"status"`
	Phases      []PhaseRecord      `json:"phases"`
	Instruments []InstrumentRecord `json:"instruments"`
	Context     map[string]any     `json:"context"`
	Version     int64              `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// PhaseRecord tracks one phase of a proposal.
type PhaseRecord struct {
	Phase       string         `json:"phase"`
	Status      string         `json:"status"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// InstrumentRecord tracks one instrument requested by a proposal.
type InstrumentRecord struct {
	Instrument string         `json:"instrument"`
	Phase      string         `json:"phase,omitempty"`
	Status     string         `json:"status"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
	FormData   map[string]any `json:"form_data,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	if p.Phases != nil {
		c.Phases = make([]PhaseRecord, len(p.Phases))
		for i, ph := range p.Phases {
			ph.UpdatedAt = cloneTime(ph.UpdatedAt)
			ph.SubmittedAt = cloneTime(ph.SubmittedAt)
			ph.ConfirmedAt = cloneTime(ph.ConfirmedAt)
			ph.Payload = CloneMap(ph.Payload)
			c.Phases[i] = ph
		}
	}
	if p.Instruments != nil {
		c.Instruments = make([]InstrumentRecord, len(p.Instruments))
		for i, in := range p.Instruments {
			in.UpdatedAt = cloneTime(in.UpdatedAt)
			in.FormData = CloneMap(in.FormData)
			c.Instruments[i] = in
		}
	}
	c.Context = CloneMap(p.Context)
	return &c
}

// Phase returns the record for the named phase.
func (p *Proposal) Phase(name string) (PhaseRecord, bool) {
	for _, ph := range p.Phases {
		if ph.Phase == name {
			return ph, true
		}
	}
	return PhaseRecord{}, false
}

// MatchingInstruments returns the instrument records matching the filter.
// Empty filter fields match everything.
func (p *Proposal) MatchingInstruments(instrument, phase string) []InstrumentRecord {
	var out []InstrumentRecord
	for _, in := range p.Instruments {
		if instrument != "" && in.Instrument != instrument {
			continue
		}
		if phase != "" && in.Phase != phase {
			continue
		}
		out = append(out, in)
	}
	return out
}

// WithStatus returns a copy of p in the given workflow state.
func (p *Proposal) WithStatus(status string, at time.Time) *Proposal {
	c := p.Clone()
	c.Status = status
	c.UpdatedAt = at
	return c
}

// PhaseUpdate describes a phase status change.
type PhaseUpdate struct {
	Phase              string
	Status             string
	RecordSubmission   bool
	RecordConfirmation bool
}

// WithPhaseStatus returns a copy of p with the phase status applied. A missing
// phase record is appended.
func (p *Proposal) WithPhaseStatus(u PhaseUpdate, at time.Time) *Proposal {
	c := p.Clone()
	idx := -1
	for i := range c.Phases {
		if c.Phases[i].Phase == u.Phase {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.Phases = append(c.Phases, PhaseRecord{Phase: u.Phase})
		idx = len(c.Phases) - 1
	}
	ph := &c.Phases[idx]
	ph.Status = u.Status
	ph.UpdatedAt = timePtr(at)
	if u.RecordSubmission {
		ph.SubmittedAt = timePtr(at)
	}
	if u.RecordConfirmation {
		ph.ConfirmedAt = timePtr(at)
	}
	return c
}

// WithInstrumentStatus returns a copy of p where every instrument record
// matching the filter carries status, and the number of records updated.
func (p *Proposal) WithInstrumentStatus(instrument, phase, status string, at time.Time) (*Proposal, int) {
	c := p.Clone()
	n := 0
	for i := range c.Instruments {
		in := &c.Instruments[i]
		if instrument != "" && in.Instrument != instrument {
			continue
		}
		if phase != "" && in.Phase != phase {
			continue
		}
		in.Status = status
		in.UpdatedAt = timePtr(at)
		n++
	}
	return c, n
}

// WithContext returns a copy of p with values merged into its context.
func (p *Proposal) WithContext(values map[string]any) *Proposal {
	c := p.Clone()
	if c.Context == nil {
		c.Context = make(map[string]any, len(values))
	}
	for k, v := range values {
		c.Context[k] = CloneValue(v)
	}
	return c
}

// Document renders p as a generic JSON value for path resolution. Phases are
// also exposed by name under "phase", and "data" aliases the context.
func (p *Proposal) Document() map[string]any {
	raw, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any{}
	}
	byName := make(map[string]any, len(p.Phases))
	if list, ok := doc["phases"].([]any); ok {
		for _, item := range list {
			if rec, ok := item.(map[string]any); ok {
				if name, ok := rec["phase"].(string); ok {
					byName[name] = rec
				}
			}
		}
	}
	doc["phase"] = byName
	doc["data"] = doc["context"]
	return doc
}

// CloneMap deep-copies a JSON object.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a generic JSON value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return val
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
