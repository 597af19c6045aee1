package models

import "time"

// Effect outcome statuses recorded in an attempt trace.
const (
	EffectApplied   = "applied"
	EffectSkipped   = "skipped"
	EffectFailed    = "failed"
	EffectAborted   = "aborted"
	EffectScheduled = "scheduled"
)

// Async outcome statuses.
const (
	AsyncSuccess          = "success"
	AsyncFailed           = "failed"
	AsyncValidationFailed = "validation_failed"
	AsyncServiceError     = "service_error"
)

// AttemptRecord is the audit entry written for every transition attempt,
// successful or not.
type AttemptRecord struct {
	ID         string          `json:"id"`
	ProposalID string          `json:"proposal_id"`
	Transition string          `json:"transition"`
	Actor      string          `json:"actor"`
	ActorRoles []string        `json:"actor_roles,omitempty"`
	FromStatus string          `json:"from_status"`
	ToStatus   string          `json:"to_status,omitempty"`
	Success    bool            `json:"success"`
	ErrorType  string          `json:"error_type,omitempty"`
	Error      string          `json:"error,omitempty"`
	Clause     string          `json:"clause,omitempty"`
	Effects    []EffectOutcome `json:"effects,omitempty"`
	// Retried is set when the attempt was re-evaluated after losing a write race.
	Retried    bool      `json:"retried,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// EffectOutcome is one line of an attempt's effect trace.
type EffectOutcome struct {
	Index       int            `json:"index"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Detail      string         `json:"detail,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	ErrorType   string         `json:"error_type,omitempty"`
	Execution   *ToolExecution `json:"execution,omitempty"`
}

// ToolExecution records one External Tool Client call, including retries.
type ToolExecution struct {
	OperationID    string            `json:"operation_id"`
	ToolID         string            `json:"tool_id"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    any               `json:"request_body,omitempty"`
	StatusCode     int               `json:"status_code,omitempty"`
	Response       any               `json:"response,omitempty"`
	Attempts       int               `json:"attempts"`
	SchemaErrors   []string          `json:"schema_errors,omitempty"`
	Classification string            `json:"classification,omitempty"`
	MappedOutput   map[string]any    `json:"mapped_output,omitempty"`
	ErrorType      string            `json:"error_type,omitempty"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	DurationMS     int64             `json:"duration_ms"`
}

// AsyncOutcome is the terminal result of a background tool call, keyed by the
// attempt that scheduled it.
type AsyncOutcome struct {
	AttemptID   string         `json:"attempt_id"`
	ProposalID  string         `json:"proposal_id"`
	Transition  string         `json:"transition"`
	OperationID string         `json:"operation_id"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Execution   *ToolExecution `json:"execution,omitempty"`
	FinishedAt  time.Time      `json:"finished_at"`
}
