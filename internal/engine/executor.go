// Package engine evaluates workflow transitions against proposal snapshots and
// applies their effects.
package engine

import (
	"context"
	"fmt"
	"time"

	"proposal-workflow/backend/internal/jsonpath"
	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/toolclient"
	"proposal-workflow/backend/internal/validation"
	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

// Catalog resolves the operation a tool effect references, by id or by
// operation_id.
type Catalog interface {
	Operation(ctx context.Context, ref string) (*models.ExternalTool, *models.ToolOperation, error)
}

// Invoker calls an external tool operation.
type Invoker interface {
	Invoke(ctx context.Context, tool *models.ExternalTool, op *models.ToolOperation, source map[string]any) (*toolclient.Result, error)
}

// AsyncCall is a tool effect deferred until the attempt commits. Source is the
// mapping document captured when the effect was reached.
type AsyncCall struct {
	Index  int
	Tool   *models.ExternalTool
	Op     *models.ToolOperation
	Source map[string]any
}

// Applied is the result of running an effect list.
type Applied struct {
	Proposal *models.Proposal
	Trace    []models.EffectOutcome
	Async    []AsyncCall
}

// Executor applies effects to proposal snapshots.
type Executor struct {
	catalog Catalog
	tools   Invoker
	logger  *logging.Logger
	now     func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(catalog Catalog, tools Invoker, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{catalog: catalog, tools: tools, logger: logger, now: time.Now}
}

// Apply runs effects in declared order against snapshot, which is never
// modified. On abort the returned Applied carries the trace up to and
// including the aborting effect, and no proposal.
func (x *Executor) Apply(ctx context.Context, effects []workflow.Effect, snapshot *models.Proposal, params map[string]any) (*Applied, error) {
	out := &Applied{Proposal: snapshot}
	at := x.now().UTC()

	for i, eff := range effects {
		line := models.EffectOutcome{Index: i, Kind: eff.Kind(), Status: models.EffectApplied}

		switch e := eff.(type) {
		case workflow.SetPhaseStatus:
			out.Proposal = out.Proposal.WithPhaseStatus(models.PhaseUpdate{
				Phase:              e.Phase,
				Status:             e.Status,
				RecordSubmission:   e.RecordSubmissionTime,
				RecordConfirmation: e.RecordConfirmationTime,
			}, at)
			line.Detail = fmt.Sprintf("%s -> %s", e.Phase, e.Status)

		case workflow.SetInstrumentStatus:
			var n int
			out.Proposal, n = out.Proposal.WithInstrumentStatus(e.Instrument, e.Phase, e.Status, at)
			line.Detail = fmt.Sprintf("%d instrument record(s) -> %s", n, e.Status)

		case workflow.WriteContext:
			out.Proposal = out.Proposal.WithContext(e.Values)
			line.Detail = fmt.Sprintf("%d key(s) written", len(e.Values))

		case workflow.InvokeTool:
			next, err := x.invoke(ctx, i, e, out, &line, params)
			if err != nil {
				line.Status = models.EffectAborted
				line.ErrorType = string(outcome.KindOf(err))
				line.Detail = err.Error()
				out.Trace = append(out.Trace, line)
				out.Proposal = nil
				return out, err
			}
			out.Proposal = next

		default:
			err := outcome.New(outcome.ConfigurationError, "unsupported effect %T", eff)
			line.Status = models.EffectAborted
			line.ErrorType = string(outcome.ConfigurationError)
			out.Trace = append(out.Trace, line)
			out.Proposal = nil
			return out, err
		}
		out.Trace = append(out.Trace, line)
	}
	return out, nil
}

// invoke handles one tool effect and returns the snapshot that follows it.
func (x *Executor) invoke(ctx context.Context, index int, e workflow.InvokeTool, out *Applied, line *models.EffectOutcome, params map[string]any) (*models.Proposal, error) {
	p := out.Proposal
	line.OperationID = e.Operation

	tool, op, err := x.catalog.Operation(ctx, e.Operation)
	if err != nil {
		return nil, asConfigurationError(err, e.Operation)
	}
	line.OperationID = op.OperationID
	source := MappingSource(p, params)

	if e.Async {
		out.Async = append(out.Async, AsyncCall{Index: index, Tool: tool, Op: op, Source: source})
		line.Status = models.EffectScheduled
		line.Detail = "dispatched after commit"
		return p, nil
	}

	// The request may not be cancelled mid-flight against a third party, so
	// it runs detached and the result is dropped if the caller has gone.
	res, err := x.tools.Invoke(context.WithoutCancel(ctx), tool, op, source)
	if res != nil {
		line.Execution = res.Execution
	}
	if cerr := ctx.Err(); cerr != nil {
		x.logger.Warn("discarding tool result, attempt was cancelled",
			"operation", op.OperationID, "error", err)
		return nil, outcome.Wrap(outcome.ServiceUnavailable, cerr, "attempt cancelled while %s was in flight", op.OperationID).WithOperation(op.OperationID)
	}

	if err != nil {
		return x.onCallError(e, op, line, err, p)
	}

	if res.Validation != nil && res.Validation.Failed() {
		cfg := op.ValidationConfig
		msg := validation.Message(cfg.ErrorMessageTemplate, res.Body, *res.Validation)
		if cfg.BlocksOnFailure() || e.Aborts() {
			return nil, (&outcome.Error{Kind: outcome.ValidationFailed, Message: msg}).WithOperation(op.OperationID)
		}
		line.Status = models.EffectFailed
		line.ErrorType = string(outcome.ValidationFailed)
		line.Detail = msg
		x.logger.Info("non-blocking validation failed", "operation", op.OperationID, "message", msg)
		return p, nil
	}

	if len(res.Outputs) > 0 {
		next, err := mergeOutputs(p, res.Outputs)
		if err != nil {
			return nil, outcome.Wrap(outcome.MappingError, err, "output_mapping of %s", op.OperationID).WithOperation(op.OperationID)
		}
		p = next
		line.Detail = fmt.Sprintf("%d output key(s) mapped", len(res.Outputs))
	}
	return p, nil
}

// mergeOutputs writes each mapped value at its context path, leaving
// sibling keys of nested objects in place.
func mergeOutputs(p *models.Proposal, outputs []toolclient.Output) (*models.Proposal, error) {
	next := p.WithContext(nil)
	for _, o := range outputs {
		if err := jsonpath.Assign(next.Context, o.Key, models.CloneValue(o.Value)); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// onCallError decides whether a failed call aborts the attempt.
func (x *Executor) onCallError(e workflow.InvokeTool, op *models.ToolOperation, line *models.EffectOutcome, err error, p *models.Proposal) (*models.Proposal, error) {
	kind := outcome.KindOf(err)
	switch {
	case kind == outcome.ConfigurationError:
		x.logger.Error("tool operation misconfigured", "operation", op.OperationID, "error", err)
		return nil, err
	case op.IsValidation() && isServiceError(kind) && op.ValidationConfig.BlocksOnServiceError():
		return nil, err
	case e.Aborts():
		return nil, err
	}
	line.Status = models.EffectFailed
	line.ErrorType = string(kind)
	line.Detail = err.Error()
	x.logger.Info("tool effect failed, continuing", "operation", op.OperationID, "error_type", kind)
	return p, nil
}

func isServiceError(kind outcome.Kind) bool {
	return kind == outcome.ServiceUnavailable || kind == outcome.ClientRejected
}

func asConfigurationError(err error, ref string) error {
	if oe, ok := outcome.As(err); ok && oe.Kind == outcome.ConfigurationError {
		return oe
	}
	return outcome.Wrap(outcome.ConfigurationError, err, "operation %q cannot be resolved", ref).WithOperation(ref)
}

// MappingSource builds the document input mappings resolve against:
// "proposal" (with "data" aliasing the context), "context" and "params".
func MappingSource(p *models.Proposal, params map[string]any) map[string]any {
	doc := p.Document()
	ctxDoc, _ := doc["context"].(map[string]any)
	if ctxDoc == nil {
		ctxDoc = map[string]any{}
	}
	src := map[string]any{
		"proposal": doc,
		"context":  ctxDoc,
	}
	if params != nil {
		src["params"] = models.CloneMap(params)
	}
	return src
}
