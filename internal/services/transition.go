package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proposal-workflow/backend/internal/engine"
	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/metrics"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/repository"
	"proposal-workflow/backend/pkg/models"
)

const instrumentationName = "proposal-workflow/backend/internal/services"

// Dispatcher schedules background tool calls after an attempt commits.
type Dispatcher interface {
	Dispatch(job engine.Job)
}

// TriggerRequest asks for a transition on a proposal.
type TriggerRequest struct {
	ProposalID string         `json:"proposal_id"`
	Transition string         `json:"transition"`
	Actor      string         `json:"actor"`
	ActorRoles []string       `json:"actor_roles"`
	Context    map[string]any `json:"context,omitempty"`
}

// TriggerResult is the structured outcome of a transition attempt. Rejected
// attempts are reported here, not as errors.
type TriggerResult struct {
	Success    bool                   `json:"success"`
	AttemptID  string                 `json:"attempt_id"`
	FromStatus string                 `json:"from_status,omitempty"`
	NewStatus  string                 `json:"new_status,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorType  string                 `json:"error_type,omitempty"`
	Clause     string                 `json:"clause,omitempty"`
	Trace      []models.EffectOutcome `json:"trace,omitempty"`
	Proposal   *models.Proposal       `json:"proposal,omitempty"`
}

// AvailableTransition describes a transition the caller may trigger now.
type AvailableTransition struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// CreateProposalRequest holds the fields a caller may set on a new proposal.
type CreateProposalRequest struct {
	ID          string                    `json:"id,omitempty"`
	WorkflowID  string                    `json:"workflow_id"`
	Title       string                    `json:"title"`
	Author      string                    `json:"author,omitempty"`
	Phases      []models.PhaseRecord      `json:"phases,omitempty"`
	Instruments []models.InstrumentRecord `json:"instruments,omitempty"`
	Context     map[string]any            `json:"context,omitempty"`
}

// TransitionService evaluates transitions and commits them with optimistic
// versioning. It is the only writer of proposal state.
type TransitionService struct {
	store           repository.Store
	evaluator       *engine.Evaluator
	dispatcher      Dispatcher
	logger          *logging.Logger
	tracer          trace.Tracer
	retryOnConflict bool
	now             func() time.Time
}

// TransitionOption configures a TransitionService.
type TransitionOption func(*TransitionService)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) TransitionOption {
	return func(s *TransitionService) { s.logger = l }
}

// WithRetryOnConflict controls whether an attempt that lost a write race is
// re-evaluated once from fresh state.
func WithRetryOnConflict(retry bool) TransitionOption {
	return func(s *TransitionService) { s.retryOnConflict = retry }
}

// NewTransitionService creates a TransitionService. A nil dispatcher drops
// async tool effects after logging them.
func NewTransitionService(store repository.Store, evaluator *engine.Evaluator, dispatcher Dispatcher, opts ...TransitionOption) *TransitionService {
	s := &TransitionService{
		store:           store,
		evaluator:       evaluator,
		dispatcher:      dispatcher,
		logger:          logging.Discard(),
		tracer:          otel.Tracer(instrumentationName),
		retryOnConflict: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger runs one transition attempt. Every attempt that reaches evaluation
// is appended to the audit log. Engine outcomes are reported in the result;
// the returned error is reserved for missing proposals and storage failures.
func (s *TransitionService) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	ctx, span := s.tracer.Start(ctx, "TransitionService.Trigger", trace.WithAttributes(
		attribute.String("proposal.id", req.ProposalID),
		attribute.String("transition", req.Transition),
	))
	defer span.End()

	start := s.now()
	p, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}

	rec := &models.AttemptRecord{
		ID:         uuid.NewString(),
		ProposalID: req.ProposalID,
		Transition: req.Transition,
		Actor:      req.Actor,
		ActorRoles: req.ActorRoles,
		FromStatus: p.Status,
		StartedAt:  start.UTC(),
	}

	eval, err := s.attempt(ctx, p, req, rec)
	rec.FinishedAt = s.now().UTC()
	if eval != nil {
		rec.Effects = eval.Trace
	}

	result := &TriggerResult{AttemptID: rec.ID, FromStatus: rec.FromStatus, Trace: rec.Effects}
	var oe *outcome.Error
	switch {
	case err == nil:
		rec.Success = true
		rec.ToStatus = eval.Proposal.Status
		result.Success = true
		result.NewStatus = eval.Proposal.Status
		result.Proposal = eval.Proposal
	case errors.As(err, &oe):
		rec.ErrorType = string(oe.Kind)
		rec.Error = oe.Error()
		rec.Clause = oe.Clause
		result.ErrorType = rec.ErrorType
		result.Error = rec.Error
		result.Clause = rec.Clause
	default:
		rec.Error = err.Error()
	}

	s.record(ctx, rec)

	label := "success"
	if !rec.Success {
		label = rec.ErrorType
		if label == "" {
			label = "error"
		}
		span.SetStatus(codes.Error, rec.Error)
	}
	metrics.RecordAttempt(req.Transition, label, rec.FinishedAt.Sub(start).Seconds())
	span.SetAttributes(attribute.String("attempt.id", rec.ID), attribute.String("attempt.outcome", label))

	if err != nil && oe == nil {
		return nil, err
	}
	if rec.Success {
		s.dispatch(rec, eval.Async)
	}
	s.logger.Info("transition attempted",
		"proposal_id", req.ProposalID, "transition", req.Transition, "actor", req.Actor,
		"attempt_id", rec.ID, "success", rec.Success, "error_type", rec.ErrorType)
	return result, nil
}

// attempt evaluates and commits. A commit that loses the version race is
// re-evaluated once from the stored state when retries are enabled.
func (s *TransitionService) attempt(ctx context.Context, p *models.Proposal, req TriggerRequest, rec *models.AttemptRecord) (*engine.Evaluation, error) {
	def, err := s.store.GetWorkflow(ctx, p.WorkflowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, outcome.Wrap(outcome.ConfigurationError, err, "proposal %q uses unknown workflow %q", p.ID, p.WorkflowID)
	}
	if err != nil {
		return nil, err
	}

	actor := engine.Actor{ID: req.Actor, Roles: req.ActorRoles}
	for {
		eval, err := s.evaluator.Evaluate(ctx, def, p, req.Transition, actor, req.Context)
		if err != nil {
			return eval, err
		}
		err = s.store.SaveProposal(ctx, eval.Proposal, p.Version)
		if !errors.Is(err, repository.ErrVersionConflict) {
			return eval, err
		}
		if !s.retryOnConflict || rec.Retried {
			metrics.RecordConflict("surfaced")
			return eval, outcome.Wrap(outcome.Conflict, err, "proposal %q was modified concurrently", p.ID)
		}

		metrics.RecordConflict("retried")
		rec.Retried = true
		s.logger.Debug("retrying transition after version conflict", "proposal_id", p.ID, "transition", req.Transition)
		if p, err = s.store.GetProposal(ctx, p.ID); err != nil {
			return nil, err
		}
		rec.FromStatus = p.Status
	}
}

func (s *TransitionService) record(ctx context.Context, rec *models.AttemptRecord) {
	if err := s.store.AppendAttempt(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to record transition attempt",
			"attempt_id", rec.ID, "proposal_id", rec.ProposalID, "transition", rec.Transition, "error", err)
	}
}

func (s *TransitionService) dispatch(rec *models.AttemptRecord, calls []engine.AsyncCall) {
	for _, call := range calls {
		if s.dispatcher == nil {
			s.logger.Warn("no dispatcher configured, dropping async tool call",
				"attempt_id", rec.ID, "operation", call.Op.OperationID)
			continue
		}
		s.dispatcher.Dispatch(engine.Job{
			AttemptID:  rec.ID,
			ProposalID: rec.ProposalID,
			Transition: rec.Transition,
			Call:       call,
		})
	}
}

// AvailableTransitions lists the transitions roles may trigger on the
// proposal in its current state.
func (s *TransitionService) AvailableTransitions(ctx context.Context, proposalID string, roles []string) ([]AvailableTransition, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow for proposal %q: %w", proposalID, err)
	}
	out := []AvailableTransition{}
	for _, t := range s.evaluator.Available(def, p, roles) {
		out = append(out, AvailableTransition{Name: t.Name, Label: t.Label, From: t.From, To: t.To})
	}
	return out, nil
}

// CreateProposal stores a new proposal in its workflow's initial state.
func (s *TransitionService) CreateProposal(ctx context.Context, req CreateProposalRequest) (*models.Proposal, error) {
	def, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &models.Proposal{
		ID:          req.ID,
		WorkflowID:  def.ID,
		Title:       req.Title,
		Author:      req.Author,
		Status:      def.InitialState,
		Phases:      req.Phases,
		Instruments: req.Instruments,
		Context:     req.Context,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Context == nil {
		p.Context = map[string]any{}
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("proposal created", "proposal_id", p.ID, "workflow_id", p.WorkflowID, "status", p.Status)
	return p, nil
}

// GetProposal returns the stored proposal.
func (s *TransitionService) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

// ListAttempts returns the proposal's attempt history, oldest first.
func (s *TransitionService) ListAttempts(ctx context.Context, proposalID string) ([]*models.AttemptRecord, error) {
	return s.store.ListAttempts(ctx, proposalID)
}

// ListAsyncOutcomes returns the outcomes of the proposal's background tool
// calls, oldest first.
func (s *TransitionService) ListAsyncOutcomes(ctx context.Context, proposalID string) ([]*models.AsyncOutcome, error) {
	return s.store.ListAsyncOutcomes(ctx, proposalID)
}
