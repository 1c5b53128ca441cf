package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/idempotency"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/lifecycle"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Enqueuer schedules follow-up work inside the decision transaction.
type Enqueuer interface {
	EnqueueOn(ctx context.Context, st repository.Store, opType string, v any) (string, error)
}

// ApprovalEngine executes multi-step approval chains: strictly ordered
// steps, append-only decisions, delegation without privilege descent, and
// scheduled escalation of overdue steps.
type ApprovalEngine struct {
	store    repository.Store
	clock    ident.Clock
	enqueuer Enqueuer
	idem     *idempotency.Manager
	stepDue  time.Duration
	log      zerolog.Logger
}

func NewApprovalEngine(store repository.Store, clock ident.Clock, enqueuer Enqueuer, idem *idempotency.Manager, stepDue time.Duration, log zerolog.Logger) *ApprovalEngine {
	return &ApprovalEngine{
		store:    store,
		clock:    clock,
		enqueuer: enqueuer,
		idem:     idem,
		stepDue:  stepDue,
		log:      log.With().Str("component", "approvals").Logger(),
	}
}

// Open creates a pending request with the chain a gate prescribed. An
// already-active request for the same subject is returned instead of a
// second one.
func (a *ApprovalEngine) Open(ctx context.Context, st repository.Store, subjectRef string, kind domain.ApprovalKind, chain []domain.GateStep, priority int) (*domain.ApprovalRequest, error) {
	if len(chain) == 0 {
		return nil, apperr.InvalidInput("steps", "approval chain is empty")
	}
	existing, err := st.FindActiveApprovalRequest(ctx, subjectRef, kind)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := a.clock.Now()
	requestDue := now.Add(time.Duration(len(chain)) * a.stepDue)
	r := &domain.ApprovalRequest{
		ID:         ident.NewID(),
		SubjectRef: subjectRef,
		Kind:       kind,
		State:      domain.ApprovalPending,
		Priority:   priority,
		CreatedAt:  now,
		UpdatedAt:  now,
		DueAt:      &requestDue,
		Version:    1,
	}
	for i, gs := range chain {
		due := now.Add(time.Duration(i+1) * a.stepDue)
		r.Steps = append(r.Steps, domain.ApprovalStep{
			ID:                ident.NewID(),
			RequestID:         r.ID,
			Index:             i,
			ApproverPrincipal: gs.Approver,
			RequiredRoleLevel: gs.RequiredRoleLevel,
			Status:            domain.StepPending,
			DueAt:             &due,
			Version:           1,
		})
	}
	if err := st.CreateApprovalRequest(ctx, r); err != nil {
		return nil, err
	}
	if err := lifecycle.AppendEvent(ctx, st, domain.EventApprovalRequested, "approval_request", r.ID, map[string]any{
		"subject_ref": subjectRef,
		"kind":        kind,
		"steps":       len(chain),
	}, now); err != nil {
		return nil, err
	}
	a.log.Info().Str("request_id", r.ID).Str("subject_ref", subjectRef).Int("steps", len(chain)).Msg("approval requested")
	return r, nil
}

// Decide records one approval or rejection on the current step. The final
// affirmative decision approves the request and advances its subject; any
// rejection rejects the request immediately. The write runs under the
// (request, step, actor) idempotency key, so a resubmitted decision replays
// instead of tripping the settled-request conflict.
func (a *ApprovalEngine) Decide(ctx context.Context, requestID string, principal domain.Principal, approve bool, comment string) (*domain.ApprovalRequest, error) {
	r, err := a.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.State != domain.ApprovalPending {
		return nil, apperr.Conflict("approval request is already settled")
	}
	idx := r.CurrentStep()
	if idx < 0 {
		return nil, apperr.Conflict("no actionable step")
	}
	if err := a.checkEligibility(&r.Steps[idx], principal); err != nil {
		return nil, err
	}

	key := idempotency.DecisionKey(requestID, idx, principal.ID)
	_, replayed, err := a.idem.Execute(ctx, key, "approval.decide", principal.ID, func(ctx context.Context) ([]byte, error) {
		if err := a.decide(ctx, requestID, idx, principal, approve, comment); err != nil {
			return nil, err
		}
		return []byte(requestID), nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		a.log.Debug().Str("request_id", requestID).Int("step", idx).Str("acted_by", principal.ID).Msg("replayed approval decision")
	}
	return a.store.GetApprovalRequest(ctx, requestID)
}

// decide records the verdict transactionally; idx pins the step the caller
// acted on, so a step that moved underneath becomes a conflict.
func (a *ApprovalEngine) decide(ctx context.Context, requestID string, idx int, principal domain.Principal, approve bool, comment string) error {
	return a.store.InTx(ctx, func(st repository.Store) error {
		r, err := st.GetApprovalRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r.State != domain.ApprovalPending {
			return apperr.Conflict("approval request is already settled")
		}
		if r.CurrentStep() != idx {
			return apperr.Conflict("step already decided")
		}
		step := &r.Steps[idx]
		if err := a.checkEligibility(step, principal); err != nil {
			return err
		}

		now := a.clock.Now()
		status := domain.StepRejected
		if approve {
			status = domain.StepApproved
		}
		step.Status = status
		step.ActedAt = &now
		if comment != "" {
			step.Comment = &comment
		}
		if !approve {
			r.State = domain.ApprovalRejected
		} else if idx == len(r.Steps)-1 {
			r.State = domain.ApprovalApproved
		}
		r.UpdatedAt = now
		if err := st.UpdateApprovalRequest(ctx, r); err != nil {
			return err
		}

		decision := &domain.ApprovalDecision{
			ID:        ident.NewID(),
			RequestID: r.ID,
			StepIndex: idx,
			Decision:  status,
			ActedBy:   principal.ID,
			CreatedAt: now,
		}
		if comment != "" {
			decision.Comment = &comment
		}
		if err := st.AppendApprovalDecision(ctx, decision); err != nil {
			return err
		}
		if err := lifecycle.AppendEvent(ctx, st, domain.EventApprovalDecided, "approval_request", r.ID, map[string]any{
			"step":     idx,
			"decision": status,
			"acted_by": principal.ID,
			"state":    r.State,
		}, now); err != nil {
			return err
		}
		if r.State != domain.ApprovalPending {
			return a.settleSubject(ctx, st, r, now)
		}
		return nil
	})
}

// Delegate hands the current step to another principal. Delegation never
// descends: the delegate must satisfy the step's required role level.
func (a *ApprovalEngine) Delegate(ctx context.Context, requestID string, principal, delegate domain.Principal, comment string) error {
	return a.store.InTx(ctx, func(st repository.Store) error {
		r, err := st.GetApprovalRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r.State != domain.ApprovalPending {
			return apperr.Conflict("approval request is already settled")
		}
		idx := r.CurrentStep()
		if idx < 0 {
			return apperr.Conflict("no actionable step")
		}
		step := &r.Steps[idx]
		if err := a.checkEligibility(step, principal); err != nil {
			return err
		}
		if delegate.Level < step.RequiredRoleLevel {
			return apperr.PermissionDenied("delegate does not meet the step's role level")
		}

		now := a.clock.Now()
		step.Status = domain.StepDelegated
		step.DelegatedTo = &delegate.ID
		if comment != "" {
			step.Comment = &comment
		}
		r.UpdatedAt = now
		if err := st.UpdateApprovalRequest(ctx, r); err != nil {
			return err
		}
		decision := &domain.ApprovalDecision{
			ID:        ident.NewID(),
			RequestID: r.ID,
			StepIndex: idx,
			Decision:  domain.StepDelegated,
			ActedBy:   principal.ID,
			CreatedAt: now,
		}
		if comment != "" {
			decision.Comment = &comment
		}
		if err := st.AppendApprovalDecision(ctx, decision); err != nil {
			return err
		}
		return lifecycle.AppendEvent(ctx, st, domain.EventApprovalDecided, "approval_request", r.ID, map[string]any{
			"step":         idx,
			"decision":     domain.StepDelegated,
			"acted_by":     principal.ID,
			"delegated_to": delegate.ID,
		}, now)
	})
}

// Recall cancels a pending request. The subject stays where it was; the
// workflow re-opens a request if policy still demands one.
func (a *ApprovalEngine) Recall(ctx context.Context, requestID string, principal domain.Principal) error {
	return a.store.InTx(ctx, func(st repository.Store) error {
		r, err := st.GetApprovalRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r.State != domain.ApprovalPending {
			return apperr.Conflict("approval request is already settled")
		}
		if principal.Level < domain.RoleAPManager {
			return apperr.PermissionDenied("recall requires ap_manager or higher")
		}
		now := a.clock.Now()
		r.State = domain.ApprovalCancelled
		r.UpdatedAt = now
		if err := st.UpdateApprovalRequest(ctx, r); err != nil {
			return err
		}
		return lifecycle.AppendEvent(ctx, st, domain.EventApprovalDecided, "approval_request", r.ID, map[string]any{
			"decision": "recalled",
			"acted_by": principal.ID,
		}, now)
	})
}

// EscalateOverdue reassigns overdue current steps one role level up and
// restarts their clocks. The scheduler runs it.
func (a *ApprovalEngine) EscalateOverdue(ctx context.Context) (int, error) {
	now := a.clock.Now()
	overdue, err := a.store.ListOverdueRequests(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range overdue {
		err := a.store.InTx(ctx, func(st repository.Store) error {
			fresh, err := st.GetApprovalRequest(ctx, r.ID)
			if err != nil {
				return err
			}
			idx := fresh.CurrentStep()
			if idx < 0 || fresh.State != domain.ApprovalPending {
				return nil
			}
			step := &fresh.Steps[idx]
			if step.DueAt == nil || step.DueAt.After(now) {
				return nil
			}
			if step.RequiredRoleLevel < domain.RoleCFO {
				step.RequiredRoleLevel++
			}
			// Escalation returns the step to the role queue.
			step.ApproverPrincipal = ""
			step.DelegatedTo = nil
			step.Status = domain.StepPending
			due := now.Add(a.stepDue)
			step.DueAt = &due
			fresh.UpdatedAt = now
			if err := st.UpdateApprovalRequest(ctx, fresh); err != nil {
				return err
			}
			n++
			return lifecycle.AppendEvent(ctx, st, domain.EventApprovalEscalated, "approval_request", fresh.ID, map[string]any{
				"step":       idx,
				"role_level": step.RequiredRoleLevel,
			}, now)
		})
		if err != nil {
			return n, err
		}
	}
	if n > 0 {
		a.log.Info().Int("escalated", n).Msg("escalated overdue approval steps")
	}
	return n, nil
}

// PendingFor lists the steps awaiting a principal, including delegations.
func (a *ApprovalEngine) PendingFor(ctx context.Context, principal string) ([]*domain.ApprovalStep, error) {
	return a.store.ListPendingStepsFor(ctx, principal)
}

// Decisions returns the request's append-only decision log.
func (a *ApprovalEngine) Decisions(ctx context.Context, requestID string) ([]*domain.ApprovalDecision, error) {
	return a.store.ListApprovalDecisions(ctx, requestID)
}

// checkEligibility enforces who may act on a step: the delegate when one
// is set, the named approver when one is assigned, otherwise anyone at or
// above the required role level.
func (a *ApprovalEngine) checkEligibility(step *domain.ApprovalStep, principal domain.Principal) error {
	if principal.Level < step.RequiredRoleLevel {
		return apperr.PermissionDenied("principal is below the step's role level")
	}
	if step.DelegatedTo != nil {
		if *step.DelegatedTo != principal.ID {
			return apperr.PermissionDenied("step is delegated to another principal")
		}
		return nil
	}
	if step.ApproverPrincipal != "" && step.ApproverPrincipal != principal.ID {
		return apperr.PermissionDenied("step is assigned to another principal")
	}
	return nil
}

// settleSubject applies the request's outcome to its subject. Invoice
// approvals drive the lifecycle; export and override requests only gate
// the caller that opened them.
func (a *ApprovalEngine) settleSubject(ctx context.Context, st repository.Store, r *domain.ApprovalRequest, now time.Time) error {
	if r.Kind != domain.ApprovalInvoice {
		return nil
	}
	inv, err := st.GetInvoice(ctx, r.SubjectRef)
	if err != nil {
		return err
	}
	switch r.State {
	case domain.ApprovalApproved:
		if err := lifecycle.Transition(ctx, st, inv, domain.StateApproved, now); err != nil {
			return err
		}
		_, err := a.enqueuer.EnqueueOn(ctx, st, domain.OpAdvanceInvoice, map[string]string{"invoice_id": inv.ID})
		return err
	case domain.ApprovalRejected:
		return lifecycle.Transition(ctx, st, inv, domain.StateRejected, now)
	}
	return nil
}
