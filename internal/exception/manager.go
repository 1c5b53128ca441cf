// Package exception turns failed validation checks into resolvable work
// items and applies operator resolutions to the invoice they belong to.
package exception

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/lifecycle"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Enqueuer lets resolutions schedule follow-up work inside their own
// transaction. The job fabric satisfies it.
type Enqueuer interface {
	EnqueueOn(ctx context.Context, st repository.Store, opType string, v any) (string, error)
}

// suggestedActions maps an exception category to the operator actions the
// resolution protocol accepts without an explicit override.
var suggestedActions = map[domain.RuleCategory][]domain.ResolutionAction{
	domain.CategoryStructural:  {domain.ActionRequestReparse, domain.ActionManualAdjust, domain.ActionRejectInvoice},
	domain.CategoryMath:        {domain.ActionManualAdjust, domain.ActionRecalculate, domain.ActionRequestReparse, domain.ActionRejectInvoice},
	domain.CategoryDuplicate:   {domain.ActionMarkNotDuplicate, domain.ActionRejectInvoice},
	domain.CategoryMatching:    {domain.ActionAcceptVariance, domain.ActionManualAdjust, domain.ActionRejectInvoice},
	domain.CategoryVendor:      {domain.ActionOverride, domain.ActionRejectInvoice},
	domain.CategoryDataQuality: {domain.ActionRequestReparse, domain.ActionManualAdjust},
	domain.CategorySystem:      {domain.ActionRequestReparse},
}

// Manager owns the exception lifecycle.
type Manager struct {
	store    repository.Store
	clock    ident.Clock
	enqueuer Enqueuer
	log      zerolog.Logger
}

func NewManager(store repository.Store, clock ident.Clock, enqueuer Enqueuer, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		clock:    clock,
		enqueuer: enqueuer,
		log:      log.With().Str("component", "exceptions").Logger(),
	}
}

// OpenFromValidation creates one exception per failed error-severity
// category, coalescing related failures into a multi-issue details payload.
// It runs on the caller's transactional store so the exceptions land with
// the validation verdict.
func (m *Manager) OpenFromValidation(ctx context.Context, st repository.Store, inv *domain.Invoice, v *domain.Validation) ([]*domain.Exception, error) {
	type group struct {
		severity domain.Severity
		reason   domain.ReasonCode
		issues   []map[string]any
	}
	groups := make(map[domain.RuleCategory]*group)
	var order []domain.RuleCategory
	for _, check := range v.Checks {
		if check.Passed || check.Indeterminate || check.Severity != domain.SeverityError {
			continue
		}
		g, ok := groups[check.Category]
		if !ok {
			g = &group{severity: check.Severity, reason: check.ReasonCode}
			groups[check.Category] = g
			order = append(order, check.Category)
		}
		issue := map[string]any{"rule": check.RuleName, "reason_code": check.ReasonCode}
		for k, val := range check.Details {
			issue[k] = val
		}
		g.issues = append(g.issues, issue)
	}

	now := m.clock.Now()
	var out []*domain.Exception
	for _, category := range order {
		g := groups[category]
		exc := &domain.Exception{
			ID:               ident.NewID(),
			InvoiceID:        inv.ID,
			Category:         category,
			ReasonCode:       g.reason,
			Severity:         g.severity,
			Status:           domain.ExceptionOpen,
			Details:          map[string]any{"issues": g.issues},
			SuggestedActions: suggestedActions[category],
			CreatedAt:        now,
			UpdatedAt:        now,
			Version:          1,
		}
		if err := st.CreateException(ctx, exc); err != nil {
			return nil, err
		}
		if err := appendEvent(ctx, st, domain.EventExceptionOpened, inv.ID, map[string]any{
			"exception_id": exc.ID,
			"category":     exc.Category,
			"reason_code":  exc.ReasonCode,
		}, now); err != nil {
			return nil, err
		}
		out = append(out, exc)
		m.log.Info().
			Str("invoice_id", inv.ID).
			Str("exception_id", exc.ID).
			Str("category", string(category)).
			Str("reason", string(g.reason)).
			Msg("exception opened")
	}
	return out, nil
}

// OpenLowConfidence creates the data-quality exception for an invoice whose
// validation passed but whose extraction misses the auto-approval
// confidence floor.
func (m *Manager) OpenLowConfidence(ctx context.Context, st repository.Store, inv *domain.Invoice, minConfidence, floor float64) (*domain.Exception, error) {
	now := m.clock.Now()
	exc := &domain.Exception{
		ID:         ident.NewID(),
		InvoiceID:  inv.ID,
		Category:   domain.CategoryDataQuality,
		ReasonCode: domain.ReasonExtractionError,
		Severity:   domain.SeverityWarning,
		Status:     domain.ExceptionOpen,
		Details: map[string]any{
			"min_confidence": minConfidence,
			"required":       floor,
		},
		SuggestedActions: suggestedActions[domain.CategoryDataQuality],
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	if err := st.CreateException(ctx, exc); err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, st, domain.EventExceptionOpened, inv.ID, map[string]any{
		"exception_id": exc.ID,
		"category":     exc.Category,
		"reason_code":  exc.ReasonCode,
	}, now); err != nil {
		return nil, err
	}
	m.log.Info().Str("invoice_id", inv.ID).Str("exception_id", exc.ID).Float64("min_confidence", minConfidence).Msg("low confidence exception opened")
	return exc, nil
}

// Resolution is one operator action against an exception.
type Resolution struct {
	Action domain.ResolutionAction
	Notes  string
	// Adjustments holds header field replacements for MANUAL_ADJUST.
	Adjustments map[string]string
}

// Resolve applies a resolution atomically: the exception settles, the
// action's side effect lands on the invoice, and when the last open
// exception closes the invoice advances out of the exception state.
func (m *Manager) Resolve(ctx context.Context, id string, principal domain.Principal, res Resolution) error {
	return m.store.InTx(ctx, func(st repository.Store) error {
		return m.resolveOne(ctx, st, id, principal, res)
	})
}

// ResolveBatch settles several exceptions with the same action in a single
// transaction; either all resolve or none do.
func (m *Manager) ResolveBatch(ctx context.Context, ids []string, principal domain.Principal, res Resolution) error {
	if len(ids) == 0 {
		return apperr.InvalidInput("ids", "batch is empty")
	}
	return m.store.InTx(ctx, func(st repository.Store) error {
		for _, id := range ids {
			if err := m.resolveOne(ctx, st, id, principal, res); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) resolveOne(ctx context.Context, st repository.Store, id string, principal domain.Principal, res Resolution) error {
	exc, err := st.GetException(ctx, id)
	if err != nil {
		return err
	}
	if exc.Status == domain.ExceptionResolved || exc.Status == domain.ExceptionCancelled {
		return apperr.Conflict("exception is already settled")
	}
	if principal.Level < domain.RoleAPClerk {
		return apperr.PermissionDenied("resolving exceptions requires ap_clerk or higher")
	}
	if res.Action == domain.ActionOverride {
		if principal.Level < domain.RoleAPManager {
			return apperr.PermissionDenied("override requires ap_manager or higher")
		}
	} else if !exc.Suggested(res.Action) {
		return apperr.InvalidInput("action", "not in the exception's suggested set")
	}

	inv, err := st.GetInvoice(ctx, exc.InvoiceID)
	if err != nil {
		return err
	}
	if err := m.applyEffect(ctx, st, inv, res); err != nil {
		return err
	}

	now := m.clock.Now()
	exc.Status = domain.ExceptionResolved
	exc.ResolvedAt = &now
	exc.ResolvedBy = &principal.ID
	if res.Notes != "" {
		exc.ResolutionNotes = &res.Notes
	}
	exc.UpdatedAt = now
	if err := st.UpdateException(ctx, exc); err != nil {
		return err
	}
	if err := appendEvent(ctx, st, domain.EventExceptionResolved, inv.ID, map[string]any{
		"exception_id": exc.ID,
		"action":       res.Action,
		"resolved_by":  principal.ID,
	}, now); err != nil {
		return err
	}
	if err := st.AppendAudit(ctx, &domain.AuditEntry{
		ID:          ident.NewID(),
		InvoiceID:   inv.ID,
		SubjectRef:  exc.ID,
		Action:      "exception." + string(res.Action),
		PerformedBy: principal.ID,
		PerformedAt: now,
		Metadata:    map[string]any{"notes": res.Notes},
	}); err != nil {
		return err
	}

	return m.maybeAdvance(ctx, st, inv, res.Action)
}

// applyEffect performs the action's data mutation, if any.
func (m *Manager) applyEffect(ctx context.Context, st repository.Store, inv *domain.Invoice, res Resolution) error {
	switch res.Action {
	case domain.ActionManualAdjust:
		if len(res.Adjustments) == 0 {
			return apperr.InvalidInput("adjustments", "MANUAL_ADJUST requires field values")
		}
		return m.adjustExtraction(ctx, st, inv.ID, res.Adjustments)
	case domain.ActionRecalculate:
		return m.recalculate(ctx, st, inv.ID)
	case domain.ActionRequestReparse:
		_, err := m.enqueuer.EnqueueOn(ctx, st, domain.OpParseInvoice, map[string]string{"invoice_id": inv.ID})
		return err
	case domain.ActionRejectInvoice:
		return lifecycle.Transition(ctx, st, inv, domain.StateRejected, m.clock.Now())
	default:
		// MARK_NOT_DUPLICATE, ACCEPT_VARIANCE and OVERRIDE settle the
		// exception without touching invoice data.
		return nil
	}
}

// adjustExtraction replaces header values with operator-supplied ones at
// full confidence.
func (m *Manager) adjustExtraction(ctx context.Context, st repository.Store, invoiceID string, adjustments map[string]string) error {
	ext, err := st.GetExtraction(ctx, invoiceID)
	if err != nil {
		return err
	}
	for name, value := range adjustments {
		ext.Header[name] = domain.Field{Value: value, Confidence: 1.0}
	}
	return st.PutExtraction(ctx, ext)
}

// recalculate rebuilds derived amounts bottom-up: line amounts from
// quantity and unit price, subtotal from lines, total from subtotal plus
// tax, rounded half-to-even at 4 fractional digits.
func (m *Manager) recalculate(ctx context.Context, st repository.Store, invoiceID string) error {
	ext, err := st.GetExtraction(ctx, invoiceID)
	if err != nil {
		return err
	}
	subtotal := decimal.Zero
	for i, line := range ext.Lines {
		qty, qok := line.Amount(domain.FieldQuantity)
		unit, uok := line.Amount(domain.FieldUnitPrice)
		if qok && uok {
			amount := qty.Mul(unit).RoundBank(4)
			ext.Lines[i].Fields[domain.FieldAmount] = domain.Field{Value: amount.String(), Confidence: 1.0}
			subtotal = subtotal.Add(amount)
		} else if amount, aok := line.Amount(domain.FieldAmount); aok {
			subtotal = subtotal.Add(amount)
		}
	}
	tax, ok := ext.HeaderAmount(domain.FieldTaxAmount)
	if !ok {
		tax = decimal.Zero
	}
	ext.Header[domain.FieldSubtotal] = domain.Field{Value: subtotal.String(), Confidence: 1.0}
	ext.Header[domain.FieldTotalAmount] = domain.Field{Value: subtotal.Add(tax).RoundBank(4).String(), Confidence: 1.0}
	return st.PutExtraction(ctx, ext)
}

// maybeAdvance moves the invoice out of the exception state once nothing
// is left open and schedules the next pipeline step.
func (m *Manager) maybeAdvance(ctx context.Context, st repository.Store, inv *domain.Invoice, action domain.ResolutionAction) error {
	if action == domain.ActionRejectInvoice || action == domain.ActionRequestReparse {
		return nil
	}
	open, err := st.CountOpenExceptions(ctx, inv.ID)
	if err != nil {
		return err
	}
	if open > 0 || inv.State != domain.StateException {
		return nil
	}
	if err := lifecycle.Transition(ctx, st, inv, domain.StateReady, m.clock.Now()); err != nil {
		return err
	}
	_, err = m.enqueuer.EnqueueOn(ctx, st, domain.OpAdvanceInvoice, map[string]string{"invoice_id": inv.ID})
	return err
}

func appendEvent(ctx context.Context, st repository.Store, eventType domain.EventType, invoiceID string, payload map[string]any, now time.Time) error {
	return lifecycle.AppendEvent(ctx, st, eventType, "invoice", invoiceID, payload, now)
}
