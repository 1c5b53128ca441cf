// Package workflow orchestrates the per-invoice lifecycle. Every step reads
// persisted state, applies its effects, and commits the transition with its
// outbox events in one transaction under optimistic concurrency; a version
// conflict surfaces as a retryable error and the job fabric restarts the
// step from current state. No in-memory state is authoritative.
package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/exception"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/jobs"
	"github.com/pesio-ai/be-ap-intake/internal/lifecycle"
	"github.com/pesio-ai/be-ap-intake/internal/policy"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
	"github.com/pesio-ai/be-ap-intake/internal/rules"
	"github.com/pesio-ai/be-ap-intake/internal/staging"
)

// Extractor is the external PDF/image parser.
type Extractor interface {
	Extract(ctx context.Context, storageRef string) (*domain.Extraction, error)
}

// Enhancer patches low-confidence fields after extraction. Optional; a nil
// enhancer skips the pass.
type Enhancer interface {
	PatchLowConfidence(ctx context.Context, ext *domain.Extraction) (*domain.Extraction, error)
}

// system acts for steps no human triggered.
var system = domain.Principal{ID: "system", Level: domain.RoleCFO}

// Runner drives invoices through the lifecycle. It is the only component
// that transitions invoice state outside an operator action.
type Runner struct {
	store       repository.Store
	clock       ident.Clock
	fabric      *jobs.Fabric
	rules       *rules.Engine
	lookups     rules.Lookups
	exceptions  *exception.Manager
	gates       *policy.GateEngine
	approvals   *policy.ApprovalEngine
	staging     *staging.Pipeline
	extractor   Extractor
	enhancer    Enhancer
	destination string
	format      domain.ExportFormat
	log         zerolog.Logger
}

type Deps struct {
	Store       repository.Store
	Clock       ident.Clock
	Fabric      *jobs.Fabric
	Rules       *rules.Engine
	Lookups     rules.Lookups
	Exceptions  *exception.Manager
	Gates       *policy.GateEngine
	Approvals   *policy.ApprovalEngine
	Staging     *staging.Pipeline
	Extractor   Extractor
	Enhancer    Enhancer
	Destination string
	Format      domain.ExportFormat
}

func NewRunner(d Deps, log zerolog.Logger) *Runner {
	return &Runner{
		store:       d.Store,
		clock:       d.Clock,
		fabric:      d.Fabric,
		rules:       d.Rules,
		lookups:     d.Lookups,
		exceptions:  d.Exceptions,
		gates:       d.Gates,
		approvals:   d.Approvals,
		staging:     d.Staging,
		extractor:   d.Extractor,
		enhancer:    d.Enhancer,
		destination: d.Destination,
		format:      d.Format,
		log:         log.With().Str("component", "workflow").Logger(),
	}
}

// Register binds the workflow op types to their queues.
func (r *Runner) Register(f *jobs.Fabric) {
	f.Register(domain.OpParseInvoice, domain.QueueProcessing, r.handleParse)
	f.Register(domain.OpValidateInvoice, domain.QueueValidation, r.handleValidate)
	f.Register(domain.OpAdvanceInvoice, domain.QueueProcessing, r.handleAdvance)
	f.Register(domain.OpStageExport, domain.QueueExport, r.handleStage)
	f.Register(domain.OpPostExport, domain.QueueExport, r.handlePost)
	f.Register(domain.OpEscalateApprovals, domain.QueueMaintenance, r.handleEscalate)
}

type invoicePayload struct {
	InvoiceID string `json:"invoice_id"`
}

type exportPayload struct {
	ExportID  string `json:"export_id"`
	Principal string `json:"principal"`
	Level     int    `json:"level"`
}

// ── parse ─────────────────────────────────────────────────────────────────────

func (r *Runner) handleParse(ctx context.Context, job *domain.Job) error {
	var p invoicePayload
	if err := jobs.DecodePayload(job.Payload, domain.OpParseInvoice, &p); err != nil {
		return err
	}
	inv, err := r.store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return err
	}
	// Reparse from an exception resolution arrives with the invoice still
	// in exception; anything terminal is a stale job.
	if inv.State != domain.StateReceived && inv.State != domain.StateException {
		r.log.Debug().Str("invoice_id", inv.ID).Str("state", string(inv.State)).Msg("parse skipped")
		return nil
	}

	ext, err := r.extractor.Extract(ctx, inv.StorageRef)
	if err != nil {
		// Only a document the extractor understood and refused is terminal.
		// Everything else, outages and bugs alike, goes back to the fabric.
		if apperr.IsKind(err, apperr.KindInvalid) || apperr.IsKind(err, apperr.KindValidation) {
			return r.rejectForParseFailure(ctx, inv, err)
		}
		return err
	}
	if r.enhancer != nil {
		patched, perr := r.enhancer.PatchLowConfidence(ctx, ext)
		if perr != nil {
			// Enhancement is best effort; the raw extraction stands.
			r.log.Warn().Err(perr).Str("invoice_id", inv.ID).Msg("enhancement skipped")
		} else if patched != nil {
			ext = patched
		}
	}
	ext.InvoiceID = inv.ID
	if ext.ID == "" {
		ext.ID = ident.NewID()
	}
	if ext.CreatedAt.IsZero() {
		ext.CreatedAt = r.clock.Now()
	}

	return r.store.InTx(ctx, func(st repository.Store) error {
		fresh, err := st.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if fresh.State.Terminal() {
			return nil
		}
		if err := st.PutExtraction(ctx, ext); err != nil {
			return err
		}
		if fresh.State == domain.StateReceived {
			if err := lifecycle.Transition(ctx, st, fresh, domain.StateParsed, r.clock.Now()); err != nil {
				return err
			}
		}
		_, err = r.fabric.EnqueueOn(ctx, st, domain.OpValidateInvoice, invoicePayload{InvoiceID: inv.ID})
		return err
	})
}

// rejectForParseFailure is the terminal branch: the extractor failed in a
// way no retry will fix.
func (r *Runner) rejectForParseFailure(ctx context.Context, inv *domain.Invoice, cause error) error {
	r.log.Error().Err(cause).Str("invoice_id", inv.ID).Msg("parse failed terminally")
	return r.store.InTx(ctx, func(st repository.Store) error {
		fresh, err := st.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if fresh.State.Terminal() {
			return nil
		}
		return lifecycle.Transition(ctx, st, fresh, domain.StateRejected, r.clock.Now())
	})
}

// ── validate ──────────────────────────────────────────────────────────────────

func (r *Runner) handleValidate(ctx context.Context, job *domain.Job) error {
	var p invoicePayload
	if err := jobs.DecodePayload(job.Payload, domain.OpValidateInvoice, &p); err != nil {
		return err
	}
	inv, err := r.store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return err
	}
	if inv.State != domain.StateParsed && inv.State != domain.StateException {
		r.log.Debug().Str("invoice_id", inv.ID).Str("state", string(inv.State)).Msg("validate skipped")
		return nil
	}
	ext, err := r.store.GetExtraction(ctx, inv.ID)
	if err != nil {
		return err
	}

	verdict := r.rules.Evaluate(ctx, inv, ext)
	autoApprove := r.rules.AutoApprove(verdict, ext)

	return r.store.InTx(ctx, func(st repository.Store) error {
		fresh, err := st.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if fresh.State.Terminal() {
			return nil
		}
		if err := st.PutValidation(ctx, verdict); err != nil {
			return err
		}
		now := r.clock.Now()
		if err := lifecycle.AppendEvent(ctx, st, domain.EventValidationCompleted, "invoice", fresh.ID, map[string]any{
			"passed":               verdict.Passed,
			"failed":               failedCount(verdict),
			"min_confidence":       ext.MinConfidence(),
			"duplicate_conclusive": duplicateConclusive(verdict),
			"rules_version":        verdict.RulesVersion,
		}, now); err != nil {
			return err
		}
		if fresh.State == domain.StateParsed {
			if err := lifecycle.Transition(ctx, st, fresh, domain.StateValidated, now); err != nil {
				return err
			}
		}
		return r.settleVerdict(ctx, st, fresh, verdict, ext, autoApprove)
	})
}

// settleVerdict routes the invoice after validation: ready when the verdict
// passed and confidence clears the floor, exception otherwise.
func (r *Runner) settleVerdict(ctx context.Context, st repository.Store, inv *domain.Invoice, verdict *domain.Validation, ext *domain.Extraction, autoApprove bool) error {
	now := r.clock.Now()
	if !verdict.Passed {
		if _, err := r.exceptions.OpenFromValidation(ctx, st, inv, verdict); err != nil {
			return err
		}
		if inv.State == domain.StateValidated {
			return lifecycle.Transition(ctx, st, inv, domain.StateException, now)
		}
		return nil
	}
	if !autoApprove {
		if _, err := r.exceptions.OpenLowConfidence(ctx, st, inv, ext.MinConfidence(), r.rules.ConfidenceFloor()); err != nil {
			return err
		}
		if inv.State == domain.StateValidated {
			return lifecycle.Transition(ctx, st, inv, domain.StateException, now)
		}
		return nil
	}

	// Revalidation inside the exception state only advances once every
	// exception is settled.
	if inv.State == domain.StateException {
		open, err := st.CountOpenExceptions(ctx, inv.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
	}
	if err := lifecycle.Transition(ctx, st, inv, domain.StateReady, now); err != nil {
		return err
	}
	_, err := r.fabric.EnqueueOn(ctx, st, domain.OpAdvanceInvoice, invoicePayload{InvoiceID: inv.ID})
	return err
}

// ── advance ───────────────────────────────────────────────────────────────────

// handleAdvance moves an invoice one step from whatever state it is in.
// The handler is re-entrant: each run recomputes the next step from the
// persisted state, which makes crash recovery a plain re-enqueue.
func (r *Runner) handleAdvance(ctx context.Context, job *domain.Job) error {
	var p invoicePayload
	if err := jobs.DecodePayload(job.Payload, domain.OpAdvanceInvoice, &p); err != nil {
		return err
	}
	inv, err := r.store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return err
	}
	switch inv.State {
	case domain.StateReady:
		return r.advanceReady(ctx, inv)
	case domain.StateApproved:
		_, err := r.fabric.Enqueue(ctx, domain.OpStageExport, invoicePayload{InvoiceID: inv.ID})
		return err
	case domain.StatePosted:
		return r.store.InTx(ctx, func(st repository.Store) error {
			fresh, err := st.GetInvoice(ctx, inv.ID)
			if err != nil {
				return err
			}
			if fresh.State != domain.StatePosted {
				return nil
			}
			return lifecycle.Transition(ctx, st, fresh, domain.StateDone, r.clock.Now())
		})
	default:
		r.log.Debug().Str("invoice_id", inv.ID).Str("state", string(inv.State)).Msg("advance skipped")
		return nil
	}
}

// advanceReady runs the policy gates over a ready invoice.
func (r *Runner) advanceReady(ctx context.Context, inv *domain.Invoice) error {
	attrs, err := r.buildAttributes(ctx, inv)
	if err != nil {
		return err
	}
	decision, err := r.gates.Decide(ctx, attrs)
	if err != nil {
		return err
	}

	return r.store.InTx(ctx, func(st repository.Store) error {
		fresh, err := st.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if fresh.State != domain.StateReady {
			return nil
		}
		now := r.clock.Now()
		switch decision.Action {
		case domain.GateRequireApproval:
			chain := decision.Gate.Steps
			if len(chain) == 0 {
				chain = []domain.GateStep{{RequiredRoleLevel: domain.RoleAPManager}}
			}
			_, err := r.approvals.Open(ctx, st, fresh.ID, domain.ApprovalInvoice, chain, decision.Gate.Priority)
			return err
		case domain.GateBlock:
			if err := r.auditGate(ctx, st, fresh, decision, now); err != nil {
				return err
			}
			return lifecycle.Transition(ctx, st, fresh, domain.StateRejected, now)
		case domain.GateFlag:
			if err := r.auditGate(ctx, st, fresh, decision, now); err != nil {
				return err
			}
			fallthrough
		default: // allow
			if err := lifecycle.Transition(ctx, st, fresh, domain.StateApproved, now); err != nil {
				return err
			}
			_, err := r.fabric.EnqueueOn(ctx, st, domain.OpAdvanceInvoice, invoicePayload{InvoiceID: fresh.ID})
			return err
		}
	})
}

// auditGate records a gate hit that needs an operator-visible trace.
func (r *Runner) auditGate(ctx context.Context, st repository.Store, inv *domain.Invoice, d policy.Decision, now time.Time) error {
	meta := map[string]any{"action": d.Action}
	if d.Gate != nil {
		meta["gate"] = d.Gate.Name
		meta["priority"] = d.Gate.Priority
	}
	return st.AppendAudit(ctx, &domain.AuditEntry{
		ID:          ident.NewID(),
		InvoiceID:   inv.ID,
		Action:      "policy." + string(d.Action),
		PerformedBy: system.ID,
		PerformedAt: now,
		Metadata:    meta,
	})
}

func (r *Runner) buildAttributes(ctx context.Context, inv *domain.Invoice) (policy.Attributes, error) {
	ext, err := r.store.GetExtraction(ctx, inv.ID)
	if err != nil {
		return policy.Attributes{}, err
	}
	verdict, err := r.store.GetValidation(ctx, inv.ID)
	if err != nil {
		return policy.Attributes{}, err
	}

	attrs := policy.Attributes{
		Submitter:     inv.Submitter,
		Source:        string(inv.Source),
		LineCount:     len(ext.Lines),
		MinConfidence: ext.MinConfidence(),
	}
	if total, ok := ext.HeaderAmount(domain.FieldTotalAmount); ok {
		attrs.Amount, _ = total.Float64()
	}
	attrs.Currency, _ = ext.HeaderValue(domain.FieldCurrency)
	attrs.VendorName, _ = ext.HeaderValue(domain.FieldVendorName)
	if vendorID, ok := ext.HeaderValue(domain.FieldVendorID); ok {
		attrs.VendorID = vendorID
		vendor, verr := r.lookups.Vendor(ctx, vendorID)
		if verr == nil {
			attrs.NewVendor = vendor == nil
		}
	} else {
		attrs.NewVendor = true
	}
	_, attrs.HasPO = ext.HeaderValue(domain.FieldPONumber)
	for _, check := range verdict.Checks {
		if check.Passed || check.Indeterminate {
			continue
		}
		switch check.ReasonCode {
		case domain.ReasonDuplicateInvoice:
			attrs.IsDuplicate = true
		case domain.ReasonPOAmountMismatch, domain.ReasonPOQuantityMismatch:
			attrs.UnusualVariance = true
		}
	}
	return attrs, nil
}

// ── staging & posting ─────────────────────────────────────────────────────────

func (r *Runner) handleStage(ctx context.Context, job *domain.Job) error {
	var p invoicePayload
	if err := jobs.DecodePayload(job.Payload, domain.OpStageExport, &p); err != nil {
		return err
	}
	inv, err := r.store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return err
	}
	if inv.State != domain.StateApproved {
		r.log.Debug().Str("invoice_id", inv.ID).Str("state", string(inv.State)).Msg("stage skipped")
		return nil
	}
	_, err = r.staging.Prepare(ctx, inv.ID, r.destination, r.format, system)
	return err
}

func (r *Runner) handlePost(ctx context.Context, job *domain.Job) error {
	var p exportPayload
	if err := jobs.DecodePayload(job.Payload, domain.OpPostExport, &p); err != nil {
		return err
	}
	principal := system
	if p.Principal != "" {
		principal = domain.Principal{ID: p.Principal, Level: domain.RoleLevel(p.Level)}
	}
	exp, err := r.staging.Post(ctx, p.ExportID, principal)
	if err != nil {
		return err
	}
	_, err = r.fabric.Enqueue(ctx, domain.OpAdvanceInvoice, invoicePayload{InvoiceID: exp.InvoiceID})
	return err
}

func (r *Runner) handleEscalate(ctx context.Context, job *domain.Job) error {
	_, err := r.approvals.EscalateOverdue(ctx)
	return err
}

// ── cancellation ──────────────────────────────────────────────────────────────

// Cancel marks the invoice cancelled. In-flight steps observe the state at
// their next read and skip without mutating business state. Cancelling an
// already-cancelled invoice is a no-op; other terminal states conflict.
func (r *Runner) Cancel(ctx context.Context, invoiceID string, principal domain.Principal, reason string) error {
	return r.store.InTx(ctx, func(st repository.Store) error {
		inv, err := st.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.State == domain.StateCancelled {
			return nil
		}
		if inv.State.Terminal() {
			return apperr.Conflict("invoice already finished as " + string(inv.State))
		}
		now := r.clock.Now()
		if err := lifecycle.Transition(ctx, st, inv, domain.StateCancelled, now); err != nil {
			return err
		}
		return st.AppendAudit(ctx, &domain.AuditEntry{
			ID:          ident.NewID(),
			InvoiceID:   inv.ID,
			Action:      "workflow.cancel",
			PerformedBy: principal.ID,
			PerformedAt: now,
			Metadata:    map[string]any{"reason": reason},
		})
	})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func failedCount(v *domain.Validation) int {
	n := 0
	for _, c := range v.Checks {
		if !c.Passed && !c.Indeterminate && c.Severity == domain.SeverityError {
			n++
		}
	}
	return n
}

// duplicateConclusive reports whether the duplicate check produced a
// determinate answer; the duplicate-recall SLI counts these.
func duplicateConclusive(v *domain.Validation) bool {
	for _, c := range v.Checks {
		if c.Category == domain.CategoryDuplicate {
			return !c.Indeterminate
		}
	}
	return false
}
