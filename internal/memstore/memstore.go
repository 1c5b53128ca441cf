// Package memstore provides an in-memory repository.Store used by tests and
// the standalone server mode. A single mutex serializes access; InTx takes a
// snapshot and restores it when the transaction function fails, which gives
// the same all-or-nothing visibility the postgres store provides.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

type state struct {
	invoices    map[string]domain.Invoice
	extractions map[string]domain.Extraction // keyed by invoice ID
	validations map[string]domain.Validation // keyed by invoice ID
	exceptions  map[string]domain.Exception
	requests    map[string]domain.ApprovalRequest
	decisions   []domain.ApprovalDecision
	gates       map[string]domain.PolicyGate
	exports     map[string]domain.StagedExport
	idem        map[string]domain.IdempotencyRecord
	jobs        map[string]domain.Job
	outbox      []domain.OutboxEvent
	nextOutbox  int64
	audit       []domain.AuditEntry
	slos        map[string]domain.SLO
	sli         []domain.SLIMeasurement
	alerts      []domain.SLOAlert
}

func newState() *state {
	return &state{
		invoices:    make(map[string]domain.Invoice),
		extractions: make(map[string]domain.Extraction),
		validations: make(map[string]domain.Validation),
		exceptions:  make(map[string]domain.Exception),
		requests:    make(map[string]domain.ApprovalRequest),
		gates:       make(map[string]domain.PolicyGate),
		exports:     make(map[string]domain.StagedExport),
		idem:        make(map[string]domain.IdempotencyRecord),
		jobs:        make(map[string]domain.Job),
		slos:        make(map[string]domain.SLO),
		nextOutbox:  1,
	}
}

// clone copies the map and slice headers deep enough for rollback: every
// mutation path stores fresh struct values, so copying the containers is
// sufficient to isolate a snapshot.
func (s *state) clone() *state {
	c := &state{
		invoices:    make(map[string]domain.Invoice, len(s.invoices)),
		extractions: make(map[string]domain.Extraction, len(s.extractions)),
		validations: make(map[string]domain.Validation, len(s.validations)),
		exceptions:  make(map[string]domain.Exception, len(s.exceptions)),
		requests:    make(map[string]domain.ApprovalRequest, len(s.requests)),
		decisions:   append([]domain.ApprovalDecision(nil), s.decisions...),
		gates:       make(map[string]domain.PolicyGate, len(s.gates)),
		exports:     make(map[string]domain.StagedExport, len(s.exports)),
		idem:        make(map[string]domain.IdempotencyRecord, len(s.idem)),
		jobs:        make(map[string]domain.Job, len(s.jobs)),
		outbox:      append([]domain.OutboxEvent(nil), s.outbox...),
		nextOutbox:  s.nextOutbox,
		audit:       append([]domain.AuditEntry(nil), s.audit...),
		slos:        make(map[string]domain.SLO, len(s.slos)),
		sli:         append([]domain.SLIMeasurement(nil), s.sli...),
		alerts:      append([]domain.SLOAlert(nil), s.alerts...),
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.extractions {
		c.extractions[k] = v
	}
	for k, v := range s.validations {
		c.validations[k] = v
	}
	for k, v := range s.exceptions {
		c.exceptions[k] = v
	}
	for k, v := range s.requests {
		v.Steps = append([]domain.ApprovalStep(nil), v.Steps...)
		c.requests[k] = v
	}
	for k, v := range s.gates {
		c.gates[k] = v
	}
	for k, v := range s.exports {
		c.exports[k] = v
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.slos {
		c.slos[k] = v
	}
	return c
}

// Mem is the in-memory store. The zero value is not usable; construct with New.
type Mem struct {
	mu sync.Mutex
	st *state
	tx bool
}

var _ repository.Store = (*Mem)(nil)

func New() *Mem {
	return &Mem{st: newState()}
}

// InTx serializes the transaction against all other access and rolls the
// state back when fn returns an error. Nested calls join the enclosing
// transaction, matching the postgres store's contract.
func (m *Mem) InTx(ctx context.Context, fn func(repository.Store) error) error {
	if m.tx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.st.clone()
	view := &Mem{st: m.st, tx: true}
	if err := fn(view); err != nil {
		*m.st = *snap
		return err
	}
	return nil
}

func (m *Mem) lock() func() {
	if m.tx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// ── invoices ──────────────────────────────────────────────────────────────────

func (m *Mem) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	defer m.lock()()
	for _, v := range m.st.invoices {
		if v.ContentHash == inv.ContentHash && v.Submitter == inv.Submitter {
			return apperr.Duplicate("invoice with this content hash already exists for submitter")
		}
	}
	if _, ok := m.st.invoices[inv.ID]; ok {
		return apperr.Duplicate("invoice id already exists")
	}
	m.st.invoices[inv.ID] = *inv
	return nil
}

func (m *Mem) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	defer m.lock()()
	v, ok := m.st.invoices[id]
	if !ok {
		return nil, apperr.NotFound("invoice", id)
	}
	return &v, nil
}

func (m *Mem) FindInvoiceByContentHash(ctx context.Context, hash, submitter string) (*domain.Invoice, error) {
	defer m.lock()()
	for _, v := range m.st.invoices {
		if v.ContentHash == hash && v.Submitter == submitter {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Mem) FindInvoiceByVendorFields(ctx context.Context, vendorID, invoiceNumber, invoiceDate, excludeID string) (*domain.Invoice, error) {
	defer m.lock()()
	for invID, ext := range m.st.extractions {
		if invID == excludeID {
			continue
		}
		if ext.Header[domain.FieldVendorID].Value != vendorID ||
			ext.Header[domain.FieldInvoiceNumber].Value != invoiceNumber ||
			ext.Header[domain.FieldInvoiceDate].Value != invoiceDate {
			continue
		}
		if v, ok := m.st.invoices[invID]; ok {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Mem) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	defer m.lock()()
	cur, ok := m.st.invoices[inv.ID]
	if !ok || cur.Version != inv.Version {
		return apperr.Conflict("invoice version conflict")
	}
	inv.Version++
	m.st.invoices[inv.ID] = *inv
	return nil
}

func (m *Mem) ListInvoicesByState(ctx context.Context, state domain.InvoiceState, limit int) ([]*domain.Invoice, error) {
	defer m.lock()()
	var out []*domain.Invoice
	for _, v := range m.st.invoices {
		if v.State == state {
			cp := v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── extractions ───────────────────────────────────────────────────────────────

func (m *Mem) PutExtraction(ctx context.Context, ext *domain.Extraction) error {
	defer m.lock()()
	if cur, ok := m.st.extractions[ext.InvoiceID]; ok {
		ext.Version = cur.Version + 1
	} else {
		ext.Version = 1
	}
	m.st.extractions[ext.InvoiceID] = *ext
	return nil
}

func (m *Mem) GetExtraction(ctx context.Context, invoiceID string) (*domain.Extraction, error) {
	defer m.lock()()
	v, ok := m.st.extractions[invoiceID]
	if !ok {
		return nil, apperr.NotFound("extraction", invoiceID)
	}
	return &v, nil
}

// ── validations ───────────────────────────────────────────────────────────────

func (m *Mem) PutValidation(ctx context.Context, v *domain.Validation) error {
	defer m.lock()()
	if cur, ok := m.st.validations[v.InvoiceID]; ok {
		v.Version = cur.Version + 1
	} else {
		v.Version = 1
	}
	m.st.validations[v.InvoiceID] = *v
	return nil
}

func (m *Mem) GetValidation(ctx context.Context, invoiceID string) (*domain.Validation, error) {
	defer m.lock()()
	v, ok := m.st.validations[invoiceID]
	if !ok {
		return nil, apperr.NotFound("validation", invoiceID)
	}
	return &v, nil
}

// ── exceptions ────────────────────────────────────────────────────────────────

func (m *Mem) CreateException(ctx context.Context, e *domain.Exception) error {
	defer m.lock()()
	m.st.exceptions[e.ID] = *e
	return nil
}

func (m *Mem) GetException(ctx context.Context, id string) (*domain.Exception, error) {
	defer m.lock()()
	v, ok := m.st.exceptions[id]
	if !ok {
		return nil, apperr.NotFound("exception", id)
	}
	return &v, nil
}

func (m *Mem) UpdateException(ctx context.Context, e *domain.Exception) error {
	defer m.lock()()
	cur, ok := m.st.exceptions[e.ID]
	if !ok || cur.Version != e.Version {
		return apperr.Conflict("exception version conflict")
	}
	e.Version++
	m.st.exceptions[e.ID] = *e
	return nil
}

func (m *Mem) ListExceptions(ctx context.Context, f repository.ExceptionFilter) ([]*domain.Exception, error) {
	defer m.lock()()
	var out []*domain.Exception
	for _, v := range m.st.exceptions {
		if f.InvoiceID != "" && v.InvoiceID != f.InvoiceID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Category != "" && v.Category != f.Category {
			continue
		}
		cp := v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Mem) CountOpenExceptions(ctx context.Context, invoiceID string) (int, error) {
	defer m.lock()()
	n := 0
	for _, v := range m.st.exceptions {
		if v.InvoiceID == invoiceID &&
			(v.Status == domain.ExceptionOpen || v.Status == domain.ExceptionInReview) {
			n++
		}
	}
	return n, nil
}

// ── approvals ─────────────────────────────────────────────────────────────────

func (m *Mem) CreateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error {
	defer m.lock()()
	cp := *r
	cp.Steps = append([]domain.ApprovalStep(nil), r.Steps...)
	m.st.requests[r.ID] = cp
	return nil
}

func (m *Mem) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	defer m.lock()()
	return m.getRequest(id)
}

func (m *Mem) getRequest(id string) (*domain.ApprovalRequest, error) {
	v, ok := m.st.requests[id]
	if !ok {
		return nil, apperr.NotFound("approval_request", id)
	}
	cp := v
	cp.Steps = append([]domain.ApprovalStep(nil), v.Steps...)
	return &cp, nil
}

func (m *Mem) FindActiveApprovalRequest(ctx context.Context, subjectRef string, kind domain.ApprovalKind) (*domain.ApprovalRequest, error) {
	defer m.lock()()
	var best *domain.ApprovalRequest
	for _, v := range m.st.requests {
		if v.SubjectRef != subjectRef || v.Kind != kind || v.State != domain.ApprovalPending {
			continue
		}
		if best == nil || v.CreatedAt.After(best.CreatedAt) {
			cp := v
			cp.Steps = append([]domain.ApprovalStep(nil), v.Steps...)
			best = &cp
		}
	}
	return best, nil
}

func (m *Mem) UpdateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error {
	defer m.lock()()
	cur, ok := m.st.requests[r.ID]
	if !ok || cur.Version != r.Version {
		return apperr.Conflict("approval request version conflict")
	}
	stored := make(map[string]domain.ApprovalStep, len(cur.Steps))
	for _, s := range cur.Steps {
		stored[s.ID] = s
	}
	for i := range r.Steps {
		s := &r.Steps[i]
		prev, ok := stored[s.ID]
		if !ok || prev.Version != s.Version {
			return apperr.Conflict("approval step version conflict")
		}
		s.Version++
	}
	r.Version++
	cp := *r
	cp.Steps = append([]domain.ApprovalStep(nil), r.Steps...)
	m.st.requests[r.ID] = cp
	return nil
}

func (m *Mem) AppendApprovalDecision(ctx context.Context, d *domain.ApprovalDecision) error {
	defer m.lock()()
	m.st.decisions = append(m.st.decisions, *d)
	return nil
}

func (m *Mem) ListApprovalDecisions(ctx context.Context, requestID string) ([]*domain.ApprovalDecision, error) {
	defer m.lock()()
	var out []*domain.ApprovalDecision
	for i := range m.st.decisions {
		if m.st.decisions[i].RequestID == requestID {
			cp := m.st.decisions[i]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) ListPendingStepsFor(ctx context.Context, principal string) ([]*domain.ApprovalStep, error) {
	defer m.lock()()
	var out []*domain.ApprovalStep
	for _, r := range m.st.requests {
		if r.State != domain.ApprovalPending {
			continue
		}
		for _, s := range r.Steps {
			if s.Status != domain.StepPending && s.Status != domain.StepDelegated {
				continue
			}
			if s.ApproverPrincipal != principal &&
				(s.DelegatedTo == nil || *s.DelegatedTo != principal) {
				continue
			}
			cp := s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DueAt, out[j].DueAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

func (m *Mem) ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	defer m.lock()()
	var out []*domain.ApprovalRequest
	for _, r := range m.st.requests {
		if r.State != domain.ApprovalPending {
			continue
		}
		for _, s := range r.Steps {
			if (s.Status == domain.StepPending || s.Status == domain.StepDelegated) &&
				s.DueAt != nil && !s.DueAt.After(now) {
				cp := r
				cp.Steps = append([]domain.ApprovalStep(nil), r.Steps...)
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── policy gates ──────────────────────────────────────────────────────────────

func (m *Mem) UpsertPolicyGate(ctx context.Context, g *domain.PolicyGate) error {
	defer m.lock()()
	if cur, ok := m.st.gates[g.ID]; ok {
		g.Version = cur.Version + 1
	} else {
		g.Version = 1
	}
	cp := *g
	cp.Steps = append([]domain.GateStep(nil), g.Steps...)
	m.st.gates[g.ID] = cp
	return nil
}

func (m *Mem) ListPolicyGates(ctx context.Context) ([]*domain.PolicyGate, error) {
	defer m.lock()()
	out := make([]*domain.PolicyGate, 0, len(m.st.gates))
	for _, v := range m.st.gates {
		cp := v
		cp.Steps = append([]domain.GateStep(nil), v.Steps...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
