// Package repository defines the durable-store contract of the intake core
// and its postgres implementation. Every mutation that must emit an
// observable event appends to the outbox inside the same transaction.
package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// Store is the transactional persistence surface. Mutable entities carry a
// version column; updates assert the prior version and fail with a Conflict
// on mismatch. InTx runs fn against a transactional view of the same store;
// nested InTx joins the enclosing transaction.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	InvoiceStore
	ExtractionStore
	ValidationStore
	ExceptionStore
	ApprovalStore
	PolicyGateStore
	ExportStore
	IdempotencyStore
	JobStore
	OutboxStore
	AuditStore
	SLOStore
}

// InvoiceStore persists invoices. Invoices are never deleted; archive only.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	// FindInvoiceByContentHash returns nil when no invoice matches the
	// (content_hash, submitter) scope.
	FindInvoiceByContentHash(ctx context.Context, hash, submitter string) (*domain.Invoice, error)
	// FindInvoiceByVendorFields locates a structural duplicate candidate,
	// excluding the given invoice. Returns nil when none.
	FindInvoiceByVendorFields(ctx context.Context, vendorID, invoiceNumber, invoiceDate, excludeID string) (*domain.Invoice, error)
	// UpdateInvoice asserts inv.Version and bumps it on success.
	UpdateInvoice(ctx context.Context, inv *domain.Invoice) error
	ListInvoicesByState(ctx context.Context, state domain.InvoiceState, limit int) ([]*domain.Invoice, error)
}

// ExtractionStore keeps at most one current extraction per invoice.
type ExtractionStore interface {
	// PutExtraction supersedes any previous extraction for the invoice.
	PutExtraction(ctx context.Context, ext *domain.Extraction) error
	GetExtraction(ctx context.Context, invoiceID string) (*domain.Extraction, error)
}

// ValidationStore keeps the latest verdict per invoice.
type ValidationStore interface {
	PutValidation(ctx context.Context, v *domain.Validation) error
	GetValidation(ctx context.Context, invoiceID string) (*domain.Validation, error)
}

// ExceptionStore persists review work items.
type ExceptionStore interface {
	CreateException(ctx context.Context, e *domain.Exception) error
	GetException(ctx context.Context, id string) (*domain.Exception, error)
	UpdateException(ctx context.Context, e *domain.Exception) error
	ListExceptions(ctx context.Context, f ExceptionFilter) ([]*domain.Exception, error)
	CountOpenExceptions(ctx context.Context, invoiceID string) (int, error)
}

// ExceptionFilter narrows exception listings; zero values match everything.
type ExceptionFilter struct {
	InvoiceID string
	Status    domain.ExceptionStatus
	Category  domain.RuleCategory
	Limit     int
}

// ApprovalStore persists approval requests, their steps and the append-only
// decision log.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	// FindActiveApprovalRequest returns the pending request for a subject,
	// or nil when none.
	FindActiveApprovalRequest(ctx context.Context, subjectRef string, kind domain.ApprovalKind) (*domain.ApprovalRequest, error)
	// UpdateApprovalRequest persists request state and all step mutations
	// under the request's version.
	UpdateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error
	AppendApprovalDecision(ctx context.Context, d *domain.ApprovalDecision) error
	ListApprovalDecisions(ctx context.Context, requestID string) ([]*domain.ApprovalDecision, error)
	ListPendingStepsFor(ctx context.Context, principal string) ([]*domain.ApprovalStep, error)
	// ListOverdueRequests returns pending requests whose current step is past
	// its due time.
	ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalRequest, error)
}

// PolicyGateStore persists the ordered gate list.
type PolicyGateStore interface {
	UpsertPolicyGate(ctx context.Context, g *domain.PolicyGate) error
	// ListPolicyGates returns gates in ascending priority order.
	ListPolicyGates(ctx context.Context) ([]*domain.PolicyGate, error)
}

// ExportStore persists staged exports. Status transitions follow the
// prepare/approve/post lattice; updates are guarded by version.
type ExportStore interface {
	CreateStagedExport(ctx context.Context, e *domain.StagedExport) error
	GetStagedExport(ctx context.Context, id string) (*domain.StagedExport, error)
	FindStagedExport(ctx context.Context, invoiceID, destination string, format domain.ExportFormat) (*domain.StagedExport, error)
	UpdateStagedExport(ctx context.Context, e *domain.StagedExport) error
}

// IdempotencyStore persists operation memory. Keys are globally unique;
// concurrent inserts serialize at the storage layer.
type IdempotencyStore interface {
	// InsertIdempotencyRecord fails with a Duplicate error when the key exists.
	InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error
	// GetIdempotencyRecord returns nil when the key is absent.
	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	UpdateIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error)
}

// JobStore is the queue substrate for the job fabric.
type JobStore interface {
	EnqueueJob(ctx context.Context, j *domain.Job) error
	// LeaseJob atomically claims the next visible queued job, or returns nil.
	LeaseJob(ctx context.Context, queue string, now time.Time, visibility time.Duration, token string) (*domain.Job, error)
	// CompleteJob marks a leased job succeeded; the token must match the lease.
	CompleteJob(ctx context.Context, id, token string) error
	// ReleaseJob returns a leased job to queued (visible at nextVisible) or,
	// when dead is set, moves it to the DLQ.
	ReleaseJob(ctx context.Context, id, token string, nextVisible time.Time, lastError string, dead bool) error
	// RequeueExpiredLeases returns jobs whose lease deadline has passed to
	// queued and reports how many were recovered.
	RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error)
	QueueDepth(ctx context.Context, queue string) (int, error)
	DeadJobs(ctx context.Context, queue string, limit int) ([]*domain.Job, error)
	RequeueDeadJob(ctx context.Context, id string, now time.Time) error
	DeadCount(ctx context.Context, queue string) (int, error)
}

// OutboxStore is the transactional event queue plus its event history, which
// the SLO core aggregates over.
type OutboxStore interface {
	AppendOutbox(ctx context.Context, ev *domain.OutboxEvent) error
	DrainOutbox(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkOutboxDone(ctx context.Context, ids []int64) error
	// QueryEvents returns events of a type within [from, to), oldest first.
	QueryEvents(ctx context.Context, eventType domain.EventType, from, to time.Time) ([]*domain.OutboxEvent, error)
}

// AuditStore is append-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, invoiceID string) ([]*domain.AuditEntry, error)
}

// SLOStore persists objective definitions, measurements and alerts.
type SLOStore interface {
	UpsertSLO(ctx context.Context, s *domain.SLO) error
	ListSLOs(ctx context.Context) ([]*domain.SLO, error)
	InsertSLIMeasurement(ctx context.Context, m *domain.SLIMeasurement) error
	ListSLIMeasurements(ctx context.Context, sloName string, from, to time.Time) ([]*domain.SLIMeasurement, error)
	InsertSLOAlert(ctx context.Context, a *domain.SLOAlert) error
	ListSLOAlerts(ctx context.Context, sloName string, limit int) ([]*domain.SLOAlert, error)
}
