package domain

import "time"

// EventType names an observable event written to the outbox.
type EventType string

const (
	// Workflow transitions; Payload carries from/to states.
	EventInvoiceTransition EventType = "INVOICE_TRANSITION"

	// Lifecycle milestones derived from transitions.
	EventInvoiceReceived EventType = "INVOICE_RECEIVED"
	EventInvoiceReady    EventType = "INVOICE_READY"
	EventInvoiceDone     EventType = "INVOICE_DONE"

	// Validation and exceptions.
	EventValidationCompleted EventType = "VALIDATION_COMPLETED"
	EventExceptionOpened     EventType = "EXCEPTION_OPENED"
	EventExceptionResolved   EventType = "EXCEPTION_RESOLVED"

	// Approvals.
	EventApprovalRequested EventType = "APPROVAL_REQUESTED"
	EventApprovalDecided   EventType = "APPROVAL_DECIDED"
	EventApprovalEscalated EventType = "APPROVAL_ESCALATED"

	// Staging / export.
	EventExportPrepared   EventType = "EXPORT_PREPARED"
	EventExportApproved   EventType = "EXPORT_APPROVED"
	EventExportPosted     EventType = "EXPORT_POSTED"
	EventExportRolledBack EventType = "EXPORT_ROLLED_BACK"

	// SLO core.
	EventSLIMeasured EventType = "SLI_MEASURED"
	EventSLOAlert    EventType = "SLO_ALERT"
	EventCFODigest   EventType = "CFO_DIGEST"

	// Audit.
	EventAudit EventType = "AUDIT"
)

// OutboxEvent is written in the same transaction as the entity change it
// reports, and drained at least once by the relay. Payload is immutable.
type OutboxEvent struct {
	ID            int64 // store-assigned, monotonic per instance
	EventType     EventType
	AggregateType string
	AggregateID   string
	Payload       []byte // immutable JSON
	CreatedAt     time.Time
	Done          bool
}

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID          string
	InvoiceID   string
	SubjectRef  string // exception, approval request or export ID when relevant
	Action      string
	PerformedBy string
	PerformedAt time.Time
	Metadata    map[string]any
}
