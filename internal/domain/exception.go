package domain

import "time"

// ExceptionStatus is the review state of an exception work item.
type ExceptionStatus string

const (
	ExceptionOpen      ExceptionStatus = "open"
	ExceptionInReview  ExceptionStatus = "in_review"
	ExceptionResolved  ExceptionStatus = "resolved"
	ExceptionCancelled ExceptionStatus = "cancelled"
)

// ResolutionAction names an operator action that resolves an exception.
type ResolutionAction string

const (
	ActionManualAdjust     ResolutionAction = "MANUAL_ADJUST"
	ActionRecalculate      ResolutionAction = "RECALCULATE"
	ActionMarkNotDuplicate ResolutionAction = "MARK_NOT_DUPLICATE"
	ActionAcceptVariance   ResolutionAction = "ACCEPT_VARIANCE"
	ActionRequestReparse   ResolutionAction = "REQUEST_REPARSE"
	ActionRejectInvoice    ResolutionAction = "REJECT_INVOICE"
	ActionOverride         ResolutionAction = "OVERRIDE"
)

// Exception is a failed validation check elevated to a resolvable work item.
// Related failures sharing a category may be coalesced into one exception
// carrying a multi-issue details payload.
type Exception struct {
	ID               string
	InvoiceID        string
	Category         RuleCategory
	ReasonCode       ReasonCode
	Severity         Severity
	Status           ExceptionStatus
	Details          map[string]any
	SuggestedActions []ResolutionAction
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
	ResolvedBy       *string
	ResolutionNotes  *string
	Version          int64
}

// Suggested reports whether action appears in the exception's suggested set.
func (e *Exception) Suggested(action ResolutionAction) bool {
	for _, a := range e.SuggestedActions {
		if a == action {
			return true
		}
	}
	return false
}
