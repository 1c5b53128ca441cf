package domain

import "time"

// RoleLevel orders principal roles; a higher level may act for a lower one.
type RoleLevel int

const (
	RoleAPClerk        RoleLevel = 1
	RoleAPManager      RoleLevel = 2
	RoleController     RoleLevel = 3
	RoleCFO            RoleLevel = 4
)

// Principal is an already-authenticated caller with a resolved role level.
// Token issuance happens outside the core.
type Principal struct {
	ID    string
	Level RoleLevel
}

// ApprovalKind identifies what an approval request is about.
type ApprovalKind string

const (
	ApprovalInvoice        ApprovalKind = "invoice"
	ApprovalExport         ApprovalKind = "export"
	ApprovalPolicyOverride ApprovalKind = "policy_override"
)

// ApprovalState is the aggregate state of a request.
type ApprovalState string

const (
	ApprovalPending   ApprovalState = "pending"
	ApprovalApproved  ApprovalState = "approved"
	ApprovalRejected  ApprovalState = "rejected"
	ApprovalCancelled ApprovalState = "cancelled"
	ApprovalDelegated ApprovalState = "delegated"
)

// StepStatus is the state of a single approval step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepDelegated StepStatus = "delegated"
)

// ApprovalStep is one step of a chain. Steps act strictly in declared order;
// a step is eligible once every prior step is approved.
type ApprovalStep struct {
	ID                string
	RequestID         string
	Index             int
	ApproverPrincipal string
	RequiredRoleLevel RoleLevel
	Status            StepStatus
	ActedAt           *time.Time
	DelegatedTo       *string
	Comment           *string
	DueAt             *time.Time
	Version           int64
}

// ApprovalRequest asks for approval of some entity. The request is approved
// iff every step approves; it is rejected as soon as any step rejects.
type ApprovalRequest struct {
	ID         string
	SubjectRef string // invoice or staged-export ID
	Kind       ApprovalKind
	State      ApprovalState
	Steps      []ApprovalStep
	Priority   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DueAt      *time.Time
	Version    int64
}

// CurrentStep returns the first pending or delegated step, or -1 when none.
func (r *ApprovalRequest) CurrentStep() int {
	for i, s := range r.Steps {
		if s.Status == StepPending || s.Status == StepDelegated {
			return i
		}
	}
	return -1
}

// ApprovalDecision is one immutable record of an approval action.
type ApprovalDecision struct {
	ID        string
	RequestID string
	StepIndex int
	Decision  StepStatus // approved | rejected | delegated
	ActedBy   string
	Comment   *string
	CreatedAt time.Time
}
