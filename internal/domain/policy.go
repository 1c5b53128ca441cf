package domain

import "time"

// GateAction is the decision a policy gate yields for a matching invoice.
type GateAction string

const (
	GateAllow           GateAction = "allow"
	GateRequireApproval GateAction = "require_approval"
	GateBlock           GateAction = "block"
	GateFlag            GateAction = "flag"
)

// GateStep declares one step of the approval chain a gate opens.
type GateStep struct {
	RequiredRoleLevel RoleLevel `json:"required_role_level"`
	Approver          string    `json:"approver,omitempty"` // optional pre-assignment
}

// PolicyGate decides whether an action proceeds, needs approval, or is blocked.
// Gates evaluate in ascending Priority order; the first match decides and the
// default is allow.
type PolicyGate struct {
	ID        string
	Name      string
	Priority  int    // lower = higher precedence
	Condition string // CEL boolean expression over invoice attributes
	Action    GateAction
	Steps     []GateStep // approval chain when Action is require_approval
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}
