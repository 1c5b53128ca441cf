package domain

import "time"

// ExportFormat is the serialization of a staged export payload.
type ExportFormat string

const (
	FormatCSV        ExportFormat = "csv"
	FormatJSON       ExportFormat = "json"
	FormatQuickBooks ExportFormat = "quickbooks"
)

// ExportStatus moves monotonically along
// prepared → under_review → {approved|rejected} → {posted|failed} → [rolled_back].
type ExportStatus string

const (
	ExportPrepared    ExportStatus = "prepared"
	ExportUnderReview ExportStatus = "under_review"
	ExportApproved    ExportStatus = "approved"
	ExportRejected    ExportStatus = "rejected"
	ExportPosted      ExportStatus = "posted"
	ExportFailed      ExportStatus = "failed"
	ExportRolledBack  ExportStatus = "rolled_back"
)

var exportTransitions = map[ExportStatus][]ExportStatus{
	ExportPrepared:    {ExportUnderReview},
	ExportUnderReview: {ExportApproved, ExportRejected},
	ExportApproved:    {ExportPosted, ExportFailed},
	ExportFailed:      {ExportPosted}, // retried post
	ExportPosted:      {ExportRolledBack},
}

// CanTransitionExport reports whether from → to is a legal lattice edge.
func CanTransitionExport(from, to ExportStatus) bool {
	for _, t := range exportTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ChangeSignificance classifies one reviewed field change.
type ChangeSignificance string

const (
	ChangeLow      ChangeSignificance = "low"
	ChangeMedium   ChangeSignificance = "medium"
	ChangeHigh     ChangeSignificance = "high"
	ChangeCritical ChangeSignificance = "critical"
)

// FieldChange is one entry of a staged export's diff.
type FieldChange struct {
	Field        string             `json:"field"`
	From         string             `json:"from"`
	To           string             `json:"to"`
	Stage        string             `json:"stage"` // prepared→approved or approved→posted
	Significance ChangeSignificance `json:"significance"`
}

// StagedExport is a materialized export payload under the
// prepare/approve/post/rollback protocol. Once posted the payload is
// immutable except for the rollback transition.
type StagedExport struct {
	ID           string
	InvoiceID    string
	Destination  string
	Format       ExportFormat
	Status       ExportStatus
	PreparedData map[string]string
	ApprovedData map[string]string
	PostedData   map[string]string
	Diff         []FieldChange
	QualityScore int // [0,100]
	PreparedBy   string
	ApprovedBy   *string
	PostedBy     *string
	ExternalRef  *string // set iff posted or rolled_back
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ReviewedAt   *time.Time
	PostedAt     *time.Time
	RolledBackAt *time.Time
	Version      int64
}
