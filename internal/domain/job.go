package domain

import "time"

// Queue names. Queue selection per job-type is a configuration mapping.
const (
	QueueIngestion   = "ingestion"
	QueueProcessing  = "processing"
	QueueValidation  = "validation"
	QueueExport      = "export"
	QueueMaintenance = "maintenance"
)

// Job op types. The fabric maps each to a queue and handler at wiring time.
const (
	OpParseInvoice      = "invoice.parse"
	OpValidateInvoice   = "invoice.validate"
	OpAdvanceInvoice    = "invoice.advance"
	OpStageExport       = "export.stage"
	OpPostExport        = "export.post"
	OpEscalateApprovals = "approvals.escalate"
)

// JobState is the queue lifecycle of a unit of deferred work.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobLeased    JobState = "leased"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobDead      JobState = "dead"
)

// Job is a unit of deferred work. At most one live lease exists per job;
// a job leaves leased within LeaseDeadline or returns to queued.
type Job struct {
	ID            string
	Queue         string
	OpType        string
	Payload       []byte // version-tagged canonical JSON
	Attempts      int
	NextVisibleAt time.Time
	State         JobState
	LeaseDeadline *time.Time
	LeaseToken    string
	LastError     string
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
	Version       int64
}

// PayloadEnvelope is the canonical job payload encoding (version-tagged).
type PayloadEnvelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
	Data []byte `json:"data"`
}
