package domain

import "time"

// IdempotencyState is the lifecycle of a keyed operation record.
type IdempotencyState string

const (
	IdemInFlight  IdempotencyState = "in_flight"
	IdemCompleted IdempotencyState = "completed"
	IdemFailed    IdempotencyState = "failed"
)

// IdempotencyRecord is the memory of an externally triggered operation.
// The key is globally unique; concurrent inserts serialize at the store.
type IdempotencyRecord struct {
	Key         string
	OpType      string
	State       IdempotencyState
	Attempts    int
	MaxAttempts int
	Result      []byte // canonical JSON of the recorded result
	LastError   string
	Principal   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	Version     int64
}
