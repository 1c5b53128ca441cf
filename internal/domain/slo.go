package domain

import "time"

// SLOUnit is how an SLI sample is aggregated against its target.
type SLOUnit string

const (
	UnitMinutesP95    SLOUnit = "minutes_p95"
	UnitHoursP95      SLOUnit = "hours_p95"
	UnitPercentDaily  SLOUnit = "percent_daily"
	UnitPercentWeekly SLOUnit = "percent_weekly"
	UnitMeanDaily     SLOUnit = "mean_daily"
)

// SLODirection states which side of the target is healthy.
type SLODirection string

const (
	DirectionAtMost  SLODirection = "at_most"  // latency-style: observed ≤ target
	DirectionAtLeast SLODirection = "at_least" // rate-style: observed ≥ target
)

// SLO is a service-level objective definition.
type SLO struct {
	Name               string
	Target             float64
	Unit               SLOUnit
	Direction          SLODirection
	BurnAlertThreshold float64 // burn rate above which an alert fires
	Version            int64
}

// Required SLO names.
const (
	SLOTimeToReady             = "time_to_ready"
	SLOValidationPassRate      = "validation_pass_rate"
	SLODuplicateRecall         = "duplicate_recall"
	SLOApprovalLatency         = "approval_latency"
	SLOProcessingSuccessRate   = "processing_success_rate"
	SLOExtractionAccuracy      = "extraction_accuracy"
	SLOExceptionResolutionTime = "exception_resolution_time"
)

// DefaultSLOs returns the required objective set.
func DefaultSLOs() []SLO {
	return []SLO{
		{Name: SLOTimeToReady, Target: 5, Unit: UnitMinutesP95, Direction: DirectionAtMost, BurnAlertThreshold: 2},
		{Name: SLOValidationPassRate, Target: 90, Unit: UnitPercentDaily, Direction: DirectionAtLeast, BurnAlertThreshold: 2},
		{Name: SLODuplicateRecall, Target: 98, Unit: UnitPercentWeekly, Direction: DirectionAtLeast, BurnAlertThreshold: 2},
		{Name: SLOApprovalLatency, Target: 2, Unit: UnitHoursP95, Direction: DirectionAtMost, BurnAlertThreshold: 2},
		{Name: SLOProcessingSuccessRate, Target: 95, Unit: UnitPercentDaily, Direction: DirectionAtLeast, BurnAlertThreshold: 2},
		{Name: SLOExtractionAccuracy, Target: 92, Unit: UnitMeanDaily, Direction: DirectionAtLeast, BurnAlertThreshold: 2},
		{Name: SLOExceptionResolutionTime, Target: 4, Unit: UnitHoursP95, Direction: DirectionAtMost, BurnAlertThreshold: 2},
	}
}

// SLIMeasurement is one computed indicator value over a fixed window.
type SLIMeasurement struct {
	ID          string
	SLOName     string
	WindowStart time.Time
	WindowEnd   time.Time
	Value       float64
	SampleCount int
	Met         bool
	CreatedAt   time.Time
}

// SLOAlert is emitted when a burn-rate threshold is breached.
type SLOAlert struct {
	ID         string
	SLOName    string
	Severity   Severity
	BurnRate   float64
	Window     time.Duration
	Message    string
	DetectedAt time.Time
	EmittedAt  time.Time
}
