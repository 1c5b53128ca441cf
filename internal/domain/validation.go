package domain

import "time"

// ReasonCode is a member of the closed failure taxonomy. Every rule failure
// maps to exactly one of these; unknown conditions map to ReasonValidationError.
type ReasonCode string

const (
	ReasonMissingRequiredField  ReasonCode = "MISSING_REQUIRED_FIELD"
	ReasonInvalidFieldFormat    ReasonCode = "INVALID_FIELD_FORMAT"
	ReasonInvalidDataStructure  ReasonCode = "INVALID_DATA_STRUCTURE"
	ReasonNoLineItems           ReasonCode = "NO_LINE_ITEMS"
	ReasonLineMathMismatch      ReasonCode = "LINE_MATH_MISMATCH"
	ReasonSubtotalMismatch      ReasonCode = "SUBTOTAL_MISMATCH"
	ReasonTotalMismatch         ReasonCode = "TOTAL_MISMATCH"
	ReasonInvalidAmount         ReasonCode = "INVALID_AMOUNT"
	ReasonDuplicateInvoice      ReasonCode = "DUPLICATE_INVOICE"
	ReasonPONotFound            ReasonCode = "PO_NOT_FOUND"
	ReasonPOMismatch            ReasonCode = "PO_MISMATCH"
	ReasonPOAmountMismatch      ReasonCode = "PO_AMOUNT_MISMATCH"
	ReasonPOQuantityMismatch    ReasonCode = "PO_QUANTITY_MISMATCH"
	ReasonGRNNotFound           ReasonCode = "GRN_NOT_FOUND"
	ReasonGRNMismatch           ReasonCode = "GRN_MISMATCH"
	ReasonInactiveVendor        ReasonCode = "INACTIVE_VENDOR"
	ReasonInvalidCurrency       ReasonCode = "INVALID_CURRENCY"
	ReasonInvalidTaxID          ReasonCode = "INVALID_TAX_ID"
	ReasonSpendLimitExceeded    ReasonCode = "SPEND_LIMIT_EXCEEDED"
	ReasonPaymentTermsViolation ReasonCode = "PAYMENT_TERMS_VIOLATION"
	ReasonValidationError       ReasonCode = "VALIDATION_ERROR"
	ReasonDatabaseError         ReasonCode = "DATABASE_ERROR"
	ReasonExtractionError       ReasonCode = "EXTRACTION_ERROR"
	ReasonStorageError          ReasonCode = "STORAGE_ERROR"
)

// Severity grades a check outcome.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// RuleCategory groups validation rules and their resulting exceptions.
type RuleCategory string

const (
	CategoryStructural  RuleCategory = "structural"
	CategoryMath        RuleCategory = "math"
	CategoryDuplicate   RuleCategory = "duplicate"
	CategoryMatching    RuleCategory = "matching"
	CategoryVendor      RuleCategory = "vendor_policy"
	CategoryDataQuality RuleCategory = "data_quality"
	CategorySystem      RuleCategory = "system"
)

// Check is one rule outcome inside a Validation.
type Check struct {
	RuleName      string         `json:"rule_name"`
	Category      RuleCategory   `json:"category"`
	Severity      Severity       `json:"severity"`
	Passed        bool           `json:"passed"`
	Indeterminate bool           `json:"indeterminate,omitempty"` // lookup failed; excluded from verdict
	ReasonCode    ReasonCode     `json:"reason_code,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Validation is the rule engine's verdict on an extraction.
// Passed is true iff no error-severity check failed determinately.
type Validation struct {
	ID           string
	InvoiceID    string
	Passed       bool
	Checks       []Check
	RulesVersion string
	CreatedAt    time.Time
	Version      int64
}
