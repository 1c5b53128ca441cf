// Package rules is the validation rule engine. Rules run in declared order
// over an invoice's extraction and aggregate into a Validation verdict with
// reason codes from the closed taxonomy. Rules that depend on external
// lookups degrade to an indeterminate warning when the lookup fails; an
// indeterminate check never fails the verdict.
package rules

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// RulesVersion stamps every verdict so results stay comparable across
// rule-set changes.
const RulesVersion = "2026.08"

// Outcome is the result of one rule application.
type Outcome struct {
	Passed        bool
	Indeterminate bool
	ReasonCode    domain.ReasonCode
	Details       map[string]any
}

func pass() Outcome { return Outcome{Passed: true} }

func fail(code domain.ReasonCode, details map[string]any) Outcome {
	return Outcome{ReasonCode: code, Details: details}
}

func indeterminate(code domain.ReasonCode, details map[string]any) Outcome {
	return Outcome{Indeterminate: true, ReasonCode: code, Details: details}
}

// Input is what every rule sees.
type Input struct {
	Invoice    *domain.Invoice
	Extraction *domain.Extraction
}

// Rule is one named check. Apply must be deterministic for a given input
// and lookup state.
type Rule struct {
	Name     string
	Category domain.RuleCategory
	Severity domain.Severity
	Apply    func(ctx context.Context, in *Input) Outcome
}

// Config tunes the engine's numeric and duplicate-detection behavior.
type Config struct {
	Tolerance               decimal.Decimal
	RequiredFields          []string
	DuplicateAmountVariance decimal.Decimal
	DuplicateDateWindowDays int
	AutoApproveConfidence   float64
}

// DefaultConfig applies the documented defaults with the given tolerance
// literal (e.g. "0.01").
func DefaultConfig(tolerance string, autoApprove float64) Config {
	tol, err := decimal.NewFromString(tolerance)
	if err != nil {
		tol = decimal.New(1, -2)
	}
	return Config{
		Tolerance: tol,
		// Header fields only; an extraction without lines surfaces through
		// the line-items rule as NO_LINE_ITEMS.
		RequiredFields: []string{
			domain.FieldVendorName,
			domain.FieldInvoiceNumber,
			domain.FieldInvoiceDate,
			domain.FieldTotalAmount,
		},
		DuplicateAmountVariance: decimal.New(1, 0),
		DuplicateDateWindowDays: 3,
		AutoApproveConfidence:   autoApprove,
	}
}

// Engine runs the configured rule set.
type Engine struct {
	store   repository.Store
	lookups Lookups
	clock   ident.Clock
	cfg     Config
	rules   []Rule
	log     zerolog.Logger
}

func NewEngine(store repository.Store, lookups Lookups, clock ident.Clock, cfg Config, log zerolog.Logger) *Engine {
	e := &Engine{
		store:   store,
		lookups: lookups,
		clock:   clock,
		cfg:     cfg,
		log:     log.With().Str("component", "rules").Logger(),
	}
	e.rules = []Rule{
		e.requiredFieldsRule(),
		e.fieldFormatRule(),
		e.lineItemsRule(),
		e.amountSignRule(),
		e.lineMathRule(),
		e.subtotalRule(),
		e.totalRule(),
		e.duplicateRule(),
		e.vendorPolicyRule(),
		e.poMatchRule(),
		e.grnMatchRule(),
	}
	return e
}

// Evaluate runs every rule and aggregates the verdict. Passed is true iff
// no error-severity check failed determinately.
func (e *Engine) Evaluate(ctx context.Context, inv *domain.Invoice, ext *domain.Extraction) *domain.Validation {
	in := &Input{Invoice: inv, Extraction: ext}
	v := &domain.Validation{
		ID:           ident.NewID(),
		InvoiceID:    inv.ID,
		Passed:       true,
		RulesVersion: RulesVersion,
		CreatedAt:    e.clock.Now(),
	}
	for _, r := range e.rules {
		out := r.Apply(ctx, in)
		check := domain.Check{
			RuleName:      r.Name,
			Category:      r.Category,
			Severity:      r.Severity,
			Passed:        out.Passed,
			Indeterminate: out.Indeterminate,
			ReasonCode:    out.ReasonCode,
			Details:       out.Details,
		}
		if out.Indeterminate {
			// Lookup failed; record as a warning, never reject on it.
			check.Severity = domain.SeverityWarning
			e.log.Warn().
				Str("invoice_id", inv.ID).
				Str("rule", r.Name).
				Str("reason", string(out.ReasonCode)).
				Msg("rule degraded to indeterminate")
		} else if !out.Passed && r.Severity == domain.SeverityError {
			v.Passed = false
		}
		v.Checks = append(v.Checks, check)
	}
	return v
}

// AutoApprove reports whether the invoice may skip human review: the
// verdict passed and every extracted field meets the confidence floor.
func (e *Engine) AutoApprove(v *domain.Validation, ext *domain.Extraction) bool {
	return v.Passed && ext.MinConfidence() >= e.cfg.AutoApproveConfidence
}

// ConfidenceFloor is the auto-approval confidence threshold.
func (e *Engine) ConfidenceFloor() float64 {
	return e.cfg.AutoApproveConfidence
}

// withinTolerance applies the closed interval [-ε, +ε]: a difference of
// exactly ε still passes.
func (e *Engine) withinTolerance(diff decimal.Decimal) bool {
	return diff.Abs().LessThanOrEqual(e.cfg.Tolerance)
}
