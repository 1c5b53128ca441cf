package rules

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006"}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// amountFields are the header fields that must parse as decimals when present.
var amountFields = []string{domain.FieldSubtotal, domain.FieldTaxAmount, domain.FieldTotalAmount}

// ── structural rules ──────────────────────────────────────────────────────────

func (e *Engine) requiredFieldsRule() Rule {
	return Rule{
		Name:     "required_fields",
		Category: domain.CategoryStructural,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			var missing []string
			for _, name := range e.cfg.RequiredFields {
				if _, ok := in.Extraction.HeaderValue(name); !ok {
					missing = append(missing, name)
				}
			}
			if len(missing) > 0 {
				return fail(domain.ReasonMissingRequiredField, map[string]any{"fields": missing})
			}
			return pass()
		},
	}
}

func (e *Engine) fieldFormatRule() Rule {
	return Rule{
		Name:     "field_format",
		Category: domain.CategoryStructural,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			if v, ok := in.Extraction.HeaderValue(domain.FieldInvoiceDate); ok {
				if _, parsed := parseDate(v); !parsed {
					return fail(domain.ReasonInvalidFieldFormat, map[string]any{
						"field": domain.FieldInvoiceDate, "value": v,
					})
				}
			}
			for _, name := range amountFields {
				v, ok := in.Extraction.HeaderValue(name)
				if !ok {
					continue
				}
				if _, err := decimal.NewFromString(v); err != nil {
					return fail(domain.ReasonInvalidFieldFormat, map[string]any{
						"field": name, "value": v,
					})
				}
			}
			return pass()
		},
	}
}

func (e *Engine) lineItemsRule() Rule {
	return Rule{
		Name:     "line_items_present",
		Category: domain.CategoryStructural,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			if len(in.Extraction.Lines) == 0 {
				return fail(domain.ReasonNoLineItems, nil)
			}
			return pass()
		},
	}
}

// ── mathematical rules ────────────────────────────────────────────────────────

func (e *Engine) amountSignRule() Rule {
	return Rule{
		Name:     "amounts_valid",
		Category: domain.CategoryMath,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			for _, name := range amountFields {
				raw, ok := in.Extraction.HeaderValue(name)
				if !ok {
					continue
				}
				d, err := decimal.NewFromString(raw)
				if err != nil {
					return fail(domain.ReasonInvalidAmount, map[string]any{"field": name, "value": raw})
				}
				if d.IsNegative() {
					return fail(domain.ReasonInvalidAmount, map[string]any{"field": name, "value": raw})
				}
			}
			return pass()
		},
	}
}

func (e *Engine) lineMathRule() Rule {
	return Rule{
		Name:     "line_math",
		Category: domain.CategoryMath,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			for i, line := range in.Extraction.Lines {
				qty, qok := line.Amount(domain.FieldQuantity)
				unit, uok := line.Amount(domain.FieldUnitPrice)
				amount, aok := line.Amount(domain.FieldAmount)
				if !qok || !uok || !aok {
					continue
				}
				expected := qty.Mul(unit).RoundBank(4)
				if !e.withinTolerance(amount.Sub(expected)) {
					return fail(domain.ReasonLineMathMismatch, map[string]any{
						"line":     i,
						"expected": expected.String(),
						"actual":   amount.String(),
					})
				}
			}
			return pass()
		},
	}
}

func (e *Engine) subtotalRule() Rule {
	return Rule{
		Name:     "subtotal_math",
		Category: domain.CategoryMath,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			subtotal, ok := in.Extraction.HeaderAmount(domain.FieldSubtotal)
			if !ok || len(in.Extraction.Lines) == 0 {
				return pass()
			}
			sum := decimal.Zero
			for _, line := range in.Extraction.Lines {
				amount, aok := line.Amount(domain.FieldAmount)
				if !aok {
					return pass() // unmeasurable; line_math already flags bad lines
				}
				sum = sum.Add(amount)
			}
			if !e.withinTolerance(subtotal.Sub(sum)) {
				return fail(domain.ReasonSubtotalMismatch, map[string]any{
					"subtotal":  subtotal.String(),
					"lines_sum": sum.String(),
				})
			}
			return pass()
		},
	}
}

func (e *Engine) totalRule() Rule {
	return Rule{
		Name:     "total_math",
		Category: domain.CategoryMath,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			total, tok := in.Extraction.HeaderAmount(domain.FieldTotalAmount)
			subtotal, sok := in.Extraction.HeaderAmount(domain.FieldSubtotal)
			if !tok || !sok {
				return pass()
			}
			tax, ok := in.Extraction.HeaderAmount(domain.FieldTaxAmount)
			if !ok {
				tax = decimal.Zero
			}
			expected := subtotal.Add(tax)
			if !e.withinTolerance(total.Sub(expected)) {
				return fail(domain.ReasonTotalMismatch, map[string]any{
					"total":    total.String(),
					"expected": expected.String(),
				})
			}
			return pass()
		},
	}
}
