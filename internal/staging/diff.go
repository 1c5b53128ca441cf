package staging

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// significance classification. Amount fields are graded by relative change;
// identity fields are always high; dates are medium; the rest is low.
var (
	amountFields   = map[string]bool{"total_amount": true, "subtotal": true, "tax_amount": true}
	identityFields = map[string]bool{"vendor_id": true, "vendor_name": true, "invoice_number": true}
	dateFields     = map[string]bool{"invoice_date": true, "due_date": true}
)

// criticalAmountShift is the relative change above which an amount edit is
// treated as critical and demands a higher approval level.
var criticalAmountShift = decimal.New(5, -2) // 5%

// computeDiff lists field-level changes between two payload versions.
// Fields present in either side participate; removal and addition count as
// changes to or from the empty string.
func computeDiff(from, to map[string]string, stage string) []domain.FieldChange {
	keys := make(map[string]bool, len(from)+len(to))
	for k := range from {
		keys[k] = true
	}
	for k := range to {
		keys[k] = true
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []domain.FieldChange
	for _, name := range names {
		before, after := from[name], to[name]
		if before == after {
			continue
		}
		out = append(out, domain.FieldChange{
			Field:        name,
			From:         before,
			To:           after,
			Stage:        stage,
			Significance: classify(name, before, after),
		})
	}
	return out
}

func classify(field, from, to string) domain.ChangeSignificance {
	switch {
	case amountFields[field]:
		return classifyAmount(from, to)
	case identityFields[field]:
		return domain.ChangeHigh
	case dateFields[field]:
		return domain.ChangeMedium
	default:
		return domain.ChangeLow
	}
}

func classifyAmount(from, to string) domain.ChangeSignificance {
	a, err1 := decimal.NewFromString(from)
	b, err2 := decimal.NewFromString(to)
	if err1 != nil || err2 != nil || a.IsZero() {
		return domain.ChangeCritical
	}
	shift := b.Sub(a).Abs().Div(a.Abs())
	if shift.GreaterThan(criticalAmountShift) {
		return domain.ChangeCritical
	}
	return domain.ChangeHigh
}

// hasCritical reports whether any change in the diff is critical.
func hasCritical(diff []domain.FieldChange) bool {
	for _, c := range diff {
		if c.Significance == domain.ChangeCritical {
			return true
		}
	}
	return false
}
