package rules

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
)

// fakeLookups serves canned master data; a nil map entry means "not found"
// and errs simulates an unreachable system.
type fakeLookups struct {
	vendors map[string]*Vendor
	pos     map[string]*PurchaseOrder
	grns    map[string]*GoodsReceipt
	errs    bool
}

func (f *fakeLookups) Vendor(ctx context.Context, id string) (*Vendor, error) {
	if f.errs {
		return nil, apperr.Unavailable("vendor master unreachable", nil)
	}
	return f.vendors[id], nil
}

func (f *fakeLookups) PurchaseOrder(ctx context.Context, n string) (*PurchaseOrder, error) {
	if f.errs {
		return nil, apperr.Unavailable("po system unreachable", nil)
	}
	return f.pos[n], nil
}

func (f *fakeLookups) GoodsReceipt(ctx context.Context, n string) (*GoodsReceipt, error) {
	if f.errs {
		return nil, apperr.Unavailable("grn system unreachable", nil)
	}
	return f.grns[n], nil
}

func field(v string) domain.Field { return domain.Field{Value: v, Confidence: 0.99} }

// cleanExtraction is a fully consistent single-line invoice: 2 x 50.00 with
// 8.00 tax.
func cleanExtraction(invoiceID string) *domain.Extraction {
	return &domain.Extraction{
		ID:        ident.NewID(),
		InvoiceID: invoiceID,
		Header: map[string]domain.Field{
			domain.FieldVendorName:    field("Acme Supplies"),
			domain.FieldVendorID:      field("V-100"),
			domain.FieldInvoiceNumber: field("INV-2026-001"),
			domain.FieldInvoiceDate:   field("2026-08-01"),
			domain.FieldCurrency:      field("USD"),
			domain.FieldSubtotal:      field("100.00"),
			domain.FieldTaxAmount:     field("8.00"),
			domain.FieldTotalAmount:   field("108.00"),
		},
		Lines: []domain.Line{{Fields: map[string]domain.Field{
			domain.FieldQuantity:  field("2"),
			domain.FieldUnitPrice: field("50.00"),
			domain.FieldAmount:    field("100.00"),
		}}},
		ParserVersion: "test",
	}
}

func activeVendor() *Vendor {
	return &Vendor{ID: "V-100", Active: true, Currencies: []string{"USD", "EUR"}}
}

func newTestEngine(t *testing.T, lookups Lookups) (*Engine, *memstore.Mem) {
	t.Helper()
	store := memstore.New()
	clock := ident.NewFakeClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	e := NewEngine(store, lookups, clock, DefaultConfig("0.01", 0.85), zerolog.Nop())
	return e, store
}

func testInvoice() *domain.Invoice {
	return &domain.Invoice{ID: ident.NewID(), State: domain.StateParsed}
}

func findCheck(t *testing.T, v *domain.Validation, rule string) domain.Check {
	t.Helper()
	for _, c := range v.Checks {
		if c.RuleName == rule {
			return c
		}
	}
	t.Fatalf("no check recorded for rule %q", rule)
	return domain.Check{}
}

func TestEvaluateCleanInvoicePasses(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{vendors: map[string]*Vendor{"V-100": activeVendor()}})

	v := e.Evaluate(context.Background(), testInvoice(), cleanExtraction("inv-1"))

	assert.True(t, v.Passed)
	assert.Equal(t, RulesVersion, v.RulesVersion)
	assert.Len(t, v.Checks, 11)
	for _, c := range v.Checks {
		assert.True(t, c.Passed || c.Indeterminate, "rule %s unexpectedly failed", c.RuleName)
	}
}

func TestRequiredFieldsMissing(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{})
	ext := cleanExtraction("inv-1")
	delete(ext.Header, domain.FieldInvoiceNumber)
	delete(ext.Header, domain.FieldTotalAmount)

	v := e.Evaluate(context.Background(), testInvoice(), ext)

	assert.False(t, v.Passed)
	check := findCheck(t, v, "required_fields")
	assert.Equal(t, domain.ReasonMissingRequiredField, check.ReasonCode)
}

func TestToleranceIntervalIsClosed(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{vendors: map[string]*Vendor{"V-100": activeVendor()}})

	// Off by exactly the tolerance: still passes.
	ext := cleanExtraction("inv-1")
	ext.Header[domain.FieldTotalAmount] = field("108.01")
	v := e.Evaluate(context.Background(), testInvoice(), ext)
	assert.True(t, v.Passed)

	// One cent beyond: fails.
	ext.Header[domain.FieldTotalAmount] = field("108.02")
	v = e.Evaluate(context.Background(), testInvoice(), ext)
	assert.False(t, v.Passed)
	assert.Equal(t, domain.ReasonTotalMismatch, findCheck(t, v, "total_math").ReasonCode)
}

func TestLineMathMismatch(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{})
	ext := cleanExtraction("inv-1")
	ext.Lines[0].Fields[domain.FieldAmount] = field("99.00")

	v := e.Evaluate(context.Background(), testInvoice(), ext)

	assert.False(t, v.Passed)
	assert.Equal(t, domain.ReasonLineMathMismatch, findCheck(t, v, "line_math").ReasonCode)
	// The bad line amount also breaks the subtotal sum.
	assert.Equal(t, domain.ReasonSubtotalMismatch, findCheck(t, v, "subtotal_math").ReasonCode)
}

func TestNegativeAmountRejected(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{})
	ext := cleanExtraction("inv-1")
	ext.Header[domain.FieldTaxAmount] = field("-8.00")

	v := e.Evaluate(context.Background(), testInvoice(), ext)

	assert.False(t, v.Passed)
	assert.Equal(t, domain.ReasonInvalidAmount, findCheck(t, v, "amounts_valid").ReasonCode)
}

func TestDuplicateStructuralMatch(t *testing.T) {
	e, store := newTestEngine(t, &fakeLookups{vendors: map[string]*Vendor{"V-100": activeVendor()}})
	ctx := context.Background()

	prior := testInvoice()
	require.NoError(t, store.CreateInvoice(ctx, &domain.Invoice{
		ID: prior.ID, ContentHash: "prior", Submitter: "alice",
		State: domain.StateValidated, Version: 1,
	}))
	require.NoError(t, store.PutExtraction(ctx, cleanExtraction(prior.ID)))

	v := e.Evaluate(ctx, testInvoice(), cleanExtraction("inv-new"))

	assert.False(t, v.Passed)
	check := findCheck(t, v, "duplicate_detection")
	assert.Equal(t, domain.ReasonDuplicateInvoice, check.ReasonCode)
	assert.Equal(t, "structural", check.Details["match"])
}

func TestDuplicateNearMatchWithinWindow(t *testing.T) {
	e, store := newTestEngine(t, &fakeLookups{vendors: map[string]*Vendor{"V-100": activeVendor()}})
	ctx := context.Background()

	// Same vendor and number, two days earlier, total within one currency unit.
	priorExt := cleanExtraction("inv-prior")
	priorExt.Header[domain.FieldInvoiceDate] = field("2026-07-30")
	priorExt.Header[domain.FieldTotalAmount] = field("108.50")
	require.NoError(t, store.CreateInvoice(ctx, &domain.Invoice{
		ID: "inv-prior", ContentHash: "prior", Submitter: "alice",
		State: domain.StateValidated, Version: 1,
	}))
	require.NoError(t, store.PutExtraction(ctx, priorExt))

	v := e.Evaluate(ctx, testInvoice(), cleanExtraction("inv-new"))

	check := findCheck(t, v, "duplicate_detection")
	assert.False(t, check.Passed)
	assert.Equal(t, "near", check.Details["match"])
	assert.Equal(t, -2, check.Details["date_offset_days"])
}

func TestInactiveVendorFails(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{vendors: map[string]*Vendor{
		"V-100": {ID: "V-100", Active: false},
	}})

	v := e.Evaluate(context.Background(), testInvoice(), cleanExtraction("inv-1"))

	assert.False(t, v.Passed)
	assert.Equal(t, domain.ReasonInactiveVendor, findCheck(t, v, "vendor_policy").ReasonCode)
}

func TestSpendLimitExceeded(t *testing.T) {
	vendor := activeVendor()
	vendor.SpendLimit = decimal.NewFromInt(100)
	e, _ := newTestEngine(t, &fakeLookups{vendors: map[string]*Vendor{"V-100": vendor}})

	v := e.Evaluate(context.Background(), testInvoice(), cleanExtraction("inv-1"))

	assert.False(t, v.Passed)
	assert.Equal(t, domain.ReasonSpendLimitExceeded, findCheck(t, v, "vendor_policy").ReasonCode)
}

func TestLookupOutageDegradesToIndeterminate(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{errs: true})

	v := e.Evaluate(context.Background(), testInvoice(), cleanExtraction("inv-1"))

	// An unreachable master-data system never rejects the invoice.
	assert.True(t, v.Passed)
	check := findCheck(t, v, "vendor_policy")
	assert.True(t, check.Indeterminate)
	assert.Equal(t, domain.SeverityWarning, check.Severity)
	assert.Equal(t, domain.ReasonValidationError, check.ReasonCode)
}

func TestPOAmountMismatch(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{
		vendors: map[string]*Vendor{"V-100": activeVendor()},
		pos: map[string]*PurchaseOrder{
			"PO-9": {Number: "PO-9", VendorID: "V-100", RemainingAmount: decimal.NewFromInt(50)},
		},
	})
	ext := cleanExtraction("inv-1")
	ext.Header[domain.FieldPONumber] = field("PO-9")

	v := e.Evaluate(context.Background(), testInvoice(), ext)

	assert.False(t, v.Passed)
	assert.Equal(t, domain.ReasonPOAmountMismatch, findCheck(t, v, "po_match").ReasonCode)
}

func TestGRNRequiredButMissing(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{
		vendors: map[string]*Vendor{"V-100": activeVendor()},
		pos: map[string]*PurchaseOrder{
			"PO-9": {
				Number: "PO-9", VendorID: "V-100",
				RemainingAmount: decimal.NewFromInt(200),
				RequiresReceipt: true,
			},
		},
	})
	ext := cleanExtraction("inv-1")
	ext.Header[domain.FieldPONumber] = field("PO-9")

	v := e.Evaluate(context.Background(), testInvoice(), ext)

	assert.False(t, v.Passed)
	assert.Equal(t, domain.ReasonGRNNotFound, findCheck(t, v, "grn_match").ReasonCode)
}

func TestAutoApproveConfidenceFloor(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLookups{vendors: map[string]*Vendor{"V-100": activeVendor()}})
	ctx := context.Background()

	ext := cleanExtraction("inv-1")
	v := e.Evaluate(ctx, testInvoice(), ext)
	require.True(t, v.Passed)
	assert.True(t, e.AutoApprove(v, ext))

	// One shaky field drags the minimum below the floor.
	ext.Header[domain.FieldVendorName] = domain.Field{Value: "Acme Supplies", Confidence: 0.60}
	v = e.Evaluate(ctx, testInvoice(), ext)
	require.True(t, v.Passed)
	assert.False(t, e.AutoApprove(v, ext))

	assert.InDelta(t, 0.85, e.ConfidenceFloor(), 1e-9)
}
