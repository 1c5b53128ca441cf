package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Semantic header field names produced by the extraction collaborator.
const (
	FieldVendorName    = "vendor_name"
	FieldVendorID      = "vendor_id"
	FieldInvoiceNumber = "invoice_number"
	FieldInvoiceDate   = "invoice_date"
	FieldDueDate       = "due_date"
	FieldCurrency      = "currency"
	FieldSubtotal      = "subtotal"
	FieldTaxAmount     = "tax_amount"
	FieldTotalAmount   = "total_amount"
	FieldPONumber      = "po_number"
	FieldTaxID         = "tax_id"
)

// Line item field names.
const (
	FieldQuantity  = "quantity"
	FieldUnitPrice = "unit_price"
	FieldAmount    = "amount"
)

// BBox is the bounding box of a field on the source page, normalized to [0,1].
type BBox struct {
	Page float64 `json:"page"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	W    float64 `json:"w"`
	H    float64 `json:"h"`
}

// Field is one extracted value with its confidence.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"` // in [0,1]
	BBox       *BBox   `json:"bbox,omitempty"`
}

// Line is a single extracted line item.
type Line struct {
	Fields map[string]Field `json:"fields"`
}

// Extraction is the parser's output bound to an invoice. At most one current
// extraction exists per invoice; a re-parse supersedes the previous one.
type Extraction struct {
	ID            string
	InvoiceID     string
	Header        map[string]Field
	Lines         []Line
	ParserVersion string
	CreatedAt     time.Time
	Version       int64
}

// HeaderValue returns the raw header value and whether the field is present
// and non-empty.
func (e *Extraction) HeaderValue(name string) (string, bool) {
	f, ok := e.Header[name]
	if !ok || f.Value == "" {
		return "", false
	}
	return f.Value, true
}

// HeaderAmount parses a header field as a decimal amount.
func (e *Extraction) HeaderAmount(name string) (decimal.Decimal, bool) {
	v, ok := e.HeaderValue(name)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Amount parses a line field as a decimal amount.
func (l Line) Amount(name string) (decimal.Decimal, bool) {
	f, ok := l.Fields[name]
	if !ok || f.Value == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(f.Value)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// MinConfidence returns the lowest confidence across header and line fields.
// An extraction with no fields reports 0.
func (e *Extraction) MinConfidence() float64 {
	min := -1.0
	consider := func(f Field) {
		if min < 0 || f.Confidence < min {
			min = f.Confidence
		}
	}
	for _, f := range e.Header {
		consider(f)
	}
	for _, l := range e.Lines {
		for _, f := range l.Fields {
			consider(f)
		}
	}
	if min < 0 {
		return 0
	}
	return min
}
