package rules

import (
	"context"

	"github.com/shopspring/decimal"
)

// Lookups is the external master-data surface the business rules consult.
// Implementations talk to the vendor master, PO and goods-receipt systems;
// any transport error degrades the consulting rule to indeterminate.
type Lookups interface {
	Vendor(ctx context.Context, vendorID string) (*Vendor, error)
	PurchaseOrder(ctx context.Context, poNumber string) (*PurchaseOrder, error)
	GoodsReceipt(ctx context.Context, poNumber string) (*GoodsReceipt, error)
}

// Vendor is the master-data view of a supplier.
type Vendor struct {
	ID               string
	Active           bool
	TaxID            string
	Currencies       []string // allowed invoice currencies; empty = any
	SpendLimit       decimal.Decimal
	PaymentTermsDays int
}

// PurchaseOrder is the open-PO view used for three-way matching.
type PurchaseOrder struct {
	Number          string
	VendorID        string
	RemainingAmount decimal.Decimal
	Quantity        decimal.Decimal
	AmountTolerance decimal.Decimal // per-PO override; zero = engine default
	RequiresReceipt bool
}

// GoodsReceipt is the received-quantity view for a PO.
type GoodsReceipt struct {
	PONumber         string
	ReceivedQuantity decimal.Decimal
}
