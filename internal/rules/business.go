package rules

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// ── duplicate detection ───────────────────────────────────────────────────────

// duplicateRule finds a structural duplicate on the (vendor, number, date)
// triple, or a near-match within the configured date window when the totals
// differ by no more than the amount variance. Exact byte duplicates never
// reach this rule; ingest collapses them on the content hash.
func (e *Engine) duplicateRule() Rule {
	return Rule{
		Name:     "duplicate_detection",
		Category: domain.CategoryDuplicate,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			vendorID, vok := in.Extraction.HeaderValue(domain.FieldVendorID)
			number, nok := in.Extraction.HeaderValue(domain.FieldInvoiceNumber)
			dateRaw, dok := in.Extraction.HeaderValue(domain.FieldInvoiceDate)
			if !vok || !nok || !dok {
				return pass()
			}
			date, parsed := parseDate(dateRaw)
			if !parsed {
				return pass()
			}

			window := e.cfg.DuplicateDateWindowDays
			for offset := -window; offset <= window; offset++ {
				candidateDate := date.AddDate(0, 0, offset).Format("2006-01-02")
				prior, err := e.store.FindInvoiceByVendorFields(ctx, vendorID, number, candidateDate, in.Invoice.ID)
				if err != nil {
					return indeterminate(domain.ReasonDatabaseError, map[string]any{
						"error": err.Error(),
					})
				}
				if prior == nil {
					continue
				}
				if offset == 0 {
					return fail(domain.ReasonDuplicateInvoice, map[string]any{
						"match":            "structural",
						"prior_invoice_id": prior.ID,
					})
				}
				near, err := e.nearMatch(ctx, in.Extraction, prior.ID)
				if err != nil {
					return indeterminate(domain.ReasonDatabaseError, map[string]any{
						"error": err.Error(),
					})
				}
				if near {
					return fail(domain.ReasonDuplicateInvoice, map[string]any{
						"match":            "near",
						"prior_invoice_id": prior.ID,
						"date_offset_days": offset,
					})
				}
			}
			return pass()
		},
	}
}

// nearMatch compares totals against the prior invoice's extraction.
func (e *Engine) nearMatch(ctx context.Context, ext *domain.Extraction, priorID string) (bool, error) {
	total, ok := ext.HeaderAmount(domain.FieldTotalAmount)
	if !ok {
		return false, nil
	}
	priorExt, err := e.store.GetExtraction(ctx, priorID)
	if err != nil {
		return false, err
	}
	priorTotal, ok := priorExt.HeaderAmount(domain.FieldTotalAmount)
	if !ok {
		return false, nil
	}
	return total.Sub(priorTotal).Abs().LessThanOrEqual(e.cfg.DuplicateAmountVariance), nil
}

// ── vendor policy ─────────────────────────────────────────────────────────────

func (e *Engine) vendorPolicyRule() Rule {
	return Rule{
		Name:     "vendor_policy",
		Category: domain.CategoryVendor,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			vendorID, ok := in.Extraction.HeaderValue(domain.FieldVendorID)
			if !ok {
				return pass()
			}
			vendor, err := e.lookups.Vendor(ctx, vendorID)
			if err != nil {
				return indeterminate(domain.ReasonValidationError, map[string]any{
					"lookup": "vendor", "error": err.Error(),
				})
			}
			if vendor == nil || !vendor.Active {
				return fail(domain.ReasonInactiveVendor, map[string]any{"vendor_id": vendorID})
			}
			if currency, cok := in.Extraction.HeaderValue(domain.FieldCurrency); cok && len(vendor.Currencies) > 0 {
				if !contains(vendor.Currencies, currency) {
					return fail(domain.ReasonInvalidCurrency, map[string]any{
						"currency": currency, "allowed": vendor.Currencies,
					})
				}
			}
			if taxID, tok := in.Extraction.HeaderValue(domain.FieldTaxID); tok && vendor.TaxID != "" && taxID != vendor.TaxID {
				return fail(domain.ReasonInvalidTaxID, map[string]any{"tax_id": taxID})
			}
			if total, tok := in.Extraction.HeaderAmount(domain.FieldTotalAmount); tok && vendor.SpendLimit.IsPositive() {
				if total.GreaterThan(vendor.SpendLimit) {
					return fail(domain.ReasonSpendLimitExceeded, map[string]any{
						"total": total.String(), "limit": vendor.SpendLimit.String(),
					})
				}
			}
			if out := e.checkPaymentTerms(in, vendor); out != nil {
				return *out
			}
			return pass()
		},
	}
}

// checkPaymentTerms flags a due date earlier than the agreed terms allow.
func (e *Engine) checkPaymentTerms(in *Input, vendor *Vendor) *Outcome {
	if vendor.PaymentTermsDays <= 0 {
		return nil
	}
	invRaw, iok := in.Extraction.HeaderValue(domain.FieldInvoiceDate)
	dueRaw, dok := in.Extraction.HeaderValue(domain.FieldDueDate)
	if !iok || !dok {
		return nil
	}
	invDate, p1 := parseDate(invRaw)
	dueDate, p2 := parseDate(dueRaw)
	if !p1 || !p2 {
		return nil
	}
	days := int(dueDate.Sub(invDate).Hours() / 24)
	if days < vendor.PaymentTermsDays {
		out := fail(domain.ReasonPaymentTermsViolation, map[string]any{
			"due_in_days": days, "agreed_days": vendor.PaymentTermsDays,
		})
		return &out
	}
	return nil
}

// ── PO / GRN matching ─────────────────────────────────────────────────────────

func (e *Engine) poMatchRule() Rule {
	return Rule{
		Name:     "po_match",
		Category: domain.CategoryMatching,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			poNumber, ok := in.Extraction.HeaderValue(domain.FieldPONumber)
			if !ok {
				return pass()
			}
			po, err := e.lookups.PurchaseOrder(ctx, poNumber)
			if err != nil {
				return indeterminate(domain.ReasonValidationError, map[string]any{
					"lookup": "purchase_order", "error": err.Error(),
				})
			}
			if po == nil {
				return fail(domain.ReasonPONotFound, map[string]any{"po_number": poNumber})
			}
			if vendorID, vok := in.Extraction.HeaderValue(domain.FieldVendorID); vok && po.VendorID != "" && po.VendorID != vendorID {
				return fail(domain.ReasonPOMismatch, map[string]any{
					"po_vendor": po.VendorID, "invoice_vendor": vendorID,
				})
			}
			tol := po.AmountTolerance
			if tol.IsZero() {
				tol = e.cfg.Tolerance
			}
			if total, tok := in.Extraction.HeaderAmount(domain.FieldTotalAmount); tok {
				if total.Sub(po.RemainingAmount).GreaterThan(tol) {
					return fail(domain.ReasonPOAmountMismatch, map[string]any{
						"total": total.String(), "po_remaining": po.RemainingAmount.String(),
					})
				}
			}
			if qty := lineQuantitySum(in.Extraction); !qty.IsZero() && po.Quantity.IsPositive() {
				if qty.Sub(po.Quantity).GreaterThan(decimal.Zero) {
					return fail(domain.ReasonPOQuantityMismatch, map[string]any{
						"quantity": qty.String(), "po_quantity": po.Quantity.String(),
					})
				}
			}
			return pass()
		},
	}
}

func (e *Engine) grnMatchRule() Rule {
	return Rule{
		Name:     "grn_match",
		Category: domain.CategoryMatching,
		Severity: domain.SeverityError,
		Apply: func(ctx context.Context, in *Input) Outcome {
			poNumber, ok := in.Extraction.HeaderValue(domain.FieldPONumber)
			if !ok {
				return pass()
			}
			po, err := e.lookups.PurchaseOrder(ctx, poNumber)
			if err != nil || po == nil || !po.RequiresReceipt {
				// po_match already reports lookup problems and missing POs.
				return pass()
			}
			grn, err := e.lookups.GoodsReceipt(ctx, poNumber)
			if err != nil {
				return indeterminate(domain.ReasonValidationError, map[string]any{
					"lookup": "goods_receipt", "error": err.Error(),
				})
			}
			if grn == nil {
				return fail(domain.ReasonGRNNotFound, map[string]any{"po_number": poNumber})
			}
			if qty := lineQuantitySum(in.Extraction); qty.GreaterThan(grn.ReceivedQuantity) {
				return fail(domain.ReasonGRNMismatch, map[string]any{
					"billed": qty.String(), "received": grn.ReceivedQuantity.String(),
				})
			}
			return pass()
		},
	}
}

func lineQuantitySum(ext *domain.Extraction) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range ext.Lines {
		if q, ok := line.Amount(domain.FieldQuantity); ok {
			sum = sum.Add(q)
		}
	}
	return sum
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
