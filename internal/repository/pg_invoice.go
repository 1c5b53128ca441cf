package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

const invoiceColumns = `id, content_hash, submitter, source, storage_ref, state,
       archived, created_at, updated_at, version`

// CreateInvoice inserts a new invoice. A duplicate (content_hash, submitter)
// pair is reported as a Duplicate error so the caller can collapse it.
func (p *PG) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	query := `
		INSERT INTO invoices (id, content_hash, submitter, source, storage_ref,
		                      state, archived, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := p.q.Exec(ctx, query,
		inv.ID, inv.ContentHash, inv.Submitter, inv.Source, inv.StorageRef,
		inv.State, inv.Archived, inv.CreatedAt, inv.UpdatedAt, inv.Version)
	if isUniqueViolation(err) {
		return apperr.Duplicate("invoice with this content hash already exists for submitter")
	}
	return wrapDB(err, "failed to create invoice")
}

func (p *PG) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := scanInvoice(p.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("invoice", id)
	}
	if err != nil {
		return nil, wrapDB(err, "failed to get invoice")
	}
	return inv, nil
}

func (p *PG) FindInvoiceByContentHash(ctx context.Context, hash, submitter string) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE content_hash = $1 AND submitter = $2`
	inv, err := scanInvoice(p.q.QueryRow(ctx, query, hash, submitter))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB(err, "failed to find invoice by content hash")
	}
	return inv, nil
}

// FindInvoiceByVendorFields matches a structural duplicate candidate on the
// current extraction's (vendor_id, invoice_number, invoice_date) triple.
func (p *PG) FindInvoiceByVendorFields(ctx context.Context, vendorID, invoiceNumber, invoiceDate, excludeID string) (*domain.Invoice, error) {
	query := `
		SELECT ` + qualify(invoiceColumns, "i") + `
		FROM invoices i
		JOIN extractions e ON e.invoice_id = i.id
		WHERE i.id <> $4
		  AND e.header->'vendor_id'->>'value' = $1
		  AND e.header->'invoice_number'->>'value' = $2
		  AND e.header->'invoice_date'->>'value' = $3
		LIMIT 1
	`
	inv, err := scanInvoice(p.q.QueryRow(ctx, query, vendorID, invoiceNumber, invoiceDate, excludeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB(err, "failed to find structural duplicate")
	}
	return inv, nil
}

// UpdateInvoice asserts the caller's version and bumps it. A missing row at
// the expected version is a Conflict; the caller restarts its step.
func (p *PG) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	query := `
		UPDATE invoices
		SET state = $3, archived = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	err := p.q.QueryRow(ctx, query,
		inv.ID, inv.Version, inv.State, inv.Archived, inv.UpdatedAt).Scan(&inv.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("invoice version conflict")
	}
	return wrapDB(err, "failed to update invoice")
}

func (p *PG) ListInvoicesByState(ctx context.Context, state domain.InvoiceState, limit int) ([]*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE state = $1 ORDER BY created_at LIMIT $2`
	rows, err := p.q.Query(ctx, query, state, limit)
	if err != nil {
		return nil, wrapDB(err, "failed to list invoices")
	}
	defer rows.Close()

	var out []*domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, wrapDB(err, "failed to scan invoice")
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ── extractions ───────────────────────────────────────────────────────────────

// PutExtraction supersedes any prior extraction for the invoice.
func (p *PG) PutExtraction(ctx context.Context, ext *domain.Extraction) error {
	header, err := json.Marshal(ext.Header)
	if err != nil {
		return apperr.Internal("failed to encode extraction header", err)
	}
	lines, err := json.Marshal(ext.Lines)
	if err != nil {
		return apperr.Internal("failed to encode extraction lines", err)
	}
	query := `
		INSERT INTO extractions (invoice_id, id, header, lines, parser_version,
		                         created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 1)
		ON CONFLICT (invoice_id) DO UPDATE
		SET id = $2, header = $3, lines = $4, parser_version = $5,
		    updated_at = $6, version = extractions.version + 1
	`
	_, err = p.q.Exec(ctx, query,
		ext.InvoiceID, ext.ID, header, lines, ext.ParserVersion, ext.CreatedAt)
	return wrapDB(err, "failed to store extraction")
}

func (p *PG) GetExtraction(ctx context.Context, invoiceID string) (*domain.Extraction, error) {
	query := `
		SELECT id, invoice_id, header, lines, parser_version, created_at, version
		FROM extractions
		WHERE invoice_id = $1
	`
	ext := &domain.Extraction{}
	var header, lines []byte
	err := p.q.QueryRow(ctx, query, invoiceID).Scan(
		&ext.ID, &ext.InvoiceID, &header, &lines, &ext.ParserVersion,
		&ext.CreatedAt, &ext.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("extraction", invoiceID)
	}
	if err != nil {
		return nil, wrapDB(err, "failed to get extraction")
	}
	if err := json.Unmarshal(header, &ext.Header); err != nil {
		return nil, apperr.Internal("failed to decode extraction header", err)
	}
	if err := json.Unmarshal(lines, &ext.Lines); err != nil {
		return nil, apperr.Internal("failed to decode extraction lines", err)
	}
	return ext, nil
}

// ── validations ───────────────────────────────────────────────────────────────

func (p *PG) PutValidation(ctx context.Context, v *domain.Validation) error {
	checks, err := json.Marshal(v.Checks)
	if err != nil {
		return apperr.Internal("failed to encode validation checks", err)
	}
	query := `
		INSERT INTO validations (invoice_id, id, passed, checks, rules_version,
		                         created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 1)
		ON CONFLICT (invoice_id) DO UPDATE
		SET id = $2, passed = $3, checks = $4, rules_version = $5,
		    updated_at = $6, version = validations.version + 1
	`
	_, err = p.q.Exec(ctx, query, v.InvoiceID, v.ID, v.Passed, checks, v.RulesVersion, v.CreatedAt)
	return wrapDB(err, "failed to store validation")
}

func (p *PG) GetValidation(ctx context.Context, invoiceID string) (*domain.Validation, error) {
	query := `
		SELECT id, invoice_id, passed, checks, rules_version, created_at, version
		FROM validations
		WHERE invoice_id = $1
	`
	v := &domain.Validation{}
	var checks []byte
	err := p.q.QueryRow(ctx, query, invoiceID).Scan(
		&v.ID, &v.InvoiceID, &v.Passed, &checks, &v.RulesVersion, &v.CreatedAt, &v.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("validation", invoiceID)
	}
	if err != nil {
		return nil, wrapDB(err, "failed to get validation")
	}
	if err := json.Unmarshal(checks, &v.Checks); err != nil {
		return nil, apperr.Internal("failed to decode validation checks", err)
	}
	return v, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	inv := &domain.Invoice{}
	err := row.Scan(
		&inv.ID,
		&inv.ContentHash,
		&inv.Submitter,
		&inv.Source,
		&inv.StorageRef,
		&inv.State,
		&inv.Archived,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&inv.Version,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}
