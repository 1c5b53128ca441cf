package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

const exceptionColumns = `id, invoice_id, category, reason_code, severity, status,
       details, suggested_actions, created_at, updated_at,
       resolved_at, resolved_by, resolution_notes, version`

func (p *PG) CreateException(ctx context.Context, e *domain.Exception) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return apperr.Internal("failed to encode exception details", err)
	}
	actions, err := json.Marshal(e.SuggestedActions)
	if err != nil {
		return apperr.Internal("failed to encode suggested actions", err)
	}
	query := `
		INSERT INTO exceptions (id, invoice_id, category, reason_code, severity,
		                        status, details, suggested_actions,
		                        created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = p.q.Exec(ctx, query,
		e.ID, e.InvoiceID, e.Category, e.ReasonCode, e.Severity, e.Status,
		details, actions, e.CreatedAt, e.UpdatedAt, e.Version)
	return wrapDB(err, "failed to create exception")
}

func (p *PG) GetException(ctx context.Context, id string) (*domain.Exception, error) {
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE id = $1`
	e, err := scanException(p.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("exception", id)
	}
	if err != nil {
		return nil, wrapDB(err, "failed to get exception")
	}
	return e, nil
}

func (p *PG) UpdateException(ctx context.Context, e *domain.Exception) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return apperr.Internal("failed to encode exception details", err)
	}
	query := `
		UPDATE exceptions
		SET status = $3, details = $4, resolved_at = $5, resolved_by = $6,
		    resolution_notes = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	err = p.q.QueryRow(ctx, query,
		e.ID, e.Version, e.Status, details, e.ResolvedAt, e.ResolvedBy,
		e.ResolutionNotes, e.UpdatedAt).Scan(&e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("exception version conflict")
	}
	return wrapDB(err, "failed to update exception")
}

func (p *PG) ListExceptions(ctx context.Context, f ExceptionFilter) ([]*domain.Exception, error) {
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE 1=1`
	args := []any{}
	n := 1
	if f.InvoiceID != "" {
		query += fmt.Sprintf(" AND invoice_id = $%d", n)
		args = append(args, f.InvoiceID)
		n++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
		n++
	}
	if f.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", n)
		args = append(args, f.Category)
		n++
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err, "failed to list exceptions")
	}
	defer rows.Close()

	var out []*domain.Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, wrapDB(err, "failed to scan exception")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PG) CountOpenExceptions(ctx context.Context, invoiceID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM exceptions
		WHERE invoice_id = $1 AND status IN ('open', 'in_review')
	`
	var n int
	if err := p.q.QueryRow(ctx, query, invoiceID).Scan(&n); err != nil {
		return 0, wrapDB(err, "failed to count open exceptions")
	}
	return n, nil
}

func scanException(row rowScanner) (*domain.Exception, error) {
	e := &domain.Exception{}
	var details, actions []byte
	err := row.Scan(
		&e.ID,
		&e.InvoiceID,
		&e.Category,
		&e.ReasonCode,
		&e.Severity,
		&e.Status,
		&details,
		&actions,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ResolvedAt,
		&e.ResolvedBy,
		&e.ResolutionNotes,
		&e.Version,
	)
	if err != nil {
		return nil, err
	}
	if details != nil {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(actions, &e.SuggestedActions); err != nil {
		return nil, err
	}
	return e, nil
}
