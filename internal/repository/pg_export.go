package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// ── policy gates ──────────────────────────────────────────────────────────────

func (p *PG) UpsertPolicyGate(ctx context.Context, g *domain.PolicyGate) error {
	steps, err := json.Marshal(g.Steps)
	if err != nil {
		return apperr.Internal("failed to encode gate steps", err)
	}
	query := `
		INSERT INTO policy_gates (id, name, priority, condition, action, steps,
		                          created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, priority = $3, condition = $4, action = $5, steps = $6,
		    updated_at = $7, version = policy_gates.version + 1
	`
	_, err = p.q.Exec(ctx, query,
		g.ID, g.Name, g.Priority, g.Condition, g.Action, steps, g.UpdatedAt)
	return wrapDB(err, "failed to upsert policy gate")
}

func (p *PG) ListPolicyGates(ctx context.Context) ([]*domain.PolicyGate, error) {
	query := `
		SELECT id, name, priority, condition, action, steps, created_at, updated_at, version
		FROM policy_gates
		ORDER BY priority ASC, name ASC
	`
	rows, err := p.q.Query(ctx, query)
	if err != nil {
		return nil, wrapDB(err, "failed to list policy gates")
	}
	defer rows.Close()

	var out []*domain.PolicyGate
	for rows.Next() {
		g := &domain.PolicyGate{}
		var steps []byte
		if err := rows.Scan(&g.ID, &g.Name, &g.Priority, &g.Condition, &g.Action,
			&steps, &g.CreatedAt, &g.UpdatedAt, &g.Version); err != nil {
			return nil, wrapDB(err, "failed to scan policy gate")
		}
		if err := json.Unmarshal(steps, &g.Steps); err != nil {
			return nil, apperr.Internal("failed to decode gate steps", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ── staged exports ────────────────────────────────────────────────────────────

const exportColumns = `id, invoice_id, destination, format, status,
       prepared_data, approved_data, posted_data, diff, quality_score,
       prepared_by, approved_by, posted_by, external_ref,
       created_at, updated_at, reviewed_at, posted_at, rolled_back_at, version`

func (p *PG) CreateStagedExport(ctx context.Context, e *domain.StagedExport) error {
	prepared, diff, err := encodeExportPayloads(e)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO staged_exports (id, invoice_id, destination, format, status,
		                            prepared_data, diff, quality_score, prepared_by,
		                            created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = p.q.Exec(ctx, query,
		e.ID, e.InvoiceID, e.Destination, e.Format, e.Status,
		prepared, diff, e.QualityScore, e.PreparedBy,
		e.CreatedAt, e.UpdatedAt, e.Version)
	if isUniqueViolation(err) {
		return apperr.Duplicate("export already staged for this invoice and destination")
	}
	return wrapDB(err, "failed to create staged export")
}

func (p *PG) GetStagedExport(ctx context.Context, id string) (*domain.StagedExport, error) {
	query := `SELECT ` + exportColumns + ` FROM staged_exports WHERE id = $1`
	e, err := scanExport(p.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("staged_export", id)
	}
	if err != nil {
		return nil, wrapDB(err, "failed to get staged export")
	}
	return e, nil
}

func (p *PG) FindStagedExport(ctx context.Context, invoiceID, destination string, format domain.ExportFormat) (*domain.StagedExport, error) {
	query := `
		SELECT ` + exportColumns + ` FROM staged_exports
		WHERE invoice_id = $1 AND destination = $2 AND format = $3
	`
	e, err := scanExport(p.q.QueryRow(ctx, query, invoiceID, destination, format))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB(err, "failed to find staged export")
	}
	return e, nil
}

// UpdateStagedExport persists a lattice transition under optimistic
// concurrency; the version assertion serializes concurrent transitions.
func (p *PG) UpdateStagedExport(ctx context.Context, e *domain.StagedExport) error {
	approved, posted, diff, err := encodeExportMutable(e)
	if err != nil {
		return err
	}
	query := `
		UPDATE staged_exports
		SET status = $3, approved_data = $4, posted_data = $5, diff = $6,
		    quality_score = $7, approved_by = $8, posted_by = $9, external_ref = $10,
		    updated_at = $11, reviewed_at = $12, posted_at = $13, rolled_back_at = $14,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	err = p.q.QueryRow(ctx, query,
		e.ID, e.Version, e.Status, approved, posted, diff,
		e.QualityScore, e.ApprovedBy, e.PostedBy, e.ExternalRef,
		e.UpdatedAt, e.ReviewedAt, e.PostedAt, e.RolledBackAt).Scan(&e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("staged export version conflict")
	}
	return wrapDB(err, "failed to update staged export")
}

func encodeExportPayloads(e *domain.StagedExport) (prepared, diff []byte, err error) {
	if prepared, err = json.Marshal(e.PreparedData); err != nil {
		return nil, nil, apperr.Internal("failed to encode prepared data", err)
	}
	if e.Diff == nil {
		e.Diff = []domain.FieldChange{}
	}
	if diff, err = json.Marshal(e.Diff); err != nil {
		return nil, nil, apperr.Internal("failed to encode diff", err)
	}
	return prepared, diff, nil
}

func encodeExportMutable(e *domain.StagedExport) (approved, posted, diff []byte, err error) {
	if e.ApprovedData != nil {
		if approved, err = json.Marshal(e.ApprovedData); err != nil {
			return nil, nil, nil, apperr.Internal("failed to encode approved data", err)
		}
	}
	if e.PostedData != nil {
		if posted, err = json.Marshal(e.PostedData); err != nil {
			return nil, nil, nil, apperr.Internal("failed to encode posted data", err)
		}
	}
	if e.Diff == nil {
		e.Diff = []domain.FieldChange{}
	}
	if diff, err = json.Marshal(e.Diff); err != nil {
		return nil, nil, nil, apperr.Internal("failed to encode diff", err)
	}
	return approved, posted, diff, nil
}

func scanExport(row rowScanner) (*domain.StagedExport, error) {
	e := &domain.StagedExport{}
	var prepared, approved, posted, diff []byte
	err := row.Scan(
		&e.ID,
		&e.InvoiceID,
		&e.Destination,
		&e.Format,
		&e.Status,
		&prepared,
		&approved,
		&posted,
		&diff,
		&e.QualityScore,
		&e.PreparedBy,
		&e.ApprovedBy,
		&e.PostedBy,
		&e.ExternalRef,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ReviewedAt,
		&e.PostedAt,
		&e.RolledBackAt,
		&e.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(prepared, &e.PreparedData); err != nil {
		return nil, err
	}
	if approved != nil {
		if err := json.Unmarshal(approved, &e.ApprovedData); err != nil {
			return nil, err
		}
	}
	if posted != nil {
		if err := json.Unmarshal(posted, &e.PostedData); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(diff, &e.Diff); err != nil {
		return nil, err
	}
	return e, nil
}
