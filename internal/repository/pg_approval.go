package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

const stepColumns = `id, request_id, step_index, approver_principal,
       required_role_level, status, acted_at, delegated_to, comment, due_at, version`

// CreateApprovalRequest inserts the request and all of its steps. Callers
// wrap this in InTx together with the invoice mutation and outbox append.
func (p *PG) CreateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (id, subject_ref, kind, state, priority,
		                               created_at, updated_at, due_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := p.q.Exec(ctx, query,
		r.ID, r.SubjectRef, r.Kind, r.State, r.Priority,
		r.CreatedAt, r.UpdatedAt, r.DueAt, r.Version)
	if err != nil {
		return wrapDB(err, "failed to create approval request")
	}

	stepQuery := `
		INSERT INTO approval_steps (id, request_id, step_index, approver_principal,
		                            required_role_level, status, acted_at,
		                            delegated_to, comment, due_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for i := range r.Steps {
		s := &r.Steps[i]
		_, err := p.q.Exec(ctx, stepQuery,
			s.ID, r.ID, s.Index, s.ApproverPrincipal, s.RequiredRoleLevel,
			s.Status, s.ActedAt, s.DelegatedTo, s.Comment, s.DueAt, s.Version)
		if err != nil {
			return wrapDB(err, "failed to create approval step")
		}
	}
	return nil
}

func (p *PG) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	query := `
		SELECT id, subject_ref, kind, state, priority, created_at, updated_at, due_at, version
		FROM approval_requests
		WHERE id = $1
	`
	r := &domain.ApprovalRequest{}
	err := p.q.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.SubjectRef, &r.Kind, &r.State, &r.Priority,
		&r.CreatedAt, &r.UpdatedAt, &r.DueAt, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, wrapDB(err, "failed to get approval request")
	}
	if r.Steps, err = p.getSteps(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PG) FindActiveApprovalRequest(ctx context.Context, subjectRef string, kind domain.ApprovalKind) (*domain.ApprovalRequest, error) {
	query := `
		SELECT id FROM approval_requests
		WHERE subject_ref = $1 AND kind = $2 AND state = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`
	var id string
	err := p.q.QueryRow(ctx, query, subjectRef, kind).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB(err, "failed to find active approval request")
	}
	return p.GetApprovalRequest(ctx, id)
}

// UpdateApprovalRequest persists the request row under its version and
// rewrites every step under the step's own version.
func (p *PG) UpdateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET state = $3, priority = $4, updated_at = $5, due_at = $6, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	err := p.q.QueryRow(ctx, query,
		r.ID, r.Version, r.State, r.Priority, r.UpdatedAt, r.DueAt).Scan(&r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("approval request version conflict")
	}
	if err != nil {
		return wrapDB(err, "failed to update approval request")
	}

	stepQuery := `
		UPDATE approval_steps
		SET approver_principal = $3, status = $4, acted_at = $5, delegated_to = $6,
		    comment = $7, due_at = $8, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	for i := range r.Steps {
		s := &r.Steps[i]
		err := p.q.QueryRow(ctx, stepQuery,
			s.ID, s.Version, s.ApproverPrincipal, s.Status, s.ActedAt,
			s.DelegatedTo, s.Comment, s.DueAt).Scan(&s.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Conflict("approval step version conflict")
		}
		if err != nil {
			return wrapDB(err, "failed to update approval step")
		}
	}
	return nil
}

// AppendApprovalDecision writes one immutable decision record.
func (p *PG) AppendApprovalDecision(ctx context.Context, d *domain.ApprovalDecision) error {
	query := `
		INSERT INTO approval_decisions (id, request_id, step_index, decision,
		                                acted_by, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := p.q.Exec(ctx, query,
		d.ID, d.RequestID, d.StepIndex, d.Decision, d.ActedBy, d.Comment, d.CreatedAt)
	return wrapDB(err, "failed to append approval decision")
}

func (p *PG) ListApprovalDecisions(ctx context.Context, requestID string) ([]*domain.ApprovalDecision, error) {
	query := `
		SELECT id, request_id, step_index, decision, acted_by, comment, created_at
		FROM approval_decisions
		WHERE request_id = $1
		ORDER BY created_at
	`
	rows, err := p.q.Query(ctx, query, requestID)
	if err != nil {
		return nil, wrapDB(err, "failed to list approval decisions")
	}
	defer rows.Close()

	var out []*domain.ApprovalDecision
	for rows.Next() {
		d := &domain.ApprovalDecision{}
		if err := rows.Scan(&d.ID, &d.RequestID, &d.StepIndex, &d.Decision,
			&d.ActedBy, &d.Comment, &d.CreatedAt); err != nil {
			return nil, wrapDB(err, "failed to scan approval decision")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListPendingStepsFor returns steps awaiting a principal, including steps
// delegated to them, for pending requests only.
func (p *PG) ListPendingStepsFor(ctx context.Context, principal string) ([]*domain.ApprovalStep, error) {
	query := `
		SELECT ` + qualify(stepColumns, "s") + `
		FROM approval_steps s
		JOIN approval_requests r ON r.id = s.request_id
		WHERE r.state = 'pending'
		  AND s.status IN ('pending', 'delegated')
		  AND (s.approver_principal = $1 OR s.delegated_to = $1)
		ORDER BY s.due_at ASC NULLS LAST
	`
	rows, err := p.q.Query(ctx, query, principal)
	if err != nil {
		return nil, wrapDB(err, "failed to list pending steps")
	}
	defer rows.Close()
	return scanStepRows(rows)
}

func (p *PG) ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	query := `
		SELECT DISTINCT r.id
		FROM approval_requests r
		JOIN approval_steps s ON s.request_id = r.id
		WHERE r.state = 'pending'
		  AND s.status IN ('pending', 'delegated')
		  AND s.due_at IS NOT NULL AND s.due_at <= $1
		LIMIT $2
	`
	rows, err := p.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, wrapDB(err, "failed to list overdue requests")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDB(err, "failed to scan overdue request id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err, "failed to iterate overdue requests")
	}

	out := make([]*domain.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		r, err := p.GetApprovalRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *PG) getSteps(ctx context.Context, requestID string) ([]domain.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE request_id = $1 ORDER BY step_index`
	rows, err := p.q.Query(ctx, query, requestID)
	if err != nil {
		return nil, wrapDB(err, "failed to get approval steps")
	}
	defer rows.Close()

	ptrs, err := scanStepRows(rows)
	if err != nil {
		return nil, err
	}
	steps := make([]domain.ApprovalStep, len(ptrs))
	for i, s := range ptrs {
		steps[i] = *s
	}
	return steps, nil
}

func scanStepRows(rows pgx.Rows) ([]*domain.ApprovalStep, error) {
	var out []*domain.ApprovalStep
	for rows.Next() {
		s := &domain.ApprovalStep{}
		err := rows.Scan(
			&s.ID,
			&s.RequestID,
			&s.Index,
			&s.ApproverPrincipal,
			&s.RequiredRoleLevel,
			&s.Status,
			&s.ActedAt,
			&s.DelegatedTo,
			&s.Comment,
			&s.DueAt,
			&s.Version,
		)
		if err != nil {
			return nil, wrapDB(err, "failed to scan approval step")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
