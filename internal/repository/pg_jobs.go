package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// ── idempotency records ───────────────────────────────────────────────────────

const idemColumns = `key, op_type, state, attempts, max_attempts, result, last_error,
       principal, created_at, updated_at, expires_at, version`

func (p *PG) InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_records (key, op_type, state, attempts, max_attempts,
		                                 result, last_error, principal,
		                                 created_at, updated_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := p.q.Exec(ctx, query,
		rec.Key, rec.OpType, rec.State, rec.Attempts, rec.MaxAttempts,
		rec.Result, rec.LastError, rec.Principal,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt, rec.Version)
	if isUniqueViolation(err) {
		return apperr.Duplicate("idempotency key already exists")
	}
	return wrapDB(err, "failed to insert idempotency record")
}

func (p *PG) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT ` + idemColumns + ` FROM idempotency_records WHERE key = $1`
	rec := &domain.IdempotencyRecord{}
	err := p.q.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.OpType, &rec.State, &rec.Attempts, &rec.MaxAttempts,
		&rec.Result, &rec.LastError, &rec.Principal,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB(err, "failed to get idempotency record")
	}
	return rec, nil
}

func (p *PG) UpdateIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `
		UPDATE idempotency_records
		SET state = $3, attempts = $4, result = $5, last_error = $6,
		    updated_at = $7, expires_at = $8, version = version + 1
		WHERE key = $1 AND version = $2
		RETURNING version
	`
	err := p.q.QueryRow(ctx, query,
		rec.Key, rec.Version, rec.State, rec.Attempts, rec.Result,
		rec.LastError, rec.UpdatedAt, rec.ExpiresAt).Scan(&rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("idempotency record version conflict")
	}
	return wrapDB(err, "failed to update idempotency record")
}

func (p *PG) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	query := `
		DELETE FROM idempotency_records
		WHERE expires_at <= $1 AND state IN ('completed', 'failed')
	`
	tag, err := p.q.Exec(ctx, query, now)
	if err != nil {
		return 0, wrapDB(err, "failed to sweep idempotency records")
	}
	return int(tag.RowsAffected()), nil
}

// ── jobs ──────────────────────────────────────────────────────────────────────

const jobColumns = `id, queue, op_type, payload, attempts, next_visible_at, state,
       lease_deadline, lease_token, last_error, enqueued_at, updated_at, version`

func (p *PG) EnqueueJob(ctx context.Context, j *domain.Job) error {
	query := `
		INSERT INTO jobs (id, queue, op_type, payload, attempts, next_visible_at,
		                  state, lease_deadline, lease_token, last_error,
		                  enqueued_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := p.q.Exec(ctx, query,
		j.ID, j.Queue, j.OpType, j.Payload, j.Attempts, j.NextVisibleAt,
		j.State, j.LeaseDeadline, j.LeaseToken, j.LastError,
		j.EnqueuedAt, j.UpdatedAt, j.Version)
	return wrapDB(err, "failed to enqueue job")
}

// LeaseJob claims the next visible queued job using SKIP LOCKED so workers
// never contend on the same row. Returns nil when the queue is empty.
func (p *PG) LeaseJob(ctx context.Context, queue string, now time.Time, visibility time.Duration, token string) (*domain.Job, error) {
	deadline := now.Add(visibility)
	query := `
		UPDATE jobs
		SET state = 'leased', attempts = attempts + 1, lease_deadline = $3,
		    lease_token = $4, updated_at = $2, version = version + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND state = 'queued' AND next_visible_at <= $2
			ORDER BY next_visible_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns + `
	`
	j, err := scanJob(p.q.QueryRow(ctx, query, queue, now, deadline, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB(err, "failed to lease job")
	}
	return j, nil
}

func (p *PG) CompleteJob(ctx context.Context, id, token string) error {
	query := `
		UPDATE jobs
		SET state = 'succeeded', lease_deadline = NULL, version = version + 1
		WHERE id = $1 AND state = 'leased' AND lease_token = $2
		RETURNING id
	`
	var got string
	err := p.q.QueryRow(ctx, query, id, token).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("job lease lost before ack")
	}
	return wrapDB(err, "failed to complete job")
}

func (p *PG) ReleaseJob(ctx context.Context, id, token string, nextVisible time.Time, lastError string, dead bool) error {
	state := domain.JobQueued
	if dead {
		state = domain.JobDead
	}
	query := `
		UPDATE jobs
		SET state = $3, next_visible_at = $4, last_error = $5,
		    lease_deadline = NULL, lease_token = '', version = version + 1
		WHERE id = $1 AND state = 'leased' AND lease_token = $2
		RETURNING id
	`
	var got string
	err := p.q.QueryRow(ctx, query, id, token, state, nextVisible, lastError).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("job lease lost before release")
	}
	return wrapDB(err, "failed to release job")
}

func (p *PG) RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE jobs
		SET state = 'queued', lease_deadline = NULL, lease_token = '',
		    next_visible_at = $1, version = version + 1
		WHERE state = 'leased' AND lease_deadline <= $1
	`
	tag, err := p.q.Exec(ctx, query, now)
	if err != nil {
		return 0, wrapDB(err, "failed to requeue expired leases")
	}
	return int(tag.RowsAffected()), nil
}

func (p *PG) QueueDepth(ctx context.Context, queue string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE queue = $1 AND state IN ('queued', 'leased')`
	var n int
	if err := p.q.QueryRow(ctx, query, queue).Scan(&n); err != nil {
		return 0, wrapDB(err, "failed to measure queue depth")
	}
	return n, nil
}

func (p *PG) DeadJobs(ctx context.Context, queue string, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = $1 AND state = 'dead' ORDER BY updated_at LIMIT $2`
	rows, err := p.q.Query(ctx, query, queue, limit)
	if err != nil {
		return nil, wrapDB(err, "failed to list dead jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrapDB(err, "failed to scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PG) RequeueDeadJob(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE jobs
		SET state = 'queued', attempts = 0, next_visible_at = $2, last_error = '',
		    version = version + 1
		WHERE id = $1 AND state = 'dead'
		RETURNING id
	`
	var got string
	err := p.q.QueryRow(ctx, query, id, now).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("dead job", id)
	}
	return wrapDB(err, "failed to requeue dead job")
}

func (p *PG) DeadCount(ctx context.Context, queue string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE queue = $1 AND state = 'dead'`
	var n int
	if err := p.q.QueryRow(ctx, query, queue).Scan(&n); err != nil {
		return 0, wrapDB(err, "failed to count dead jobs")
	}
	return n, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	j := &domain.Job{}
	err := row.Scan(
		&j.ID,
		&j.Queue,
		&j.OpType,
		&j.Payload,
		&j.Attempts,
		&j.NextVisibleAt,
		&j.State,
		&j.LeaseDeadline,
		&j.LeaseToken,
		&j.LastError,
		&j.EnqueuedAt,
		&j.UpdatedAt,
		&j.Version,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}
