package repository

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG is the postgres implementation of Store.
type PG struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPG connects to postgres and applies the schema.
func NewPG(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperr.Unavailable("failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Unavailable("database unreachable", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, apperr.Internal("failed to apply schema", err)
	}
	return &PG{pool: pool, q: pool}, nil
}

// Close releases the pool.
func (p *PG) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// InTx runs fn inside a transaction. A nested call joins the enclosing
// transaction rather than opening a new one.
func (p *PG) InTx(ctx context.Context, fn func(Store) error) error {
	if p.inTx {
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.Unavailable("failed to begin transaction", err)
	}
	child := &PG{pool: p.pool, q: tx, inTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Unavailable("failed to commit transaction", err)
	}
	return nil
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// isUniqueViolation reports a postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrapDB classifies a driver error for propagation.
func wrapDB(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Cancelled(msg)
	}
	return apperr.Internal(msg, err)
}
