// Package idempotency gives every externally triggered operation
// exactly-once-observable semantics. A canonical key identifies the
// operation; the stored record remembers whether it is running, what it
// produced, or why it permanently failed.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Canonical key builders. Keys are derived from operation identity, never
// supplied by callers, so two submissions of the same work always collide.

// UploadKey scopes document submission to (content hash, submitter).
func UploadKey(contentHash, submitter string) string {
	return fmt.Sprintf("upload:%s:%s", contentHash, submitter)
}

// StageKey scopes export preparation to (invoice, destination, format).
func StageKey(invoiceID, destination string, format domain.ExportFormat) string {
	return fmt.Sprintf("stage:%s:%s:%s", invoiceID, destination, format)
}

// PostKey scopes posting to a staged export.
func PostKey(exportID string) string {
	return fmt.Sprintf("post:%s", exportID)
}

// DecisionKey scopes one approval decision to (request, step, actor).
func DecisionKey(requestID string, stepIndex int, actedBy string) string {
	return fmt.Sprintf("decision:%s:%d:%s", requestID, stepIndex, actedBy)
}

// Manager runs operations under idempotency keys.
type Manager struct {
	store         repository.Store
	clock         ident.Clock
	ttl           time.Duration
	maxExecutions int
	log           zerolog.Logger
}

func NewManager(store repository.Store, clock ident.Clock, ttl time.Duration, maxExecutions int, log zerolog.Logger) *Manager {
	return &Manager{
		store:         store,
		clock:         clock,
		ttl:           ttl,
		maxExecutions: maxExecutions,
		log:           log.With().Str("component", "idempotency").Logger(),
	}
}

// Execute runs body at most once per key. A completed record replays the
// stored result, bit for bit, without executing and reports replayed=true so
// the caller can mark its response; an in-flight record rejects the caller;
// a failed record below the execution cap is retried, and at the cap the
// recorded failure is replayed.
func (m *Manager) Execute(ctx context.Context, key, opType, principal string, body func(ctx context.Context) ([]byte, error)) (result []byte, replayed bool, err error) {
	rec, replay, err := m.claim(ctx, key, opType, principal)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return replay, true, nil
	}

	result, bodyErr := body(ctx)
	now := m.clock.Now()
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(m.ttl)
	if bodyErr != nil {
		rec.State = domain.IdemFailed
		rec.LastError = bodyErr.Error()
	} else {
		rec.State = domain.IdemCompleted
		rec.Result = result
	}
	if uerr := m.store.UpdateIdempotencyRecord(ctx, rec); uerr != nil {
		// The record stays in flight until takeover or sweep; the outcome
		// itself is already durable in the caller's transaction.
		m.log.Warn().Err(uerr).Str("key", key).Msg("failed to settle idempotency record")
	}
	return result, false, bodyErr
}

// claim inserts or takes over the record for key. A nil record with a nil
// error means a completed record short-circuited the call; replay carries
// its stored result.
func (m *Manager) claim(ctx context.Context, key, opType, principal string) (*domain.IdempotencyRecord, []byte, error) {
	now := m.clock.Now()
	rec := &domain.IdempotencyRecord{
		Key:         key,
		OpType:      opType,
		State:       domain.IdemInFlight,
		Attempts:    1,
		MaxAttempts: m.maxExecutions,
		Principal:   principal,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		Version:     1,
	}
	err := m.store.InsertIdempotencyRecord(ctx, rec)
	if err == nil {
		return rec, nil, nil
	}
	if !apperr.IsKind(err, apperr.KindDuplicate) {
		return nil, nil, err
	}

	existing, err := m.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if existing == nil {
		// Swept between insert and read; one retry resolves it.
		if err := m.store.InsertIdempotencyRecord(ctx, rec); err != nil {
			return nil, nil, err
		}
		return rec, nil, nil
	}

	switch existing.State {
	case domain.IdemCompleted:
		m.log.Debug().Str("key", key).Msg("replaying completed operation")
		return nil, existing.Result, nil
	case domain.IdemInFlight:
		// A live holder wins; an expired holder crashed and is taken over.
		if existing.ExpiresAt.After(now) {
			return nil, nil, apperr.DuplicateInFlight(key)
		}
	case domain.IdemFailed:
		if existing.Attempts >= existing.MaxAttempts {
			return nil, nil, apperr.Newf(apperr.KindInvalid, "attempts_exhausted",
				"operation failed permanently after %d attempts: %s",
				existing.Attempts, existing.LastError)
		}
	}

	existing.State = domain.IdemInFlight
	existing.Attempts++
	existing.UpdatedAt = now
	existing.ExpiresAt = now.Add(m.ttl)
	if err := m.store.UpdateIdempotencyRecord(ctx, existing); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			// Another caller won the takeover race.
			return nil, nil, apperr.DuplicateInFlight(key)
		}
		return nil, nil, err
	}
	m.log.Info().Str("key", key).Int("attempt", existing.Attempts).Msg("retrying failed operation")
	return existing, nil, nil
}

// Sweep removes settled records past their TTL and returns how many went.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredIdempotency(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int("removed", n).Msg("swept expired idempotency records")
	}
	return n, nil
}
