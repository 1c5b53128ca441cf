package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
)

func newManager(t *testing.T) (*Manager, *memstore.Mem, *ident.FakeClock) {
	t.Helper()
	store := memstore.New()
	clock := ident.NewFakeClock(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	m := NewManager(store, clock, time.Hour, 3, zerolog.Nop())
	return m, store, clock
}

func TestExecuteRunsOnceAndReplays(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	calls := 0
	body := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"invoice_id":"inv-1"}`), nil
	}

	first, replayed, err := m.Execute(ctx, UploadKey("hash", "alice"), "invoice.upload", "alice", body)
	require.NoError(t, err)
	assert.False(t, replayed)
	second, replayed, err := m.Execute(ctx, UploadKey("hash", "alice"), "invoice.upload", "alice", body)
	require.NoError(t, err)
	assert.True(t, replayed)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestExecuteRejectsLiveInFlight(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	key := PostKey("exp-2")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, _, err := m.Execute(ctx, key, "export.post", "system", func(ctx context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte(`{}`), nil
		})
		done <- err
	}()
	<-started

	_, _, err := m.Execute(ctx, key, "export.post", "system", func(ctx context.Context) ([]byte, error) {
		t.Fatal("body must not run while the key is in flight")
		return nil, nil
	})
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicate))

	close(release)
	require.NoError(t, <-done)

	rec, err := store.GetIdempotencyRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IdemCompleted, rec.State)
}

func TestExecuteTakesOverExpiredInFlight(t *testing.T) {
	m, store, clock := newManager(t)
	ctx := context.Background()
	key := PostKey("exp-3")

	// A crashed holder left the record in flight.
	now := clock.Now()
	require.NoError(t, store.InsertIdempotencyRecord(ctx, &domain.IdempotencyRecord{
		Key: key, OpType: "export.post", State: domain.IdemInFlight,
		Attempts: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour), Version: 1,
	}))
	clock.Advance(2 * time.Hour)

	out, replayed, err := m.Execute(ctx, key, "export.post", "system", func(ctx context.Context) ([]byte, error) {
		return []byte(`"recovered"`), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, []byte(`"recovered"`), out)

	rec, err := store.GetIdempotencyRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IdemCompleted, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestExecuteRetriesFailedUntilCap(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	key := PostKey("exp-1")
	boom := errors.New("connector down")

	for i := 0; i < 3; i++ {
		_, _, err := m.Execute(ctx, key, "export.post", "system", func(ctx context.Context) ([]byte, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
	}

	// The cap is reached; the recorded failure replays without running the body.
	_, _, err := m.Execute(ctx, key, "export.post", "system", func(ctx context.Context) ([]byte, error) {
		t.Fatal("body must not run past the execution cap")
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalid))
	assert.Contains(t, err.Error(), "attempts_exhausted")
}

func TestSweepRemovesExpired(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	_, _, err := m.Execute(ctx, UploadKey("h", "a"), "invoice.upload", "a", func(ctx context.Context) ([]byte, error) {
		return []byte(`{}`), nil
	})
	require.NoError(t, err)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCanonicalKeys(t *testing.T) {
	assert.Equal(t, "upload:abc:alice", UploadKey("abc", "alice"))
	assert.Equal(t, "stage:inv:qb:json", StageKey("inv", "qb", domain.FormatJSON))
	assert.Equal(t, "post:exp", PostKey("exp"))
	assert.Equal(t, "decision:req:2:bob", DecisionKey("req", 2, "bob"))
}
