package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
)

func seedEvents(t *testing.T, store *memstore.Mem, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.AppendOutbox(context.Background(), &domain.OutboxEvent{
			EventType:     domain.EventInvoiceReceived,
			AggregateType: "invoice",
			AggregateID:   fmt.Sprintf("inv-%d", i),
			Payload:       []byte(`{}`),
			CreatedAt:     time.Date(2026, 8, 24, 10, 0, i, 0, time.UTC),
		}))
	}
}

type collector struct {
	got []string
}

func (c *collector) sub(ctx context.Context, ev *domain.OutboxEvent) error {
	c.got = append(c.got, ev.AggregateID)
	return nil
}

func TestDrainDeliversInOrderAndAcks(t *testing.T) {
	store := memstore.New()
	seedEvents(t, store, 3)
	r := NewRelay(store, 100, time.Second, zerolog.Nop())
	c := &collector{}
	r.Subscribe(c.sub)

	n, err := r.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"inv-0", "inv-1", "inv-2"}, c.got)

	// Everything is acked; a second drain finds nothing.
	n, err = r.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailureStopsTheBatchAtTheOffendingEvent(t *testing.T) {
	store := memstore.New()
	seedEvents(t, store, 3)
	r := NewRelay(store, 100, time.Second, zerolog.Nop())

	c := &collector{}
	poisoned := true
	r.Subscribe(func(ctx context.Context, ev *domain.OutboxEvent) error {
		if poisoned && ev.AggregateID == "inv-1" {
			return backoff.Permanent(errors.New("downstream rejected event"))
		}
		return c.sub(ctx, ev)
	})

	_, err := r.DrainOnce(context.Background())
	require.NoError(t, err)
	// Only the prefix before the failure is delivered and acked; nothing
	// after it may jump the queue.
	assert.Equal(t, []string{"inv-0"}, c.got)

	// Once the subscriber heals, the next drain resumes at the failed event.
	poisoned = false
	_, err = r.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"inv-0", "inv-1", "inv-2"}, c.got)
}

func TestTransientFailureRetriesInPlace(t *testing.T) {
	store := memstore.New()
	seedEvents(t, store, 1)
	r := NewRelay(store, 100, time.Second, zerolog.Nop())

	calls := 0
	r.Subscribe(func(ctx context.Context, ev *domain.OutboxEvent) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	n, err := r.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, calls)
}

func TestEverySubscriberReceivesEachEvent(t *testing.T) {
	store := memstore.New()
	seedEvents(t, store, 2)
	r := NewRelay(store, 100, time.Second, zerolog.Nop())
	first, second := &collector{}, &collector{}
	r.Subscribe(first.sub)
	r.Subscribe(second.sub)

	_, err := r.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"inv-0", "inv-1"}, first.got)
	assert.Equal(t, []string{"inv-0", "inv-1"}, second.got)
}

func TestBatchSizeBoundsOneDrain(t *testing.T) {
	store := memstore.New()
	seedEvents(t, store, 3)
	r := NewRelay(store, 2, time.Second, zerolog.Nop())
	c := &collector{}
	r.Subscribe(c.sub)

	n, err := r.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"inv-0", "inv-1", "inv-2"}, c.got)
}
