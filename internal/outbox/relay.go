// Package outbox drains the transactional event table and hands events to
// subscribers with at-least-once delivery.
package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Subscriber consumes one event. A nil return acknowledges it; subscribers
// must tolerate redelivery.
type Subscriber func(ctx context.Context, ev *domain.OutboxEvent) error

// Relay polls the outbox and fans events out in ID order.
type Relay struct {
	store        repository.Store
	batchSize    int
	pollInterval time.Duration
	subscribers  []Subscriber
	log          zerolog.Logger
}

func NewRelay(store repository.Store, batchSize int, pollInterval time.Duration, log zerolog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Relay{
		store:        store,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		log:          log.With().Str("component", "outbox").Logger(),
	}
}

// Subscribe registers a consumer. Not safe to call once Run has started.
func (r *Relay) Subscribe(s Subscriber) {
	r.subscribers = append(r.subscribers, s)
}

// Run drains until the context ends.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info().Int("subscribers", len(r.subscribers)).Msg("outbox relay started")
	for {
		n, err := r.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Msg("outbox drain failed")
		}
		if n == r.batchSize {
			continue // backlog; keep going
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// DrainOnce delivers one batch and marks the delivered prefix done. A
// subscriber that keeps failing past the backoff stops the batch at that
// event so ordering survives; the event is redelivered next drain.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	events, err := r.store.DrainOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var done []int64
	for _, ev := range events {
		if err := r.dispatch(ctx, ev); err != nil {
			r.log.Error().Err(err).Int64("event_id", ev.ID).Str("event_type", string(ev.EventType)).Msg("event delivery failed")
			break
		}
		done = append(done, ev.ID)
	}
	if len(done) == 0 {
		return 0, nil
	}
	if err := r.store.MarkOutboxDone(ctx, done); err != nil {
		return 0, err
	}
	return len(events), nil
}

// dispatch delivers to every subscriber, retrying transient failures with
// exponential backoff bounded to keep the relay responsive to shutdown.
func (r *Relay) dispatch(ctx context.Context, ev *domain.OutboxEvent) error {
	for _, sub := range r.subscribers {
		sub := sub
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), 4), ctx)
		if err := backoff.Retry(func() error { return sub(ctx, ev) }, policy); err != nil {
			return err
		}
	}
	return nil
}
