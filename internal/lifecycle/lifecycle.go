// Package lifecycle holds the shared invoice transition primitive: one
// lifecycle edge persisted under optimistic concurrency with its outbox
// event in the same transaction.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Transition moves inv along one legal edge and records it. The caller runs
// inside a transaction; a Conflict from the version assertion means another
// step won and the caller should re-read and restart.
func Transition(ctx context.Context, st repository.Store, inv *domain.Invoice, to domain.InvoiceState, now time.Time) error {
	if !domain.CanTransition(inv.State, to) {
		return apperr.Conflict("illegal transition " + string(inv.State) + " -> " + string(to))
	}
	from := inv.State
	inv.State = to
	inv.UpdatedAt = now
	if err := st.UpdateInvoice(ctx, inv); err != nil {
		return err
	}
	if err := AppendEvent(ctx, st, domain.EventInvoiceTransition, "invoice", inv.ID, map[string]any{
		"from": from, "to": to,
	}, now); err != nil {
		return err
	}
	// Milestone events let the SLO core aggregate without replaying the
	// whole transition stream.
	switch to {
	case domain.StateReady:
		return AppendEvent(ctx, st, domain.EventInvoiceReady, "invoice", inv.ID, map[string]any{
			"received_at": inv.CreatedAt,
		}, now)
	case domain.StateDone:
		return AppendEvent(ctx, st, domain.EventInvoiceDone, "invoice", inv.ID, nil, now)
	}
	return nil
}

// AppendEvent writes one outbox event on the caller's store.
func AppendEvent(ctx context.Context, st repository.Store, eventType domain.EventType, aggregateType, aggregateID string, payload map[string]any, now time.Time) error {
	raw := []byte("{}")
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return apperr.Internal("failed to encode event payload", err)
		}
	}
	return st.AppendOutbox(ctx, &domain.OutboxEvent{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       raw,
		CreatedAt:     now,
	})
}
