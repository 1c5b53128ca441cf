package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// ── outbox ────────────────────────────────────────────────────────────────────

func (p *PG) AppendOutbox(ctx context.Context, ev *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox (event_type, aggregate_type, aggregate_id, payload, created_at, done)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING id
	`
	payload := ev.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	err := p.q.QueryRow(ctx, query,
		ev.EventType, ev.AggregateType, ev.AggregateID, payload, ev.CreatedAt).Scan(&ev.ID)
	return wrapDB(err, "failed to append outbox event")
}

func (p *PG) DrainOutbox(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT id, event_type, aggregate_type, aggregate_id, payload, created_at, done
		FROM outbox
		WHERE done = FALSE
		ORDER BY id
		LIMIT $1
	`
	rows, err := p.q.Query(ctx, query, limit)
	if err != nil {
		return nil, wrapDB(err, "failed to drain outbox")
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		ev := &domain.OutboxEvent{}
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AggregateType,
			&ev.AggregateID, &ev.Payload, &ev.CreatedAt, &ev.Done); err != nil {
			return nil, wrapDB(err, "failed to scan outbox event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PG) MarkOutboxDone(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE outbox SET done = TRUE WHERE id = ANY($1)`
	_, err := p.q.Exec(ctx, query, ids)
	return wrapDB(err, "failed to mark outbox events done")
}

func (p *PG) QueryEvents(ctx context.Context, eventType domain.EventType, from, to time.Time) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT id, event_type, aggregate_type, aggregate_id, payload, created_at, done
		FROM outbox
		WHERE event_type = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY id
	`
	rows, err := p.q.Query(ctx, query, eventType, from, to)
	if err != nil {
		return nil, wrapDB(err, "failed to query events")
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		ev := &domain.OutboxEvent{}
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AggregateType,
			&ev.AggregateID, &ev.Payload, &ev.CreatedAt, &ev.Done); err != nil {
			return nil, wrapDB(err, "failed to scan outbox event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ── audit log ─────────────────────────────────────────────────────────────────

func (p *PG) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return apperr.Internal("failed to encode audit metadata", err)
	}
	query := `
		INSERT INTO audit_log (id, invoice_id, subject_ref, action, performed_by,
		                       performed_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = p.q.Exec(ctx, query,
		entry.ID, entry.InvoiceID, entry.SubjectRef, entry.Action,
		entry.PerformedBy, entry.PerformedAt, metadata)
	return wrapDB(err, "failed to append audit entry")
}

func (p *PG) ListAudit(ctx context.Context, invoiceID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, invoice_id, subject_ref, action, performed_by, performed_at, metadata
		FROM audit_log
		WHERE invoice_id = $1
		ORDER BY performed_at
	`
	rows, err := p.q.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, wrapDB(err, "failed to list audit entries")
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		e := &domain.AuditEntry{}
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.SubjectRef, &e.Action,
			&e.PerformedBy, &e.PerformedAt, &metadata); err != nil {
			return nil, wrapDB(err, "failed to scan audit entry")
		}
		if metadata != nil {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, apperr.Internal("failed to decode audit metadata", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── SLO definitions, measurements, alerts ─────────────────────────────────────

func (p *PG) UpsertSLO(ctx context.Context, s *domain.SLO) error {
	query := `
		INSERT INTO slo_definitions (name, target, unit, direction, burn_alert_threshold, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (name) DO UPDATE
		SET target = $2, unit = $3, direction = $4, burn_alert_threshold = $5,
		    version = slo_definitions.version + 1
	`
	_, err := p.q.Exec(ctx, query, s.Name, s.Target, s.Unit, s.Direction, s.BurnAlertThreshold)
	return wrapDB(err, "failed to upsert SLO")
}

func (p *PG) ListSLOs(ctx context.Context) ([]*domain.SLO, error) {
	query := `SELECT name, target, unit, direction, burn_alert_threshold, version FROM slo_definitions ORDER BY name`
	rows, err := p.q.Query(ctx, query)
	if err != nil {
		return nil, wrapDB(err, "failed to list SLOs")
	}
	defer rows.Close()

	var out []*domain.SLO
	for rows.Next() {
		s := &domain.SLO{}
		if err := rows.Scan(&s.Name, &s.Target, &s.Unit, &s.Direction,
			&s.BurnAlertThreshold, &s.Version); err != nil {
			return nil, wrapDB(err, "failed to scan SLO")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PG) InsertSLIMeasurement(ctx context.Context, m *domain.SLIMeasurement) error {
	query := `
		INSERT INTO sli_measurements (id, slo_name, window_start, window_end,
		                              value, sample_count, met, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.q.Exec(ctx, query,
		m.ID, m.SLOName, m.WindowStart, m.WindowEnd,
		m.Value, m.SampleCount, m.Met, m.CreatedAt)
	return wrapDB(err, "failed to insert SLI measurement")
}

func (p *PG) ListSLIMeasurements(ctx context.Context, sloName string, from, to time.Time) ([]*domain.SLIMeasurement, error) {
	query := `
		SELECT id, slo_name, window_start, window_end, value, sample_count, met, created_at
		FROM sli_measurements
		WHERE slo_name = $1 AND window_start >= $2 AND window_start < $3
		ORDER BY window_start
	`
	rows, err := p.q.Query(ctx, query, sloName, from, to)
	if err != nil {
		return nil, wrapDB(err, "failed to list SLI measurements")
	}
	defer rows.Close()

	var out []*domain.SLIMeasurement
	for rows.Next() {
		m := &domain.SLIMeasurement{}
		if err := rows.Scan(&m.ID, &m.SLOName, &m.WindowStart, &m.WindowEnd,
			&m.Value, &m.SampleCount, &m.Met, &m.CreatedAt); err != nil {
			return nil, wrapDB(err, "failed to scan SLI measurement")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PG) InsertSLOAlert(ctx context.Context, a *domain.SLOAlert) error {
	query := `
		INSERT INTO slo_alerts (id, slo_name, severity, burn_rate, window_ms,
		                        message, detected_at, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.q.Exec(ctx, query,
		a.ID, a.SLOName, a.Severity, a.BurnRate, a.Window.Milliseconds(),
		a.Message, a.DetectedAt, a.EmittedAt)
	return wrapDB(err, "failed to insert SLO alert")
}

func (p *PG) ListSLOAlerts(ctx context.Context, sloName string, limit int) ([]*domain.SLOAlert, error) {
	query := `
		SELECT id, slo_name, severity, burn_rate, window_ms, message, detected_at, emitted_at
		FROM slo_alerts
		WHERE ($1 = '' OR slo_name = $1)
		ORDER BY detected_at DESC
		LIMIT $2
	`
	rows, err := p.q.Query(ctx, query, sloName, limit)
	if err != nil {
		return nil, wrapDB(err, "failed to list SLO alerts")
	}
	defer rows.Close()

	var out []*domain.SLOAlert
	for rows.Next() {
		a := &domain.SLOAlert{}
		var windowMS int64
		if err := rows.Scan(&a.ID, &a.SLOName, &a.Severity, &a.BurnRate,
			&windowMS, &a.Message, &a.DetectedAt, &a.EmittedAt); err != nil {
			return nil, wrapDB(err, "failed to scan SLO alert")
		}
		a.Window = time.Duration(windowMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}
