package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// ── staged exports ────────────────────────────────────────────────────────────

func (m *Mem) CreateStagedExport(ctx context.Context, e *domain.StagedExport) error {
	defer m.lock()()
	for _, v := range m.st.exports {
		if v.InvoiceID == e.InvoiceID && v.Destination == e.Destination && v.Format == e.Format {
			return apperr.Duplicate("export already staged for this invoice and destination")
		}
	}
	if e.Diff == nil {
		e.Diff = []domain.FieldChange{}
	}
	m.st.exports[e.ID] = *e
	return nil
}

func (m *Mem) GetStagedExport(ctx context.Context, id string) (*domain.StagedExport, error) {
	defer m.lock()()
	v, ok := m.st.exports[id]
	if !ok {
		return nil, apperr.NotFound("staged_export", id)
	}
	return &v, nil
}

func (m *Mem) FindStagedExport(ctx context.Context, invoiceID, destination string, format domain.ExportFormat) (*domain.StagedExport, error) {
	defer m.lock()()
	for _, v := range m.st.exports {
		if v.InvoiceID == invoiceID && v.Destination == destination && v.Format == format {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Mem) UpdateStagedExport(ctx context.Context, e *domain.StagedExport) error {
	defer m.lock()()
	cur, ok := m.st.exports[e.ID]
	if !ok || cur.Version != e.Version {
		return apperr.Conflict("staged export version conflict")
	}
	if e.Diff == nil {
		e.Diff = []domain.FieldChange{}
	}
	e.Version++
	m.st.exports[e.ID] = *e
	return nil
}

// ── idempotency records ───────────────────────────────────────────────────────

func (m *Mem) InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	defer m.lock()()
	if _, ok := m.st.idem[rec.Key]; ok {
		return apperr.Duplicate("idempotency key already exists")
	}
	m.st.idem[rec.Key] = *rec
	return nil
}

func (m *Mem) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	defer m.lock()()
	v, ok := m.st.idem[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *Mem) UpdateIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	defer m.lock()()
	cur, ok := m.st.idem[rec.Key]
	if !ok || cur.Version != rec.Version {
		return apperr.Conflict("idempotency record version conflict")
	}
	rec.Version++
	m.st.idem[rec.Key] = *rec
	return nil
}

func (m *Mem) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	defer m.lock()()
	n := 0
	for k, v := range m.st.idem {
		if !v.ExpiresAt.After(now) &&
			(v.State == domain.IdemCompleted || v.State == domain.IdemFailed) {
			delete(m.st.idem, k)
			n++
		}
	}
	return n, nil
}

// ── jobs ──────────────────────────────────────────────────────────────────────

func (m *Mem) EnqueueJob(ctx context.Context, j *domain.Job) error {
	defer m.lock()()
	m.st.jobs[j.ID] = *j
	return nil
}

func (m *Mem) LeaseJob(ctx context.Context, queue string, now time.Time, visibility time.Duration, token string) (*domain.Job, error) {
	defer m.lock()()
	var pick *domain.Job
	for _, v := range m.st.jobs {
		if v.Queue != queue || v.State != domain.JobQueued || v.NextVisibleAt.After(now) {
			continue
		}
		if pick == nil || v.NextVisibleAt.Before(pick.NextVisibleAt) ||
			(v.NextVisibleAt.Equal(pick.NextVisibleAt) && v.ID < pick.ID) {
			cp := v
			pick = &cp
		}
	}
	if pick == nil {
		return nil, nil
	}
	deadline := now.Add(visibility)
	pick.State = domain.JobLeased
	pick.Attempts++
	pick.LeaseDeadline = &deadline
	pick.LeaseToken = token
	pick.UpdatedAt = now
	pick.Version++
	m.st.jobs[pick.ID] = *pick
	return pick, nil
}

func (m *Mem) CompleteJob(ctx context.Context, id, token string) error {
	defer m.lock()()
	v, ok := m.st.jobs[id]
	if !ok || v.State != domain.JobLeased || v.LeaseToken != token {
		return apperr.Conflict("job lease lost before ack")
	}
	v.State = domain.JobSucceeded
	v.LeaseDeadline = nil
	v.Version++
	m.st.jobs[id] = v
	return nil
}

func (m *Mem) ReleaseJob(ctx context.Context, id, token string, nextVisible time.Time, lastError string, dead bool) error {
	defer m.lock()()
	v, ok := m.st.jobs[id]
	if !ok || v.State != domain.JobLeased || v.LeaseToken != token {
		return apperr.Conflict("job lease lost before release")
	}
	if dead {
		v.State = domain.JobDead
	} else {
		v.State = domain.JobQueued
	}
	v.NextVisibleAt = nextVisible
	v.LastError = lastError
	v.LeaseDeadline = nil
	v.LeaseToken = ""
	v.Version++
	m.st.jobs[id] = v
	return nil
}

func (m *Mem) RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	defer m.lock()()
	n := 0
	for id, v := range m.st.jobs {
		if v.State == domain.JobLeased && v.LeaseDeadline != nil && !v.LeaseDeadline.After(now) {
			v.State = domain.JobQueued
			v.LeaseDeadline = nil
			v.LeaseToken = ""
			v.NextVisibleAt = now
			v.Version++
			m.st.jobs[id] = v
			n++
		}
	}
	return n, nil
}

func (m *Mem) QueueDepth(ctx context.Context, queue string) (int, error) {
	defer m.lock()()
	n := 0
	for _, v := range m.st.jobs {
		if v.Queue == queue && (v.State == domain.JobQueued || v.State == domain.JobLeased) {
			n++
		}
	}
	return n, nil
}

func (m *Mem) DeadJobs(ctx context.Context, queue string, limit int) ([]*domain.Job, error) {
	defer m.lock()()
	var out []*domain.Job
	for _, v := range m.st.jobs {
		if v.Queue == queue && v.State == domain.JobDead {
			cp := v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) RequeueDeadJob(ctx context.Context, id string, now time.Time) error {
	defer m.lock()()
	v, ok := m.st.jobs[id]
	if !ok || v.State != domain.JobDead {
		return apperr.NotFound("dead job", id)
	}
	v.State = domain.JobQueued
	v.Attempts = 0
	v.NextVisibleAt = now
	v.LastError = ""
	v.Version++
	m.st.jobs[id] = v
	return nil
}

func (m *Mem) DeadCount(ctx context.Context, queue string) (int, error) {
	defer m.lock()()
	n := 0
	for _, v := range m.st.jobs {
		if v.Queue == queue && v.State == domain.JobDead {
			n++
		}
	}
	return n, nil
}

// ── outbox ────────────────────────────────────────────────────────────────────

func (m *Mem) AppendOutbox(ctx context.Context, ev *domain.OutboxEvent) error {
	defer m.lock()()
	ev.ID = m.st.nextOutbox
	m.st.nextOutbox++
	m.st.outbox = append(m.st.outbox, *ev)
	return nil
}

func (m *Mem) DrainOutbox(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	defer m.lock()()
	var out []*domain.OutboxEvent
	for i := range m.st.outbox {
		if m.st.outbox[i].Done {
			continue
		}
		cp := m.st.outbox[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Mem) MarkOutboxDone(ctx context.Context, ids []int64) error {
	defer m.lock()()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range m.st.outbox {
		if want[m.st.outbox[i].ID] {
			m.st.outbox[i].Done = true
		}
	}
	return nil
}

func (m *Mem) QueryEvents(ctx context.Context, eventType domain.EventType, from, to time.Time) ([]*domain.OutboxEvent, error) {
	defer m.lock()()
	var out []*domain.OutboxEvent
	for i := range m.st.outbox {
		ev := m.st.outbox[i]
		if ev.EventType != eventType || ev.CreatedAt.Before(from) || !ev.CreatedAt.Before(to) {
			continue
		}
		cp := ev
		out = append(out, &cp)
	}
	return out, nil
}

// ── audit log ─────────────────────────────────────────────────────────────────

func (m *Mem) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	defer m.lock()()
	m.st.audit = append(m.st.audit, *entry)
	return nil
}

func (m *Mem) ListAudit(ctx context.Context, invoiceID string) ([]*domain.AuditEntry, error) {
	defer m.lock()()
	var out []*domain.AuditEntry
	for i := range m.st.audit {
		if m.st.audit[i].InvoiceID == invoiceID {
			cp := m.st.audit[i]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerformedAt.Before(out[j].PerformedAt) })
	return out, nil
}

// ── SLOs ──────────────────────────────────────────────────────────────────────

func (m *Mem) UpsertSLO(ctx context.Context, s *domain.SLO) error {
	defer m.lock()()
	if cur, ok := m.st.slos[s.Name]; ok {
		s.Version = cur.Version + 1
	} else {
		s.Version = 1
	}
	m.st.slos[s.Name] = *s
	return nil
}

func (m *Mem) ListSLOs(ctx context.Context) ([]*domain.SLO, error) {
	defer m.lock()()
	out := make([]*domain.SLO, 0, len(m.st.slos))
	for _, v := range m.st.slos {
		cp := v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Mem) InsertSLIMeasurement(ctx context.Context, mm *domain.SLIMeasurement) error {
	defer m.lock()()
	m.st.sli = append(m.st.sli, *mm)
	return nil
}

func (m *Mem) ListSLIMeasurements(ctx context.Context, sloName string, from, to time.Time) ([]*domain.SLIMeasurement, error) {
	defer m.lock()()
	var out []*domain.SLIMeasurement
	for i := range m.st.sli {
		v := m.st.sli[i]
		if v.SLOName != sloName || v.WindowStart.Before(from) || !v.WindowStart.Before(to) {
			continue
		}
		cp := v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

func (m *Mem) InsertSLOAlert(ctx context.Context, a *domain.SLOAlert) error {
	defer m.lock()()
	m.st.alerts = append(m.st.alerts, *a)
	return nil
}

func (m *Mem) ListSLOAlerts(ctx context.Context, sloName string, limit int) ([]*domain.SLOAlert, error) {
	defer m.lock()()
	var out []*domain.SLOAlert
	for i := range m.st.alerts {
		if sloName != "" && m.st.alerts[i].SLOName != sloName {
			continue
		}
		cp := m.st.alerts[i]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
