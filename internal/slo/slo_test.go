package slo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
)

func newEngine(t *testing.T) (*Engine, *memstore.Mem, *ident.FakeClock) {
	t.Helper()
	store := memstore.New()
	clock := ident.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	e := NewEngine(store, clock, 30*time.Second, NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, e.Seed(context.Background()))
	return e, store, clock
}

func appendEvent(t *testing.T, store *memstore.Mem, et domain.EventType, aggregateID string, payload map[string]any, at time.Time) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, store.AppendOutbox(context.Background(), &domain.OutboxEvent{
		EventType:     et,
		AggregateType: "test",
		AggregateID:   aggregateID,
		Payload:       raw,
		CreatedAt:     at,
	}))
}

func findSLO(t *testing.T, store *memstore.Mem, name string) *domain.SLO {
	t.Helper()
	slos, err := store.ListSLOs(context.Background())
	require.NoError(t, err)
	for _, s := range slos {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("slo %q not seeded", name)
	return nil
}

func TestSeedInstallsObjectives(t *testing.T) {
	_, store, _ := newEngine(t)

	slos, err := store.ListSLOs(context.Background())
	require.NoError(t, err)
	assert.Len(t, slos, 7)
	s := findSLO(t, store, domain.SLOApprovalLatency)
	assert.Equal(t, 2.0, s.Target)
	assert.Equal(t, domain.UnitHoursP95, s.Unit)
}

func TestMeasureTimeToReady(t *testing.T) {
	e, store, clock := newEngine(t)
	ctx := context.Background()
	now := clock.Now()

	// Three invoices reached ready 2, 4 and 6 minutes after receipt.
	for i, minutes := range []int{2, 4, 6} {
		received := now.Add(-30 * time.Minute)
		appendEvent(t, store, domain.EventInvoiceReady, fmt.Sprintf("inv-%d", i),
			map[string]any{"received_at": received}, received.Add(time.Duration(minutes)*time.Minute))
	}

	s := findSLO(t, store, domain.SLOTimeToReady)
	m, err := e.Measure(ctx, s, now.Add(-time.Hour), now)
	require.NoError(t, err)

	assert.Equal(t, 3, m.SampleCount)
	assert.InDelta(t, 6.0, m.Value, 1e-9) // p95 of three samples is the max
	assert.False(t, m.Met)                // target is 5 minutes
}

func TestMeasureEmptyWindowCountsAsMet(t *testing.T) {
	e, store, clock := newEngine(t)
	now := clock.Now()

	s := findSLO(t, store, domain.SLOValidationPassRate)
	m, err := e.Measure(context.Background(), s, now.Add(-time.Hour), now)
	require.NoError(t, err)

	assert.Zero(t, m.SampleCount)
	assert.True(t, m.Met)
}

func TestMeasureValidationPassRate(t *testing.T) {
	e, store, clock := newEngine(t)
	now := clock.Now()

	for i := 0; i < 8; i++ {
		appendEvent(t, store, domain.EventValidationCompleted, fmt.Sprintf("inv-%d", i),
			map[string]any{"passed": true, "min_confidence": 0.95, "duplicate_conclusive": true},
			now.Add(-30*time.Minute))
	}
	for i := 8; i < 10; i++ {
		appendEvent(t, store, domain.EventValidationCompleted, fmt.Sprintf("inv-%d", i),
			map[string]any{"passed": false, "min_confidence": 0.95, "duplicate_conclusive": true},
			now.Add(-30*time.Minute))
	}

	s := findSLO(t, store, domain.SLOValidationPassRate)
	m, err := e.Measure(context.Background(), s, now.Add(-time.Hour), now)
	require.NoError(t, err)

	assert.InDelta(t, 80.0, m.Value, 1e-9)
	assert.False(t, m.Met) // target is 90%
}

func TestApprovalLatencyPairsRequestToDecision(t *testing.T) {
	e, store, clock := newEngine(t)
	now := clock.Now()

	// One settled in 1h, one still pending, one settled in 3h.
	appendEvent(t, store, domain.EventApprovalRequested, "req-1", map[string]any{}, now.Add(-4*time.Hour))
	appendEvent(t, store, domain.EventApprovalDecided, "req-1",
		map[string]any{"state": "approved"}, now.Add(-3*time.Hour))

	appendEvent(t, store, domain.EventApprovalRequested, "req-2", map[string]any{}, now.Add(-2*time.Hour))
	appendEvent(t, store, domain.EventApprovalDecided, "req-2",
		map[string]any{"state": "pending"}, now.Add(-90*time.Minute))

	appendEvent(t, store, domain.EventApprovalRequested, "req-3", map[string]any{}, now.Add(-5*time.Hour))
	appendEvent(t, store, domain.EventApprovalDecided, "req-3",
		map[string]any{"state": "rejected"}, now.Add(-2*time.Hour))

	samples, err := e.samples(context.Background(), domain.SLOApprovalLatency, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{1, 3}, samples)
}

func TestBurnAlertOnApprovalLatencyBreach(t *testing.T) {
	e, store, clock := newEngine(t)
	ctx := context.Background()
	now := clock.Now()

	// Every approval in the last day took three hours against a two hour
	// p95 target: the whole error budget and more is burning.
	for i := 0; i < 101; i++ {
		id := fmt.Sprintf("req-%d", i)
		opened := now.Add(-20 * time.Hour)
		appendEvent(t, store, domain.EventApprovalRequested, id, map[string]any{}, opened)
		appendEvent(t, store, domain.EventApprovalDecided, id,
			map[string]any{"state": "approved"}, opened.Add(3*time.Hour))
	}

	s := findSLO(t, store, domain.SLOApprovalLatency)
	require.NoError(t, e.CheckBurn(ctx, s))

	alerts, err := e.Alerts(ctx, domain.SLOApprovalLatency, 10)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	a := alerts[0]
	assert.Equal(t, domain.SeverityCritical, a.Severity)
	assert.GreaterOrEqual(t, a.BurnRate, 2.0)
	// Detection and emission happen in the same pass, far inside the
	// thirty-second delivery SLA.
	assert.LessOrEqual(t, a.EmittedAt.Sub(a.DetectedAt), 30*time.Second)

	// The alert event itself is on the outbox.
	events, err := store.QueryEvents(ctx, domain.EventSLOAlert, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestNoAlertWhenWithinBudget(t *testing.T) {
	e, store, clock := newEngine(t)
	ctx := context.Background()
	now := clock.Now()

	// 100 approvals, only one over target: 1% bad against a 5% budget.
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("req-%d", i)
		opened := now.Add(-20 * time.Hour)
		latency := time.Hour
		if i == 0 {
			latency = 3 * time.Hour
		}
		appendEvent(t, store, domain.EventApprovalRequested, id, map[string]any{}, opened)
		appendEvent(t, store, domain.EventApprovalDecided, id,
			map[string]any{"state": "approved"}, opened.Add(latency))
	}

	s := findSLO(t, store, domain.SLOApprovalLatency)
	require.NoError(t, e.CheckBurn(ctx, s))

	alerts, err := e.Alerts(ctx, domain.SLOApprovalLatency, 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestProcessingSuccessRateFromTerminalTransitions(t *testing.T) {
	e, store, clock := newEngine(t)
	now := clock.Now()

	appendEvent(t, store, domain.EventInvoiceTransition, "inv-1",
		map[string]any{"from": "posted", "to": "done"}, now.Add(-time.Hour))
	appendEvent(t, store, domain.EventInvoiceTransition, "inv-2",
		map[string]any{"from": "ready", "to": "rejected"}, now.Add(-time.Hour))
	// Non-terminal transitions do not contribute samples.
	appendEvent(t, store, domain.EventInvoiceTransition, "inv-3",
		map[string]any{"from": "received", "to": "parsed"}, now.Add(-time.Hour))

	samples, err := e.samples(context.Background(), domain.SLOProcessingSuccessRate, now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{100, 0}, samples)
}

func TestExceptionResolutionPairsByExceptionID(t *testing.T) {
	e, store, clock := newEngine(t)
	now := clock.Now()

	appendEvent(t, store, domain.EventExceptionOpened, "inv-1",
		map[string]any{"exception_id": "exc-1"}, now.Add(-6*time.Hour))
	appendEvent(t, store, domain.EventExceptionResolved, "inv-1",
		map[string]any{"exception_id": "exc-1"}, now.Add(-2*time.Hour))

	samples, err := e.samples(context.Background(), domain.SLOExceptionResolutionTime, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 4.0, samples[0], 1e-9)
}

func TestWeeklyDigestEmitsEvent(t *testing.T) {
	e, store, clock := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.WeeklyDigest(ctx))

	now := clock.Now()
	events, err := store.QueryEvents(ctx, domain.EventCFODigest, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)

	var p struct {
		Objectives []struct {
			Name string `json:"name"`
			Met  bool   `json:"met"`
		} `json:"objectives"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Len(t, p.Objectives, 7)
}

func TestPercentileCeilingRule(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 10.0, percentile(samples, 0.95))
	assert.Equal(t, 5.0, percentile(samples, 0.5))
	assert.Equal(t, 3.0, percentile([]float64{3}, 0.95))
}
