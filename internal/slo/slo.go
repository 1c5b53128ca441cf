// Package slo computes service-level indicators from the outbox event
// stream, tracks error budget burn over rolling windows, and raises alert
// events when a burn threshold is breached.
package slo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/lifecycle"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Engine computes SLIs and polices burn rates.
type Engine struct {
	store    repository.Store
	clock    ident.Clock
	alertSLA time.Duration
	metrics  *Metrics
	log      zerolog.Logger
}

func NewEngine(store repository.Store, clock ident.Clock, alertSLA time.Duration, metrics *Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		clock:    clock,
		alertSLA: alertSLA,
		metrics:  metrics,
		log:      log.With().Str("component", "slo").Logger(),
	}
}

// Seed installs the default objective set. Existing definitions keep their
// stored targets; UpsertSLO bumps the version either way.
func (e *Engine) Seed(ctx context.Context) error {
	for _, s := range domain.DefaultSLOs() {
		s := s
		if err := e.store.UpsertSLO(ctx, &s); err != nil {
			return err
		}
	}
	return nil
}

// RunHourly measures every objective over the last full hour and checks
// burn over the 1 h and 24 h rolling windows. The scheduler runs it.
func (e *Engine) RunHourly(ctx context.Context) error {
	now := e.clock.Now()
	end := now.Truncate(time.Hour)
	return e.measureAll(ctx, end.Add(-time.Hour), end, true)
}

// RunDaily measures daily and weekly objectives over their full windows;
// scheduled at 01:05 UTC.
func (e *Engine) RunDaily(ctx context.Context) error {
	now := e.clock.Now()
	end := now.Truncate(24 * time.Hour)
	slos, err := e.store.ListSLOs(ctx)
	if err != nil {
		return err
	}
	for _, s := range slos {
		var from time.Time
		switch s.Unit {
		case domain.UnitPercentWeekly:
			from = end.Add(-7 * 24 * time.Hour)
		default:
			from = end.Add(-24 * time.Hour)
		}
		if _, err := e.Measure(ctx, s, from, end); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) measureAll(ctx context.Context, from, to time.Time, checkBurn bool) error {
	slos, err := e.store.ListSLOs(ctx)
	if err != nil {
		return err
	}
	for _, s := range slos {
		if _, err := e.Measure(ctx, s, from, to); err != nil {
			return err
		}
		if !checkBurn {
			continue
		}
		if err := e.CheckBurn(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Measure computes one SLI over [from, to), persists it and emits the
// measurement event. A window with no samples records value NaN-free zero
// samples and counts as met.
func (e *Engine) Measure(ctx context.Context, s *domain.SLO, from, to time.Time) (*domain.SLIMeasurement, error) {
	samples, err := e.samples(ctx, s.Name, from, to)
	if err != nil {
		return nil, err
	}
	value, n := aggregate(s.Unit, samples)
	m := &domain.SLIMeasurement{
		ID:          ident.NewID(),
		SLOName:     s.Name,
		WindowStart: from,
		WindowEnd:   to,
		Value:       value,
		SampleCount: n,
		Met:         n == 0 || met(s, value),
		CreatedAt:   e.clock.Now(),
	}
	err = e.store.InTx(ctx, func(st repository.Store) error {
		if err := st.InsertSLIMeasurement(ctx, m); err != nil {
			return err
		}
		return lifecycle.AppendEvent(ctx, st, domain.EventSLIMeasured, "slo", s.Name, map[string]any{
			"value":        m.Value,
			"sample_count": m.SampleCount,
			"met":          m.Met,
			"window_start": from,
			"window_end":   to,
		}, m.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.SLIValue.WithLabelValues(s.Name).Set(value)
	return m, nil
}

// CheckBurn evaluates the 1 h and 24 h burn rates from raw samples and
// emits a critical alert when either crosses the objective's threshold.
// Detection and emission happen in the same call, so the alert is on the
// outbox well inside the delivery SLA.
func (e *Engine) CheckBurn(ctx context.Context, s *domain.SLO) error {
	now := e.clock.Now()
	for _, window := range []time.Duration{time.Hour, 24 * time.Hour} {
		samples, err := e.samples(ctx, s.Name, now.Add(-window), now)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			continue
		}
		rate := burnRate(s, samples)
		e.metrics.BurnRate.WithLabelValues(s.Name, window.String()).Set(rate)
		if rate < s.BurnAlertThreshold {
			continue
		}
		if err := e.raiseAlert(ctx, s, rate, window, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) raiseAlert(ctx context.Context, s *domain.SLO, rate float64, window time.Duration, detected time.Time) error {
	a := &domain.SLOAlert{
		ID:         ident.NewID(),
		SLOName:    s.Name,
		Severity:   domain.SeverityCritical,
		BurnRate:   rate,
		Window:     window,
		Message:    fmt.Sprintf("%s burning error budget at %.2fx over %s", s.Name, rate, window),
		DetectedAt: detected,
		EmittedAt:  e.clock.Now(),
	}
	err := e.store.InTx(ctx, func(st repository.Store) error {
		if err := st.InsertSLOAlert(ctx, a); err != nil {
			return err
		}
		return lifecycle.AppendEvent(ctx, st, domain.EventSLOAlert, "slo", s.Name, map[string]any{
			"alert_id":  a.ID,
			"severity":  a.Severity,
			"burn_rate": rate,
			"window":    window.String(),
			"message":   a.Message,
		}, a.EmittedAt)
	})
	if err != nil {
		return err
	}
	e.metrics.Breaches.WithLabelValues(s.Name).Inc()
	if lag := a.EmittedAt.Sub(a.DetectedAt); lag > e.alertSLA {
		e.log.Error().Str("slo", s.Name).Dur("lag", lag).Msg("alert emitted past delivery SLA")
	}
	e.log.Warn().Str("slo", s.Name).Float64("burn_rate", rate).Str("window", window.String()).Msg("slo burn alert")
	return nil
}

// WeeklyDigest summarizes the last seven days per objective and emits the
// executive digest event; scheduled Monday 09:00 UTC.
func (e *Engine) WeeklyDigest(ctx context.Context) error {
	now := e.clock.Now()
	from := now.Add(-7 * 24 * time.Hour)
	slos, err := e.store.ListSLOs(ctx)
	if err != nil {
		return err
	}
	type line struct {
		Name    string  `json:"name"`
		Target  float64 `json:"target"`
		Value   float64 `json:"value"`
		Met     bool    `json:"met"`
		Samples int     `json:"samples"`
		Alerts  int     `json:"alerts"`
	}
	var lines []line
	for _, s := range slos {
		samples, err := e.samples(ctx, s.Name, from, now)
		if err != nil {
			return err
		}
		value, n := aggregate(s.Unit, samples)
		alerts, err := e.store.ListSLOAlerts(ctx, s.Name, 100)
		if err != nil {
			return err
		}
		recent := 0
		for _, a := range alerts {
			if !a.DetectedAt.Before(from) {
				recent++
			}
		}
		lines = append(lines, line{
			Name: s.Name, Target: s.Target,
			Value: value, Met: n == 0 || met(s, value),
			Samples: n, Alerts: recent,
		})
	}
	err = e.store.InTx(ctx, func(st repository.Store) error {
		return lifecycle.AppendEvent(ctx, st, domain.EventCFODigest, "slo", "weekly", map[string]any{
			"window_start": from,
			"window_end":   now,
			"objectives":   lines,
		}, now)
	})
	if err != nil {
		return err
	}
	e.log.Info().Int("objectives", len(lines)).Msg("weekly digest emitted")
	return nil
}

// History returns stored measurements for dashboards.
func (e *Engine) History(ctx context.Context, sloName string, from, to time.Time) ([]*domain.SLIMeasurement, error) {
	return e.store.ListSLIMeasurements(ctx, sloName, from, to)
}

// Alerts returns the most recent alerts, all objectives when sloName is
// empty.
func (e *Engine) Alerts(ctx context.Context, sloName string, limit int) ([]*domain.SLOAlert, error) {
	return e.store.ListSLOAlerts(ctx, sloName, limit)
}

// ── sample extraction ─────────────────────────────────────────────────────────

// samples derives the raw SLI samples for one objective from outbox events
// in [from, to). Latency samples are in the objective's native unit.
func (e *Engine) samples(ctx context.Context, sloName string, from, to time.Time) ([]float64, error) {
	switch sloName {
	case domain.SLOTimeToReady:
		return e.readySamples(ctx, from, to)
	case domain.SLOValidationPassRate:
		return e.validationSamples(ctx, from, to, func(p validationPayload) float64 {
			return boolSample(p.Passed)
		})
	case domain.SLODuplicateRecall:
		return e.validationSamples(ctx, from, to, func(p validationPayload) float64 {
			return boolSample(p.DuplicateConclusive)
		})
	case domain.SLOExtractionAccuracy:
		return e.validationSamples(ctx, from, to, func(p validationPayload) float64 {
			return p.MinConfidence * 100
		})
	case domain.SLOApprovalLatency:
		return e.pairedLatency(ctx, domain.EventApprovalRequested, domain.EventApprovalDecided, from, to, time.Hour)
	case domain.SLOExceptionResolutionTime:
		return e.exceptionSamples(ctx, from, to)
	case domain.SLOProcessingSuccessRate:
		return e.outcomeSamples(ctx, from, to)
	default:
		return nil, nil
	}
}

func (e *Engine) readySamples(ctx context.Context, from, to time.Time) ([]float64, error) {
	events, err := e.store.QueryEvents(ctx, domain.EventInvoiceReady, from, to)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, ev := range events {
		var p struct {
			ReceivedAt time.Time `json:"received_at"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ReceivedAt.IsZero() {
			continue
		}
		out = append(out, ev.CreatedAt.Sub(p.ReceivedAt).Minutes())
	}
	return out, nil
}

type validationPayload struct {
	Passed              bool    `json:"passed"`
	DuplicateConclusive bool    `json:"duplicate_conclusive"`
	MinConfidence       float64 `json:"min_confidence"`
}

func (e *Engine) validationSamples(ctx context.Context, from, to time.Time, pick func(validationPayload) float64) ([]float64, error) {
	events, err := e.store.QueryEvents(ctx, domain.EventValidationCompleted, from, to)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, ev := range events {
		var p validationPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		out = append(out, pick(p))
	}
	return out, nil
}

// pairedLatency joins an open event to its settle event by aggregate ID and
// yields the elapsed time in units of `unit`. Opens without a settle in the
// window contribute nothing.
func (e *Engine) pairedLatency(ctx context.Context, open, settle domain.EventType, from, to time.Time, unit time.Duration) ([]float64, error) {
	opened, err := e.store.QueryEvents(ctx, open, from, to)
	if err != nil {
		return nil, err
	}
	settled, err := e.store.QueryEvents(ctx, settle, from, to)
	if err != nil {
		return nil, err
	}
	openedAt := make(map[string]time.Time, len(opened))
	for _, ev := range opened {
		if _, ok := openedAt[ev.AggregateID]; !ok {
			openedAt[ev.AggregateID] = ev.CreatedAt
		}
	}
	var out []float64
	for _, ev := range settled {
		var p struct {
			State domain.ApprovalState `json:"state"`
		}
		if settle == domain.EventApprovalDecided {
			if err := json.Unmarshal(ev.Payload, &p); err != nil || p.State == domain.ApprovalPending || p.State == "" {
				continue
			}
		}
		start, ok := openedAt[ev.AggregateID]
		if !ok {
			continue
		}
		out = append(out, float64(ev.CreatedAt.Sub(start))/float64(unit))
	}
	return out, nil
}

func (e *Engine) exceptionSamples(ctx context.Context, from, to time.Time) ([]float64, error) {
	opened, err := e.store.QueryEvents(ctx, domain.EventExceptionOpened, from, to)
	if err != nil {
		return nil, err
	}
	resolved, err := e.store.QueryEvents(ctx, domain.EventExceptionResolved, from, to)
	if err != nil {
		return nil, err
	}
	openedAt := make(map[string]time.Time, len(opened))
	for _, ev := range opened {
		var p struct {
			ExceptionID string `json:"exception_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil && p.ExceptionID != "" {
			openedAt[p.ExceptionID] = ev.CreatedAt
		}
	}
	var out []float64
	for _, ev := range resolved {
		var p struct {
			ExceptionID string `json:"exception_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		start, ok := openedAt[p.ExceptionID]
		if !ok {
			continue
		}
		out = append(out, ev.CreatedAt.Sub(start).Hours())
	}
	return out, nil
}

// outcomeSamples reads terminal transitions: done counts as success,
// rejected or cancelled as failure.
func (e *Engine) outcomeSamples(ctx context.Context, from, to time.Time) ([]float64, error) {
	events, err := e.store.QueryEvents(ctx, domain.EventInvoiceTransition, from, to)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, ev := range events {
		var p struct {
			To domain.InvoiceState `json:"to"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		switch p.To {
		case domain.StateDone:
			out = append(out, 100)
		case domain.StateRejected, domain.StateCancelled:
			out = append(out, 0)
		}
	}
	return out, nil
}

// ── aggregation & burn math ───────────────────────────────────────────────────

func aggregate(unit domain.SLOUnit, samples []float64) (float64, int) {
	if len(samples) == 0 {
		return 0, 0
	}
	switch unit {
	case domain.UnitMinutesP95, domain.UnitHoursP95:
		return percentile(samples, 0.95), len(samples)
	case domain.UnitMeanDaily:
		return mean(samples), len(samples)
	default: // percent units over 0/100 samples
		return mean(samples), len(samples)
	}
}

func met(s *domain.SLO, value float64) bool {
	if s.Direction == domain.DirectionAtLeast {
		return value >= s.Target
	}
	return value <= s.Target
}

// burnRate is the observed failure fraction over the fraction the error
// budget allows. Percentile objectives budget the 5% of samples a p95 may
// exceed; rate objectives budget 1 minus the target rate.
func burnRate(s *domain.SLO, samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var bad, budget float64
	switch s.Unit {
	case domain.UnitMinutesP95, domain.UnitHoursP95:
		over := 0
		for _, v := range samples {
			if v > s.Target {
				over++
			}
		}
		bad = float64(over) / float64(len(samples))
		budget = 0.05
	default:
		bad = (100 - mean(samples)) / 100
		budget = (100 - s.Target) / 100
	}
	if budget <= 0 {
		budget = 1e-9
	}
	return bad / budget
}

func percentile(samples []float64, q float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func mean(samples []float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func boolSample(b bool) float64 {
	if b {
		return 100
	}
	return 0
}
