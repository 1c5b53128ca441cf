// Package staging materializes approved invoices as export payloads and
// walks them through the prepare, approve, post and rollback protocol.
// Destination connectors are external; a circuit breaker per destination
// fails fast when one keeps erroring.
package staging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/idempotency"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/lifecycle"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Connector is a destination accounting system.
type Connector interface {
	// Post delivers the payload and returns the destination's reference.
	Post(ctx context.Context, format domain.ExportFormat, payload map[string]string) (string, error)
	// Reverse compensates a previously posted payload.
	Reverse(ctx context.Context, externalRef string) error
}

// Config tunes the pipeline.
type Config struct {
	QualityThreshold int
	RollbackWindow   time.Duration
}

// Pipeline owns staged exports.
type Pipeline struct {
	store      repository.Store
	clock      ident.Clock
	idem       *idempotency.Manager
	cfg        Config
	connectors map[string]Connector
	breakers   map[string]*gobreaker.CircuitBreaker
	log        zerolog.Logger
}

func NewPipeline(store repository.Store, clock ident.Clock, idem *idempotency.Manager, cfg Config, connectors map[string]Connector, log zerolog.Logger) *Pipeline {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(connectors))
	for name := range connectors {
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Pipeline{
		store:      store,
		clock:      clock,
		idem:       idem,
		cfg:        cfg,
		connectors: connectors,
		breakers:   breakers,
		log:        log.With().Str("component", "staging").Logger(),
	}
}

// Prepare materializes the export payload for an approved invoice and moves
// the invoice to staged. Re-preparing the same (invoice, destination,
// format) returns the existing export.
func (p *Pipeline) Prepare(ctx context.Context, invoiceID, destination string, format domain.ExportFormat, principal domain.Principal) (*domain.StagedExport, error) {
	if _, ok := p.connectors[destination]; !ok {
		return nil, apperr.InvalidInput("destination", "unknown destination "+destination)
	}
	key := idempotency.StageKey(invoiceID, destination, format)
	raw, _, err := p.idem.Execute(ctx, key, "export.stage", principal.ID, func(ctx context.Context) ([]byte, error) {
		exp, err := p.prepare(ctx, invoiceID, destination, format, principal)
		if err != nil {
			return nil, err
		}
		return []byte(exp.ID), nil
	})
	if err != nil {
		return nil, err
	}
	// The record only pins the export's identity; the current row is read
	// fresh so a replay never hands back a stale snapshot.
	return p.store.GetStagedExport(ctx, string(raw))
}

func (p *Pipeline) prepare(ctx context.Context, invoiceID, destination string, format domain.ExportFormat, principal domain.Principal) (*domain.StagedExport, error) {
	var out *domain.StagedExport
	err := p.store.InTx(ctx, func(st repository.Store) error {
		existing, err := st.FindStagedExport(ctx, invoiceID, destination, format)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		inv, err := st.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.State != domain.StateApproved {
			return apperr.Conflict("invoice is not approved for staging")
		}
		ext, err := st.GetExtraction(ctx, invoiceID)
		if err != nil {
			return err
		}

		now := p.clock.Now()
		exp := &domain.StagedExport{
			ID:           ident.NewID(),
			InvoiceID:    invoiceID,
			Destination:  destination,
			Format:       format,
			Status:       domain.ExportPrepared,
			PreparedData: buildPayload(inv, ext),
			Diff:         []domain.FieldChange{},
			QualityScore: qualityScore(ext),
			PreparedBy:   principal.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
		}
		if err := st.CreateStagedExport(ctx, exp); err != nil {
			return err
		}
		if err := lifecycle.Transition(ctx, st, inv, domain.StateStaged, now); err != nil {
			return err
		}
		if err := lifecycle.AppendEvent(ctx, st, domain.EventExportPrepared, "staged_export", exp.ID, map[string]any{
			"invoice_id":    invoiceID,
			"destination":   destination,
			"format":        format,
			"quality_score": exp.QualityScore,
		}, now); err != nil {
			return err
		}
		out = exp
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("export_id", out.ID).Str("invoice_id", invoiceID).Int("quality", out.QualityScore).Msg("export prepared")
	return out, nil
}

// Review settles the human review of a prepared export. The reviewer may
// submit amended data; the field diff is stored and critical changes, like
// sub-threshold quality, demand a controller or higher.
func (p *Pipeline) Review(ctx context.Context, exportID string, principal domain.Principal, approve bool, amended map[string]string) (*domain.StagedExport, error) {
	var out *domain.StagedExport
	err := p.store.InTx(ctx, func(st repository.Store) error {
		exp, err := st.GetStagedExport(ctx, exportID)
		if err != nil {
			return err
		}
		if exp.Status != domain.ExportPrepared && exp.Status != domain.ExportUnderReview {
			return apperr.Conflict("export is not reviewable")
		}
		now := p.clock.Now()
		if exp.Status == domain.ExportPrepared {
			exp.Status = domain.ExportUnderReview
			exp.UpdatedAt = now
			if err := st.UpdateStagedExport(ctx, exp); err != nil {
				return err
			}
		}

		if !approve {
			exp.Status = domain.ExportRejected
			exp.ReviewedAt = &now
			exp.UpdatedAt = now
			out = exp
			return st.UpdateStagedExport(ctx, exp)
		}

		approved := exp.PreparedData
		if amended != nil {
			approved = amended
		}
		diff := computeDiff(exp.PreparedData, approved, "prepared->approved")
		needsSenior := hasCritical(diff) || exp.QualityScore < p.cfg.QualityThreshold
		if needsSenior && principal.Level < domain.RoleController {
			return apperr.PermissionDenied("critical changes or low quality require controller or higher")
		}

		exp.Status = domain.ExportApproved
		exp.ApprovedData = approved
		exp.Diff = append(exp.Diff, diff...)
		exp.ApprovedBy = &principal.ID
		exp.ReviewedAt = &now
		exp.UpdatedAt = now
		if err := st.UpdateStagedExport(ctx, exp); err != nil {
			return err
		}
		if err := lifecycle.AppendEvent(ctx, st, domain.EventExportApproved, "staged_export", exp.ID, map[string]any{
			"invoice_id":  exp.InvoiceID,
			"approved_by": principal.ID,
			"changes":     len(diff),
		}, now); err != nil {
			return err
		}
		out = exp
		return nil
	})
	return out, err
}

// Post delivers an approved export through the destination connector.
// Posting is idempotent on the export: the delivery runs under the export's
// idempotency key, so a replayed or racing post reuses the recorded
// external_ref instead of reaching the destination twice. A connector
// failure parks the export in failed, from where the job fabric retries.
func (p *Pipeline) Post(ctx context.Context, exportID string, principal domain.Principal) (*domain.StagedExport, error) {
	exp, err := p.store.GetStagedExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if exp.Status == domain.ExportPosted {
		return exp, nil
	}
	if !domain.CanTransitionExport(exp.Status, domain.ExportPosted) {
		return nil, apperr.Conflict("export is not postable from " + string(exp.Status))
	}
	payload := exp.ApprovedData
	if payload == nil {
		payload = exp.PreparedData
	}

	raw, replayed, postErr := p.idem.Execute(ctx, idempotency.PostKey(exportID), "export.post", principal.ID, func(ctx context.Context) ([]byte, error) {
		ref, err := p.callPost(ctx, exp.Destination, exp.Format, payload)
		if err != nil {
			return nil, err
		}
		return []byte(ref), nil
	})
	now := p.clock.Now()
	if postErr != nil {
		if apperr.IsKind(postErr, apperr.KindDuplicate) {
			// Another caller holds the key and will settle the export.
			return nil, postErr
		}
		if exp.Status != domain.ExportFailed {
			exp.Status = domain.ExportFailed
			exp.UpdatedAt = now
			if uerr := p.store.UpdateStagedExport(ctx, exp); uerr != nil {
				p.log.Warn().Err(uerr).Str("export_id", exp.ID).Msg("failed to park export")
			}
		}
		return nil, postErr
	}
	ref := string(raw)

	err = p.store.InTx(ctx, func(st repository.Store) error {
		fresh, err := st.GetStagedExport(ctx, exportID)
		if err != nil {
			return err
		}
		if fresh.Status == domain.ExportPosted {
			exp = fresh
			return nil
		}
		fresh.Status = domain.ExportPosted
		fresh.PostedData = payload
		fresh.ExternalRef = &ref
		fresh.PostedBy = &principal.ID
		fresh.PostedAt = &now
		fresh.UpdatedAt = now
		if err := st.UpdateStagedExport(ctx, fresh); err != nil {
			return err
		}
		inv, err := st.GetInvoice(ctx, fresh.InvoiceID)
		if err != nil {
			return err
		}
		if inv.State == domain.StateStaged {
			if err := lifecycle.Transition(ctx, st, inv, domain.StatePosted, now); err != nil {
				return err
			}
		}
		if err := lifecycle.AppendEvent(ctx, st, domain.EventExportPosted, "staged_export", fresh.ID, map[string]any{
			"invoice_id":   fresh.InvoiceID,
			"external_ref": ref,
		}, now); err != nil {
			return err
		}
		exp = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("export_id", exp.ID).Str("external_ref", ref).Bool("replayed", replayed).Msg("export posted")
	return exp, nil
}

// Rollback reverses a posted export within the configured window. The
// invoice moves to rejected with a compensating audit record.
func (p *Pipeline) Rollback(ctx context.Context, exportID string, principal domain.Principal, reason string) error {
	exp, err := p.store.GetStagedExport(ctx, exportID)
	if err != nil {
		return err
	}
	if exp.Status != domain.ExportPosted || exp.ExternalRef == nil {
		return apperr.Conflict("only posted exports can roll back")
	}
	now := p.clock.Now()
	if exp.PostedAt != nil && now.Sub(*exp.PostedAt) > p.cfg.RollbackWindow {
		return apperr.Conflict("rollback window has closed")
	}
	if principal.Level < domain.RoleAPManager {
		return apperr.PermissionDenied("rollback requires ap_manager or higher")
	}
	if err := p.callReverse(ctx, exp.Destination, *exp.ExternalRef); err != nil {
		return err
	}

	return p.store.InTx(ctx, func(st repository.Store) error {
		fresh, err := st.GetStagedExport(ctx, exportID)
		if err != nil {
			return err
		}
		if fresh.Status != domain.ExportPosted {
			return apperr.Conflict("export changed state during rollback")
		}
		fresh.Status = domain.ExportRolledBack
		fresh.RolledBackAt = &now
		fresh.UpdatedAt = now
		if err := st.UpdateStagedExport(ctx, fresh); err != nil {
			return err
		}
		inv, err := st.GetInvoice(ctx, fresh.InvoiceID)
		if err != nil {
			return err
		}
		if inv.State == domain.StatePosted {
			if err := lifecycle.Transition(ctx, st, inv, domain.StateRejected, now); err != nil {
				return err
			}
		}
		if err := st.AppendAudit(ctx, &domain.AuditEntry{
			ID:          ident.NewID(),
			InvoiceID:   fresh.InvoiceID,
			SubjectRef:  fresh.ID,
			Action:      "export.rollback",
			PerformedBy: principal.ID,
			PerformedAt: now,
			Metadata:    map[string]any{"reason": reason, "external_ref": *fresh.ExternalRef},
		}); err != nil {
			return err
		}
		return lifecycle.AppendEvent(ctx, st, domain.EventExportRolledBack, "staged_export", fresh.ID, map[string]any{
			"invoice_id": fresh.InvoiceID,
			"reason":     reason,
		}, now)
	})
}

// ── connector access ──────────────────────────────────────────────────────────

func (p *Pipeline) callPost(ctx context.Context, destination string, format domain.ExportFormat, payload map[string]string) (string, error) {
	conn, ok := p.connectors[destination]
	if !ok {
		return "", apperr.InvalidInput("destination", "unknown destination "+destination)
	}
	ref, err := p.breakers[destination].Execute(func() (any, error) {
		return conn.Post(ctx, format, payload)
	})
	if err != nil {
		return "", wrapConnectorErr(err, destination)
	}
	return ref.(string), nil
}

func (p *Pipeline) callReverse(ctx context.Context, destination, externalRef string) error {
	conn, ok := p.connectors[destination]
	if !ok {
		return apperr.InvalidInput("destination", "unknown destination "+destination)
	}
	_, err := p.breakers[destination].Execute(func() (any, error) {
		return nil, conn.Reverse(ctx, externalRef)
	})
	if err != nil {
		return wrapConnectorErr(err, destination)
	}
	return nil
}

func wrapConnectorErr(err error, destination string) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Unavailable("destination "+destination+" circuit is open", err)
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	return apperr.Unavailable("destination "+destination+" call failed", err)
}

// ── payload & quality ─────────────────────────────────────────────────────────

// exported header fields, in payload order.
var payloadFields = []string{
	domain.FieldVendorID,
	domain.FieldVendorName,
	domain.FieldInvoiceNumber,
	domain.FieldInvoiceDate,
	domain.FieldDueDate,
	domain.FieldCurrency,
	domain.FieldPONumber,
	domain.FieldSubtotal,
	domain.FieldTaxAmount,
	domain.FieldTotalAmount,
}

func buildPayload(inv *domain.Invoice, ext *domain.Extraction) map[string]string {
	payload := map[string]string{
		"invoice_id": inv.ID,
		"submitter":  inv.Submitter,
		"source":     string(inv.Source),
		"line_count": strconv.Itoa(len(ext.Lines)),
	}
	for _, name := range payloadFields {
		if v, ok := ext.HeaderValue(name); ok {
			payload[name] = v
		}
	}
	for i, line := range ext.Lines {
		prefix := fmt.Sprintf("line_%d_", i+1)
		for _, name := range []string{domain.FieldQuantity, domain.FieldUnitPrice, domain.FieldAmount} {
			if f, ok := line.Fields[name]; ok && f.Value != "" {
				payload[prefix+name] = f.Value
			}
		}
	}
	return payload
}

// qualityScore grades fitness for posting in [0, 100]: confidence carries
// half the weight, optional header coverage and line completeness the rest.
func qualityScore(ext *domain.Extraction) int {
	score := 100
	score -= int((1 - ext.MinConfidence()) * 50)
	for _, name := range []string{domain.FieldDueDate, domain.FieldCurrency, domain.FieldVendorID} {
		if _, ok := ext.HeaderValue(name); !ok {
			score -= 10
		}
	}
	for _, line := range ext.Lines {
		if _, ok := line.Amount(domain.FieldAmount); !ok {
			score -= 5
		}
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
