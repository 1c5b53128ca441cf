package staging

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/idempotency"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
)

// fakeConnector posts into memory; failing simulates a destination outage.
type fakeConnector struct {
	failing  bool
	posted   []map[string]string
	reversed []string
}

func (c *fakeConnector) Post(ctx context.Context, format domain.ExportFormat, payload map[string]string) (string, error) {
	if c.failing {
		return "", apperr.Unavailable("destination is down", nil)
	}
	c.posted = append(c.posted, payload)
	return "EXT-" + ident.NewID(), nil
}

func (c *fakeConnector) Reverse(ctx context.Context, externalRef string) error {
	if c.failing {
		return apperr.Unavailable("destination is down", nil)
	}
	c.reversed = append(c.reversed, externalRef)
	return nil
}

var (
	preparer = domain.Principal{ID: "clerk-1", Level: domain.RoleAPClerk}
	reviewer = domain.Principal{ID: "manager-1", Level: domain.RoleAPManager}
	senior   = domain.Principal{ID: "controller-1", Level: domain.RoleController}
)

func newPipeline(t *testing.T) (*Pipeline, *memstore.Mem, *fakeConnector, *ident.FakeClock) {
	t.Helper()
	store := memstore.New()
	clock := ident.NewFakeClock(time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC))
	conn := &fakeConnector{}
	idem := idempotency.NewManager(store, clock, time.Hour, 3, zerolog.Nop())
	p := NewPipeline(store, clock, idem, Config{
		QualityThreshold: 70,
		RollbackWindow:   24 * time.Hour,
	}, map[string]Connector{"quickbooks": conn}, zerolog.Nop())
	return p, store, conn, clock
}

func approvedInvoice(t *testing.T, store *memstore.Mem) *domain.Invoice {
	t.Helper()
	inv := &domain.Invoice{
		ID:          ident.NewID(),
		ContentHash: ident.NewID(),
		Submitter:   "alice",
		Source:      domain.SourceUpload,
		State:       domain.StateApproved,
		Version:     1,
	}
	require.NoError(t, store.CreateInvoice(context.Background(), inv))
	require.NoError(t, store.PutExtraction(context.Background(), &domain.Extraction{
		ID:        ident.NewID(),
		InvoiceID: inv.ID,
		Header: map[string]domain.Field{
			domain.FieldVendorID:      {Value: "V-100", Confidence: 0.96},
			domain.FieldVendorName:    {Value: "Acme Supplies", Confidence: 0.96},
			domain.FieldInvoiceNumber: {Value: "INV-2026-001", Confidence: 0.96},
			domain.FieldInvoiceDate:   {Value: "2026-08-01", Confidence: 0.96},
			domain.FieldDueDate:       {Value: "2026-08-31", Confidence: 0.96},
			domain.FieldCurrency:      {Value: "USD", Confidence: 0.96},
			domain.FieldTotalAmount:   {Value: "108.00", Confidence: 0.96},
		},
		Lines: []domain.Line{{Fields: map[string]domain.Field{
			domain.FieldQuantity:  {Value: "2", Confidence: 0.96},
			domain.FieldUnitPrice: {Value: "50.00", Confidence: 0.96},
			domain.FieldAmount:    {Value: "100.00", Confidence: 0.96},
		}}},
	}))
	return inv
}

func prepared(t *testing.T, p *Pipeline, store *memstore.Mem) (*domain.StagedExport, *domain.Invoice) {
	t.Helper()
	inv := approvedInvoice(t, store)
	exp, err := p.Prepare(context.Background(), inv.ID, "quickbooks", domain.FormatJSON, preparer)
	require.NoError(t, err)
	return exp, inv
}

func TestPrepareBuildsPayloadAndStagesInvoice(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	exp, inv := prepared(t, p, store)

	assert.Equal(t, domain.ExportPrepared, exp.Status)
	assert.Equal(t, "V-100", exp.PreparedData["vendor_id"])
	assert.Equal(t, "108.00", exp.PreparedData["total_amount"])
	assert.Equal(t, "1", exp.PreparedData["line_count"])
	assert.Equal(t, "100.00", exp.PreparedData["line_1_amount"])
	// 0.96 confidence costs two points, everything else is present.
	assert.Equal(t, 98, exp.QualityScore)

	got, err := store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStaged, got.State)
}

func TestPrepareIsIdempotentPerDestination(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	exp, inv := prepared(t, p, store)

	again, err := p.Prepare(context.Background(), inv.ID, "quickbooks", domain.FormatJSON, preparer)
	require.NoError(t, err)
	assert.Equal(t, exp.ID, again.ID)
}

func TestPrepareRequiresApprovedInvoice(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	inv := approvedInvoice(t, store)
	inv.State = domain.StateReady
	require.NoError(t, store.UpdateInvoice(context.Background(), inv))

	_, err := p.Prepare(context.Background(), inv.ID, "quickbooks", domain.FormatJSON, preparer)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestPrepareUnknownDestination(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	inv := approvedInvoice(t, store)

	_, err := p.Prepare(context.Background(), inv.ID, "netsuite", domain.FormatJSON, preparer)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalid))
}

func TestReviewApproveWithoutChanges(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	exp, _ := prepared(t, p, store)

	out, err := p.Review(context.Background(), exp.ID, reviewer, true, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportApproved, out.Status)
	assert.Empty(t, out.Diff)
	require.NotNil(t, out.ApprovedBy)
	assert.Equal(t, reviewer.ID, *out.ApprovedBy)
}

func TestReviewCriticalAmountChangeNeedsController(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	exp, _ := prepared(t, p, store)

	amended := map[string]string{}
	for k, v := range exp.PreparedData {
		amended[k] = v
	}
	amended["total_amount"] = "150.00" // ~39% shift

	_, err := p.Review(context.Background(), exp.ID, reviewer, true, amended)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	out, err := p.Review(context.Background(), exp.ID, senior, true, amended)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportApproved, out.Status)
	require.Len(t, out.Diff, 1)
	assert.Equal(t, domain.ChangeCritical, out.Diff[0].Significance)
	assert.Equal(t, "150.00", out.ApprovedData["total_amount"])
}

func TestReviewSmallAmountChangeByManager(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	exp, _ := prepared(t, p, store)

	amended := map[string]string{}
	for k, v := range exp.PreparedData {
		amended[k] = v
	}
	amended["total_amount"] = "110.00" // under the 5% critical shift

	out, err := p.Review(context.Background(), exp.ID, reviewer, true, amended)
	require.NoError(t, err)
	require.Len(t, out.Diff, 1)
	assert.Equal(t, domain.ChangeHigh, out.Diff[0].Significance)
}

func TestReviewReject(t *testing.T) {
	p, store, _, _ := newPipeline(t)
	exp, _ := prepared(t, p, store)

	out, err := p.Review(context.Background(), exp.ID, reviewer, false, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportRejected, out.Status)

	// A rejected export cannot be posted.
	_, err = p.Post(context.Background(), exp.ID, reviewer)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestPostDeliversAndFinishesInvoice(t *testing.T) {
	p, store, conn, _ := newPipeline(t)
	exp, inv := prepared(t, p, store)
	_, err := p.Review(context.Background(), exp.ID, reviewer, true, nil)
	require.NoError(t, err)

	out, err := p.Post(context.Background(), exp.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportPosted, out.Status)
	require.NotNil(t, out.ExternalRef)
	require.Len(t, conn.posted, 1)

	got, err := store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePosted, got.State)

	// Replays return the same reference without a second delivery.
	again, err := p.Post(context.Background(), exp.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, *out.ExternalRef, *again.ExternalRef)
	assert.Len(t, conn.posted, 1)
}

func TestPostReusesRecordedReferenceAfterStaleRead(t *testing.T) {
	p, store, conn, _ := newPipeline(t)
	exp, _ := prepared(t, p, store)
	_, err := p.Review(context.Background(), exp.ID, reviewer, true, nil)
	require.NoError(t, err)
	out, err := p.Post(context.Background(), exp.ID, reviewer)
	require.NoError(t, err)

	// Rewind the status the way a racing caller would have read it before
	// the first post committed. The recorded delivery still wins.
	fresh, err := store.GetStagedExport(context.Background(), exp.ID)
	require.NoError(t, err)
	fresh.Status = domain.ExportApproved
	require.NoError(t, store.UpdateStagedExport(context.Background(), fresh))

	again, err := p.Post(context.Background(), exp.ID, reviewer)
	require.NoError(t, err)
	require.NotNil(t, again.ExternalRef)
	assert.Equal(t, *out.ExternalRef, *again.ExternalRef)
	assert.Len(t, conn.posted, 1)
}

func TestPostRejectsWhileAnotherHolderIsPosting(t *testing.T) {
	p, store, conn, clock := newPipeline(t)
	exp, _ := prepared(t, p, store)
	_, err := p.Review(context.Background(), exp.ID, reviewer, true, nil)
	require.NoError(t, err)

	now := clock.Now()
	require.NoError(t, store.InsertIdempotencyRecord(context.Background(), &domain.IdempotencyRecord{
		Key: idempotency.PostKey(exp.ID), OpType: "export.post", State: domain.IdemInFlight,
		Attempts: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour), Version: 1,
	}))

	_, err = p.Post(context.Background(), exp.ID, reviewer)
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicate))
	assert.Empty(t, conn.posted)

	// The export is not parked; the key holder settles it.
	fresh, err := store.GetStagedExport(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportApproved, fresh.Status)
}

func TestPostFailureParksExportThenRetries(t *testing.T) {
	p, store, conn, _ := newPipeline(t)
	exp, _ := prepared(t, p, store)
	_, err := p.Review(context.Background(), exp.ID, reviewer, true, nil)
	require.NoError(t, err)

	conn.failing = true
	_, err = p.Post(context.Background(), exp.ID, reviewer)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	parked, err := store.GetStagedExport(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportFailed, parked.Status)

	// The destination recovers and the retried post succeeds.
	conn.failing = false
	out, err := p.Post(context.Background(), exp.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportPosted, out.Status)
}

func TestRollbackWithinWindow(t *testing.T) {
	p, store, conn, clock := newPipeline(t)
	exp, inv := prepared(t, p, store)
	_, err := p.Review(context.Background(), exp.ID, reviewer, true, nil)
	require.NoError(t, err)
	out, err := p.Post(context.Background(), exp.ID, reviewer)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	err = p.Rollback(context.Background(), exp.ID, preparer, "wrong period")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	require.NoError(t, p.Rollback(context.Background(), exp.ID, reviewer, "wrong period"))
	require.Len(t, conn.reversed, 1)
	assert.Equal(t, *out.ExternalRef, conn.reversed[0])

	rolled, err := store.GetStagedExport(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportRolledBack, rolled.Status)

	got, err := store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, got.State)

	entries, err := store.ListAudit(context.Background(), inv.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Action == "export.rollback" {
			found = true
		}
	}
	assert.True(t, found, "rollback audit entry missing")
}

func TestRollbackWindowCloses(t *testing.T) {
	p, store, _, clock := newPipeline(t)
	exp, _ := prepared(t, p, store)
	_, err := p.Review(context.Background(), exp.ID, reviewer, true, nil)
	require.NoError(t, err)
	_, err = p.Post(context.Background(), exp.ID, reviewer)
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	err = p.Rollback(context.Background(), exp.ID, reviewer, "too late")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestQualityScorePenalties(t *testing.T) {
	ext := &domain.Extraction{
		Header: map[string]domain.Field{
			domain.FieldVendorName:  {Value: "Acme", Confidence: 1.0},
			domain.FieldTotalAmount: {Value: "10.00", Confidence: 1.0},
		},
		Lines: []domain.Line{{Fields: map[string]domain.Field{
			domain.FieldQuantity: {Value: "1", Confidence: 1.0},
		}}},
	}
	// 100 - 30 (due date, currency, vendor id) - 5 (line without an amount).
	assert.Equal(t, 65, qualityScore(ext))
}
