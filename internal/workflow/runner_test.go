package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/exception"
	"github.com/pesio-ai/be-ap-intake/internal/idempotency"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/jobs"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
	"github.com/pesio-ai/be-ap-intake/internal/policy"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
	"github.com/pesio-ai/be-ap-intake/internal/rules"
	"github.com/pesio-ai/be-ap-intake/internal/staging"
)

type stubExtractor struct {
	ext   *domain.Extraction
	err   error
	calls int
}

func (s *stubExtractor) Extract(ctx context.Context, storageRef string) (*domain.Extraction, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.ext
	return &cp, nil
}

type stubLookups struct {
	vendors map[string]*rules.Vendor
}

func (s *stubLookups) Vendor(ctx context.Context, id string) (*rules.Vendor, error) {
	return s.vendors[id], nil
}

func (s *stubLookups) PurchaseOrder(ctx context.Context, po string) (*rules.PurchaseOrder, error) {
	return nil, nil
}

func (s *stubLookups) GoodsReceipt(ctx context.Context, po string) (*rules.GoodsReceipt, error) {
	return nil, nil
}

type stubConnector struct {
	posted int
}

func (s *stubConnector) Post(ctx context.Context, format domain.ExportFormat, payload map[string]string) (string, error) {
	s.posted++
	return "EXT-" + ident.NewID(), nil
}

func (s *stubConnector) Reverse(ctx context.Context, externalRef string) error {
	return nil
}

type pipelineHarness struct {
	store     *memstore.Mem
	clock     *ident.FakeClock
	fabric    *jobs.Fabric
	runner    *Runner
	extractor *stubExtractor
	approvals *policy.ApprovalEngine
	staging   *staging.Pipeline
	conn      *stubConnector
}

func newHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	store := memstore.New()
	clock := ident.NewFakeClock(time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC))
	nop := zerolog.Nop()

	fabric := jobs.NewFabric(store, clock, jobs.Options{
		Concurrency:  1,
		Prefetch:     4,
		SoftTimeout:  time.Second,
		HardTimeout:  2 * time.Second,
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     100 * time.Millisecond,
		MaxDepth:     100,
		PollInterval: 10 * time.Millisecond,
	}, jobs.NewMetrics(prometheus.NewRegistry()), nop)

	lookups := &stubLookups{vendors: map[string]*rules.Vendor{
		"V-100": {ID: "V-100", Active: true, SpendLimit: decimal.NewFromInt(1000)},
	}}
	rulesEng := rules.NewEngine(store, lookups, clock, rules.DefaultConfig("0.01", 0.85), nop)
	exceptions := exception.NewManager(store, clock, fabric, nop)
	gates, err := policy.NewGateEngine(store, nop)
	require.NoError(t, err)
	idem := idempotency.NewManager(store, clock, time.Hour, 3, nop)
	approvals := policy.NewApprovalEngine(store, clock, fabric, idem, 4*time.Hour, nop)
	conn := &stubConnector{}
	stg := staging.NewPipeline(store, clock, idem, staging.Config{
		QualityThreshold: 70,
		RollbackWindow:   24 * time.Hour,
	}, map[string]staging.Connector{"quickbooks": conn}, nop)
	extractor := &stubExtractor{ext: cleanExtraction()}

	runner := NewRunner(Deps{
		Store:       store,
		Clock:       clock,
		Fabric:      fabric,
		Rules:       rulesEng,
		Lookups:     lookups,
		Exceptions:  exceptions,
		Gates:       gates,
		Approvals:   approvals,
		Staging:     stg,
		Extractor:   extractor,
		Destination: "quickbooks",
		Format:      domain.FormatJSON,
	}, nop)
	runner.Register(fabric)

	return &pipelineHarness{
		store:     store,
		clock:     clock,
		fabric:    fabric,
		runner:    runner,
		extractor: extractor,
		approvals: approvals,
		staging:   stg,
		conn:      conn,
	}
}

func cleanExtraction() *domain.Extraction {
	field := func(v string) domain.Field { return domain.Field{Value: v, Confidence: 0.99} }
	return &domain.Extraction{
		Header: map[string]domain.Field{
			domain.FieldVendorName:    field("ACME Supplies"),
			domain.FieldVendorID:      field("V-100"),
			domain.FieldInvoiceNumber: field("INV-2026-001"),
			domain.FieldInvoiceDate:   field("2026-08-01"),
			domain.FieldDueDate:       field("2026-08-31"),
			domain.FieldCurrency:      field("USD"),
			domain.FieldSubtotal:      field("100.00"),
			domain.FieldTaxAmount:     field("8.00"),
			domain.FieldTotalAmount:   field("108.00"),
		},
		Lines: []domain.Line{{Fields: map[string]domain.Field{
			domain.FieldQuantity:  field("2"),
			domain.FieldUnitPrice: field("50.00"),
			domain.FieldAmount:    field("100.00"),
		}}},
		ParserVersion: "test-1",
	}
}

// receive seeds a received invoice and its first parse job, the state the
// intake front door leaves behind.
func (h *pipelineHarness) receive(t *testing.T) *domain.Invoice {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	inv := &domain.Invoice{
		ID:          ident.NewID(),
		ContentHash: ident.NewID(),
		Submitter:   "alice",
		Source:      domain.SourceUpload,
		StorageRef:  "mem://doc",
		State:       domain.StateReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	require.NoError(t, h.store.CreateInvoice(ctx, inv))
	_, err := h.fabric.Enqueue(ctx, domain.OpParseInvoice, invoicePayload{InvoiceID: inv.ID})
	require.NoError(t, err)
	return inv
}

// drain runs queued jobs to quiescence the way one synchronous worker would.
func (h *pipelineHarness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	handlers := map[string]jobs.Handler{
		domain.OpParseInvoice:      h.runner.handleParse,
		domain.OpValidateInvoice:   h.runner.handleValidate,
		domain.OpAdvanceInvoice:    h.runner.handleAdvance,
		domain.OpStageExport:       h.runner.handleStage,
		domain.OpPostExport:        h.runner.handlePost,
		domain.OpEscalateApprovals: h.runner.handleEscalate,
	}
	queues := []string{domain.QueueProcessing, domain.QueueValidation, domain.QueueExport, domain.QueueMaintenance}
	for pass := 0; pass < 64; pass++ {
		worked := false
		for _, q := range queues {
			for {
				job, err := h.store.LeaseJob(ctx, q, h.clock.Now(), time.Minute, ident.NewID())
				require.NoError(t, err)
				if job == nil {
					break
				}
				worked = true
				require.NoError(t, handlers[job.OpType](ctx, job))
				require.NoError(t, h.store.CompleteJob(ctx, job.ID, job.LeaseToken))
			}
		}
		if !worked {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (h *pipelineHarness) invoiceState(t *testing.T, id string) domain.InvoiceState {
	t.Helper()
	inv, err := h.store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv.State
}

func TestCleanInvoiceRunsToStagedExport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.receive(t)

	h.drain(t)

	assert.Equal(t, domain.StateStaged, h.invoiceState(t, inv.ID))

	verdict, err := h.store.GetValidation(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, verdict.Passed)

	exp, err := h.store.FindStagedExport(ctx, inv.ID, "quickbooks", domain.FormatJSON)
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, domain.ExportPrepared, exp.Status)

	now := h.clock.Now()
	ready, err := h.store.QueryEvents(ctx, domain.EventInvoiceReady, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, ready, 1)
	completed, err := h.store.QueryEvents(ctx, domain.EventValidationCompleted, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestReviewedExportPostsAndFinishesInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.receive(t)
	h.drain(t)

	exp, err := h.store.FindStagedExport(ctx, inv.ID, "quickbooks", domain.FormatJSON)
	require.NoError(t, err)
	require.NotNil(t, exp)

	reviewer := domain.Principal{ID: "manager-1", Level: domain.RoleAPManager}
	_, err = h.staging.Review(ctx, exp.ID, reviewer, true, nil)
	require.NoError(t, err)

	_, err = h.fabric.Enqueue(ctx, domain.OpPostExport, exportPayload{
		ExportID: exp.ID, Principal: reviewer.ID, Level: int(reviewer.Level),
	})
	require.NoError(t, err)
	h.drain(t)

	posted, err := h.store.GetStagedExport(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportPosted, posted.Status)
	assert.NotEmpty(t, posted.ExternalRef)
	assert.Equal(t, 1, h.conn.posted)
	assert.Equal(t, domain.StateDone, h.invoiceState(t, inv.ID))
}

func TestValidationFailureParksInException(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.ext.Header[domain.FieldTotalAmount] = domain.Field{Value: "999.00", Confidence: 0.99}
	inv := h.receive(t)

	h.drain(t)

	assert.Equal(t, domain.StateException, h.invoiceState(t, inv.ID))
	verdict, err := h.store.GetValidation(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, verdict.Passed)

	open, err := h.store.CountOpenExceptions(ctx, inv.ID)
	require.NoError(t, err)
	assert.Positive(t, open)
}

func TestLowConfidencePassStillParks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.ext.Header[domain.FieldDueDate] = domain.Field{Value: "2026-08-31", Confidence: 0.40}
	inv := h.receive(t)

	h.drain(t)

	assert.Equal(t, domain.StateException, h.invoiceState(t, inv.ID))
	excs, err := h.store.ListExceptions(ctx, repository.ExceptionFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, domain.CategoryDataQuality, excs[0].Category)
	// The verdict itself passed; only confidence held the invoice back.
	verdict, err := h.store.GetValidation(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
}

func TestBlockGateRejectsWithAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertPolicyGate(ctx, &domain.PolicyGate{
		ID:        ident.NewID(),
		Name:      "block-large",
		Priority:  10,
		Condition: `amount > 100.0`,
		Action:    domain.GateBlock,
	}))
	inv := h.receive(t)

	h.drain(t)

	assert.Equal(t, domain.StateRejected, h.invoiceState(t, inv.ID))
	audit, err := h.store.ListAudit(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "policy.block", audit[0].Action)
}

func TestRequireApprovalGateWaitsForDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertPolicyGate(ctx, &domain.PolicyGate{
		ID:        ident.NewID(),
		Name:      "manager-signoff",
		Priority:  10,
		Condition: `amount > 100.0`,
		Action:    domain.GateRequireApproval,
	}))
	inv := h.receive(t)

	h.drain(t)

	// The invoice holds in ready until someone decides.
	assert.Equal(t, domain.StateReady, h.invoiceState(t, inv.ID))
	req, err := h.store.FindActiveApprovalRequest(ctx, inv.ID, domain.ApprovalInvoice)
	require.NoError(t, err)
	require.NotNil(t, req)

	manager := domain.Principal{ID: "manager-1", Level: domain.RoleAPManager}
	_, err = h.approvals.Decide(ctx, req.ID, manager, true, "ok")
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, domain.StateStaged, h.invoiceState(t, inv.ID))
}

func TestTerminalParseFailureRejects(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = apperr.InvalidInput("document", "not an invoice")
	inv := h.receive(t)

	h.drain(t)

	assert.Equal(t, domain.StateRejected, h.invoiceState(t, inv.ID))
}

func TestRetryableParseFailureSurfacesToFabric(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.err = apperr.Unavailable("parser down", nil)
	inv := h.receive(t)

	job, err := h.store.LeaseJob(ctx, domain.QueueProcessing, h.clock.Now(), time.Minute, ident.NewID())
	require.NoError(t, err)
	require.NotNil(t, job)

	err = h.runner.handleParse(ctx, job)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	// Nothing moved; the fabric owns the retry.
	assert.Equal(t, domain.StateReceived, h.invoiceState(t, inv.ID))
}

func TestCancelStopsThePipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.receive(t)
	clerk := domain.Principal{ID: "clerk-1", Level: domain.RoleAPClerk}

	require.NoError(t, h.runner.Cancel(ctx, inv.ID, clerk, "submitted twice"))
	assert.Equal(t, domain.StateCancelled, h.invoiceState(t, inv.ID))

	// The queued parse job observes the terminal state and skips.
	h.drain(t)
	assert.Equal(t, 0, h.extractor.calls)

	// Cancelling again is a no-op; a finished invoice conflicts.
	require.NoError(t, h.runner.Cancel(ctx, inv.ID, clerk, "again"))

	audit, err := h.store.ListAudit(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "workflow.cancel", audit[0].Action)
}

func TestCancelFinishedInvoiceConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.receive(t)
	h.drain(t)

	exp, err := h.store.FindStagedExport(ctx, inv.ID, "quickbooks", domain.FormatJSON)
	require.NoError(t, err)
	reviewer := domain.Principal{ID: "manager-1", Level: domain.RoleAPManager}
	_, err = h.staging.Review(ctx, exp.ID, reviewer, true, nil)
	require.NoError(t, err)
	_, err = h.fabric.Enqueue(ctx, domain.OpPostExport, exportPayload{ExportID: exp.ID})
	require.NoError(t, err)
	h.drain(t)
	require.Equal(t, domain.StateDone, h.invoiceState(t, inv.ID))

	err = h.runner.Cancel(ctx, inv.ID, reviewer, "too late")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}
