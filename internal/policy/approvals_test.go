package policy

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
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

type recordingEnqueuer struct {
	ops []string
}

func (r *recordingEnqueuer) EnqueueOn(ctx context.Context, st repository.Store, opType string, v any) (string, error) {
	r.ops = append(r.ops, opType)
	return ident.NewID(), nil
}

var (
	apManager  = domain.Principal{ID: "manager-1", Level: domain.RoleAPManager}
	controller = domain.Principal{ID: "controller-1", Level: domain.RoleController}
	apClerk    = domain.Principal{ID: "clerk-1", Level: domain.RoleAPClerk}
)

func newApprovalEngine(t *testing.T) (*ApprovalEngine, *memstore.Mem, *recordingEnqueuer, *ident.FakeClock) {
	t.Helper()
	store := memstore.New()
	clock := ident.NewFakeClock(time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC))
	enq := &recordingEnqueuer{}
	idem := idempotency.NewManager(store, clock, time.Hour, 3, zerolog.Nop())
	a := NewApprovalEngine(store, clock, enq, idem, 4*time.Hour, zerolog.Nop())
	return a, store, enq, clock
}

func readyInvoice(t *testing.T, store *memstore.Mem) *domain.Invoice {
	t.Helper()
	inv := &domain.Invoice{
		ID:          ident.NewID(),
		ContentHash: ident.NewID(),
		Submitter:   "alice",
		Source:      domain.SourceUpload,
		State:       domain.StateReady,
		Version:     1,
	}
	require.NoError(t, store.CreateInvoice(context.Background(), inv))
	return inv
}

func twoStepChain() []domain.GateStep {
	return []domain.GateStep{
		{RequiredRoleLevel: domain.RoleAPManager},
		{RequiredRoleLevel: domain.RoleController},
	}
}

func openRequest(t *testing.T, a *ApprovalEngine, store *memstore.Mem, inv *domain.Invoice) *domain.ApprovalRequest {
	t.Helper()
	r, err := a.Open(context.Background(), store, inv.ID, domain.ApprovalInvoice, twoStepChain(), 10)
	require.NoError(t, err)
	return r
}

func TestOpenIsIdempotentPerSubject(t *testing.T) {
	a, store, _, _ := newApprovalEngine(t)
	inv := readyInvoice(t, store)

	first := openRequest(t, a, store, inv)
	second := openRequest(t, a, store, inv)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, first.Steps, 2)
	assert.Equal(t, 0, first.Steps[0].Index)
	require.NotNil(t, first.Steps[0].DueAt)
	require.NotNil(t, first.Steps[1].DueAt)
	assert.True(t, first.Steps[0].DueAt.Before(*first.Steps[1].DueAt))
}

func TestOrderedChainApprovesAndAdvancesInvoice(t *testing.T) {
	a, store, enq, _ := newApprovalEngine(t)
	ctx := context.Background()
	inv := readyInvoice(t, store)
	r := openRequest(t, a, store, inv)

	// Eligibility is a role floor; a clerk below it cannot act on step 0.
	_, err := a.Decide(ctx, r.ID, apClerk, true, "")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	mid, err := a.Decide(ctx, r.ID, apManager, true, "looks right")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, mid.State)
	assert.Equal(t, 1, mid.CurrentStep())

	final, err := a.Decide(ctx, r.ID, controller, true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, final.State)

	got, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, got.State)
	require.Len(t, enq.ops, 1)
	assert.Equal(t, domain.OpAdvanceInvoice, enq.ops[0])

	decisions, err := a.Decisions(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

func TestDecisionKeyCollapsesDoubleSubmit(t *testing.T) {
	a, store, _, clock := newApprovalEngine(t)
	ctx := context.Background()
	inv := readyInvoice(t, store)
	r := openRequest(t, a, store, inv)

	// A completed record under the (request, step, actor) key means the
	// decision already ran; the resubmission must not write a second one.
	now := clock.Now()
	require.NoError(t, store.InsertIdempotencyRecord(ctx, &domain.IdempotencyRecord{
		Key: idempotency.DecisionKey(r.ID, 0, apManager.ID), OpType: "approval.decide",
		State: domain.IdemCompleted, Result: []byte(r.ID),
		Attempts: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour), Version: 1,
	}))

	out, err := a.Decide(ctx, r.ID, apManager, true, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, out.State)

	decisions, err := a.Decisions(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestRejectionShortCircuits(t *testing.T) {
	a, store, enq, _ := newApprovalEngine(t)
	ctx := context.Background()
	inv := readyInvoice(t, store)
	r := openRequest(t, a, store, inv)

	final, err := a.Decide(ctx, r.ID, apManager, false, "wrong cost center")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, final.State)

	got, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, got.State)
	assert.Empty(t, enq.ops)

	// The settled request takes no further decisions.
	_, err = a.Decide(ctx, r.ID, controller, true, "")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestDelegationNeverDescends(t *testing.T) {
	a, store, _, _ := newApprovalEngine(t)
	ctx := context.Background()
	inv := readyInvoice(t, store)
	r := openRequest(t, a, store, inv)

	err := a.Delegate(ctx, r.ID, apManager, apClerk, "")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	require.NoError(t, a.Delegate(ctx, r.ID, apManager, controller, "on leave"))

	// Once delegated, only the delegate may act, even at a higher level.
	cfo := domain.Principal{ID: "cfo-1", Level: domain.RoleCFO}
	_, err = a.Decide(ctx, r.ID, cfo, true, "")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	mid, err := a.Decide(ctx, r.ID, controller, true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, mid.State)
	assert.Equal(t, domain.StepApproved, mid.Steps[0].Status)
}

func TestPendingForIncludesDelegations(t *testing.T) {
	a, store, _, _ := newApprovalEngine(t)
	ctx := context.Background()
	inv := readyInvoice(t, store)
	r := openRequest(t, a, store, inv)

	require.NoError(t, a.Delegate(ctx, r.ID, apManager, controller, ""))

	steps, err := a.PendingFor(ctx, controller.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, r.ID, steps[0].RequestID)
}

func TestEscalateOverdueBumpsRoleLevel(t *testing.T) {
	a, store, _, clock := newApprovalEngine(t)
	ctx := context.Background()
	inv := readyInvoice(t, store)
	r := openRequest(t, a, store, inv)

	n, err := a.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(5 * time.Hour)
	n, err = a.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fresh, err := store.GetApprovalRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleController, fresh.Steps[0].RequiredRoleLevel)
	assert.True(t, fresh.Steps[0].DueAt.After(clock.Now()))

	// Repeated escalation caps at CFO.
	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Hour)
		_, err = a.EscalateOverdue(ctx)
		require.NoError(t, err)
	}
	fresh, err = store.GetApprovalRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCFO, fresh.Steps[0].RequiredRoleLevel)
}

func TestRecallRequiresManagerAndCancels(t *testing.T) {
	a, store, _, _ := newApprovalEngine(t)
	ctx := context.Background()
	inv := readyInvoice(t, store)
	r := openRequest(t, a, store, inv)

	err := a.Recall(ctx, r.ID, apClerk)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	require.NoError(t, a.Recall(ctx, r.ID, apManager))
	fresh, err := store.GetApprovalRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalCancelled, fresh.State)

	// The subject stays where it was.
	got, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, got.State)
}

func TestOpenRejectsEmptyChain(t *testing.T) {
	a, store, _, _ := newApprovalEngine(t)
	inv := readyInvoice(t, store)

	_, err := a.Open(context.Background(), store, inv.ID, domain.ApprovalInvoice, nil, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalid))
}
