package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
)

func newGateEngine(t *testing.T) (*GateEngine, *memstore.Mem) {
	t.Helper()
	store := memstore.New()
	g, err := NewGateEngine(store, zerolog.Nop())
	require.NoError(t, err)
	return g, store
}

func putGate(t *testing.T, store *memstore.Mem, name string, priority int, condition string, action domain.GateAction) {
	t.Helper()
	require.NoError(t, store.UpsertPolicyGate(context.Background(), &domain.PolicyGate{
		ID:        ident.NewID(),
		Name:      name,
		Priority:  priority,
		Condition: condition,
		Action:    action,
	}))
}

func TestDecideDefaultIsAllow(t *testing.T) {
	g, _ := newGateEngine(t)

	d, err := g.Decide(context.Background(), Attributes{Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, domain.GateAllow, d.Action)
	assert.Nil(t, d.Gate)
}

func TestDecideFirstMatchByPriorityWins(t *testing.T) {
	g, store := newGateEngine(t)
	putGate(t, store, "large-amount", 20, `amount > 1000.0`, domain.GateRequireApproval)
	putGate(t, store, "duplicate-block", 10, `is_duplicate`, domain.GateBlock)

	d, err := g.Decide(context.Background(), Attributes{Amount: 5000, IsDuplicate: true})
	require.NoError(t, err)
	assert.Equal(t, domain.GateBlock, d.Action)
	require.NotNil(t, d.Gate)
	assert.Equal(t, "duplicate-block", d.Gate.Name)
}

func TestDecideTypedVariables(t *testing.T) {
	g, store := newGateEngine(t)
	putGate(t, store, "risky-new-vendor", 10,
		`new_vendor && amount > 500.0 && currency == "USD" && line_count >= 1 && min_confidence < 0.9 && !has_po`,
		domain.GateRequireApproval)

	d, err := g.Decide(context.Background(), Attributes{
		Amount: 750, Currency: "USD", LineCount: 3,
		MinConfidence: 0.8, NewVendor: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.GateRequireApproval, d.Action)

	d, err = g.Decide(context.Background(), Attributes{
		Amount: 750, Currency: "USD", LineCount: 3,
		MinConfidence: 0.8, NewVendor: true, HasPO: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.GateAllow, d.Action)
}

func TestDecideSkipsBrokenGate(t *testing.T) {
	g, store := newGateEngine(t)
	putGate(t, store, "broken", 10, `amount >`, domain.GateBlock)
	putGate(t, store, "flag-variance", 20, `unusual_variance`, domain.GateFlag)

	d, err := g.Decide(context.Background(), Attributes{UnusualVariance: true})
	require.NoError(t, err)
	assert.Equal(t, domain.GateFlag, d.Action)
}

func TestValidateCondition(t *testing.T) {
	g, _ := newGateEngine(t)

	require.NoError(t, g.ValidateCondition(`amount > 10000.0 || is_duplicate`))

	err := g.ValidateCondition(`amount >`)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalid))

	// Unknown identifiers fail compilation too.
	err = g.ValidateCondition(`totally_unknown_field == 1`)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalid))
}

func TestProgramCacheReuse(t *testing.T) {
	g, store := newGateEngine(t)
	putGate(t, store, "large-amount", 10, `amount > 1000.0`, domain.GateRequireApproval)

	for i := 0; i < 3; i++ {
		_, err := g.Decide(context.Background(), Attributes{Amount: 2000})
		require.NoError(t, err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	assert.Len(t, g.programs, 1)
}
