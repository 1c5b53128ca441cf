// Package policy decides what happens to an invoice after validation:
// CEL-evaluated gates choose allow, require_approval, block or flag, and
// the approval engine runs the multi-step chains the gates open.
package policy

import (
	"context"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Attributes is the evaluation input a gate condition sees. The named
// predicate fields (is_duplicate, new_vendor, unusual_variance) are
// precomputed by the workflow from the validation verdict.
type Attributes struct {
	Amount           float64
	Currency         string
	VendorID         string
	VendorName       string
	Submitter        string
	Source           string
	LineCount        int
	MinConfidence    float64
	HasPO            bool
	IsDuplicate      bool
	NewVendor        bool
	UnusualVariance  bool
}

func (a Attributes) activation() map[string]any {
	return map[string]any{
		"amount":           a.Amount,
		"currency":         a.Currency,
		"vendor_id":        a.VendorID,
		"vendor_name":      a.VendorName,
		"submitter":        a.Submitter,
		"source":           a.Source,
		"line_count":       a.LineCount,
		"min_confidence":   a.MinConfidence,
		"has_po":           a.HasPO,
		"is_duplicate":     a.IsDuplicate,
		"new_vendor":       a.NewVendor,
		"unusual_variance": a.UnusualVariance,
	}
}

// Decision is the outcome of evaluating the gate list.
type Decision struct {
	Action domain.GateAction
	Gate   *domain.PolicyGate // nil on the default allow
}

// GateEngine compiles and evaluates gate conditions. Programs are cached
// per expression; a gate edit with a new condition recompiles naturally.
type GateEngine struct {
	store repository.Store
	env   *cel.Env
	log   zerolog.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewGateEngine(store repository.Store, log zerolog.Logger) (*GateEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("vendor_id", cel.StringType),
		cel.Variable("vendor_name", cel.StringType),
		cel.Variable("submitter", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("line_count", cel.IntType),
		cel.Variable("min_confidence", cel.DoubleType),
		cel.Variable("has_po", cel.BoolType),
		cel.Variable("is_duplicate", cel.BoolType),
		cel.Variable("new_vendor", cel.BoolType),
		cel.Variable("unusual_variance", cel.BoolType),
	)
	if err != nil {
		return nil, apperr.Internal("failed to build policy environment", err)
	}
	return &GateEngine{
		store:    store,
		env:      env,
		log:      log.With().Str("component", "policy").Logger(),
		programs: make(map[string]cel.Program),
	}, nil
}

// Decide evaluates the stored gates in ascending priority order; the first
// match wins and the default is allow. A gate whose condition fails to
// compile or evaluate is skipped so one bad rule never wedges the pipeline.
func (g *GateEngine) Decide(ctx context.Context, attrs Attributes) (Decision, error) {
	gates, err := g.store.ListPolicyGates(ctx)
	if err != nil {
		return Decision{}, err
	}
	input := attrs.activation()
	for _, gate := range gates {
		matched, err := g.evaluate(gate.Condition, input)
		if err != nil {
			g.log.Warn().Err(err).Str("gate", gate.Name).Msg("gate condition skipped")
			continue
		}
		if matched {
			return Decision{Action: gate.Action, Gate: gate}, nil
		}
	}
	return Decision{Action: domain.GateAllow}, nil
}

func (g *GateEngine) evaluate(expr string, input map[string]any) (bool, error) {
	g.mu.RLock()
	prg, hit := g.programs[expr]
	g.mu.RUnlock()

	if !hit {
		g.mu.Lock()
		if prg, hit = g.programs[expr]; !hit {
			ast, issues := g.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				g.mu.Unlock()
				return false, apperr.Wrap(issues.Err(), apperr.KindInvalid, "condition does not compile")
			}
			p, err := g.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				g.mu.Unlock()
				return false, apperr.Internal("failed to plan condition", err)
			}
			g.programs[expr] = p
			prg = p
		}
		g.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindInvalid, "condition evaluation failed")
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, apperr.New(apperr.KindInvalid, "non_boolean", "condition did not yield a boolean")
	}
	return matched, nil
}

// ValidateCondition compiles an expression without evaluating it; gate
// upserts call this so malformed rules are rejected at write time.
func (g *GateEngine) ValidateCondition(expr string) error {
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return apperr.Wrap(issues.Err(), apperr.KindInvalid, "condition does not compile")
	}
	if _, err := g.env.Program(ast); err != nil {
		return apperr.Internal("failed to plan condition", err)
	}
	return nil
}
