// Package policy provides the CEL-Go based policy rules evaluated after
// the built-in JIT funding rules.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates operator-defined CEL policies. It satisfies jit.Rule so it
// can be appended to the decision chain.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*CompiledPolicy
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Config  *domain.PolicyRule
	Program cel.Program
}

// NewEngine creates a new policy engine with no policies loaded.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("available_balance", cel.DoubleType),
		cel.Variable("original_base_amount", cel.DoubleType),
		cel.Variable("max_amount_less", cel.DoubleType),
		cel.Variable("max_amount_greater", cel.DoubleType),
		cel.Variable("amount_cents", cel.IntType),
		cel.Variable("available_balance_cents", cel.IntType),
		cel.Variable("original_base_amount_cents", cel.IntType),
		cel.Variable("max_amount_less_cents", cel.IntType),
		cel.Variable("max_amount_greater_cents", cel.IntType),
		cel.Variable("transaction_type", cel.StringType),
		cel.Variable("transaction_state", cel.StringType),
		cel.Variable("store_state", cel.StringType),
		cel.Variable("lease_status", cel.StringType),
		cel.Variable("card_status", cel.StringType),
		cel.Variable("min_amount_required", cel.BoolType),
		cel.Variable("hour_utc", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Name implements jit.Rule.
func (e *Engine) Name() string { return "Policy" }

// Validate compiles a policy without loading it.
func (e *Engine) Validate(p *domain.PolicyRule) error {
	if p == nil {
		return fmt.Errorf("policy is required")
	}
	_, err := e.compile(p)
	return err
}

// Load compiles and adds a policy, replacing any loaded policy with the same
// ID. Disabled policies are removed.
func (e *Engine) Load(p *domain.PolicyRule) error {
	var compiled *CompiledPolicy
	if p.Enabled {
		var err error
		compiled, err = e.compile(p)
		if err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]*CompiledPolicy, 0, len(e.compiled)+1)
	for _, c := range e.compiled {
		if c.Config.ID != p.ID {
			next = append(next, c)
		}
	}
	if compiled != nil {
		next = append(next, compiled)
	}
	sortByID(next)
	e.compiled = next
	return nil
}

// Reload replaces all loaded policies with the enabled ones in policies.
// A policy that fails to compile is skipped and returned keyed by ID; the
// rest still load.
func (e *Engine) Reload(policies []*domain.PolicyRule) map[string]error {
	var skipped map[string]error
	next := make([]*CompiledPolicy, 0, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		compiled, err := e.compile(p)
		if err != nil {
			if skipped == nil {
				skipped = make(map[string]error)
			}
			skipped[p.ID] = err
			continue
		}
		next = append(next, compiled)
	}
	sortByID(next)

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return skipped
}

// Loaded returns the active policies in evaluation order.
func (e *Engine) Loaded() []*domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.PolicyRule, len(e.compiled))
	for i, c := range e.compiled {
		out[i] = c.Config
	}
	return out
}

// Count returns the number of active policies.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Execute implements jit.Rule. Policies run in ID order and the first one
// whose expression is true declines with its configured reason. A policy
// that fails to evaluate also declines.
func (e *Engine) Execute(req *domain.JITFundingRequest, card *domain.VirtualCard) domain.JITDecision {
	e.mu.RLock()
	policies := e.compiled
	e.mu.RUnlock()

	if len(policies) == 0 {
		return domain.Approve()
	}

	activation := map[string]any{
		"amount":               req.TransactionAmount.InexactFloat64(),
		"available_balance":    card.AvailableBalance.InexactFloat64(),
		"original_base_amount": card.OriginalCardBaseAmount.InexactFloat64(),
		"max_amount_less":      card.MaxAmountLess.InexactFloat64(),
		"max_amount_greater":   card.MaxAmountGreater.InexactFloat64(),

		"amount_cents":               cents(req.TransactionAmount),
		"available_balance_cents":    cents(card.AvailableBalance),
		"original_base_amount_cents": cents(card.OriginalCardBaseAmount),
		"max_amount_less_cents":      cents(card.MaxAmountLess),
		"max_amount_greater_cents":   cents(card.MaxAmountGreater),

		"transaction_type":     req.TransactionType,
		"transaction_state":    req.TransactionState,
		"store_state":          req.StoreAddressState,
		"lease_status":         req.LeaseStatus,
		"card_status":          card.Status.String(),
		"min_amount_required":  req.IsMinAmountRequired,
		"hour_utc":             int64(req.TransactionDate.UTC().Hour()),
	}

	for _, p := range policies {
		out, _, err := p.Program.Eval(activation)
		if err != nil {
			return domain.Decline(p.Config.DeclineReason)
		}
		if hit, ok := out.(types.Bool); !ok || bool(hit) {
			return domain.Decline(p.Config.DeclineReason)
		}
	}
	return domain.Approve()
}

func (e *Engine) compile(p *domain.PolicyRule) (*CompiledPolicy, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("policy id is required")
	}
	if p.DeclineReason == domain.DeclineNone || !p.DeclineReason.IsKnown() {
		return nil, fmt.Errorf("policy %s: decline reason must be a known reason other than None", p.ID)
	}

	ast, issues := e.env.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", p.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", p.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", p.ID, err)
	}

	return &CompiledPolicy{Config: p, Program: program}, nil
}

// cents converts a currency amount to whole cents, rounding half away from zero.
func cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func sortByID(c []*CompiledPolicy) {
	sort.Slice(c, func(i, j int) bool { return c[i].Config.ID < c[j].Config.ID })
}
