package jit

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultRules returns the built-in rules in evaluation order. The order
// decides which reason is reported when several rules would decline.
func DefaultRules() []Rule {
	return []Rule{
		ActiveToDateRule{},
		TransactionTypeRule{},
		CardStatusRule{},
		FundedRule{},
		StateRule{},
		AvailableBalanceRule{},
	}
}

// Evaluator runs a fixed, ordered rule chain and stops at the first decline.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	rules []Rule
}

// NewEvaluator creates an evaluator with the built-in rules followed by extra.
func NewEvaluator(extra ...Rule) *Evaluator {
	rules := DefaultRules()
	for _, r := range extra {
		if r != nil {
			rules = append(rules, r)
		}
	}
	return &Evaluator{rules: rules}
}

// EvaluateJitFunding returns the first declining decision in chain order,
// or an approval when every rule approves.
func (e *Evaluator) EvaluateJitFunding(req *domain.JITFundingRequest, card *domain.VirtualCard) domain.JITDecision {
	decision, _ := e.evaluate(req, card)
	return decision
}

// EvaluateTrace is EvaluateJitFunding that also reports how many rules ran.
func (e *Evaluator) EvaluateTrace(req *domain.JITFundingRequest, card *domain.VirtualCard) (domain.JITDecision, int) {
	return e.evaluate(req, card)
}

func (e *Evaluator) evaluate(req *domain.JITFundingRequest, card *domain.VirtualCard) (domain.JITDecision, int) {
	for i, rule := range e.rules {
		if d := rule.Execute(req, card); !d.Approved {
			return d, i + 1
		}
	}
	return domain.Approve(), len(e.rules)
}

// Rules returns rule names in evaluation order.
func (e *Evaluator) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}
