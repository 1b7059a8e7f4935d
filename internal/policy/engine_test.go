package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/jit"
)

func testRequest() *domain.JITFundingRequest {
	return &domain.JITFundingRequest{
		TransactionAmount:  decimal.RequireFromString("80.00"),
		TransactionDate:    time.Date(2024, 1, 5, 14, 0, 0, 0, time.UTC),
		TransactionType:    "AUTHORIZATION",
		TransactionState:   "UT",
		StoreAddressState:  "UT",
		LeaseStatus:        "Approved",
		UseStateValidation: true,
	}
}

func testCard() *domain.VirtualCard {
	return &domain.VirtualCard{
		Status:                 domain.CardStatusOpen,
		AvailableBalance:       decimal.RequireFromString("100.00"),
		OriginalCardBaseAmount: decimal.RequireFromString("100.00"),
		ActiveToDate:           time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func policy(id, expr string, reason domain.DeclineReason) *domain.PolicyRule {
	return &domain.PolicyRule{
		ID:            id,
		Name:          id,
		Expression:    expr,
		DeclineReason: reason,
		Enabled:       true,
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.Count() != 0 {
		t.Errorf("expected 0 policies, got %d", engine.Count())
	}
	if engine.Name() != "Policy" {
		t.Errorf("expected name Policy, got %s", engine.Name())
	}

	var _ jit.Rule = engine
}

func TestEngineApprovesWithoutPolicies(t *testing.T) {
	engine, _ := NewEngine()
	if got := engine.Execute(testRequest(), testCard()); !got.Approved {
		t.Errorf("expected approve, got %+v", got)
	}
}

func TestValidate(t *testing.T) {
	engine, _ := NewEngine()

	tests := []struct {
		name    string
		policy  *domain.PolicyRule
		wantErr bool
	}{
		{"valid", policy("p-1", "amount > 50.0", domain.DeclineAmountTooHigh), false},
		{"nil", nil, true},
		{"missing id", policy("", "amount > 50.0", domain.DeclineAmountTooHigh), true},
		{"syntax error", policy("p-2", "this is not valid CEL !!!", domain.DeclineAmountTooHigh), true},
		{"non-bool", policy("p-3", "amount * 2.0", domain.DeclineAmountTooHigh), true},
		{"unknown variable", policy("p-4", "velocity_count > 3", domain.DeclineAmountTooHigh), true},
		{"none reason", policy("p-5", "amount > 50.0", domain.DeclineNone), true},
		{"unknown reason", policy("p-6", "amount > 50.0", domain.DeclineReason(42)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate(tt.policy)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}

	if engine.Count() != 0 {
		t.Errorf("validate must not load policies, got %d", engine.Count())
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		reason   domain.DeclineReason
		expected domain.JITDecision
	}{
		{"amount over threshold", "amount > 75.0", domain.DeclineAmountTooHigh, domain.Decline(domain.DeclineAmountTooHigh)},
		{"amount under threshold", "amount > 500.0", domain.DeclineAmountTooHigh, domain.Approve()},
		{"state list", "transaction_state in ['NY', 'CA']", domain.DeclineStateMismatch, domain.Approve()},
		{"card status name", "card_status == 'Open' && amount > 0.7 * available_balance", domain.DeclineAmountMismatch, domain.Decline(domain.DeclineAmountMismatch)},
		{"night hours", "hour_utc < 6", domain.DeclineInvalidTransactionType, domain.Approve()},
		{"min amount flag", "min_amount_required", domain.DeclineAmountMismatch, domain.Approve()},
		{"cents at boundary", "amount_cents > 8000", domain.DeclineAmountTooHigh, domain.Approve()},
		{"cents exact match", "amount_cents == 8000 && available_balance_cents == 10000", domain.DeclineAmountTooHigh, domain.Decline(domain.DeclineAmountTooHigh)},
		{"runtime error fails closed", "hour_utc / 0 > 1", domain.DeclineStateMissing, domain.Decline(domain.DeclineStateMissing)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := NewEngine()
			if err := engine.Load(policy("p-1", tt.expr, tt.reason)); err != nil {
				t.Fatalf("failed to load policy: %v", err)
			}
			if got := engine.Execute(testRequest(), testCard()); got != tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, got)
			}
		})
	}
}

func TestCentsAreExact(t *testing.T) {
	engine, _ := NewEngine()
	if err := engine.Load(policy("p-1", "amount_cents > 10010", domain.DeclineAmountTooHigh)); err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}

	tests := []struct {
		amount   string
		approved bool
	}{
		{"100.10", true},
		{"100.1", true},
		{"100.11", false},
		{"100.104", true},
		{"100.105", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			req := testRequest()
			req.TransactionAmount = decimal.RequireFromString(tt.amount)
			if got := engine.Execute(req, testCard()); got.Approved != tt.approved {
				t.Errorf("amount %s: expected approved=%v, got %+v", tt.amount, tt.approved, got)
			}
		})
	}
}

func TestExecuteOrder(t *testing.T) {
	engine, _ := NewEngine()

	// Loaded out of order; evaluation follows ID order.
	engine.Load(policy("b-state", "store_state == 'UT'", domain.DeclineStateMismatch))
	engine.Load(policy("a-amount", "amount > 10.0", domain.DeclineAmountTooHigh))

	got := engine.Execute(testRequest(), testCard())
	if got.DeclineReason != domain.DeclineAmountTooHigh {
		t.Errorf("expected first policy by ID to decline, got %s", got.DeclineReason)
	}

	loaded := engine.Loaded()
	if len(loaded) != 2 || loaded[0].ID != "a-amount" || loaded[1].ID != "b-state" {
		t.Errorf("unexpected load order: %v", loaded)
	}
}

func TestLoadReplacesAndDisables(t *testing.T) {
	engine, _ := NewEngine()

	engine.Load(policy("p-1", "amount > 10.0", domain.DeclineAmountTooHigh))
	engine.Load(policy("p-1", "amount > 1000.0", domain.DeclineAmountTooHigh))

	if engine.Count() != 1 {
		t.Fatalf("expected 1 policy, got %d", engine.Count())
	}
	if got := engine.Execute(testRequest(), testCard()); !got.Approved {
		t.Errorf("expected replaced policy to approve, got %+v", got)
	}

	disabled := policy("p-1", "amount > 10.0", domain.DeclineAmountTooHigh)
	disabled.Enabled = false
	if err := engine.Load(disabled); err != nil {
		t.Fatalf("failed to load disabled policy: %v", err)
	}
	if engine.Count() != 0 {
		t.Errorf("expected disabled policy removed, got %d", engine.Count())
	}
}

func TestReload(t *testing.T) {
	engine, _ := NewEngine()
	engine.Load(policy("old", "amount > 10.0", domain.DeclineAmountTooHigh))

	disabled := policy("off", "true", domain.DeclineAmountTooHigh)
	disabled.Enabled = false

	skipped := engine.Reload([]*domain.PolicyRule{
		policy("new", "amount > 1000.0", domain.DeclineAmountTooHigh),
		disabled,
	})
	if len(skipped) != 0 {
		t.Fatalf("expected nothing skipped, got %v", skipped)
	}
	if engine.Count() != 1 || engine.Loaded()[0].ID != "new" {
		t.Errorf("expected only 'new' loaded, got %v", engine.Loaded())
	}

	t.Run("InvalidIsSkipped", func(t *testing.T) {
		skipped := engine.Reload([]*domain.PolicyRule{
			policy("broken", "amount >", domain.DeclineAmountTooHigh),
			policy("cap", "amount > 500.0", domain.DeclineAmountTooHigh),
		})
		if _, ok := skipped["broken"]; !ok || len(skipped) != 1 {
			t.Fatalf("expected only 'broken' skipped, got %v", skipped)
		}
		if engine.Count() != 1 || engine.Loaded()[0].ID != "cap" {
			t.Errorf("expected only 'cap' loaded, got %v", engine.Loaded())
		}
	})
}

func TestEngineInChain(t *testing.T) {
	engine, _ := NewEngine()
	engine.Load(policy("p-1", "amount > 75.0", domain.DeclineAmountTooHigh))

	evaluator := jit.NewEvaluator(engine)

	t.Run("built-ins decline first", func(t *testing.T) {
		req := testRequest()
		req.TransactionType = "REFUND"
		if got := evaluator.EvaluateJitFunding(req, testCard()); got.DeclineReason != domain.DeclineInvalidTransactionType {
			t.Errorf("expected InvalidTransactionType, got %s", got.DeclineReason)
		}
	})

	t.Run("policy declines after built-ins approve", func(t *testing.T) {
		if got := evaluator.EvaluateJitFunding(testRequest(), testCard()); got.DeclineReason != domain.DeclineAmountTooHigh {
			t.Errorf("expected AmountTooHigh, got %s", got.DeclineReason)
		}
	})
}

func TestConcurrentExecuteAndReload(t *testing.T) {
	engine, _ := NewEngine()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			got := engine.Execute(testRequest(), testCard())
			if !got.Valid() {
				t.Errorf("invalid decision: %+v", got)
			}
		}()
		go func() {
			defer wg.Done()
			engine.Reload([]*domain.PolicyRule{policy("p-1", "amount > 75.0", domain.DeclineAmountTooHigh)})
		}()
	}
	wg.Wait()
}
