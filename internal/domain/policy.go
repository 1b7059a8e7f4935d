package domain

import "time"

// PolicyRule is an operator-defined CEL rule evaluated after the built-in
// JIT rules. The expression must return bool; true declines the request.
//
// Money is exposed twice. amount, available_balance, original_base_amount,
// max_amount_less and max_amount_greater are float64, so a literal such as
// 100.10 compares as a binary float. The matching *_cents variables are
// int64 whole cents and compare exactly: prefer amount_cents > 10010 over
// amount > 100.10 when the boundary matters.
type PolicyRule struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Expression    string        `json:"expression"`
	DeclineReason DeclineReason `json:"declineReason"`
	Enabled       bool          `json:"enabled"`
	CreatedAt     time.Time     `json:"createdAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt,omitempty"`
}
