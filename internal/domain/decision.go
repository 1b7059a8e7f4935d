package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionLog is the flat audit record written for every JIT decision.
// It mirrors the request, the card snapshot and the decision.
type DecisionLog struct {
	ID                       string `json:"id"`
	LeaseID                  string `json:"leaseId"`
	ProviderID               string `json:"providerId"`
	ProviderCardID           string `json:"providerCardId"`
	ProviderTransactionToken string `json:"providerTransactionToken,omitempty"`

	// Request
	TransactionAmount   decimal.Decimal `json:"transactionAmount"`
	TransactionDate     time.Time       `json:"transactionDate"`
	TransactionType     string          `json:"transactionType"`
	TransactionState    string          `json:"transactionState"`
	StoreAddressState   string          `json:"storeAddressState"`
	LeaseStatus         string          `json:"leaseStatus"`
	IsMinAmountRequired bool            `json:"isMinAmountRequired"`
	UseStateValidation  bool            `json:"useStateValidation"`

	// Card snapshot
	CardStatus             CardStatus      `json:"cardStatus"`
	AvailableBalance       decimal.Decimal `json:"availableBalance"`
	OriginalCardBaseAmount decimal.Decimal `json:"originalCardBaseAmount"`
	MaxAmountLess          decimal.Decimal `json:"maxAmountLess"`
	MaxAmountGreater       decimal.Decimal `json:"maxAmountGreater"`
	ActiveToDate           time.Time       `json:"activeToDate"`

	// Decision
	Approved       bool          `json:"approved"`
	DeclineReason  DeclineReason `json:"declineReason"`
	DeclineMessage string        `json:"declineMessage,omitempty"`

	TraceID    string    `json:"traceId,omitempty"`
	DecisionMs int64     `json:"decisionMs"`
	CreatedAt  time.Time `json:"createdAt"`

	// Replayed is set when the decision was served from the idempotency cache.
	Replayed bool `json:"replayed,omitempty"`
}

// Decision returns the decision carried by the log record.
func (l *DecisionLog) Decision() JITDecision {
	return JITDecision{Approved: l.Approved, DeclineReason: l.DeclineReason}
}

// JITFundingResponse is the API response for a JIT funding decision.
type JITFundingResponse struct {
	DecisionID     string        `json:"decisionId"`
	Approved       bool          `json:"approved"`
	DeclineReason  DeclineReason `json:"declineReason"`
	DeclineMessage string        `json:"declineMessage,omitempty"`
	Replayed       bool          `json:"replayed,omitempty"`
	Metadata       struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// ToResponse converts a decision log to an API response.
func (l *DecisionLog) ToResponse() *JITFundingResponse {
	resp := &JITFundingResponse{
		DecisionID:     l.ID,
		Approved:       l.Approved,
		DeclineReason:  l.DeclineReason,
		DeclineMessage: l.DeclineMessage,
		Replayed:       l.Replayed,
	}
	resp.Metadata.TraceID = l.TraceID
	return resp
}
