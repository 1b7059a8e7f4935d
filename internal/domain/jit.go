package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionTypeAuthorization is the only transaction type JIT funding approves.
const TransactionTypeAuthorization = "AUTHORIZATION"

// LeaseStatusFunded marks a lease that has already been funded.
const LeaseStatusFunded = "FUNDED"

// JITFundingInput is an incoming authorization as received from the card
// network. It is enriched with card and lease data before evaluation.
type JITFundingInput struct {
	LeaseID                  string          `json:"leaseId"`
	ProviderCardID           string          `json:"providerCardId"`
	ProviderTransactionToken string          `json:"providerTransactionToken,omitempty"`
	TransactionAmount        decimal.Decimal `json:"transactionAmount"`
	TransactionDate          time.Time       `json:"transactionDate"`
	TransactionType          string          `json:"transactionType"`
	TransactionState         string          `json:"transactionState,omitempty"`
	TraceID                  string          `json:"traceId,omitempty"`
}

// JITFundingRequest is the immutable input to one rule chain evaluation.
type JITFundingRequest struct {
	TransactionAmount   decimal.Decimal
	TransactionDate     time.Time
	TransactionType     string
	TransactionState    string
	StoreAddressState   string
	LeaseStatus         string
	IsMinAmountRequired bool
	UseStateValidation  bool
}

// DeclineReason explains why a JIT funding request was not approved.
// Numeric values are stored in the decision log and must stay stable.
type DeclineReason int

const (
	DeclineNone                   DeclineReason = 0
	DeclineCardExpired            DeclineReason = 1
	DeclineAmountMismatch         DeclineReason = 2
	DeclineAmountTooHigh          DeclineReason = 3
	DeclineInvalidCardStatus      DeclineReason = 4
	DeclineInvalidTransactionType DeclineReason = 5
	DeclineLeaseAlreadyFunded     DeclineReason = 6
	DeclineStateMismatch          DeclineReason = 7
	DeclineStateMissing           DeclineReason = 8
	DeclinePreviouslyAuthorized   DeclineReason = 9
)

// DeclineReasons lists every reason, None first.
var DeclineReasons = []DeclineReason{
	DeclineNone,
	DeclineCardExpired,
	DeclineAmountMismatch,
	DeclineAmountTooHigh,
	DeclineInvalidCardStatus,
	DeclineInvalidTransactionType,
	DeclineLeaseAlreadyFunded,
	DeclineStateMismatch,
	DeclineStateMissing,
	DeclinePreviouslyAuthorized,
}

var declineReasonNames = map[DeclineReason]string{
	DeclineNone:                   "None",
	DeclineCardExpired:            "CardExpired",
	DeclineAmountMismatch:         "AmountMismatch",
	DeclineAmountTooHigh:          "AmountTooHigh",
	DeclineInvalidCardStatus:      "InvalidCardStatus",
	DeclineInvalidTransactionType: "InvalidTransactionType",
	DeclineLeaseAlreadyFunded:     "LeaseAlreadyFunded",
	DeclineStateMismatch:          "StateMismatch",
	DeclineStateMissing:           "StateMissing",
	DeclinePreviouslyAuthorized:   "PreviouslyAuthorized",
}

func (r DeclineReason) String() string {
	if name, ok := declineReasonNames[r]; ok {
		return name
	}
	return "DeclineReason(" + strconv.Itoa(int(r)) + ")"
}

// IsKnown reports whether r is a member of the closed reason set.
func (r DeclineReason) IsKnown() bool {
	_, ok := declineReasonNames[r]
	return ok
}

// ParseDeclineReason parses a reason name case-insensitively.
func ParseDeclineReason(s string) (DeclineReason, error) {
	for reason, name := range declineReasonNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return reason, nil
		}
	}
	return DeclineNone, fmt.Errorf("unknown decline reason %q", s)
}

// MarshalJSON encodes the reason by name.
func (r DeclineReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts either the reason name or its numeric id.
func (r *DeclineReason) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseDeclineReason(name)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}

	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("decline reason must be a name or id: %w", err)
	}
	*r = DeclineReason(id)
	return nil
}

// JITDecision is the outcome of a single rule or of the whole chain.
// DeclineReason is None if and only if Approved is true.
type JITDecision struct {
	Approved      bool          `json:"approved"`
	DeclineReason DeclineReason `json:"declineReason"`
}

// Approve returns an approving decision.
func Approve() JITDecision {
	return JITDecision{Approved: true, DeclineReason: DeclineNone}
}

// Decline returns a declining decision with the given reason.
func Decline(reason DeclineReason) JITDecision {
	return JITDecision{Approved: false, DeclineReason: reason}
}

// Valid reports whether the decision satisfies the approval/reason invariant.
func (d JITDecision) Valid() bool {
	return d.Approved == (d.DeclineReason == DeclineNone)
}
