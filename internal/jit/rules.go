package jit

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ActiveToDateRule declines authorizations made after the card's active-to-date.
type ActiveToDateRule struct{}

func (ActiveToDateRule) Name() string { return "ActiveToDate" }

func (ActiveToDateRule) Execute(req *domain.JITFundingRequest, card *domain.VirtualCard) domain.JITDecision {
	if req.TransactionDate.After(card.ActiveToDate.UTC()) {
		return domain.Decline(domain.DeclineCardExpired)
	}
	return domain.Approve()
}

// TransactionTypeRule only lets AUTHORIZATION transactions through.
type TransactionTypeRule struct{}

func (TransactionTypeRule) Name() string { return "TransactionType" }

func (TransactionTypeRule) Execute(req *domain.JITFundingRequest, _ *domain.VirtualCard) domain.JITDecision {
	if strings.ToUpper(req.TransactionType) != domain.TransactionTypeAuthorization {
		return domain.Decline(domain.DeclineInvalidTransactionType)
	}
	return domain.Approve()
}

// CardStatusRule requires the card to be Open or Authorized.
type CardStatusRule struct{}

func (CardStatusRule) Name() string { return "CardStatus" }

func (CardStatusRule) Execute(_ *domain.JITFundingRequest, card *domain.VirtualCard) domain.JITDecision {
	switch card.Status {
	case domain.CardStatusOpen, domain.CardStatusAuthorized:
		return domain.Approve()
	default:
		return domain.Decline(domain.DeclineInvalidCardStatus)
	}
}

// FundedRule blocks a second funding of a min-amount lease whose card is
// already authorized and whose lease is already funded.
type FundedRule struct{}

func (FundedRule) Name() string { return "Funded" }

func (FundedRule) Execute(req *domain.JITFundingRequest, card *domain.VirtualCard) domain.JITDecision {
	if strings.ToUpper(req.LeaseStatus) == domain.LeaseStatusFunded &&
		card.Status == domain.CardStatusAuthorized &&
		req.IsMinAmountRequired {
		return domain.Decline(domain.DeclineLeaseAlreadyFunded)
	}
	return domain.Approve()
}

// StateRule matches the merchant state against the store's state when the
// lease asks for state validation.
type StateRule struct{}

func (StateRule) Name() string { return "State" }

func (StateRule) Execute(req *domain.JITFundingRequest, _ *domain.VirtualCard) domain.JITDecision {
	if !req.UseStateValidation {
		return domain.Approve()
	}
	if req.TransactionState == "" || req.StoreAddressState == "" {
		return domain.Decline(domain.DeclineStateMissing)
	}
	if !strings.EqualFold(req.TransactionState, req.StoreAddressState) {
		return domain.Decline(domain.DeclineStateMismatch)
	}
	return domain.Approve()
}

// AvailableBalanceRule bounds the amount by the available balance and, for
// min-amount leases, by the tolerance below the original base amount.
// The reason depends only on IsMinAmountRequired, not on which bound failed.
type AvailableBalanceRule struct{}

func (AvailableBalanceRule) Name() string { return "AvailableBalance" }

func (AvailableBalanceRule) Execute(req *domain.JITFundingRequest, card *domain.VirtualCard) domain.JITDecision {
	minAuthAmount := decimal.Zero

	if req.IsMinAmountRequired {
		// A min-amount card may only be authorized once.
		if card.Status == domain.CardStatusAuthorized {
			return domain.Decline(domain.DeclinePreviouslyAuthorized)
		}
		minAuthAmount = card.OriginalCardBaseAmount.Sub(card.MaxAmountLess)
	}

	if req.TransactionAmount.LessThan(minAuthAmount) || req.TransactionAmount.GreaterThan(card.AvailableBalance) {
		if req.IsMinAmountRequired {
			return domain.Decline(domain.DeclineAmountMismatch)
		}
		return domain.Decline(domain.DeclineAmountTooHigh)
	}
	return domain.Approve()
}
