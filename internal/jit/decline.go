package jit

import "github.com/opensource-finance/kestrel/internal/domain"

var declineMessages = map[domain.DeclineReason]string{
	domain.DeclineNone:                   "",
	domain.DeclineCardExpired:            "The transaction date is after the card's active-to-date.",
	domain.DeclineAmountMismatch:         "The transaction amount is outside the allowed range for this lease.",
	domain.DeclineAmountTooHigh:          "The transaction amount exceeds the card's available balance.",
	domain.DeclineInvalidCardStatus:      "The card is not in a status that allows authorization.",
	domain.DeclineInvalidTransactionType: "Only authorization transactions can be funded.",
	domain.DeclineLeaseAlreadyFunded:     "The lease has already been funded.",
	domain.DeclineStateMismatch:          "The merchant state does not match the store's state.",
	domain.DeclineStateMissing:           "The merchant state or the store's state is missing.",
	domain.DeclinePreviouslyAuthorized:   "The card has already been authorized and allows a single authorization.",
}

// DeclineMessage returns the human-readable explanation for a reason.
// None and values outside the reason set return "".
func DeclineMessage(reason domain.DeclineReason) string {
	return declineMessages[reason]
}
