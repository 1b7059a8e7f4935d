package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CardStatus is the lifecycle state of a virtual card.
// Numeric values are persisted and must stay stable.
type CardStatus int

const (
	CardStatusNone            CardStatus = 0
	CardStatusOpen            CardStatus = 1
	CardStatusClosed          CardStatus = 2
	CardStatusAuthorized      CardStatus = 3
	CardStatusPosted          CardStatus = 4
	CardStatusCancelled       CardStatus = 5
	CardStatusInvoiceMismatch CardStatus = 6
	CardStatusError           CardStatus = 7
)

var cardStatusNames = map[CardStatus]string{
	CardStatusNone:            "None",
	CardStatusOpen:            "Open",
	CardStatusClosed:          "Closed",
	CardStatusAuthorized:      "Authorized",
	CardStatusPosted:          "Posted",
	CardStatusCancelled:       "Cancelled",
	CardStatusInvoiceMismatch: "InvoiceMismatch",
	CardStatusError:           "Error",
}

func (s CardStatus) String() string {
	if name, ok := cardStatusNames[s]; ok {
		return name
	}
	return "CardStatus(" + strconv.Itoa(int(s)) + ")"
}

// ParseCardStatus parses a status name case-insensitively.
func ParseCardStatus(s string) (CardStatus, error) {
	for status, name := range cardStatusNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return status, nil
		}
	}
	return CardStatusNone, fmt.Errorf("unknown card status %q", s)
}

// MarshalJSON encodes the status by name.
func (s CardStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the status name or its numeric id.
func (s *CardStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseCardStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("card status must be a name or id: %w", err)
	}
	*s = CardStatus(id)
	return nil
}

// VirtualCard is a read-only snapshot of a provider-issued virtual card.
type VirtualCard struct {
	ID             string `json:"id"`
	ProviderCardID string `json:"providerCardId"`
	LeaseID        string `json:"leaseId"`
	ProviderID     string `json:"providerId"`

	Status                 CardStatus      `json:"status"`
	AvailableBalance       decimal.Decimal `json:"availableBalance"`
	OriginalCardBaseAmount decimal.Decimal `json:"originalCardBaseAmount"`
	MaxAmountLess          decimal.Decimal `json:"maxAmountLess"`
	MaxAmountGreater       decimal.Decimal `json:"maxAmountGreater"`

	// ActiveToDate is the instant after which the card can no longer authorize.
	ActiveToDate time.Time `json:"activeToDate"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
