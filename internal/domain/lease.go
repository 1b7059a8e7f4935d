package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lease holds the lease and store attributes the JIT rules depend on.
type Lease struct {
	ID                  string    `json:"id"`
	ProviderID          string    `json:"providerId"`
	Status              string    `json:"status"`
	StoreAddressState   string    `json:"storeAddressState"`
	IsMinAmountRequired bool      `json:"isMinAmountRequired"`
	UseStateValidation  bool      `json:"useStateValidation"`
	UpdatedAt           time.Time `json:"updatedAt,omitempty"`
}

// Provider is a merchant/dealer whose outstanding authorizations are
// bounded by a rolling credit limit.
type Provider struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	AuthExpireDays int             `json:"authExpireDays"`
	CreditLimit    decimal.Decimal `json:"creditLimit"`
	UpdatedAt      time.Time       `json:"updatedAt,omitempty"`
}
