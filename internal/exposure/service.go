package exposure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Exposure is a provider's approved authorization total inside its
// rolling window, measured against its credit limit.
type Exposure struct {
	ProviderID     string          `json:"providerId"`
	WindowStart    time.Time       `json:"windowStart"`
	AuthExpireDays int             `json:"authExpireDays"`
	ApprovedTotal  decimal.Decimal `json:"approvedTotal"`
	CreditLimit    decimal.Decimal `json:"creditLimit"`
	Remaining      decimal.Decimal `json:"remaining"`
	OverLimit      bool            `json:"overLimit"`
}

// Service calculates provider credit exposure from the decision log.
type Service struct {
	repo     domain.Repository
	defaults domain.JITConfig
	loc      *time.Location
}

// NewService creates a new exposure service. Windows are computed in the
// configured timezone.
func NewService(repo domain.Repository, cfg domain.JITConfig) (*Service, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
		}
	}
	return &Service{
		repo:     repo,
		defaults: cfg,
		loc:      loc,
	}, nil
}

// Location returns the zone windows are reported in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// DefaultAuthExpireDays is the window length used for providers without
// their own setting.
func (s *Service) DefaultAuthExpireDays() int {
	return s.defaults.AuthExpireDays
}

// Window returns the start of the audit window for days, relative to now
// in the configured zone.
func (s *Service) Window(days int, now time.Time) time.Time {
	return StartDateByAuthExpireDays(days, now.In(s.loc))
}

// ProviderExposure sums the provider's approved decisions since the start of
// its audit window. Providers without a stored record use the configured
// defaults.
func (s *Service) ProviderExposure(ctx context.Context, providerID string, now time.Time) (*Exposure, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: providerID is required", repository.ErrInvalidInput)
	}

	days := s.defaults.AuthExpireDays
	limit := s.defaults.CreditLimit

	provider, err := s.repo.GetProvider(ctx, providerID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to get provider: %w", err)
	default:
		if provider.AuthExpireDays > 0 {
			days = provider.AuthExpireDays
		}
		if provider.CreditLimit.IsPositive() {
			limit = provider.CreditLimit
		}
	}

	start := s.Window(days, now)

	total, err := s.repo.SumApprovedAmount(ctx, providerID, start)
	if err != nil {
		return nil, fmt.Errorf("failed to sum approved amount: %w", err)
	}

	return &Exposure{
		ProviderID:     providerID,
		WindowStart:    start,
		AuthExpireDays: days,
		ApprovedTotal:  total,
		CreditLimit:    limit,
		Remaining:      limit.Sub(total),
		OverLimit:      total.GreaterThan(limit),
	}, nil
}
