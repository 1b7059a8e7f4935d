// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Card snapshots
	SaveCard(ctx context.Context, card *VirtualCard) error
	GetCardByProviderID(ctx context.Context, providerCardID string) (*VirtualCard, error)

	// Leases and providers
	SaveLease(ctx context.Context, lease *Lease) error
	GetLease(ctx context.Context, leaseID string) (*Lease, error)
	SaveProvider(ctx context.Context, provider *Provider) error
	GetProvider(ctx context.Context, providerID string) (*Provider, error)

	// Decision log
	SaveDecisionLog(ctx context.Context, log *DecisionLog) error
	GetDecisionLog(ctx context.Context, id string) (*DecisionLog, error)
	GetDecisionLogByToken(ctx context.Context, token string) (*DecisionLog, error)
	ListDecisionLogsByCard(ctx context.Context, providerCardID string, limit int) ([]*DecisionLog, error)
	SumApprovedAmount(ctx context.Context, providerID string, since time.Time) (decimal.Decimal, error)

	// Policy rules
	SavePolicyRule(ctx context.Context, rule *PolicyRule) error
	GetPolicyRule(ctx context.Context, id string) (*PolicyRule, error)
	ListPolicyRules(ctx context.Context) ([]*PolicyRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
