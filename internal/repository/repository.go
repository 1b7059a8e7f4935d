// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("duplicate record")
)

const defaultListLimit = 50

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and brings the
// schema up to date.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	if err := Migrate(cfg); err != nil {
		return nil, err
	}

	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}, nil
}

func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// SaveCard upserts a card snapshot keyed by its provider card ID.
func (r *SQLRepository) SaveCard(ctx context.Context, card *domain.VirtualCard) error {
	if card == nil || card.ProviderCardID == "" {
		return fmt.Errorf("%w: providerCardID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.UpdatedAt = now

	query := `
		INSERT INTO virtual_cards (
			id, provider_card_id, lease_id, provider_id, status,
			available_balance, original_card_base_amount, max_amount_less, max_amount_greater,
			active_to_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_card_id) DO UPDATE SET
			lease_id = excluded.lease_id,
			provider_id = excluded.provider_id,
			status = excluded.status,
			available_balance = excluded.available_balance,
			original_card_base_amount = excluded.original_card_base_amount,
			max_amount_less = excluded.max_amount_less,
			max_amount_greater = excluded.max_amount_greater,
			active_to_date = excluded.active_to_date,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		card.ID, card.ProviderCardID, card.LeaseID, card.ProviderID, int(card.Status),
		card.AvailableBalance, card.OriginalCardBaseAmount, card.MaxAmountLess, card.MaxAmountGreater,
		card.ActiveToDate.UTC(), card.CreatedAt.UTC(), card.UpdatedAt,
	)
	return err
}

// GetCardByProviderID retrieves a card snapshot by its provider card ID.
func (r *SQLRepository) GetCardByProviderID(ctx context.Context, providerCardID string) (*domain.VirtualCard, error) {
	query := `
		SELECT id, provider_card_id, lease_id, provider_id, status,
			   available_balance, original_card_base_amount, max_amount_less, max_amount_greater,
			   active_to_date, created_at, updated_at
		FROM virtual_cards
		WHERE provider_card_id = ?
	`

	var card domain.VirtualCard
	var status int

	err := r.db.QueryRowContext(ctx, r.rebind(query), providerCardID).Scan(
		&card.ID, &card.ProviderCardID, &card.LeaseID, &card.ProviderID, &status,
		&card.AvailableBalance, &card.OriginalCardBaseAmount, &card.MaxAmountLess, &card.MaxAmountGreater,
		&card.ActiveToDate, &card.CreatedAt, &card.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	card.Status = domain.CardStatus(status)
	return &card, nil
}

// SaveLease upserts a lease snapshot.
func (r *SQLRepository) SaveLease(ctx context.Context, lease *domain.Lease) error {
	if lease == nil || lease.ID == "" {
		return fmt.Errorf("%w: leaseID is required", ErrInvalidInput)
	}

	lease.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO leases (
			id, provider_id, status, store_address_state,
			is_min_amount_required, use_state_validation, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id = excluded.provider_id,
			status = excluded.status,
			store_address_state = excluded.store_address_state,
			is_min_amount_required = excluded.is_min_amount_required,
			use_state_validation = excluded.use_state_validation,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		lease.ID, lease.ProviderID, lease.Status, lease.StoreAddressState,
		boolToInt(lease.IsMinAmountRequired), boolToInt(lease.UseStateValidation), lease.UpdatedAt,
	)
	return err
}

// GetLease retrieves a lease snapshot by ID.
func (r *SQLRepository) GetLease(ctx context.Context, leaseID string) (*domain.Lease, error) {
	query := `
		SELECT id, provider_id, status, store_address_state,
			   is_min_amount_required, use_state_validation, updated_at
		FROM leases
		WHERE id = ?
	`

	var lease domain.Lease
	var minRequired, stateValidation int

	err := r.db.QueryRowContext(ctx, r.rebind(query), leaseID).Scan(
		&lease.ID, &lease.ProviderID, &lease.Status, &lease.StoreAddressState,
		&minRequired, &stateValidation, &lease.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	lease.IsMinAmountRequired = minRequired == 1
	lease.UseStateValidation = stateValidation == 1
	return &lease, nil
}

// SaveProvider upserts a provider record.
func (r *SQLRepository) SaveProvider(ctx context.Context, provider *domain.Provider) error {
	if provider == nil || provider.ID == "" {
		return fmt.Errorf("%w: providerID is required", ErrInvalidInput)
	}
	if provider.AuthExpireDays < 0 {
		return fmt.Errorf("%w: authExpireDays must not be negative", ErrInvalidInput)
	}

	provider.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO providers (id, name, auth_expire_days, credit_limit, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			auth_expire_days = excluded.auth_expire_days,
			credit_limit = excluded.credit_limit,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		provider.ID, provider.Name, provider.AuthExpireDays, provider.CreditLimit, provider.UpdatedAt,
	)
	return err
}

// GetProvider retrieves a provider record by ID.
func (r *SQLRepository) GetProvider(ctx context.Context, providerID string) (*domain.Provider, error) {
	query := `
		SELECT id, name, auth_expire_days, credit_limit, updated_at
		FROM providers
		WHERE id = ?
	`

	var p domain.Provider
	err := r.db.QueryRowContext(ctx, r.rebind(query), providerID).Scan(
		&p.ID, &p.Name, &p.AuthExpireDays, &p.CreditLimit, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const decisionLogColumns = `
	id, lease_id, provider_id, provider_card_id, provider_transaction_token,
	transaction_amount, transaction_date, transaction_type, transaction_state,
	store_address_state, lease_status, is_min_amount_required, use_state_validation,
	card_status, available_balance, original_card_base_amount, max_amount_less, max_amount_greater,
	active_to_date, approved, decline_reason, decline_message, trace_id, decision_ms, created_at
`

// SaveDecisionLog appends a decision log record.
func (r *SQLRepository) SaveDecisionLog(ctx context.Context, log *domain.DecisionLog) error {
	if log == nil || log.ID == "" {
		return fmt.Errorf("%w: decision log id is required", ErrInvalidInput)
	}
	if !log.Decision().Valid() {
		return fmt.Errorf("%w: approved and decline reason disagree", ErrInvalidInput)
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO jit_decision_logs (` + decisionLogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		log.ID, log.LeaseID, log.ProviderID, log.ProviderCardID, log.ProviderTransactionToken,
		log.TransactionAmount, log.TransactionDate.UTC(), log.TransactionType, log.TransactionState,
		log.StoreAddressState, log.LeaseStatus, boolToInt(log.IsMinAmountRequired), boolToInt(log.UseStateValidation),
		int(log.CardStatus), log.AvailableBalance, log.OriginalCardBaseAmount, log.MaxAmountLess, log.MaxAmountGreater,
		log.ActiveToDate.UTC(), boolToInt(log.Approved), int(log.DeclineReason), log.DeclineMessage,
		log.TraceID, log.DecisionMs, log.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: provider transaction token %s", ErrDuplicate, log.ProviderTransactionToken)
	}
	return err
}

// GetDecisionLogByToken retrieves the decision stored for a provider
// transaction token.
func (r *SQLRepository) GetDecisionLogByToken(ctx context.Context, token string) (*domain.DecisionLog, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + decisionLogColumns + ` FROM jit_decision_logs WHERE provider_transaction_token = ?`

	log, err := scanDecisionLog(r.db.QueryRowContext(ctx, r.rebind(query), token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// GetDecisionLog retrieves a decision log record by ID.
func (r *SQLRepository) GetDecisionLog(ctx context.Context, id string) (*domain.DecisionLog, error) {
	query := `SELECT ` + decisionLogColumns + ` FROM jit_decision_logs WHERE id = ?`

	log, err := scanDecisionLog(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// ListDecisionLogsByCard returns the newest decisions for a card first.
func (r *SQLRepository) ListDecisionLogsByCard(ctx context.Context, providerCardID string, limit int) ([]*domain.DecisionLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + decisionLogColumns + `
		FROM jit_decision_logs
		WHERE provider_card_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), providerCardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*domain.DecisionLog{}
	for rows.Next() {
		log, err := scanDecisionLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// SumApprovedAmount totals approved authorizations for a provider with a
// transaction date at or after since. Amounts are summed as decimals so
// SQLite's floating point SUM is never involved.
func (r *SQLRepository) SumApprovedAmount(ctx context.Context, providerID string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT transaction_amount
		FROM jit_decision_logs
		WHERE provider_id = ? AND approved = 1 AND transaction_date >= ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), providerID, since.UTC())
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}

	return total, rows.Err()
}

// SavePolicyRule upserts a policy rule.
func (r *SQLRepository) SavePolicyRule(ctx context.Context, rule *domain.PolicyRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO policy_rules (
			id, name, description, expression, decline_reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			decline_reason = excluded.decline_reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		int(rule.DeclineReason), boolToInt(rule.Enabled),
		rule.CreatedAt.UTC(), rule.UpdatedAt,
	)
	return err
}

// GetPolicyRule retrieves a policy rule by ID, enabled or not.
func (r *SQLRepository) GetPolicyRule(ctx context.Context, id string) (*domain.PolicyRule, error) {
	query := `
		SELECT id, name, description, expression, decline_reason, enabled, created_at, updated_at
		FROM policy_rules
		WHERE id = ?
	`

	rule, err := scanPolicyRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListPolicyRules retrieves all policy rules ordered by ID.
func (r *SQLRepository) ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error) {
	query := `
		SELECT id, name, description, expression, decline_reason, enabled, created_at, updated_at
		FROM policy_rules
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.PolicyRule{}
	for rows.Next() {
		rule, err := scanPolicyRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecisionLog(row scanner) (*domain.DecisionLog, error) {
	var log domain.DecisionLog
	var minRequired, stateValidation, approved, cardStatus, reason int

	err := row.Scan(
		&log.ID, &log.LeaseID, &log.ProviderID, &log.ProviderCardID, &log.ProviderTransactionToken,
		&log.TransactionAmount, &log.TransactionDate, &log.TransactionType, &log.TransactionState,
		&log.StoreAddressState, &log.LeaseStatus, &minRequired, &stateValidation,
		&cardStatus, &log.AvailableBalance, &log.OriginalCardBaseAmount, &log.MaxAmountLess, &log.MaxAmountGreater,
		&log.ActiveToDate, &approved, &reason, &log.DeclineMessage, &log.TraceID, &log.DecisionMs, &log.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	log.IsMinAmountRequired = minRequired == 1
	log.UseStateValidation = stateValidation == 1
	log.Approved = approved == 1
	log.CardStatus = domain.CardStatus(cardStatus)
	log.DeclineReason = domain.DeclineReason(reason)
	return &log, nil
}

func scanPolicyRule(row scanner) (*domain.PolicyRule, error) {
	var rule domain.PolicyRule
	var reason, enabled int

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
		&reason, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.DeclineReason = domain.DeclineReason(reason)
	rule.Enabled = enabled == 1
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
