// Package funding decides JIT funding requests end to end: it enriches an
// incoming authorization with the local card and lease snapshots, runs the
// rule chain, and records the outcome.
package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/jit"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var (
	ErrInvalidInput  = errors.New("invalid funding request")
	ErrCardNotFound  = errors.New("virtual card not found")
	ErrLeaseNotFound = errors.New("lease not found")
	ErrTokenConflict = errors.New("provider transaction token already used for another card or lease")
)

// Provider is the orchestration seam between the card network callback and
// the rule chain. Cache, bus and metrics are optional.
type Provider struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	evaluator *jit.Evaluator
	metrics   *metrics.Metrics
	cacheTTL  time.Duration
	tracer    trace.Tracer
	now       func() time.Time
}

// NewProvider creates a provider. A nil evaluator uses the built-in rules only.
func NewProvider(repo domain.Repository, cache domain.Cache, bus domain.EventBus, evaluator *jit.Evaluator, m *metrics.Metrics, cfg domain.JITConfig) *Provider {
	if evaluator == nil {
		evaluator = jit.NewEvaluator()
	}
	return &Provider{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		evaluator: evaluator,
		metrics:   m,
		cacheTTL:  cfg.DecisionCacheTTL,
		tracer:    otel.Tracer("github.com/opensource-finance/kestrel/internal/funding"),
		now:       time.Now,
	}
}

// Evaluator returns the rule chain used for decisions.
func (p *Provider) Evaluator() *jit.Evaluator {
	return p.evaluator
}

// Decide evaluates one JIT funding request and returns the persisted
// decision log. A retried provider transaction token is answered with the
// stored decision and Replayed set, provided it names the same card and lease.
// A card bound to another lease is reported as ErrCardNotFound.
func (p *Provider) Decide(ctx context.Context, in *domain.JITFundingInput) (*domain.DecisionLog, error) {
	start := p.now()

	ctx, span := p.tracer.Start(ctx, "funding.Decide")
	defer span.End()

	if err := validate(in); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("kestrel.lease_id", in.LeaseID),
		attribute.String("kestrel.provider_card_id", in.ProviderCardID),
	)

	if cached := p.cached(ctx, in.ProviderTransactionToken); cached != nil {
		replayed, err := p.replay(in, cached)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Bool("kestrel.replayed", true))
		return replayed, nil
	}

	card, err := p.repo.GetCardByProviderID(ctx, in.ProviderCardID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrCardNotFound, in.ProviderCardID)
		} else {
			err = fmt.Errorf("load card: %w", err)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	lease, err := p.repo.GetLease(ctx, in.LeaseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrLeaseNotFound, in.LeaseID)
		} else {
			err = fmt.Errorf("load lease: %w", err)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if card.LeaseID != "" && card.LeaseID != in.LeaseID {
		err := fmt.Errorf("%w: %s is not issued for lease %s", ErrCardNotFound, in.ProviderCardID, in.LeaseID)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	req := BuildRequest(in, lease)
	decision, rulesRun := p.evaluator.EvaluateTrace(req, card)

	log := newDecisionLog(in, req, card, lease, decision)
	log.ID = uuid.New().String()
	log.TraceID = traceID(ctx, in)
	log.CreatedAt = p.now().UTC()
	log.DecisionMs = p.now().Sub(start).Milliseconds()

	if err := p.repo.SaveDecisionLog(ctx, log); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// A concurrent request with the same token was stored first.
			stored, lookupErr := p.repo.GetDecisionLogByToken(ctx, in.ProviderTransactionToken)
			if lookupErr == nil {
				replayed, err := p.replay(in, stored)
				if err != nil {
					span.SetStatus(codes.Error, err.Error())
					return nil, err
				}
				span.SetAttributes(attribute.Bool("kestrel.replayed", true))
				return replayed, nil
			}
			err = fmt.Errorf("load stored decision: %w", lookupErr)
		}
		err = fmt.Errorf("save decision log: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("kestrel.approved", decision.Approved),
		attribute.String("kestrel.decline_reason", decision.DeclineReason.String()),
		attribute.Int("kestrel.rules_evaluated", rulesRun),
	)

	p.remember(ctx, log)
	p.publish(ctx, log)

	if p.metrics != nil {
		p.metrics.ObserveDecision(decision, p.now().Sub(start))
	}

	slog.Info("jit decision",
		"decision_id", log.ID,
		"lease_id", log.LeaseID,
		"provider_card_id", log.ProviderCardID,
		"approved", log.Approved,
		"decline_reason", log.DeclineReason.String(),
		"rules_evaluated", rulesRun,
		"trace_id", log.TraceID,
		"duration_ms", log.DecisionMs,
	)

	return log, nil
}

// BuildRequest combines the network input with the lease attributes the
// rules depend on.
func BuildRequest(in *domain.JITFundingInput, lease *domain.Lease) *domain.JITFundingRequest {
	return &domain.JITFundingRequest{
		TransactionAmount:   in.TransactionAmount,
		TransactionDate:     in.TransactionDate,
		TransactionType:     in.TransactionType,
		TransactionState:    in.TransactionState,
		StoreAddressState:   lease.StoreAddressState,
		LeaseStatus:         lease.Status,
		IsMinAmountRequired: lease.IsMinAmountRequired,
		UseStateValidation:  lease.UseStateValidation,
	}
}

func validate(in *domain.JITFundingInput) error {
	switch {
	case in == nil:
		return fmt.Errorf("%w: request is required", ErrInvalidInput)
	case in.LeaseID == "":
		return fmt.Errorf("%w: leaseId is required", ErrInvalidInput)
	case in.ProviderCardID == "":
		return fmt.Errorf("%w: providerCardId is required", ErrInvalidInput)
	case !in.TransactionAmount.IsPositive():
		return fmt.Errorf("%w: transactionAmount must be positive", ErrInvalidInput)
	case in.TransactionDate.IsZero():
		return fmt.Errorf("%w: transactionDate is required", ErrInvalidInput)
	}
	return nil
}

func newDecisionLog(in *domain.JITFundingInput, req *domain.JITFundingRequest, card *domain.VirtualCard, lease *domain.Lease, d domain.JITDecision) *domain.DecisionLog {
	providerID := card.ProviderID
	if providerID == "" {
		providerID = lease.ProviderID
	}
	return &domain.DecisionLog{
		LeaseID:                  in.LeaseID,
		ProviderID:               providerID,
		ProviderCardID:           in.ProviderCardID,
		ProviderTransactionToken: in.ProviderTransactionToken,

		TransactionAmount:   req.TransactionAmount,
		TransactionDate:     req.TransactionDate,
		TransactionType:     req.TransactionType,
		TransactionState:    req.TransactionState,
		StoreAddressState:   req.StoreAddressState,
		LeaseStatus:         req.LeaseStatus,
		IsMinAmountRequired: req.IsMinAmountRequired,
		UseStateValidation:  req.UseStateValidation,

		CardStatus:             card.Status,
		AvailableBalance:       card.AvailableBalance,
		OriginalCardBaseAmount: card.OriginalCardBaseAmount,
		MaxAmountLess:          card.MaxAmountLess,
		MaxAmountGreater:       card.MaxAmountGreater,
		ActiveToDate:           card.ActiveToDate,

		Approved:       d.Approved,
		DeclineReason:  d.DeclineReason,
		DeclineMessage: jit.DeclineMessage(d.DeclineReason),
	}
}

// traceID prefers the caller's id, then the active span, then a fresh one.
func traceID(ctx context.Context, in *domain.JITFundingInput) string {
	if in.TraceID != "" {
		return in.TraceID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

func (p *Provider) cached(ctx context.Context, token string) *domain.DecisionLog {
	if p.cache == nil || token == "" {
		return nil
	}
	log, err := p.cache.GetDecision(ctx, token)
	if err != nil {
		slog.Warn("decision cache lookup failed", "provider_transaction_token", token, "error", err)
		return nil
	}
	return log
}

// replay answers a retried token with its stored decision. The amount may
// differ on a network retry; the card and lease may not.
func (p *Provider) replay(in *domain.JITFundingInput, stored *domain.DecisionLog) (*domain.DecisionLog, error) {
	if stored.ProviderCardID != in.ProviderCardID || stored.LeaseID != in.LeaseID {
		slog.Warn("provider transaction token reused",
			"provider_transaction_token", in.ProviderTransactionToken,
			"decision_id", stored.ID,
			"provider_card_id", in.ProviderCardID,
			"lease_id", in.LeaseID,
		)
		return nil, fmt.Errorf("%w: %s", ErrTokenConflict, in.ProviderTransactionToken)
	}
	stored.Replayed = true
	if p.metrics != nil {
		p.metrics.ObserveReplay()
	}
	slog.Info("jit decision replayed",
		"decision_id", stored.ID,
		"provider_transaction_token", in.ProviderTransactionToken,
		"approved", stored.Approved,
	)
	return stored, nil
}

func (p *Provider) remember(ctx context.Context, log *domain.DecisionLog) {
	if p.cache == nil || log.ProviderTransactionToken == "" {
		return
	}
	if err := p.cache.SetDecision(ctx, log.ProviderTransactionToken, log, p.cacheTTL); err != nil {
		slog.Warn("failed to cache decision", "decision_id", log.ID, "error", err)
	}
}

func (p *Provider) publish(ctx context.Context, log *domain.DecisionLog) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(log)
	if err != nil {
		slog.Error("failed to encode decision event", "decision_id", log.ID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicJITDecision, payload); err != nil {
		slog.Error("failed to publish decision", "decision_id", log.ID, "error", err)
	}
	if !log.Approved {
		if err := p.bus.Publish(ctx, domain.TopicJITDeclined, payload); err != nil {
			slog.Error("failed to publish decline", "decision_id", log.ID, "error", err)
		}
	}
}
