package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/exposure"
	"github.com/opensource-finance/kestrel/internal/funding"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	provider *funding.Provider
	policies *policy.Engine
	exposure *exposure.Service
	metrics  *metrics.Metrics
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		provider: deps.Provider,
		policies: deps.Policies,
		exposure: deps.Exposure,
		metrics:  deps.Metrics,
		version:  deps.Version,
	}
}

// FundJIT handles POST /jit-funding.
func (h *Handler) FundJIT(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var in domain.JITFundingInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if in.TraceID == "" {
		in.TraceID = GetTraceID(ctx)
	}

	log, err := h.provider.Decide(ctx, &in)
	if err != nil {
		switch {
		case errors.Is(err, funding.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, funding.ErrCardNotFound), errors.Is(err, funding.ErrLeaseNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, funding.ErrTokenConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("jit funding failed",
				"lease_id", in.LeaseID,
				"provider_card_id", in.ProviderCardID,
				"trace_id", in.TraceID,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "failed to decide funding request")
		}
		return
	}

	resp := log.ToResponse()
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusCreated, resp)
}

// GetDecision handles GET /decisions/{id}.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	log, err := h.repo.GetDecisionLog(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// ListCardDecisions handles GET /cards/{providerCardId}/decisions.
func (h *Handler) ListCardDecisions(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "providerCardId")

	limit := defaultDecisionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDecisionLimit)
	}

	logs, err := h.repo.ListDecisionLogsByCard(r.Context(), cardID, limit)
	if err != nil {
		h.writeRepoError(w, err, "")
		return
	}
	if logs == nil {
		logs = []*domain.DecisionLog{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providerCardId": cardID,
		"decisions":      logs,
		"count":          len(logs),
	})
}

// AuditWindowResponse is the response for GET /audit-window.
type AuditWindowResponse struct {
	Days      int       `json:"days"`
	Now       time.Time `json:"now"`
	StartDate time.Time `json:"startDate"`
	Timezone  string    `json:"timezone"`
}

// AuditWindow handles GET /audit-window?days=&now=. days defaults to the
// configured window and now to the current time in the configured zone.
func (h *Handler) AuditWindow(w http.ResponseWriter, r *http.Request) {
	loc := h.exposure.Location()
	q := r.URL.Query()

	days := h.exposure.DefaultAuthExpireDays()
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}

	now := time.Now()
	if v := q.Get("now"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "now must be an RFC3339 timestamp")
			return
		}
		now = parsed
	}
	now = now.In(loc)

	writeJSON(w, http.StatusOK, AuditWindowResponse{
		Days:      days,
		Now:       now,
		StartDate: h.exposure.Window(days, now),
		Timezone:  loc.String(),
	})
}

// ProviderExposure handles GET /providers/{id}/exposure.
func (h *Handler) ProviderExposure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exp, err := h.exposure.ProviderExposure(r.Context(), id, time.Now())
	if err != nil {
		h.writeRepoError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// PutCard handles PUT /cards/{providerCardId}.
func (h *Handler) PutCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "providerCardId")

	var card domain.VirtualCard
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if card.ProviderCardID != "" && card.ProviderCardID != cardID {
		writeError(w, http.StatusBadRequest, "providerCardId does not match the path")
		return
	}
	card.ProviderCardID = cardID
	if card.ActiveToDate.IsZero() {
		writeError(w, http.StatusBadRequest, "activeToDate is required")
		return
	}

	if err := h.repo.SaveCard(r.Context(), &card); err != nil {
		h.writeRepoError(w, err, "")
		return
	}

	// The upsert keeps the original row id, so answer with what is stored.
	saved, err := h.repo.GetCardByProviderID(r.Context(), cardID)
	if err != nil {
		h.writeRepoError(w, err, "")
		return
	}

	slog.Info("card snapshot saved", "provider_card_id", cardID, "status", saved.Status.String())
	writeJSON(w, http.StatusOK, saved)
}

// PutLease handles PUT /leases/{leaseId}.
func (h *Handler) PutLease(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "leaseId")

	var lease domain.Lease
	if err := json.NewDecoder(r.Body).Decode(&lease); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if lease.ID != "" && lease.ID != leaseID {
		writeError(w, http.StatusBadRequest, "id does not match the path")
		return
	}
	lease.ID = leaseID

	if err := h.repo.SaveLease(r.Context(), &lease); err != nil {
		h.writeRepoError(w, err, "")
		return
	}

	slog.Info("lease snapshot saved", "lease_id", leaseID, "lease_status", lease.Status)
	writeJSON(w, http.StatusOK, lease)
}

// PutProvider handles PUT /providers/{id}.
func (h *Handler) PutProvider(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")

	var provider domain.Provider
	if err := json.NewDecoder(r.Body).Decode(&provider); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if provider.ID != "" && provider.ID != providerID {
		writeError(w, http.StatusBadRequest, "id does not match the path")
		return
	}
	provider.ID = providerID
	if provider.AuthExpireDays < 0 || provider.CreditLimit.IsNegative() {
		writeError(w, http.StatusBadRequest, "authExpireDays and creditLimit must not be negative")
		return
	}

	if err := h.repo.SaveProvider(r.Context(), &provider); err != nil {
		h.writeRepoError(w, err, "")
		return
	}

	slog.Info("provider saved", "provider_id", providerID)
	writeJSON(w, http.StatusOK, provider)
}

// ListPolicies returns the policies currently active in the engine.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	loaded := h.policies.Loaded()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": loaded,
		"count":    len(loaded),
		"chain":    h.provider.Evaluator().Rules(),
	})
}

// GetPolicy returns a stored policy, enabled or not.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.repo.GetPolicyRule(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreatePolicy validates and stores a policy. It becomes active after
// POST /policies/reload.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if p.ID == "" || p.Name == "" || p.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if err := h.policies.Validate(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy: "+err.Error())
		return
	}

	if err := h.repo.SavePolicyRule(r.Context(), &p); err != nil {
		h.writeRepoError(w, err, "")
		return
	}

	slog.Info("policy created", "id", p.ID, "name", p.Name, "decline_reason", p.DeclineReason.String())
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policy":  p,
		"message": "Policy created. Call POST /policies/reload to apply changes.",
	})
}

// ReloadPolicies reloads all stored policies into the engine.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	stored, err := h.repo.ListPolicyRules(r.Context())
	if err != nil {
		slog.Error("failed to list policies", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load policies from database")
		return
	}

	skipped := map[string]string{}
	for id, err := range h.policies.Reload(stored) {
		slog.Error("skipping invalid policy", "id", id, "error", err)
		skipped[id] = err.Error()
	}
	if h.metrics != nil {
		h.metrics.SetPoliciesLoaded(h.policies.Count())
	}

	slog.Info("policies reloaded", "stored", len(stored), "active", h.policies.Count(), "skipped", len(skipped))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policies reloaded",
		"count":   h.policies.Count(),
		"skipped": skipped,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(r.Context()) })
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready reports whether the repository is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.repo.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if notFound == "" {
			notFound = "not found"
		}
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
