package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/exposure"
	"github.com/opensource-finance/kestrel/internal/funding"
	"github.com/opensource-finance/kestrel/internal/jit"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// createTestServer wires a server over a temp SQLite database, an in-memory
// cache and a channel bus.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	jitCfg := domain.JITConfig{
		Timezone:         "America/Denver",
		AuthExpireDays:   3,
		CreditLimit:      decimal.NewFromInt(1000),
		DecisionCacheTTL: time.Hour,
	}

	engine, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	exp, err := exposure.NewService(repo, jitCfg)
	if err != nil {
		t.Fatalf("failed to create exposure service: %v", err)
	}
	m := metrics.New()
	lru := cache.NewLRUCache(100)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, Deps{
		Repo:     repo,
		Cache:    lru,
		Bus:      eventBus,
		Provider: funding.NewProvider(repo, lru, eventBus, jit.NewEvaluator(engine), m, jitCfg),
		Policies: engine,
		Exposure: exp,
		Metrics:  m,
		Version:  "test-v1",
	})
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

// seed stores a provider, a lease and an open card with a balance of 100.
func seed(t *testing.T, s *Server) {
	t.Helper()

	steps := []struct {
		path string
		body interface{}
	}{
		{"/providers/provider-001", map[string]interface{}{
			"name": "Acme Furniture", "authExpireDays": 3, "creditLimit": "120",
		}},
		{"/leases/lease-001", map[string]interface{}{
			"providerId": "provider-001", "status": "Approved",
			"storeAddressState": "UT", "useStateValidation": true,
		}},
		{"/cards/card-001", map[string]interface{}{
			"leaseId": "lease-001", "providerId": "provider-001", "status": "Open",
			"availableBalance": "100", "originalCardBaseAmount": "100",
			"maxAmountLess": "10", "maxAmountGreater": "10",
			"activeToDate": "2099-01-01T00:00:00Z",
		}},
	}
	for _, step := range steps {
		if rr := do(t, s, http.MethodPut, step.path, step.body); rr.Code != http.StatusOK {
			t.Fatalf("PUT %s: expected 200, got %d: %s", step.path, rr.Code, rr.Body.String())
		}
	}
}

func fundingBody(amount, token string) map[string]interface{} {
	return map[string]interface{}{
		"leaseId":                  "lease-001",
		"providerCardId":           "card-001",
		"providerTransactionToken": token,
		"transactionAmount":        amount,
		"transactionDate":          time.Now().UTC().Format(time.RFC3339),
		"transactionType":          "authorization",
		"transactionState":         "UT",
	}
}

func TestJITFundingEndpoint(t *testing.T) {
	server := createTestServer(t)
	seed(t, server)

	t.Run("Approved", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", ""))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.JITFundingResponse
		decode(t, rr, &resp)
		if !resp.Approved || resp.DeclineReason != domain.DeclineNone {
			t.Errorf("expected approval, got %+v", resp)
		}
		if resp.DecisionID == "" || resp.Metadata.TraceID == "" {
			t.Error("expected decision id and trace id")
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %q", resp.Metadata.Version)
		}
		if rr.Header().Get(TraceIDHeader) == "" || rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected trace and request id headers")
		}
	})

	t.Run("Declined", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/jit-funding", fundingBody("150", ""))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.JITFundingResponse
		decode(t, rr, &resp)
		if resp.Approved || resp.DeclineReason != domain.DeclineAmountTooHigh {
			t.Errorf("expected AmountTooHigh, got %+v", resp)
		}
		if resp.DeclineMessage == "" {
			t.Error("expected a decline message")
		}
	})

	t.Run("Replayed", func(t *testing.T) {
		first := do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", "net-token-1"))
		second := do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", "net-token-1"))

		var a, b domain.JITFundingResponse
		decode(t, first, &a)
		decode(t, second, &b)
		if a.Replayed || !b.Replayed || a.DecisionID != b.DecisionID {
			t.Errorf("expected second call to replay %s, got %+v", a.DecisionID, b)
		}
	})

	t.Run("ReusedTokenOnOtherLease", func(t *testing.T) {
		do(t, server, http.MethodPut, "/leases/lease-002", map[string]interface{}{"providerId": "provider-001", "status": "Approved"})

		if rr := do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", "net-token-2")); rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		body := fundingBody("50", "net-token-2")
		body["leaseId"] = "lease-002"
		if rr := do(t, server, http.MethodPost, "/jit-funding", body); rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CardIssuedForOtherLease", func(t *testing.T) {
		body := fundingBody("50", "")
		body["leaseId"] = "lease-002"
		rr := do(t, server, http.MethodPost, "/jit-funding", body)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/jit-funding", "{invalid")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingLease", func(t *testing.T) {
		body := fundingBody("50", "")
		delete(body, "leaseId")
		rr := do(t, server, http.MethodPost, "/jit-funding", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCard", func(t *testing.T) {
		body := fundingBody("50", "")
		body["providerCardId"] = "card-missing"
		rr := do(t, server, http.MethodPost, "/jit-funding", body)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("UnknownLease", func(t *testing.T) {
		body := fundingBody("50", "")
		body["leaseId"] = "lease-missing"
		rr := do(t, server, http.MethodPost, "/jit-funding", body)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestDecisionEndpoints(t *testing.T) {
	server := createTestServer(t)
	seed(t, server)

	var created domain.JITFundingResponse
	decode(t, do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", "")), &created)
	do(t, server, http.MethodPost, "/jit-funding", fundingBody("60", ""))

	t.Run("GetDecision", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/decisions/"+created.DecisionID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var log domain.DecisionLog
		decode(t, rr, &log)
		if log.ID != created.DecisionID || log.LeaseID != "lease-001" || log.CardStatus != domain.CardStatusOpen {
			t.Errorf("unexpected decision log: %+v", log)
		}
	})

	t.Run("GetDecisionNotFound", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/decisions/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListCardDecisions", func(t *testing.T) {
		var resp struct {
			Decisions []domain.DecisionLog `json:"decisions"`
			Count     int                  `json:"count"`
		}
		decode(t, do(t, server, http.MethodGet, "/cards/card-001/decisions", nil), &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 decisions, got %d", resp.Count)
		}

		decode(t, do(t, server, http.MethodGet, "/cards/card-001/decisions?limit=1", nil), &resp)
		if resp.Count != 1 {
			t.Errorf("expected limit to apply, got %d", resp.Count)
		}
	})

	t.Run("ListCardDecisionsBadLimit", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/cards/card-001/decisions?limit=zero", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAuditWindowEndpoint(t *testing.T) {
	server := createTestServer(t)
	denver, _ := time.LoadLocation("America/Denver")

	tests := []struct {
		name  string
		query string
		want  time.Time
	}{
		{
			name:  "before 18:00 Mountain",
			query: "?days=3&now=2022-05-16T17:00:00-06:00",
			want:  time.Date(2022, 5, 13, 18, 0, 0, 0, denver),
		},
		{
			name:  "at 18:00 Mountain",
			query: "?days=3&now=2022-05-16T18:00:00-06:00",
			want:  time.Date(2022, 5, 14, 18, 0, 0, 0, denver),
		},
		{
			name:  "UTC input",
			query: "?days=1&now=2022-05-16T06:00:00Z",
			want:  time.Date(2022, 5, 15, 18, 0, 0, 0, denver),
		},
		{
			name:  "default days",
			query: "?now=2022-05-16T17:00:00-06:00",
			want:  time.Date(2022, 5, 13, 18, 0, 0, 0, denver),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, server, http.MethodGet, "/audit-window"+tt.query, nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
			var resp AuditWindowResponse
			decode(t, rr, &resp)
			if !resp.StartDate.Equal(tt.want) {
				t.Errorf("expected start %s, got %s", tt.want, resp.StartDate)
			}
			if resp.Timezone != "America/Denver" {
				t.Errorf("expected America/Denver, got %q", resp.Timezone)
			}
		})
	}

	for _, q := range []string{"?days=-1", "?days=three", "?now=yesterday"} {
		if rr := do(t, server, http.MethodGet, "/audit-window"+q, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", q, rr.Code)
		}
	}
}

func TestProviderExposureEndpoint(t *testing.T) {
	server := createTestServer(t)
	seed(t, server)

	do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", ""))
	do(t, server, http.MethodPost, "/jit-funding", fundingBody("80", ""))
	do(t, server, http.MethodPost, "/jit-funding", fundingBody("500", "")) // declined

	rr := do(t, server, http.MethodGet, "/providers/provider-001/exposure", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var exp exposure.Exposure
	decode(t, rr, &exp)
	if !exp.ApprovedTotal.Equal(decimal.NewFromInt(130)) {
		t.Errorf("expected approved total 130, got %s", exp.ApprovedTotal)
	}
	if !exp.CreditLimit.Equal(decimal.NewFromInt(120)) || !exp.OverLimit {
		t.Errorf("expected provider limit 120 to be exceeded, got %+v", exp)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("MismatchedID", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/leases/lease-001", map[string]interface{}{"id": "lease-002"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NegativeProviderLimit", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/providers/p-1", map[string]interface{}{"creditLimit": "-5"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CardWithoutActiveToDate", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/cards/card-8", map[string]interface{}{"status": "Open", "availableBalance": "10"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CardUpsertKeepsID", func(t *testing.T) {
		card := map[string]interface{}{"status": "Open", "availableBalance": "10", "activeToDate": "2099-01-01T00:00:00Z"}

		var first, second domain.VirtualCard
		decode(t, do(t, server, http.MethodPut, "/cards/card-9", card), &first)
		card["status"] = "Closed"
		decode(t, do(t, server, http.MethodPut, "/cards/card-9", card), &second)

		if first.ID == "" || first.ID != second.ID {
			t.Errorf("expected stable card id, got %q then %q", first.ID, second.ID)
		}
		if second.Status != domain.CardStatusClosed {
			t.Errorf("expected updated status, got %s", second.Status)
		}
	})
}

func TestPolicyEndpoints(t *testing.T) {
	server := createTestServer(t)
	seed(t, server)

	t.Run("CreateInvalid", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/policies", domain.PolicyRule{
			ID: "p-bad", Name: "Bad", Expression: "amount +", DeclineReason: domain.DeclineAmountTooHigh, Enabled: true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateMissingFields", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/policies", map[string]string{"id": "p-1"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateReloadAndApply", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/policies", domain.PolicyRule{
			ID:            "p-cap-40",
			Name:          "Cap at 40",
			Expression:    "amount > 40.0",
			DeclineReason: domain.DeclineAmountTooHigh,
			Enabled:       true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		// Not active before reload.
		var before domain.JITFundingResponse
		decode(t, do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", "")), &before)
		if !before.Approved {
			t.Fatalf("expected approval before reload, got %+v", before)
		}

		if rr := do(t, server, http.MethodPost, "/policies/reload", nil); rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var list struct {
			Count int      `json:"count"`
			Chain []string `json:"chain"`
		}
		decode(t, do(t, server, http.MethodGet, "/policies", nil), &list)
		if list.Count != 1 || list.Chain[len(list.Chain)-1] != "Policy" {
			t.Errorf("unexpected policy listing: %+v", list)
		}

		var after domain.JITFundingResponse
		decode(t, do(t, server, http.MethodPost, "/jit-funding", fundingBody("50", "")), &after)
		if after.Approved || after.DeclineReason != domain.DeclineAmountTooHigh {
			t.Errorf("expected policy decline, got %+v", after)
		}
	})

	t.Run("GetPolicy", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, "/policies/p-cap-40", nil); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/policies/missing", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ReloadSkipsInvalidStoredPolicy", func(t *testing.T) {
		// Stored directly: the API refuses to create a policy that does not compile.
		broken := &domain.PolicyRule{
			ID: "p-broken", Name: "Broken", Expression: "amount >", DeclineReason: domain.DeclineAmountTooHigh, Enabled: true,
		}
		if err := server.handler.repo.SavePolicyRule(context.Background(), broken); err != nil {
			t.Fatalf("SavePolicyRule failed: %v", err)
		}

		rr := do(t, server, http.MethodPost, "/policies/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Count   int               `json:"count"`
			Skipped map[string]string `json:"skipped"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 || resp.Skipped["p-broken"] == "" {
			t.Errorf("expected p-cap-40 active and p-broken skipped, got %+v", resp)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		}
		decode(t, rr, &resp)
		if resp.Status != "healthy" || resp.Version != "test-v1" {
			t.Errorf("unexpected health: %+v", resp)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(t, server, http.MethodGet, "/health", nil)
		rr := do(t, server, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `kestrel_http_requests_total{method="GET",route="/health",status="200"}`) {
			t.Error("expected route-labelled request counter")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("RecoverMiddleware", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("TracingMiddlewareKeepsRequestID", func(t *testing.T) {
		var seen string
		h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if seen != "req-123" || rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request id to propagate, got %q", seen)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		h := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight must not reach the handler")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/jit-funding", nil))
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})
}
