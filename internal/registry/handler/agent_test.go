package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/audit"
	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/ratelimit"
	"github.com/ruvnet/agent-name-service/internal/registry/handler"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
	"github.com/ruvnet/agent-name-service/internal/registry/repository"
	"github.com/ruvnet/agent-name-service/internal/registry/service"
	"github.com/ruvnet/agent-name-service/internal/resolver"
	"github.com/ruvnet/agent-name-service/internal/threat"
)

// CA creation is expensive, so a single issuer is shared across tests.
var (
	issuerOnce   sync.Once
	issuerErr    error
	sharedIssuer *identity.Issuer
)

func testIssuer(t *testing.T) *identity.Issuer {
	t.Helper()
	issuerOnce.Do(func() {
		dir, err := os.MkdirTemp("", "ans-handler-ca-*")
		if err != nil {
			issuerErr = err
			return
		}
		ca := identity.NewCAManager(dir)
		if err := ca.LoadOrCreate(); err != nil {
			issuerErr = err
			return
		}
		sharedIssuer = identity.NewIssuer(ca)
	})
	if issuerErr != nil {
		t.Fatalf("set up CA: %v", issuerErr)
	}
	return sharedIssuer
}

type testEnv struct {
	router *gin.Engine
	store  *repository.MemoryStore
	log    *audit.MemoryLog
}

func setupRouter(t *testing.T, limit int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	log := audit.NewMemoryLog()
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: limit, Window: time.Minute})
	svc := service.NewRegistrationService(
		store, testIssuer(t), threat.NewRuleBasedScorer(nil), limiter, log, zap.NewNop(),
	)
	res := resolver.New(store, time.Minute, zap.NewNop())

	h := handler.NewAgentHandler(svc, res, zap.NewNop())
	h.SetRegistryURL("https://registry.test")

	r := gin.New()
	v1 := r.Group("/api/v1")
	h.Register(v1)
	handler.NewAuditHandler(log, zap.NewNop()).Register(v1)

	return &testEnv{router: r, store: store, log: log}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func registerBody(name string) gin.H {
	return gin.H{
		"name": name,
		"metadata": gin.H{
			"description":  "reports local forecasts",
			"provider":     "example",
			"endpoint":     "https://" + name + ".example.com",
			"capabilities": []string{"http-fetch"},
		},
	}
}

func TestRegisterAgent_201(t *testing.T) {
	e := setupRouter(t, 10)

	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Agent struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"agent"`
		AgentCard struct {
			Registry        string `json:"registry"`
			CertFingerprint string `json:"cert_fingerprint"`
		} `json:"agent_card"`
		Certificate string `json:"certificate"`
		PrivateKey  string `json:"private_key"`
		CA          string `json:"ca"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Agent.Status != "active" {
		t.Errorf("status = %s", resp.Agent.Status)
	}
	if resp.AgentCard.Registry != "https://registry.test" {
		t.Errorf("card registry = %q", resp.AgentCard.Registry)
	}
	if resp.AgentCard.CertFingerprint == "" {
		t.Error("card missing certificate fingerprint")
	}
	if resp.Certificate == "" || resp.PrivateKey == "" || resp.CA == "" {
		t.Error("response missing certificate material")
	}
}

func TestRegisterAgent_422_policyRejection(t *testing.T) {
	e := setupRouter(t, 10)

	body := gin.H{
		"name": "admin.superuser",
		"metadata": gin.H{
			"capabilities": []string{"code-execution", "file-delete"},
		},
	}
	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if score := resp["score"].(float64); score < 65 {
		t.Errorf("score = %v, want >= 65", score)
	}
}

func TestRegisterAgent_400_badName(t *testing.T) {
	e := setupRouter(t, 10)

	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("UPPER-case"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRegisterAgent_400_missingName(t *testing.T) {
	e := setupRouter(t, 10)

	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", gin.H{"metadata": gin.H{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRegisterAgent_429_withRetryAfter(t *testing.T) {
	e := setupRouter(t, 1)

	if w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("agent-one")); w.Code != http.StatusCreated {
		t.Fatalf("first registration failed: %d", w.Code)
	}
	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("agent-two"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestResolveAgent_200(t *testing.T) {
	e := setupRouter(t, 10)
	doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))

	w := doJSON(t, e.router, http.MethodGet, "/api/v1/resolve/weather-agent", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res resolver.Resolution
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.CertValid {
		t.Error("freshly issued certificate reported invalid")
	}
	if res.Endpoint != "https://weather-agent.example.com" {
		t.Errorf("endpoint = %q", res.Endpoint)
	}
}

func TestResolveAgent_404(t *testing.T) {
	e := setupRouter(t, 10)

	w := doJSON(t, e.router, http.MethodGet, "/api/v1/resolve/ghost-agent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRevokeAgent_invalidatesResolution(t *testing.T) {
	e := setupRouter(t, 10)
	doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))

	// Prime the resolver cache.
	doJSON(t, e.router, http.MethodGet, "/api/v1/resolve/weather-agent", nil)

	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents/weather-agent/revoke", gin.H{"reason": "compromised"})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The standing change is visible immediately, not after cache TTL.
	w = doJSON(t, e.router, http.MethodGet, "/api/v1/resolve/weather-agent", nil)
	var res resolver.Resolution
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != model.AgentStatusRevoked {
		t.Errorf("status = %s, want revoked", res.Status)
	}
	if res.CertValid {
		t.Error("revoked certificate reported valid")
	}
}

func TestRevokeAgent_400_missingReason(t *testing.T) {
	e := setupRouter(t, 10)
	doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))

	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents/weather-agent/revoke", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRotateCertificate_200(t *testing.T) {
	e := setupRouter(t, 10)
	doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))

	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents/weather-agent/rotate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		NewSerial  string `json:"new_serial"`
		OldSerial  string `json:"old_serial"`
		PrivateKey string `json:"private_key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.NewSerial == "" || resp.NewSerial == resp.OldSerial {
		t.Errorf("new serial = %q, old = %q", resp.NewSerial, resp.OldSerial)
	}
	if resp.PrivateKey == "" {
		t.Error("rotation response missing replacement key")
	}

	w = doJSON(t, e.router, http.MethodGet, "/api/v1/agents/weather-agent/certificates", nil)
	var hist struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &hist)
	if hist.Count != 2 {
		t.Errorf("certificate history count = %d, want 2", hist.Count)
	}
}

func TestSuspendRestore(t *testing.T) {
	e := setupRouter(t, 10)
	doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))

	if w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents/weather-agent/suspend", nil); w.Code != http.StatusOK {
		t.Fatalf("suspend: %d: %s", w.Code, w.Body.String())
	}
	w := doJSON(t, e.router, http.MethodGet, "/api/v1/resolve/weather-agent", nil)
	var res resolver.Resolution
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != model.AgentStatusSuspended {
		t.Errorf("status after suspend = %s", res.Status)
	}

	if w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents/weather-agent/restore", nil); w.Code != http.StatusOK {
		t.Fatalf("restore: %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, e.router, http.MethodGet, "/api/v1/resolve/weather-agent", nil)
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != model.AgentStatusActive {
		t.Errorf("status after restore = %s", res.Status)
	}
}

func TestGetAgentCard_200(t *testing.T) {
	e := setupRouter(t, 10)
	doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))

	w := doJSON(t, e.router, http.MethodGet, "/api/v1/agents/weather-agent/card", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var card struct {
		Name            string `json:"name"`
		CertFingerprint string `json:"cert_fingerprint"`
		PrivateKey      string `json:"private_key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &card); err != nil {
		t.Fatal(err)
	}
	if card.Name != "weather-agent" || card.CertFingerprint == "" {
		t.Errorf("card = %+v", card)
	}
	if card.PrivateKey != "" {
		t.Error("agent card leaked key material")
	}
}

func TestListAgents_pagination(t *testing.T) {
	e := setupRouter(t, 10)
	for _, name := range []string{"agent-a", "agent-b", "agent-c"} {
		if w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody(name)); w.Code != http.StatusCreated {
			t.Fatalf("register %s: %d", name, w.Code)
		}
	}

	w := doJSON(t, e.router, http.MethodGet, "/api/v1/agents?limit=2", nil)
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	if w := doJSON(t, e.router, http.MethodGet, "/api/v1/agents?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: expected 400, got %d", w.Code)
	}
}

func TestValidateCertificate(t *testing.T) {
	e := setupRouter(t, 10)
	w := doJSON(t, e.router, http.MethodPost, "/api/v1/agents", registerBody("weather-agent"))

	var resp struct {
		AgentCard struct {
			CertSerial string `json:"cert_serial"`
		} `json:"agent_card"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, e.router, http.MethodGet, "/api/v1/certificates/"+resp.AgentCard.CertSerial+"/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result identity.ValidationResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if !result.Valid {
		t.Errorf("fresh certificate invalid: %s", result.Reason)
	}

	if w := doJSON(t, e.router, http.MethodGet, "/api/v1/certificates/no-such-serial/validate", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown serial: expected 404, got %d", w.Code)
	}
}
