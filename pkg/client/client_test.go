package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruvnet/agent-name-service/pkg/client"
)

var ctx = context.Background()

func TestRegister_decodesBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/agents" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "weather-agent" {
			t.Errorf("name = %q", req.Name)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"agent": map[string]any{"name": "weather-agent", "status": "active"},
			"agent_card": map[string]any{
				"schema_version":   "1.0",
				"name":             "weather-agent",
				"registry":         srvURL(r),
				"cert_serial":      "ab12",
				"cert_fingerprint": "deadbeef",
			},
			"certificate": "CERT",
			"private_key": "KEY",
			"ca":          "CA",
		})
	}))
	defer srv.Close()

	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	result, err := c.Register(ctx, "weather-agent", client.Metadata{Capabilities: []string{"http-fetch"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result.Agent.Status != "active" {
		t.Errorf("status = %q", result.Agent.Status)
	}
	if result.PrivateKey != "KEY" || result.Certificate != "CERT" {
		t.Error("bundle not decoded")
	}
	if result.AgentCard == nil || result.AgentCard.CertFingerprint != "deadbeef" {
		t.Errorf("card = %+v", result.AgentCard)
	}
}

func srvURL(r *http.Request) string { return "http://" + r.Host }

func TestRegister_policyRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "registration rejected by security policy",
			"score": 95,
		})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.Register(ctx, "admin.superuser", client.Metadata{})

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if apiErr.Message != "registration rejected by security policy" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestRegister_rateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.Register(ctx, "agent-x", client.Metadata{})

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.RetryAfter != "42" {
		t.Errorf("RetryAfter = %q, want 42", apiErr.RetryAfter)
	}
}

func TestResolve_pathAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/resolve/weather-agent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name":             "weather-agent",
			"status":           "active",
			"endpoint":         "https://weather-agent.example.com",
			"cert_fingerprint": "deadbeef",
			"cert_valid":       true,
		})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	res, err := c.Resolve(ctx, "weather-agent")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.CertValid || res.Fingerprint != "deadbeef" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolve_notFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.Resolve(ctx, "ghost-agent")

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
}

func TestEvents_queryEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("min_severity") != "high" || q.Get("target") != "evil-agent" || q.Get("limit") != "5" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{
				{"event_type": "threat_detected", "severity": "high", "target": "evil-agent"},
			},
			"count": 1,
		})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	events, err := c.Events(ctx, client.EventsQuery{MinSeverity: "high", Target: "evil-agent", Limit: 5})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "threat_detected" {
		t.Errorf("events = %+v", events)
	}
}

func TestVerifyAudit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": "hash mismatch at index 3"})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	valid, reason, err := c.VerifyAudit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if valid || reason != "hash mismatch at index 3" {
		t.Errorf("valid = %v, reason = %q", valid, reason)
	}
}

func TestRevoke_sendsReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["reason"] != "compromised" {
			t.Errorf("reason = %q", body["reason"])
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "weather-agent", "status": "revoked"})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	if err := c.Revoke(ctx, "weather-agent", "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
}
