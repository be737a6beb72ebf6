package resolver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
	"github.com/ruvnet/agent-name-service/internal/registry/repository"
	"github.com/ruvnet/agent-name-service/internal/resolver"
)

var ctx = context.Background()

func seedAgent(t *testing.T, store *repository.MemoryStore, name string) *identity.Certificate {
	t.Helper()
	now := time.Now().UTC()

	cert := &identity.Certificate{
		SerialNumber: "serial-" + name,
		Subject:      "CN=" + name,
		Issuer:       "CN=Agent Name Service Root CA",
		ValidFrom:    now.Add(-time.Minute),
		ValidTo:      now.Add(24 * time.Hour),
		PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\n" + name + "\n-----END PUBLIC KEY-----\n",
		Status:       identity.CertStatusValid,
	}
	cert.Fingerprint = cert.ComputeFingerprint()
	if err := store.SaveCertificate(ctx, name, cert); err != nil {
		t.Fatal(err)
	}

	agent := &model.AgentIdentity{
		ID:   uuid.New(),
		Name: name,
		Metadata: model.AgentMetadata{
			Endpoint:     "https://" + name + ".example.com",
			Capabilities: []string{"http-fetch"},
		},
		Status:         model.AgentStatusActive,
		CertSerial:     cert.SerialNumber,
		ThreatSeverity: "LOW",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.SaveAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestResolve_returnsCurrentIdentity(t *testing.T) {
	store := repository.NewMemoryStore()
	cert := seedAgent(t, store, "weather-agent")
	svc := resolver.New(store, time.Minute, zap.NewNop())

	res, err := svc.Resolve(ctx, "weather-agent")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Fingerprint != cert.Fingerprint {
		t.Errorf("fingerprint = %q, want the stored certificate's", res.Fingerprint)
	}
	if !res.CertValid {
		t.Error("valid certificate reported invalid")
	}
	if res.Endpoint != "https://weather-agent.example.com" {
		t.Errorf("endpoint = %q", res.Endpoint)
	}

	// A repeat resolve returns the identical fingerprint.
	again, err := svc.Resolve(ctx, "weather-agent")
	if err != nil {
		t.Fatal(err)
	}
	if again.Fingerprint != res.Fingerprint {
		t.Error("fingerprint changed between resolves")
	}
}

func TestResolve_unknownName(t *testing.T) {
	svc := resolver.New(repository.NewMemoryStore(), time.Minute, zap.NewNop())
	if _, err := svc.Resolve(ctx, "ghost-agent"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_cacheServesUntilInvalidated(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAgent(t, store, "weather-agent")
	svc := resolver.New(store, time.Minute, zap.NewNop())

	if _, err := svc.Resolve(ctx, "weather-agent"); err != nil {
		t.Fatal(err)
	}
	if svc.CacheLen() != 1 {
		t.Fatalf("cache len = %d, want 1", svc.CacheLen())
	}

	// A status change invisible to the cache is still served stale.
	if err := store.UpdateAgentStatus(ctx, "weather-agent", model.AgentStatusSuspended); err != nil {
		t.Fatal(err)
	}
	res, _ := svc.Resolve(ctx, "weather-agent")
	if res.Status != model.AgentStatusActive {
		t.Errorf("cached status = %s, expected the stale active entry", res.Status)
	}

	// Invalidation makes the change visible immediately.
	svc.Invalidate("weather-agent")
	res, err := svc.Resolve(ctx, "weather-agent")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.AgentStatusSuspended {
		t.Errorf("status after invalidate = %s, want suspended", res.Status)
	}
}

func TestResolve_revokedCertReported(t *testing.T) {
	store := repository.NewMemoryStore()
	cert := seedAgent(t, store, "weather-agent")
	svc := resolver.New(store, 0, zap.NewNop()) // no cache

	cert.Revoke("compromised", time.Now())
	if err := store.UpdateCertificate(ctx, cert); err != nil {
		t.Fatal(err)
	}
	_ = store.UpdateAgentStatus(ctx, "weather-agent", model.AgentStatusRevoked)

	res, err := svc.Resolve(ctx, "weather-agent")
	if err != nil {
		t.Fatal(err)
	}
	if res.CertValid {
		t.Error("revoked certificate reported valid")
	}
	if res.CertStatus != identity.CertStatusRevoked {
		t.Errorf("cert status = %s, want revoked", res.CertStatus)
	}
	if res.Status != model.AgentStatusRevoked {
		t.Errorf("agent status = %s, want revoked", res.Status)
	}
}

func TestResolve_cachingDisabled(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAgent(t, store, "weather-agent")
	svc := resolver.New(store, 0, zap.NewNop())

	if _, err := svc.Resolve(ctx, "weather-agent"); err != nil {
		t.Fatal(err)
	}
	if svc.CacheLen() != 0 {
		t.Errorf("cache len = %d with caching disabled", svc.CacheLen())
	}

	// Writes are visible on the next resolve without invalidation.
	_ = store.UpdateAgentStatus(ctx, "weather-agent", model.AgentStatusDeprecated)
	res, _ := svc.Resolve(ctx, "weather-agent")
	if res.Status != model.AgentStatusDeprecated {
		t.Errorf("status = %s, want deprecated", res.Status)
	}
}
