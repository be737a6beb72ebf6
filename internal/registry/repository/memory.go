package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// maxAttemptsPerSource bounds the retained attempt history per source IP.
const maxAttemptsPerSource = 64

var errDuplicateSerial = errors.New("certificate serial already exists")

// MemoryStore is a thread-safe in-memory Store. It backs tests and the
// storage.driver=memory deployment mode; nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	agents map[string]*model.AgentIdentity // keyed by name
	certs  map[string]*identity.Certificate
	// certOwner maps certificate serial to the owning agent name.
	certOwner map[string]string
	// certOrder preserves issuance order per agent for history queries.
	certOrder map[string][]string
	attempts  map[string][]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*model.AgentIdentity),
		certs:     make(map[string]*identity.Certificate),
		certOwner: make(map[string]string),
		certOrder: make(map[string][]string),
		attempts:  make(map[string][]time.Time),
	}
}

// SaveAgent implements Store.
func (s *MemoryStore) SaveAgent(_ context.Context, agent *model.AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[agent.Name] = &cp
	return nil
}

// GetAgent implements Store.
func (s *MemoryStore) GetAgent(_ context.Context, name string) (*model.AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[name]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

// ListAgents implements Store.
func (s *MemoryStore) ListAgents(_ context.Context, limit, offset int) ([]*model.AgentIdentity, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*model.AgentIdentity, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].Name < all[j].Name
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// UpdateAgentStatus implements Store.
func (s *MemoryStore) UpdateAgentStatus(_ context.Context, name string, status model.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[name]
	if !ok {
		return model.ErrNotFound
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveCertificate implements Store.
func (s *MemoryStore) SaveCertificate(_ context.Context, agentName string, cert *identity.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.certs[cert.SerialNumber]; exists {
		return &model.ErrStorage{Op: "save certificate", Err: errDuplicateSerial}
	}
	cp := *cert
	s.certs[cert.SerialNumber] = &cp
	s.certOwner[cert.SerialNumber] = agentName
	s.certOrder[agentName] = append(s.certOrder[agentName], cert.SerialNumber)
	return nil
}

// GetCertificate implements Store.
func (s *MemoryStore) GetCertificate(_ context.Context, serial string) (*identity.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[serial]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *cert
	return &cp, nil
}

// UpdateCertificate implements Store.
func (s *MemoryStore) UpdateCertificate(_ context.Context, cert *identity.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[cert.SerialNumber]; !ok {
		return model.ErrNotFound
	}
	cp := *cert
	s.certs[cert.SerialNumber] = &cp
	return nil
}

// CertificateHistory implements Store.
func (s *MemoryStore) CertificateHistory(_ context.Context, agentName string) ([]*identity.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	serials := s.certOrder[agentName]
	out := make([]*identity.Certificate, 0, len(serials))
	for i := len(serials) - 1; i >= 0; i-- { // newest first
		cp := *s.certs[serials[i]]
		out = append(out, &cp)
	}
	return out, nil
}

// RecordAttempt implements Store.
func (s *MemoryStore) RecordAttempt(_ context.Context, sourceIP string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.attempts[sourceIP], at.UTC())
	if len(hist) > maxAttemptsPerSource {
		hist = hist[len(hist)-maxAttemptsPerSource:]
	}
	s.attempts[sourceIP] = hist
	return nil
}

// RecentAttempts implements Store.
func (s *MemoryStore) RecentAttempts(_ context.Context, sourceIP string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []time.Time
	for _, t := range s.attempts[sourceIP] {
		if !t.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }
