// Package resolver implements the read path of the directory: it translates
// an agent name into its current identity record, endpoint, and certificate
// standing. Results are cached in-memory with a configurable TTL to keep
// resolution latency flat under read-heavy load.
package resolver

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
	"github.com/ruvnet/agent-name-service/internal/registry/repository"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ans",
		Subsystem: "resolver",
		Name:      "cache_hits_total",
		Help:      "Resolutions served from the cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ans",
		Subsystem: "resolver",
		Name:      "cache_misses_total",
		Help:      "Resolutions that required a store lookup.",
	})
)

// Resolution is the public view of an agent returned by the read path.
// The certificate fields always reflect a fresh validation of the stored
// certificate at resolution time (subject to the cache TTL).
type Resolution struct {
	Name           string             `json:"name"`
	Status         model.AgentStatus  `json:"status"`
	Endpoint       string             `json:"endpoint,omitempty"`
	Provider       string             `json:"provider,omitempty"`
	Capabilities   []string           `json:"capabilities,omitempty"`
	CertSerial     string             `json:"cert_serial,omitempty"`
	Fingerprint    string             `json:"cert_fingerprint,omitempty"`
	CertStatus     identity.CertStatus `json:"cert_status,omitempty"`
	CertValid      bool               `json:"cert_valid"`
	ThreatSeverity string             `json:"threat_severity,omitempty"`
	ResolvedAt     time.Time          `json:"resolved_at"`
}

// Service resolves agent names against the store with a TTL cache in front.
type Service struct {
	store  repository.Store
	cache  *gocache.Cache // nil = caching disabled
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a resolver Service. ttl = 0 disables caching.
func New(store repository.Store, ttl time.Duration, logger *zap.Logger) *Service {
	s := &Service{store: store, ttl: ttl, logger: logger}
	if ttl > 0 {
		s.cache = gocache.New(ttl, 2*ttl)
	}
	return s
}

// Resolve returns the current resolution for the named agent. A name that
// was never registered returns model.ErrNotFound; revoked and suspended
// agents still resolve, with their standing reported in the result.
func (s *Service) Resolve(ctx context.Context, name string) (*Resolution, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(name); ok {
			cacheHits.Inc()
			res := cached.(Resolution)
			return &res, nil
		}
	}
	cacheMisses.Inc()

	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}

	res := Resolution{
		Name:           agent.Name,
		Status:         agent.Status,
		Endpoint:       agent.Metadata.Endpoint,
		Provider:       agent.Metadata.Provider,
		Capabilities:   agent.Metadata.Capabilities,
		CertSerial:     agent.CertSerial,
		ThreatSeverity: agent.ThreatSeverity,
		ResolvedAt:     time.Now().UTC(),
	}

	if agent.CertSerial != "" {
		cert, err := s.store.GetCertificate(ctx, agent.CertSerial)
		if err != nil {
			return nil, err
		}
		validation := cert.ValidateAt(time.Now())
		res.Fingerprint = cert.Fingerprint
		res.CertStatus = validation.Status
		res.CertValid = validation.Valid
	}

	if s.cache != nil {
		s.cache.Set(name, res, gocache.DefaultExpiration)
	}

	s.logger.Debug("resolved",
		zap.String("name", name),
		zap.String("status", string(res.Status)),
		zap.Bool("cert_valid", res.CertValid),
	)
	out := res
	return &out, nil
}

// Invalidate drops the cached resolution for a name. Lifecycle operations
// (rotation, revocation, suspension) call this so standing changes are
// visible immediately instead of after TTL expiry.
func (s *Service) Invalidate(name string) {
	if s.cache != nil {
		s.cache.Delete(name)
	}
}

// CacheLen returns the number of cached resolutions, for health reporting.
func (s *Service) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.ItemCount()
}
