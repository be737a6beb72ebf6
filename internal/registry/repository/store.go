// Package repository provides persistence for agent identities, their
// certificate history, and registration attempt tracking. Two
// implementations exist: MemoryStore for tests and single-process
// deployments, PostgresStore for production.
package repository

import (
	"context"
	"time"

	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// Store is the persistence interface for the registry.
//
// Agents are keyed by name and upserted; they are never hard-deleted, only
// moved to revoked. Certificates are insert-only: rotation and revocation
// update the status of existing rows but every issued certificate remains
// queryable forever.
type Store interface {
	// SaveAgent inserts or updates the agent record keyed by name.
	SaveAgent(ctx context.Context, agent *model.AgentIdentity) error

	// GetAgent returns the agent with the given name, or model.ErrNotFound.
	GetAgent(ctx context.Context, name string) (*model.AgentIdentity, error)

	// ListAgents returns agents ordered by creation time, newest first.
	ListAgents(ctx context.Context, limit, offset int) ([]*model.AgentIdentity, error)

	// UpdateAgentStatus changes an agent's lifecycle status.
	UpdateAgentStatus(ctx context.Context, name string, status model.AgentStatus) error

	// SaveCertificate records a newly issued certificate for the agent.
	// Insert-only; serial numbers are unique.
	SaveCertificate(ctx context.Context, agentName string, cert *identity.Certificate) error

	// GetCertificate returns the certificate with the given serial.
	GetCertificate(ctx context.Context, serial string) (*identity.Certificate, error)

	// UpdateCertificate persists status changes (revocation, suspension,
	// rotation links) to an existing certificate row.
	UpdateCertificate(ctx context.Context, cert *identity.Certificate) error

	// CertificateHistory returns every certificate ever issued to the agent,
	// newest first. History survives rotation and revocation.
	CertificateHistory(ctx context.Context, agentName string) ([]*identity.Certificate, error)

	// RecordAttempt notes a registration attempt from the given source.
	RecordAttempt(ctx context.Context, sourceIP string, at time.Time) error

	// RecentAttempts returns attempt timestamps from the source since the
	// given instant, oldest first.
	RecentAttempts(ctx context.Context, sourceIP string, since time.Time) ([]time.Time, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}
