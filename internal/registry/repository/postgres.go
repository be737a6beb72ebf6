package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// PostgresStore persists agents and certificates to PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveAgent implements Store. Upserts on name; created_at is preserved on
// conflict so re-saves never rewrite admission time.
func (s *PostgresStore) SaveAgent(ctx context.Context, agent *model.AgentIdentity) error {
	meta, err := json.Marshal(agent.Metadata)
	if err != nil {
		return &model.ErrStorage{Op: "save agent", Err: fmt.Errorf("marshal metadata: %w", err)}
	}

	query := `
		INSERT INTO agents (
			id, name, metadata, status, cert_serial,
			threat_score, threat_severity, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			metadata        = EXCLUDED.metadata,
			status          = EXCLUDED.status,
			cert_serial     = EXCLUDED.cert_serial,
			threat_score    = EXCLUDED.threat_score,
			threat_severity = EXCLUDED.threat_severity,
			updated_at      = EXCLUDED.updated_at`

	_, err = s.db.Exec(ctx, query,
		agent.ID, agent.Name, meta, agent.Status, agent.CertSerial,
		agent.ThreatScore, agent.ThreatSeverity, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return &model.ErrStorage{Op: "save agent", Err: err}
	}
	return nil
}

// GetAgent implements Store.
func (s *PostgresStore) GetAgent(ctx context.Context, name string) (*model.AgentIdentity, error) {
	query := `
		SELECT id, name, metadata, status, cert_serial,
		       threat_score, threat_severity, created_at, updated_at
		FROM agents WHERE name = $1`

	agent, err := scanAgent(s.db.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, &model.ErrStorage{Op: "get agent", Err: err}
	}
	return agent, nil
}

// ListAgents implements Store.
func (s *PostgresStore) ListAgents(ctx context.Context, limit, offset int) ([]*model.AgentIdentity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, name, metadata, status, cert_serial,
		       threat_score, threat_severity, created_at, updated_at
		FROM agents
		ORDER BY created_at DESC, name ASC
		LIMIT $1 OFFSET $2`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, &model.ErrStorage{Op: "list agents", Err: err}
	}
	defer rows.Close()

	var agents []*model.AgentIdentity
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, &model.ErrStorage{Op: "list agents", Err: err}
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus implements Store.
func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, name string, status model.AgentStatus) error {
	query := `UPDATE agents SET status = $2, updated_at = $3 WHERE name = $1`
	tag, err := s.db.Exec(ctx, query, name, status, time.Now().UTC())
	if err != nil {
		return &model.ErrStorage{Op: "update agent status", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SaveCertificate implements Store.
func (s *PostgresStore) SaveCertificate(ctx context.Context, agentName string, cert *identity.Certificate) error {
	query := `
		INSERT INTO certificates (
			serial_number, agent_name, subject, issuer,
			valid_from, valid_to, public_key_pem, fingerprint,
			status, rotated_from, revoked_at, revocation_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.Exec(ctx, query,
		cert.SerialNumber, agentName, cert.Subject, cert.Issuer,
		cert.ValidFrom, cert.ValidTo, cert.PublicKeyPEM, cert.Fingerprint,
		cert.Status, cert.RotatedFrom, cert.RevokedAt, cert.RevocationReason,
	)
	if err != nil {
		return &model.ErrStorage{Op: "save certificate", Err: err}
	}
	return nil
}

// GetCertificate implements Store.
func (s *PostgresStore) GetCertificate(ctx context.Context, serial string) (*identity.Certificate, error) {
	query := `
		SELECT serial_number, subject, issuer, valid_from, valid_to,
		       public_key_pem, fingerprint, status, rotated_from,
		       revoked_at, revocation_reason
		FROM certificates WHERE serial_number = $1`

	cert, err := scanCertificate(s.db.QueryRow(ctx, query, serial))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, &model.ErrStorage{Op: "get certificate", Err: err}
	}
	return cert, nil
}

// UpdateCertificate implements Store.
func (s *PostgresStore) UpdateCertificate(ctx context.Context, cert *identity.Certificate) error {
	query := `
		UPDATE certificates SET
			status            = $2,
			rotated_from      = $3,
			revoked_at        = $4,
			revocation_reason = $5
		WHERE serial_number = $1`

	tag, err := s.db.Exec(ctx, query,
		cert.SerialNumber, cert.Status, cert.RotatedFrom,
		cert.RevokedAt, cert.RevocationReason,
	)
	if err != nil {
		return &model.ErrStorage{Op: "update certificate", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CertificateHistory implements Store.
func (s *PostgresStore) CertificateHistory(ctx context.Context, agentName string) ([]*identity.Certificate, error) {
	query := `
		SELECT serial_number, subject, issuer, valid_from, valid_to,
		       public_key_pem, fingerprint, status, rotated_from,
		       revoked_at, revocation_reason
		FROM certificates
		WHERE agent_name = $1
		ORDER BY valid_from DESC`

	rows, err := s.db.Query(ctx, query, agentName)
	if err != nil {
		return nil, &model.ErrStorage{Op: "certificate history", Err: err}
	}
	defer rows.Close()

	var certs []*identity.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, &model.ErrStorage{Op: "certificate history", Err: err}
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

// RecordAttempt implements Store.
func (s *PostgresStore) RecordAttempt(ctx context.Context, sourceIP string, at time.Time) error {
	query := `INSERT INTO registration_attempts (source_ip, attempted_at) VALUES ($1, $2)`
	if _, err := s.db.Exec(ctx, query, sourceIP, at.UTC()); err != nil {
		return &model.ErrStorage{Op: "record attempt", Err: err}
	}
	return nil
}

// RecentAttempts implements Store.
func (s *PostgresStore) RecentAttempts(ctx context.Context, sourceIP string, since time.Time) ([]time.Time, error) {
	query := `
		SELECT attempted_at FROM registration_attempts
		WHERE source_ip = $1 AND attempted_at >= $2
		ORDER BY attempted_at ASC`

	rows, err := s.db.Query(ctx, query, sourceIP, since.UTC())
	if err != nil {
		return nil, &model.ErrStorage{Op: "recent attempts", Err: err}
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, &model.ErrStorage{Op: "recent attempts", Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// scanAgent reads one agent row. Works for both QueryRow and Rows cursors.
func scanAgent(row pgx.Row) (*model.AgentIdentity, error) {
	var a model.AgentIdentity
	var metaRaw []byte

	err := row.Scan(
		&a.ID, &a.Name, &metaRaw, &a.Status, &a.CertSerial,
		&a.ThreatScore, &a.ThreatSeverity, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}

// scanCertificate reads one certificate row.
func scanCertificate(row pgx.Row) (*identity.Certificate, error) {
	var c identity.Certificate
	err := row.Scan(
		&c.SerialNumber, &c.Subject, &c.Issuer, &c.ValidFrom, &c.ValidTo,
		&c.PublicKeyPEM, &c.Fingerprint, &c.Status, &c.RotatedFrom,
		&c.RevokedAt, &c.RevocationReason,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
