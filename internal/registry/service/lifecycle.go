package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// RotationOutcome is returned by RotateCertificate.
type RotationOutcome struct {
	Agent   *model.AgentIdentity
	New     *identity.Certificate
	Old     *identity.Certificate
	CertPEM string
	// KeyPEM is the replacement private key, delivered once.
	KeyPEM string
}

// GetAgent returns the agent with the given name.
func (s *RegistrationService) GetAgent(ctx context.Context, name string) (*model.AgentIdentity, error) {
	return s.store.GetAgent(ctx, name)
}

// ListAgents returns registered agents, newest first.
func (s *RegistrationService) ListAgents(ctx context.Context, limit, offset int) ([]*model.AgentIdentity, error) {
	return s.store.ListAgents(ctx, limit, offset)
}

// CertificateHistory returns every certificate issued to the agent, newest
// first. Rotated and revoked certificates are retained forever.
func (s *RegistrationService) CertificateHistory(ctx context.Context, name string) ([]*identity.Certificate, error) {
	if _, err := s.store.GetAgent(ctx, name); err != nil {
		return nil, err
	}
	return s.store.CertificateHistory(ctx, name)
}

// ValidateCertificate checks the stored certificate with the given serial at
// the current time. Expiry is derived from the validity window on every call
// and never written back.
func (s *RegistrationService) ValidateCertificate(ctx context.Context, serial string) (identity.ValidationResult, error) {
	cert, err := s.store.GetCertificate(ctx, serial)
	if err != nil {
		return identity.ValidationResult{}, err
	}
	return cert.ValidateAt(time.Now()), nil
}

// Events queries the audit log.
func (s *RegistrationService) Events(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error) {
	return s.auditLog.Query(ctx, filter)
}

// RotateCertificate issues a replacement certificate for the agent and
// revokes the current one. The new certificate is persisted before the old
// one's revocation, so a crash between the two leaves both rows present and
// the revocation is re-applied on retry; history is never lost. A replacement
// persisted by a failed attempt is revoked, either immediately by
// compensation or by the next attempt's sweep, so no credential stays valid
// without an owner.
func (s *RegistrationService) RotateCertificate(ctx context.Context, name string) (*RotationOutcome, error) {
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if agent.Status == model.AgentStatusRevoked {
		return nil, &model.ErrValidation{Field: "status", Msg: "cannot rotate a revoked agent"}
	}

	old, err := s.store.GetCertificate(ctx, agent.CertSerial)
	if err != nil {
		return nil, fmt.Errorf("load current certificate: %w", err)
	}

	if err := s.revokeAbandonedSuccessors(ctx, name, old.SerialNumber); err != nil {
		return nil, err
	}

	rot, err := s.issuer.Rotate(old)
	if err != nil {
		return nil, &model.ErrCertificate{Failure: model.CertKeyGen, Reason: err.Error()}
	}

	if err := s.store.SaveCertificate(ctx, name, rot.New.Certificate); err != nil {
		return nil, err
	}
	if err := s.store.UpdateCertificate(ctx, rot.Old); err != nil {
		s.compensateRotation(ctx, name, rot.New.Certificate)
		return nil, err
	}

	agent.CertSerial = rot.New.Certificate.SerialNumber
	agent.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveAgent(ctx, agent); err != nil {
		s.compensateRotation(ctx, name, rot.New.Certificate)
		return nil, err
	}
	if s.vault != nil {
		if err := s.vault.Put(ctx, name, []byte(rot.New.KeyPEM)); err != nil {
			s.logger.Warn("sealing rotated key failed", zap.String("name", name), zap.Error(err))
		}
	}

	certificatesIssued.Inc()
	certificateRotations.Inc()
	s.recordEvent(ctx, model.SecurityEvent{
		EventType:   model.EventCertRotated,
		Severity:    model.SeverityInfo,
		Source:      "ans-system",
		Target:      name,
		Description: "certificate rotated",
		Details: map[string]string{
			"new_serial": rot.New.Certificate.SerialNumber,
			"old_serial": rot.Old.SerialNumber,
		},
	})
	s.logger.Info("certificate rotated",
		zap.String("name", name),
		zap.String("new_serial", rot.New.Certificate.SerialNumber),
		zap.String("old_serial", rot.Old.SerialNumber),
	)

	return &RotationOutcome{
		Agent:   agent,
		New:     rot.New.Certificate,
		Old:     rot.Old,
		CertPEM: rot.New.CertPEM,
		KeyPEM:  rot.New.KeyPEM,
	}, nil
}

// revokeAbandonedSuccessors revokes stored certificates that chain from the
// given serial but were never adopted as the agent's current certificate.
// Such rows exist when a previous rotation crashed after persisting its
// replacement; their private keys were never delivered, so the certificates
// are unusable and must not validate.
func (s *RegistrationService) revokeAbandonedSuccessors(ctx context.Context, name, fromSerial string) error {
	history, err := s.store.CertificateHistory(ctx, name)
	if err != nil {
		return fmt.Errorf("load certificate history: %w", err)
	}
	for _, cert := range history {
		if cert.RotatedFrom != fromSerial || cert.Status != identity.CertStatusValid {
			continue
		}
		cert.Revoke("abandoned by interrupted rotation", time.Now())
		if err := s.store.UpdateCertificate(ctx, cert); err != nil {
			return fmt.Errorf("revoke abandoned certificate %s: %w", cert.SerialNumber, err)
		}
		s.recordEvent(ctx, model.SecurityEvent{
			EventType:         model.EventCertRevoked,
			Severity:          model.SeverityLow,
			Source:            "ans-system",
			Target:            name,
			Description:       "revoked certificate left behind by an interrupted rotation",
			MitigationApplied: true,
			Details:           map[string]string{"serial": cert.SerialNumber},
		})
		s.logger.Warn("revoked abandoned rotation certificate",
			zap.String("name", name),
			zap.String("serial", cert.SerialNumber),
		)
	}
	return nil
}

// compensateRotation revokes a replacement certificate after a later step of
// the rotation failed, mirroring the registration pipeline's compensation.
// Best effort: if the revocation itself cannot be persisted, the next
// rotation attempt sweeps the leftover via revokeAbandonedSuccessors.
func (s *RegistrationService) compensateRotation(ctx context.Context, name string, cert *identity.Certificate) {
	s.issuer.Revoke(cert, "rotation failed after issuance")
	if err := s.store.UpdateCertificate(ctx, cert); err != nil {
		s.logger.Error("orphaned certificate left valid after failed rotation",
			zap.String("name", name),
			zap.String("serial", cert.SerialNumber),
			zap.Error(err),
		)
	}
}

// RevokeAgent revokes the agent's certificate and retires the identity.
// Terminal: a revoked agent never returns to active and its name stays
// claimed forever.
func (s *RegistrationService) RevokeAgent(ctx context.Context, name, reason string) error {
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	if !agent.Status.CanTransition(model.AgentStatusRevoked) {
		return &model.ErrValidation{Field: "status", Msg: fmt.Sprintf("cannot revoke agent in status %q", agent.Status)}
	}

	if agent.CertSerial != "" {
		cert, err := s.store.GetCertificate(ctx, agent.CertSerial)
		if err != nil {
			return fmt.Errorf("load current certificate: %w", err)
		}
		cert.Revoke(reason, time.Now())
		if err := s.store.UpdateCertificate(ctx, cert); err != nil {
			return err
		}
	}
	if err := s.store.UpdateAgentStatus(ctx, name, model.AgentStatusRevoked); err != nil {
		return err
	}
	if s.vault != nil {
		if err := s.vault.Delete(ctx, name); err != nil {
			s.logger.Warn("deleting sealed key failed", zap.String("name", name), zap.Error(err))
		}
	}

	s.recordEvent(ctx, model.SecurityEvent{
		EventType:         model.EventCertRevoked,
		Severity:          model.SeverityHigh,
		Source:            "ans-system",
		Target:            name,
		Description:       "agent revoked: " + reason,
		MitigationApplied: true,
		Details:           map[string]string{"serial": agent.CertSerial},
	})
	s.logger.Info("agent revoked", zap.String("name", name), zap.String("reason", reason))
	return nil
}

// SuspendAgent pauses the agent: its certificate stops validating and
// resolution reports it suspended. Reversible with RestoreAgent.
func (s *RegistrationService) SuspendAgent(ctx context.Context, name string) error {
	return s.transitionAgent(ctx, name, model.AgentStatusSuspended, func(cert *identity.Certificate) error {
		return cert.Suspend()
	})
}

// RestoreAgent returns a suspended agent to active.
func (s *RegistrationService) RestoreAgent(ctx context.Context, name string) error {
	return s.transitionAgent(ctx, name, model.AgentStatusActive, func(cert *identity.Certificate) error {
		return cert.Restore()
	})
}

// transitionAgent applies a reversible status change to the agent and its
// current certificate together.
func (s *RegistrationService) transitionAgent(ctx context.Context, name string, to model.AgentStatus, certOp func(*identity.Certificate) error) error {
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	if agent.Status == to {
		return nil
	}
	if !agent.Status.CanTransition(to) {
		return &model.ErrValidation{Field: "status", Msg: fmt.Sprintf("cannot move agent from %q to %q", agent.Status, to)}
	}

	if agent.CertSerial != "" {
		cert, err := s.store.GetCertificate(ctx, agent.CertSerial)
		if err != nil {
			return fmt.Errorf("load current certificate: %w", err)
		}
		if err := certOp(cert); err != nil {
			return &model.ErrCertificate{Failure: model.CertSuspended, Reason: err.Error()}
		}
		if err := s.store.UpdateCertificate(ctx, cert); err != nil {
			return err
		}
	}
	if err := s.store.UpdateAgentStatus(ctx, name, to); err != nil {
		return err
	}

	s.recordEvent(ctx, model.SecurityEvent{
		EventType:   model.EventStatusChanged,
		Severity:    model.SeverityLow,
		Source:      "ans-system",
		Target:      name,
		Description: fmt.Sprintf("agent status changed from %s to %s", agent.Status, to),
	})
	return nil
}
