// Package service contains the registration admission pipeline and agent
// lifecycle operations. Register is the single entry point for admitting an
// agent: it validates the name and metadata, checks the rate budget, issues
// and validates an identity certificate, scores the submission for threats,
// and either persists the accepted identity or compensates by revoking the
// just-issued certificate.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/audit"
	"github.com/ruvnet/agent-name-service/internal/identity"
	"github.com/ruvnet/agent-name-service/internal/ratelimit"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
	"github.com/ruvnet/agent-name-service/internal/registry/repository"
	"github.com/ruvnet/agent-name-service/internal/threat"
)

// Stage identifies where a registration attempt is in the admission pipeline.
// Stages advance strictly forward; a failure at any stage terminates the
// attempt there.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageNameValidated     Stage = "NAME_VALIDATED"
	StageRateChecked       Stage = "RATE_CHECKED"
	StageMetadataValidated Stage = "METADATA_VALIDATED"
	StageCertIssued        Stage = "CERT_ISSUED"
	StageCertValidated     Stage = "CERT_VALIDATED"
	StageScored            Stage = "SCORED"
	StageAccepted          Stage = "ACCEPTED"
	StageRejected          Stage = "REJECTED"
)

// attemptHistoryWindow is how far back the pipeline looks for prior
// registration attempts when feeding the rapid-registration detector.
const attemptHistoryWindow = 10 * time.Minute

// RegistrationResult is returned on successful admission.
type RegistrationResult struct {
	Agent       *model.AgentIdentity
	Certificate *identity.Certificate

	// CertPEM is the X.509 agent certificate in PEM format.
	CertPEM string
	// KeyPEM is the agent's private key, delivered once at registration.
	// The registry keeps only a sealed copy (when a vault is configured).
	KeyPEM string
	// CAPEM is the root CA certificate for the agent's trust store.
	CAPEM string

	Report *threat.Report

	// Endorsement is a signed JWT attesting that this registry admitted the
	// agent. Empty when no token issuer is configured.
	Endorsement string
}

// RegistrationService runs the admission pipeline.
type RegistrationService struct {
	store    repository.Store
	issuer   *identity.Issuer
	scorer   threat.Scorer
	limiter  ratelimit.Limiter
	auditLog audit.Log
	logger   *zap.Logger

	tokens   *identity.TokenIssuer // nil = no endorsement JWTs
	enricher threat.Enricher       // nil = local scoring only
	vault    repository.KeyVault   // nil = private keys are not retained
}

// NewRegistrationService creates a RegistrationService with the required
// collaborators. Optional ones are attached with the Set methods.
func NewRegistrationService(
	store repository.Store,
	issuer *identity.Issuer,
	scorer threat.Scorer,
	limiter ratelimit.Limiter,
	auditLog audit.Log,
	logger *zap.Logger,
) *RegistrationService {
	return &RegistrationService{
		store:    store,
		issuer:   issuer,
		scorer:   scorer,
		limiter:  limiter,
		auditLog: auditLog,
		logger:   logger,
	}
}

// SetTokenIssuer enables signed endorsement JWTs on successful registration.
func (s *RegistrationService) SetTokenIssuer(t *identity.TokenIssuer) { s.tokens = t }

// SetEnricher enables the optional external classifier. The local score
// remains the floor; enrichment failures degrade to local-only scoring.
func (s *RegistrationService) SetEnricher(e threat.Enricher) { s.enricher = e }

// SetKeyVault enables sealed retention of issued private keys.
func (s *RegistrationService) SetKeyVault(v repository.KeyVault) { s.vault = v }

// recordEvent appends to the audit log in a non-fatal manner. Losing an
// audit write is logged loudly but never fails the registration it describes.
func (s *RegistrationService) recordEvent(ctx context.Context, ev model.SecurityEvent) {
	if _, err := s.auditLog.Append(ctx, ev); err != nil {
		s.logger.Error("audit append failed (non-fatal)",
			zap.String("event_type", ev.EventType),
			zap.String("target", ev.Target),
			zap.Error(err),
		)
	}
}

// Register admits or rejects a registration request. On rejection nothing is
// persisted to the agent store; the only durable traces are audit events.
func (s *RegistrationService) Register(ctx context.Context, req *model.RegisterRequest) (*RegistrationResult, error) {
	stage := StageReceived
	log := s.logger.With(zap.String("name", req.Name), zap.String("source_ip", req.SourceIP))

	// Name validation.
	if err := model.ValidateName(req.Name); err != nil {
		registrationsTotal.WithLabelValues("invalid_name").Inc()
		return nil, err
	}
	if existing, err := s.store.GetAgent(ctx, req.Name); err == nil {
		registrationsTotal.WithLabelValues("name_conflict").Inc()
		// Revoked names stay retired so a revoked identity cannot be
		// re-claimed and impersonated.
		if existing.Status == model.AgentStatusRevoked {
			return nil, &model.ErrValidation{Field: "name", Msg: "name is retired"}
		}
		return nil, &model.ErrValidation{Field: "name", Msg: "name is already registered"}
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	stage = StageNameValidated

	// Rate check. A limiter backend failure fails open: naming availability
	// outranks strict limiting, and the degradation is audited.
	decision, err := s.limiter.Allow(ctx, req.SourceIP)
	if err != nil {
		log.Warn("rate limiter unavailable, failing open", zap.Error(err))
		s.recordEvent(ctx, model.SecurityEvent{
			EventType:   model.EventEnrichmentDegraded,
			Severity:    model.SeverityLow,
			Source:      req.SourceIP,
			Target:      req.Name,
			Description: "rate limiter backend unavailable; admission proceeded without rate check",
		})
	} else if !decision.Allowed {
		registrationsTotal.WithLabelValues("rate_limited").Inc()
		s.recordEvent(ctx, model.SecurityEvent{
			EventType:         model.EventRateLimitExceeded,
			Severity:          model.SeverityMedium,
			Source:            req.SourceIP,
			Target:            req.Name,
			Description:       "registration rate limit exceeded",
			MitigationApplied: true,
			Details:           map[string]string{"retry_after": decision.RetryAfter.String()},
		})
		return nil, &model.ErrRateLimited{RetryAfter: decision.RetryAfter}
	}
	stage = StageRateChecked

	// Metadata validation.
	if err := model.ValidateMetadata(req.Metadata); err != nil {
		registrationsTotal.WithLabelValues("invalid_metadata").Inc()
		return nil, err
	}
	stage = StageMetadataValidated

	// Attempt history feeds the rapid-registration detector. Recording
	// failures are tolerated; scoring proceeds with whatever history exists.
	now := time.Now().UTC()
	if err := s.store.RecordAttempt(ctx, req.SourceIP, now); err != nil {
		log.Warn("record attempt failed", zap.Error(err))
	}
	history, err := s.store.RecentAttempts(ctx, req.SourceIP, now.Add(-attemptHistoryWindow))
	if err != nil {
		log.Warn("attempt history unavailable", zap.Error(err))
		history = nil
	}

	// Certificate issuance. The identity exists before scoring so a rejected
	// attempt exercises the full revocation path.
	issued, err := s.issuer.Issue(req.Name)
	if err != nil {
		registrationsTotal.WithLabelValues("cert_failure").Inc()
		if errors.Is(err, identity.ErrKeyGeneration) {
			return nil, &model.ErrCertificate{Failure: model.CertKeyGen, Reason: err.Error()}
		}
		return nil, &model.ErrCertificate{Failure: model.CertMalformed, Reason: err.Error()}
	}
	stage = StageCertIssued
	certificatesIssued.Inc()

	if result := s.issuer.Validate(issued.Certificate); !result.Valid {
		s.issuer.Revoke(issued.Certificate, "failed post-issuance validation")
		registrationsTotal.WithLabelValues("cert_failure").Inc()
		return nil, &model.ErrCertificate{Failure: model.CertMalformed, Reason: result.Reason}
	}
	stage = StageCertValidated

	// Threat scoring.
	report := s.scoreSubmission(ctx, req, history)
	stage = StageScored
	threatScoreObserved.Observe(float64(report.ThreatScore))

	if report.Severity.AtLeast(threat.SeverityMedium) {
		s.recordEvent(ctx, model.SecurityEvent{
			EventType:   model.EventThreatDetected,
			Severity:    auditSeverity(report.Severity),
			Source:      req.SourceIP,
			Target:      req.Name,
			Description: fmt.Sprintf("threat score %d (%s)", report.ThreatScore, report.Severity),
			Details:     threatDetails(report),
		})
	}

	// Admission decision. Rejection compensates by revoking the certificate
	// issued two stages ago; the agent itself was never persisted.
	if report.HasAction(threat.ActionReject) {
		stage = StageRejected
		s.issuer.Revoke(issued.Certificate, "registration rejected by security policy")
		registrationsTotal.WithLabelValues("rejected").Inc()
		s.recordEvent(ctx, model.SecurityEvent{
			EventType:         model.EventRegistrationRejected,
			Severity:          auditSeverity(report.Severity),
			Source:            req.SourceIP,
			Target:            req.Name,
			Description:       fmt.Sprintf("registration rejected: score %d (%s)", report.ThreatScore, report.Severity),
			MitigationApplied: true,
			Details: map[string]string{
				"cert_serial": issued.Certificate.SerialNumber,
				"stage":       string(stage),
			},
		})
		log.Info("registration rejected",
			zap.Int("threat_score", report.ThreatScore),
			zap.String("severity", string(report.Severity)),
		)
		return nil, &model.ErrRejectedByPolicy{Score: report.ThreatScore, Severity: string(report.Severity)}
	}

	// Persist: certificate row first, then the agent pointing at it.
	agent := &model.AgentIdentity{
		ID:             uuid.New(),
		Name:           req.Name,
		Metadata:       req.Metadata,
		Status:         model.AgentStatusActive,
		CertSerial:     issued.Certificate.SerialNumber,
		ThreatScore:    report.ThreatScore,
		ThreatSeverity: string(report.Severity),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.SaveCertificate(ctx, req.Name, issued.Certificate); err != nil {
		s.issuer.Revoke(issued.Certificate, "persistence failure during registration")
		registrationsTotal.WithLabelValues("storage_failure").Inc()
		return nil, err
	}
	if err := s.store.SaveAgent(ctx, agent); err != nil {
		s.issuer.Revoke(issued.Certificate, "persistence failure during registration")
		if uerr := s.store.UpdateCertificate(ctx, issued.Certificate); uerr != nil {
			log.Error("orphaned certificate left valid after failed agent save",
				zap.String("serial", issued.Certificate.SerialNumber), zap.Error(uerr))
		}
		registrationsTotal.WithLabelValues("storage_failure").Inc()
		return nil, err
	}
	if s.vault != nil {
		if err := s.vault.Put(ctx, req.Name, []byte(issued.KeyPEM)); err != nil {
			log.Warn("sealing issued key failed", zap.Error(err))
		}
	}
	stage = StageAccepted

	s.recordEvent(ctx, model.SecurityEvent{
		EventType:   model.EventCertIssued,
		Severity:    model.SeverityInfo,
		Source:      "ans-system",
		Target:      req.Name,
		Description: "identity certificate issued",
		Details:     map[string]string{"serial": issued.Certificate.SerialNumber},
	})
	s.recordEvent(ctx, model.SecurityEvent{
		EventType:   model.EventRegistrationAccepted,
		Severity:    model.SeverityInfo,
		Source:      req.SourceIP,
		Target:      req.Name,
		Description: fmt.Sprintf("agent admitted with score %d (%s)", report.ThreatScore, report.Severity),
	})
	registrationsTotal.WithLabelValues("accepted").Inc()

	result := &RegistrationResult{
		Agent:       agent,
		Certificate: issued.Certificate,
		CertPEM:     issued.CertPEM,
		KeyPEM:      issued.KeyPEM,
		CAPEM:       s.issuer.CACertPEM(),
		Report:      report,
	}
	if s.tokens != nil {
		endorsement, err := s.tokens.IssueEndorsement(
			agent.Name, issued.Certificate.Fingerprint,
			issued.Certificate.SerialNumber, string(report.Severity),
		)
		if err != nil {
			log.Warn("endorsement signing failed", zap.Error(err))
		} else {
			result.Endorsement = endorsement
		}
	}

	log.Info("registration accepted",
		zap.String("agent_id", agent.ID.String()),
		zap.Int("threat_score", report.ThreatScore),
		zap.String("cert_serial", issued.Certificate.SerialNumber),
	)
	return result, nil
}

// scoreSubmission runs the local scorer and, when configured, merges in the
// external classifier's verdict. The external call is bounded and its failure
// degrades to local-only scoring with an audited LOW event.
func (s *RegistrationService) scoreSubmission(ctx context.Context, req *model.RegisterRequest, history []time.Time) *threat.Report {
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		metadataJSON = nil
	}
	sub := threat.Submission{
		Name:         req.Name,
		Description:  req.Metadata.Description,
		Capabilities: req.Metadata.Capabilities,
		MetadataJSON: string(metadataJSON),
		SourceIP:     req.SourceIP,
		History:      history,
	}

	local := s.scorer.Score(sub)
	if s.enricher == nil {
		return local
	}

	enrichCtx, cancel := context.WithTimeout(ctx, threat.EnrichTimeout)
	defer cancel()

	verdict, err := s.enricher.Enrich(enrichCtx, sub)
	if err != nil {
		enrichmentFailures.Inc()
		s.logger.Warn("threat enrichment degraded", zap.String("name", req.Name), zap.Error(err))
		s.recordEvent(ctx, model.SecurityEvent{
			EventType:   model.EventEnrichmentDegraded,
			Severity:    model.SeverityLow,
			Source:      "ans-system",
			Target:      req.Name,
			Description: "external classifier unavailable; local score used alone",
		})
		return local
	}
	// The merged severity is recomputed from the combined score; use the
	// scorer's own thresholds when it exposes them.
	var cfg *threat.Config
	if c, ok := s.scorer.(interface{ Config() *threat.Config }); ok {
		cfg = c.Config()
	}
	return threat.Merge(cfg, local, verdict)
}

// auditSeverity maps a threat severity onto the audit event scale.
func auditSeverity(sev threat.Severity) model.EventSeverity {
	switch sev {
	case threat.SeverityCritical:
		return model.SeverityCritical
	case threat.SeverityHigh:
		return model.SeverityHigh
	case threat.SeverityMedium:
		return model.SeverityMedium
	case threat.SeverityLow:
		return model.SeverityLow
	default:
		return model.SeverityInfo
	}
}

// threatDetails flattens a report's categories for the audit record.
func threatDetails(report *threat.Report) map[string]string {
	details := make(map[string]string, len(report.DetectedThreats)+1)
	details["score"] = fmt.Sprintf("%d", report.ThreatScore)
	for _, cat := range report.DetectedThreats {
		details[string(cat)] = report.ThreatCategories[cat].Evidence
	}
	return details
}
