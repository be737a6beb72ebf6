package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// CertStatus is the lifecycle state of an issued certificate.
//
// The state machine: VALID → EXPIRED is derived from the validity window at
// validation time and never stored; VALID → REVOKED is explicit and terminal;
// VALID ↔ SUSPENDED is an explicit, reversible administrative action.
type CertStatus string

const (
	CertStatusValid     CertStatus = "valid"
	CertStatusExpired   CertStatus = "expired"
	CertStatusRevoked   CertStatus = "revoked"
	CertStatusSuspended CertStatus = "suspended"
)

// Certificate is the identity record handed to a registered agent. The
// Fingerprint is a deterministic hash over the canonical fields; any mismatch
// between the stored fingerprint and a fresh recomputation is tamper evidence.
type Certificate struct {
	SerialNumber string     `json:"serial_number"`
	Subject      string     `json:"subject"`
	Issuer       string     `json:"issuer"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      time.Time  `json:"valid_to"`
	PublicKeyPEM string     `json:"public_key_pem"`
	Fingerprint  string     `json:"fingerprint"`
	Status       CertStatus `json:"status"`

	// RotatedFrom links to the serial of the certificate this one replaced.
	// Retained forever for audit continuity; rotation never hard-deletes.
	RotatedFrom      string     `json:"rotated_from,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// ValidationResult is the outcome of validating a certificate. Malformed
// certificates are a valid input domain: validation reports them, it never
// panics or errors on them.
type ValidationResult struct {
	Valid  bool       `json:"valid"`
	Status CertStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// ComputeFingerprint hashes the certificate's canonical fields:
// subject ∥ issuer ∥ validFrom ∥ validTo ∥ publicKey ∥ serialNumber.
func (c *Certificate) ComputeFingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		c.Subject,
		c.Issuer,
		c.ValidFrom.UTC().Format(time.RFC3339Nano),
		c.ValidTo.UTC().Format(time.RFC3339Nano),
		c.PublicKeyPEM,
		c.SerialNumber,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// wellFormed checks structural invariants before any cryptographic check.
func (c *Certificate) wellFormed() error {
	if c == nil {
		return fmt.Errorf("certificate is nil")
	}
	if c.SerialNumber == "" {
		return fmt.Errorf("missing serial number")
	}
	if c.Subject == "" || c.Issuer == "" {
		return fmt.Errorf("missing subject or issuer")
	}
	if c.PublicKeyPEM == "" {
		return fmt.Errorf("missing public key")
	}
	if c.Fingerprint == "" {
		return fmt.Errorf("missing fingerprint")
	}
	if c.ValidFrom.IsZero() || c.ValidTo.IsZero() || !c.ValidFrom.Before(c.ValidTo) {
		return fmt.Errorf("invalid validity window")
	}
	return nil
}

// ValidateAt checks the certificate at the given instant, in order:
// structural well-formedness, fingerprint integrity (constant-time compare),
// validity window, and stored status. The first failing check determines the
// returned status. Status is always re-derived from dates, never trusted from
// the stored field alone.
func (c *Certificate) ValidateAt(now time.Time) ValidationResult {
	if err := c.wellFormed(); err != nil {
		return ValidationResult{Valid: false, Status: CertStatusRevoked, Reason: "malformed certificate: " + err.Error()}
	}

	computed := c.ComputeFingerprint()
	if subtle.ConstantTimeCompare([]byte(computed), []byte(c.Fingerprint)) != 1 {
		return ValidationResult{Valid: false, Status: CertStatusRevoked, Reason: "fingerprint mismatch: certificate has been tampered with"}
	}

	now = now.UTC()
	if now.Before(c.ValidFrom) {
		return ValidationResult{Valid: false, Status: CertStatusSuspended, Reason: "certificate is not yet valid"}
	}
	if now.After(c.ValidTo) {
		return ValidationResult{Valid: false, Status: CertStatusExpired, Reason: "certificate has expired"}
	}

	switch c.Status {
	case CertStatusValid:
		return ValidationResult{Valid: true, Status: CertStatusValid}
	case CertStatusRevoked:
		return ValidationResult{Valid: false, Status: CertStatusRevoked, Reason: "certificate has been revoked: " + c.RevocationReason}
	case CertStatusSuspended:
		return ValidationResult{Valid: false, Status: CertStatusSuspended, Reason: "certificate is suspended"}
	default:
		return ValidationResult{Valid: false, Status: CertStatusRevoked, Reason: fmt.Sprintf("unknown certificate status %q", c.Status)}
	}
}

// Revoke marks the certificate revoked with the given reason. Idempotent:
// revoking an already-revoked certificate keeps the original reason and
// timestamp. Revocation is terminal.
func (c *Certificate) Revoke(reason string, now time.Time) {
	if c.Status == CertStatusRevoked {
		return
	}
	t := now.UTC()
	c.Status = CertStatusRevoked
	c.RevokedAt = &t
	c.RevocationReason = reason
}

// Suspend moves a valid certificate into the suspended state.
func (c *Certificate) Suspend() error {
	if c.Status == CertStatusSuspended {
		return nil
	}
	if c.Status != CertStatusValid {
		return fmt.Errorf("cannot suspend certificate in status %q", c.Status)
	}
	c.Status = CertStatusSuspended
	return nil
}

// Restore moves a suspended certificate back to valid. This is the only
// transition out of SUSPENDED.
func (c *Certificate) Restore() error {
	if c.Status == CertStatusValid {
		return nil
	}
	if c.Status != CertStatusSuspended {
		return fmt.Errorf("cannot restore certificate in status %q", c.Status)
	}
	c.Status = CertStatusValid
	return nil
}
