package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	agentKeyBits = 2048

	// DefaultValidity is the lifetime of an issued agent certificate.
	DefaultValidity = 365 * 24 * time.Hour
)

// ErrKeyGeneration is returned when secure randomness or key generation is
// unavailable. Wrapped errors carry the underlying cause.
var ErrKeyGeneration = errors.New("key generation unavailable")

// IssuedCert holds the result of a certificate issuance.
//
// KeyPEM is the agent's private key, delivered exactly once to the caller,
// which must hand it to a scoped secret store. The CA core never persists
// private keys.
type IssuedCert struct {
	Certificate *Certificate
	CertPEM     string
	KeyPEM      string
}

// RotationResult is returned by Rotate. New is the freshly issued
// certificate; Old is the same pointer passed in, now revoked.
type RotationResult struct {
	New *IssuedCert
	Old *Certificate
}

// Issuer issues agent identity certificates signed by the ANS root CA.
// Every Issue call draws independent randomness; no key or serial state is
// shared across concurrent calls.
type Issuer struct {
	ca       *CAManager
	validity time.Duration
}

// NewIssuer creates an Issuer backed by the given CAManager.
func NewIssuer(ca *CAManager) *Issuer {
	return &Issuer{ca: ca, validity: DefaultValidity}
}

// SetValidity overrides the certificate lifetime. Zero restores the default.
func (i *Issuer) SetValidity(d time.Duration) {
	if d == 0 {
		d = DefaultValidity
	}
	i.validity = d
}

// CACertPEM returns the signing CA certificate in PEM format.
func (i *Issuer) CACertPEM() string { return string(i.ca.CertPEM()) }

// Issue generates a key pair and issues a certificate for subjectName.
//
// The X.509 leaf carries CN=subjectName and an agent:// URI SAN, is signed
// by the root CA, and is valid from now until now + validity. The returned
// record's fingerprint covers subject, issuer, validity window, public key,
// and serial.
func (i *Issuer) Issue(subjectName string) (*IssuedCert, error) {
	if err := i.checkSigning(); err != nil {
		return nil, err
	}

	agentKey, err := rsa.GenerateKey(rand.Reader, agentKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate agent key: %v", ErrKeyGeneration, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	agentURI, err := url.Parse("agent://" + subjectName)
	if err != nil {
		return nil, fmt.Errorf("build agent URI for %q: %w", subjectName, err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   subjectName,
			Organization: []string{"Agent Name Service"},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(i.validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		URIs:        []*url.URL{agentURI},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, i.ca.cert, &agentKey.PublicKey, i.ca.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&agentKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	record := &Certificate{
		SerialNumber: serial.Text(16),
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		ValidFrom:    leaf.NotBefore.UTC(),
		ValidTo:      leaf.NotAfter.UTC(),
		PublicKeyPEM: pubPEM,
		Status:       CertStatusValid,
	}
	record.Fingerprint = record.ComputeFingerprint()

	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(agentKey)}))

	return &IssuedCert{
		Certificate: record,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// Validate checks a certificate record against the current time.
func (i *Issuer) Validate(cert *Certificate) ValidationResult {
	return cert.ValidateAt(time.Now())
}

// Revoke marks cert revoked with the given reason and returns it. Idempotent.
func (i *Issuer) Revoke(cert *Certificate, reason string) *Certificate {
	cert.Revoke(reason, time.Now())
	return cert
}

// Rotate issues a replacement certificate for the same subject and revokes
// the old one. The new record links back to the old serial so the history
// chain survives; the old certificate is never deleted.
//
// Both halves are individually idempotent: re-revoking the old certificate
// is a no-op, and a failed issuance leaves the old certificate untouched so
// the caller can retry.
func (i *Issuer) Rotate(old *Certificate) (*RotationResult, error) {
	subject := CommonNameFromDN(old.Subject)
	if subject == "" {
		return nil, fmt.Errorf("rotate: cannot determine subject from %q", old.Subject)
	}

	issued, err := i.Issue(subject)
	if err != nil {
		return nil, fmt.Errorf("rotate: issue replacement: %w", err)
	}
	issued.Certificate.RotatedFrom = old.SerialNumber

	old.Revoke("superseded by rotation", time.Now())

	return &RotationResult{New: issued, Old: old}, nil
}

// VerifyCertPEM parses a PEM-encoded X.509 certificate and verifies it
// against the signing CA. Used by callers that hold the wire form rather
// than the Certificate record.
func (i *Issuer) VerifyCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	opts := x509.VerifyOptions{
		Roots:     i.ca.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return nil, fmt.Errorf("certificate not trusted: %w", err)
	}
	return cert, nil
}

// checkSigning returns an error if the CA is not loaded.
func (i *Issuer) checkSigning() error {
	if i.ca != nil && i.ca.cert != nil && i.ca.key != nil {
		return nil
	}
	return fmt.Errorf("CA not loaded; call LoadOrCreate first")
}

// CommonNameFromDN extracts the CN attribute from a distinguished name
// string such as "CN=weather-agent,O=Agent Name Service".
func CommonNameFromDN(dn string) string {
	for _, part := range strings.Split(dn, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "CN=") {
			return strings.TrimPrefix(part, "CN=")
		}
	}
	return ""
}
