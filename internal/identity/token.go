package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// EndorsementClaims are the JWT claims for an ANS agent endorsement.
// The endorsement is embedded in the agent card so that third parties can
// verify, offline, that this registry admitted the agent and at what
// assessed severity.
type EndorsementClaims struct {
	jwt.RegisteredClaims
	AgentName       string `json:"ans:name"`
	CertFingerprint string `json:"ans:cert_fingerprint"`
	CertSerial      string `json:"ans:cert_serial"`
	ThreatSeverity  string `json:"ans:threat_severity,omitempty"`
	Registry        string `json:"ans:registry"`
}

// TokenIssuer issues and verifies endorsement tokens signed with RS256.
// It reuses the CA's RSA key so that signatures can be checked against the
// same public key that anchors certificate trust.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuerURL — the "iss" claim value; typically the registry's base URL.
//	ttl       — token lifetime (default: 365 days).
func NewTokenIssuer(key *rsa.PrivateKey, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuerURL,
		ttl:    ttl,
	}
}

// IssueEndorsement creates a signed endorsement for an admitted agent.
func (t *TokenIssuer) IssueEndorsement(agentName, fingerprint, serial, severity string) (string, error) {
	now := time.Now().UTC()
	claims := EndorsementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   agentName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		AgentName:       agentName,
		CertFingerprint: fingerprint,
		CertSerial:      serial,
		ThreatSeverity:  severity,
		Registry:        t.issuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign endorsement: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an endorsement token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*EndorsementClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&EndorsementClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify endorsement: %w", err)
	}

	claims, ok := token.Claims.(*EndorsementClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid endorsement claims")
	}
	return claims, nil
}

// PublicKeyPEM returns the RSA public key in PKIX PEM format.
func (t *TokenIssuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(t.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
