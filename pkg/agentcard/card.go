// Package agentcard defines the portable identity card handed to an agent
// at registration. The card is self-describing JSON: it carries the agent's
// name, certificate fingerprint and serial, the registry's threat assessment,
// and a signed endorsement JWT that third parties can verify offline against
// the registry's public key.
package agentcard

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current card schema version.
const SchemaVersion = "1.0"

// Card is the JSON identity document for a registered agent.
type Card struct {
	SchemaVersion string `json:"schema_version"`

	// Name is the agent's registered name, unique within the registry.
	Name string `json:"name"`

	// Registry is the base URL of the issuing registry.
	Registry string `json:"registry"`

	Description  string   `json:"description,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// CertSerial and CertFingerprint identify the agent's current
	// certificate. The fingerprint lets peers detect substitution without
	// contacting the registry.
	CertSerial      string `json:"cert_serial"`
	CertFingerprint string `json:"cert_fingerprint"`

	// ThreatSeverity is the registry's assessment at admission time.
	ThreatSeverity string `json:"threat_severity,omitempty"`

	// Endorsement is a JWT signed by the registry attesting to this card's
	// contents. Verify with the registry's published public key.
	Endorsement string `json:"endorsement,omitempty"`

	IssuedAt time.Time `json:"issued_at"`
}

// Parse decodes and validates a card from JSON bytes.
func Parse(data []byte) (*Card, error) {
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("decode agent card: %w", err)
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return &card, nil
}

// Validate checks the card's required fields.
func (c *Card) Validate() error {
	if c.SchemaVersion == "" {
		return fmt.Errorf("agent card: schema_version is required")
	}
	if c.Name == "" {
		return fmt.Errorf("agent card: name is required")
	}
	if c.Registry == "" {
		return fmt.Errorf("agent card: registry is required")
	}
	if c.CertSerial == "" || c.CertFingerprint == "" {
		return fmt.Errorf("agent card: certificate identity is required")
	}
	return nil
}

// JSON serialises the card with stable two-space indentation, the form
// agents publish at a well-known path.
func (c *Card) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
