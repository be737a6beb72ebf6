package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive     AgentStatus = "active"
	AgentStatusSuspended  AgentStatus = "suspended"
	AgentStatusDeprecated AgentStatus = "deprecated"
	AgentStatusRevoked    AgentStatus = "revoked"
)

// Name constraints. Names are the primary key of the directory, so the
// charset is deliberately narrow: lowercase alphanumerics plus ".", "-", "_",
// starting and ending with an alphanumeric.
const (
	NameMinLen = 3
	NameMaxLen = 64

	// MetadataMaxBytes bounds the serialized metadata size.
	MetadataMaxBytes = 10 * 1024
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*[a-z0-9]$`)

// reservedPrefixes may not start an agent name. They are held back for
// registry-internal identities and to block impersonation of system services.
var reservedPrefixes = []string{"ans.", "system.", "internal.", "registry."}

// AgentMetadata holds the self-declared description of a registering agent.
type AgentMetadata struct {
	Description  string            `json:"description,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Version      string            `json:"version,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// AgentIdentity is the core domain model: a named agent with its current
// certificate serial and a snapshot of the threat report attached when the
// agent was admitted.
type AgentIdentity struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	Metadata       AgentMetadata `json:"metadata"`
	Status         AgentStatus   `json:"status"`
	CertSerial     string        `json:"cert_serial,omitempty"`
	ThreatScore    int           `json:"threat_score"`
	ThreatSeverity string        `json:"threat_severity,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ValidateName checks the naming rules: length, charset, reserved prefixes.
func ValidateName(name string) error {
	if len(name) < NameMinLen || len(name) > NameMaxLen {
		return &ErrValidation{Field: "name", Msg: fmt.Sprintf("name must be %d-%d characters", NameMinLen, NameMaxLen)}
	}
	if !namePattern.MatchString(name) {
		return &ErrValidation{Field: "name", Msg: "name may contain only lowercase letters, digits, '.', '-', '_' and must start and end with a letter or digit"}
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return &ErrValidation{Field: "name", Msg: fmt.Sprintf("prefix %q is reserved", p)}
		}
	}
	return nil
}

// HasReservedPrefix reports whether name begins with a registry-reserved prefix.
// Exposed for the threat scorer, which treats reserved-prefix names as a risk
// signal rather than a hard validation failure.
func HasReservedPrefix(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ValidateMetadata enforces the serialized size bound on agent metadata.
func ValidateMetadata(meta AgentMetadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return &ErrValidation{Field: "metadata", Msg: "metadata is not serializable"}
	}
	if len(b) > MetadataMaxBytes {
		return &ErrValidation{Field: "metadata", Msg: fmt.Sprintf("metadata exceeds %d bytes", MetadataMaxBytes)}
	}
	return nil
}

// CanTransition reports whether an explicit status transition is legal.
// Revocation is terminal. Agents are never deleted; they move to revoked.
func (s AgentStatus) CanTransition(to AgentStatus) bool {
	if s == AgentStatusRevoked {
		return false
	}
	switch to {
	case AgentStatusActive:
		return s == AgentStatusSuspended || s == AgentStatusDeprecated
	case AgentStatusSuspended, AgentStatusDeprecated, AgentStatusRevoked:
		return s != to
	default:
		return false
	}
}

// RegisterRequest is the inbound registration payload.
type RegisterRequest struct {
	Name     string        `json:"name" binding:"required"`
	Metadata AgentMetadata `json:"metadata"`
	// SourceIP is filled in by the transport layer from the connection,
	// never trusted from the client body.
	SourceIP string `json:"-"`
}
