package model

import (
	"time"

	"github.com/google/uuid"
)

// EventSeverity grades a security event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityLow      EventSeverity = "low"
	SeverityMedium   EventSeverity = "medium"
	SeverityHigh     EventSeverity = "high"
	SeverityCritical EventSeverity = "critical"
)

// Security event types emitted by the registration pipeline and CA core.
const (
	EventRegistrationAccepted = "registration_accepted"
	EventRegistrationRejected = "registration_rejected"
	EventRateLimitExceeded    = "rate_limit_exceeded"
	EventThreatDetected       = "threat_detected"
	EventCertIssued           = "cert_issued"
	EventCertRevoked          = "cert_revoked"
	EventCertRotated          = "cert_rotated"
	EventEnrichmentDegraded   = "enrichment_degraded"
	EventStatusChanged        = "status_changed"
)

// SecurityEvent is a single append-only audit record. Events are never
// edited after being written; retention pruning is the only removal path.
type SecurityEvent struct {
	ID                uuid.UUID         `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	EventType         string            `json:"event_type"`
	Severity          EventSeverity     `json:"severity"`
	Source            string            `json:"source"` // IP or agent identifier
	Target            string            `json:"target,omitempty"`
	Description       string            `json:"description"`
	MitigationApplied bool              `json:"mitigation_applied"`
	Details           map[string]string `json:"details,omitempty"`
}

// EventFilter selects security events from the audit log. Zero values match
// everything for that field.
type EventFilter struct {
	EventType   string
	Severity    EventSeverity
	MinSeverity EventSeverity
	Source      string
	Target      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// severityRank orders severities for MinSeverity filtering.
var severityRank = map[EventSeverity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as min.
func (s EventSeverity) AtLeast(min EventSeverity) bool {
	return severityRank[s] >= severityRank[min]
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev *SecurityEvent) bool {
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.MinSeverity != "" && !ev.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if f.Target != "" && ev.Target != f.Target {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}
