// Package threat implements the deterministic threat scoring engine for
// agent registrations. It scores submissions against configurable rule sets
// and recommends admission actions; high-risk registrations are rejected by
// the pipeline before anything is persisted.
//
// Scoring is a pure function of the submission: no I/O, no randomness in the
// score itself, and it never fails — a scoring problem degrades to the
// lowest-confidence INFO report rather than blocking registration.
package threat

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Category tags a class of detected threat.
type Category string

const (
	CategoryPrivilegedName    Category = "PRIVILEGED_NAME"
	CategoryCodeExecution     Category = "CODE_EXECUTION"
	CategoryNetworkAccess     Category = "NETWORK_ACCESS"
	CategoryFilesystemAccess  Category = "FILESYSTEM_ACCESS"
	CategoryDataExfiltration  Category = "DATA_EXFILTRATION"
	CategoryDangerousCap      Category = "DANGEROUS_CAPABILITY"
	CategoryCombinedRisk      Category = "COMBINED_RISK"
	CategorySuspiciousOrigin  Category = "SUSPICIOUS_ORIGIN"
	CategoryRapidRegistration Category = "RAPID_REGISTRATION"
)

// Severity grades an aggregate threat score.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityOrder ranks severities for comparisons.
var severityOrder = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityOrder[s] >= severityOrder[min]
}

// Action is a recommended response to a threat report.
type Action string

const (
	ActionMonitor      Action = "MONITOR"
	ActionManualReview Action = "MANUAL_REVIEW"
	ActionVerifyOrigin Action = "VERIFY_ORIGIN"
	ActionIsolateAgent Action = "ISOLATE_AGENT"
	ActionReject       Action = "REJECT_REGISTRATION"
)

// actionOrder fixes a canonical ordering so identical inputs always produce
// identical action slices.
var actionOrder = map[Action]int{
	ActionReject:       0,
	ActionIsolateAgent: 1,
	ActionManualReview: 2,
	ActionVerifyOrigin: 3,
	ActionMonitor:      4,
}

// CategoryScore is the per-category detail attached to a report.
type CategoryScore struct {
	Confidence float64 `json:"confidence"` // 0..1
	Evidence   string  `json:"evidence"`
}

// Report is the immutable output of a threat analysis run. It is attached
// to a registration attempt and never mutated afterward.
type Report struct {
	ID                 uuid.UUID                  `json:"id"`
	Timestamp          time.Time                  `json:"timestamp"`
	ThreatScore        int                        `json:"threat_score"` // 0..100
	Severity           Severity                   `json:"severity"`
	DetectedThreats    []Category                 `json:"detected_threats"`
	ThreatCategories   map[Category]CategoryScore `json:"threat_categories"`
	RecommendedActions []Action                   `json:"recommended_actions"`
}

// HasAction reports whether the report recommends the given action.
func (r *Report) HasAction(a Action) bool {
	for _, got := range r.RecommendedActions {
		if got == a {
			return true
		}
	}
	return false
}

// HasThreat reports whether the given category was detected.
func (r *Report) HasThreat(c Category) bool {
	for _, got := range r.DetectedThreats {
		if got == c {
			return true
		}
	}
	return false
}

// Submission is the input to the scorer: everything the pipeline knows about
// a registration attempt at scoring time.
type Submission struct {
	Name         string
	Description  string
	Capabilities []string
	// MetadataJSON is the full serialized metadata; pattern detectors scan
	// it so signals hidden in extra fields are not missed.
	MetadataJSON string
	SourceIP     string
	// History holds the timestamps of prior registration attempts from the
	// same source, oldest first.
	History []time.Time
}

// Scorer analyses a registration submission for threat indicators.
// Implementations must be deterministic and total: identical input yields an
// identical score and threat set, and Score never panics or fails.
type Scorer interface {
	Score(sub Submission) *Report
}

// severityFor maps a 0-100 score to a severity tier. A zero score is
// informational; the remaining buckets follow the configured thresholds.
func severityFor(score int, cfg *Config) Severity {
	switch {
	case score >= cfg.CriticalThreshold:
		return SeverityCritical
	case score >= cfg.HighThreshold:
		return SeverityHigh
	case score >= cfg.MediumThreshold:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// baselineActions returns the severity-tier actions before threat-specific
// add-ons are applied.
func baselineActions(sev Severity) []Action {
	switch sev {
	case SeverityCritical:
		return []Action{ActionReject, ActionIsolateAgent, ActionManualReview}
	case SeverityHigh:
		return []Action{ActionReject, ActionManualReview}
	case SeverityMedium:
		return []Action{ActionManualReview, ActionMonitor}
	case SeverityLow:
		return []Action{ActionMonitor}
	default:
		return nil
	}
}

// sortedCategories returns the map keys in stable alphabetical order.
func sortedCategories(m map[Category]CategoryScore) []Category {
	out := make([]Category, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sortActions dedupes and orders actions canonically.
func sortActions(actions []Action) []Action {
	seen := make(map[Action]bool, len(actions))
	out := actions[:0]
	for _, a := range actions {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return actionOrder[out[i]] < actionOrder[out[j]] })
	return out
}

// InfoReport returns the lowest-confidence report: score zero, no threats.
// Used as the safe fallback when scoring cannot run; availability of the
// naming function matters more than perfect scoring.
func InfoReport() *Report {
	return &Report{
		ID:               uuid.New(),
		Timestamp:        time.Now().UTC(),
		ThreatScore:      0,
		Severity:         SeverityInfo,
		DetectedThreats:  []Category{},
		ThreatCategories: map[Category]CategoryScore{},
	}
}
