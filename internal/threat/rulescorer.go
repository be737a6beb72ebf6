package threat

import (
	"fmt"
	"math"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// finding is a single detector hit.
type finding struct {
	category   Category
	confidence float64
	evidence   string
	delta      float64
}

// detectorFunc inspects a submission and returns zero or more findings.
type detectorFunc func(sub Submission, cfg *Config) []finding

// RuleBasedScorer is the default Scorer implementation. It runs an ordered
// set of independent detectors against the submission and aggregates their
// score deltas into a 0-100 threat score.
type RuleBasedScorer struct {
	cfg       *Config
	detectors []detectorFunc
}

// NewRuleBasedScorer returns a scorer loaded with the default detector set.
// A nil cfg uses DefaultConfig.
func NewRuleBasedScorer(cfg *Config) *RuleBasedScorer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RuleBasedScorer{
		cfg: cfg,
		detectors: []detectorFunc{
			detectNamePatterns,
			detectMetadataPatterns,
			detectCapabilities,
			detectOrigin,
			detectHistory,
		},
	}
}

// Config returns the scorer's detector weights and severity thresholds.
// Collaborators that recompute severity from a merged score use the same
// thresholds the scorer was built with.
func (s *RuleBasedScorer) Config() *Config { return s.cfg }

// Score implements Scorer. It is deterministic for identical input and
// total: an internal detector panic degrades to the INFO fallback report
// instead of failing the registration.
func (s *RuleBasedScorer) Score(sub Submission) (report *Report) {
	defer func() {
		if recover() != nil {
			report = InfoReport()
		}
	}()

	categories := make(map[Category]CategoryScore)
	total := 0.0

	for _, detect := range s.detectors {
		for _, f := range detect(sub, s.cfg) {
			total += f.delta
			if prev, ok := categories[f.category]; ok {
				merged := prev
				if f.confidence > prev.Confidence {
					merged.Confidence = f.confidence
				}
				merged.Evidence = prev.Evidence + "; " + f.evidence
				categories[f.category] = merged
			} else {
				categories[f.category] = CategoryScore{Confidence: f.confidence, Evidence: f.evidence}
			}
		}
	}

	score := int(math.Round(total))
	if score > 100 {
		score = 100
	}

	sev := severityFor(score, s.cfg)
	actions := baselineActions(sev)
	if _, ok := categories[CategoryCodeExecution]; ok {
		actions = append(actions, ActionIsolateAgent)
	}
	if _, ok := categories[CategorySuspiciousOrigin]; ok {
		actions = append(actions, ActionVerifyOrigin)
	}

	return &Report{
		ID:                 uuid.New(),
		Timestamp:          time.Now().UTC(),
		ThreatScore:        score,
		Severity:           sev,
		DetectedThreats:    sortedCategories(categories),
		ThreatCategories:   categories,
		RecommendedActions: sortActions(actions),
	}
}

// ── Detectors ─────────────────────────────────────────────────────────────────

// privilegedNameTerms suggest the agent is impersonating system components
// or privileged services.
var privilegedNameTerms = []string{"admin", "root", "system", "sudo", "superuser", "kernel"}

func detectNamePatterns(sub Submission, cfg *Config) []finding {
	var findings []finding
	lower := strings.ToLower(sub.Name)

	for _, term := range privilegedNameTerms {
		if strings.Contains(lower, term) {
			findings = append(findings, finding{
				category:   CategoryPrivilegedName,
				confidence: 0.9,
				evidence:   "name contains privileged term: " + term,
				delta:      cfg.PrivilegedNameDelta,
			})
			break
		}
	}

	if model.HasReservedPrefix(lower) {
		findings = append(findings, finding{
			category:   CategoryPrivilegedName,
			confidence: 0.8,
			evidence:   "name uses a registry-reserved prefix",
			delta:      cfg.ReservedPrefixDelta,
		})
	}
	return findings
}

// patternFamilies are the regex families scanned over description + metadata.
var patternFamilies = map[Category][]*regexp.Regexp{
	CategoryCodeExecution: {
		regexp.MustCompile(`(?i)\bexec(ute)?\b`),
		regexp.MustCompile(`(?i)\beval\b`),
		regexp.MustCompile(`(?i)\b(spawn|subprocess|child_process)\b`),
		regexp.MustCompile(`(?i)\b(shell|bash|cmd\.exe)\b`),
		regexp.MustCompile(`(?i)arbitrary (code|command)`),
	},
	CategoryNetworkAccess: {
		regexp.MustCompile(`(?i)\b(socket|raw packet)\b`),
		regexp.MustCompile(`(?i)\bport.?scan`),
		regexp.MustCompile(`(?i)\b(curl|wget)\b`),
		regexp.MustCompile(`(?i)\bfetch\b`),
		regexp.MustCompile(`(?i)outbound connect`),
	},
	CategoryFilesystemAccess: {
		regexp.MustCompile(`(?i)\b(unlink|rmdir|rm -rf)\b`),
		regexp.MustCompile(`(?i)delete file`),
		regexp.MustCompile(`(?i)\bchmod\b`),
		regexp.MustCompile(`(?i)/etc/(passwd|shadow)`),
		regexp.MustCompile(`(?i)write.{0,12}filesystem`),
	},
	CategoryDataExfiltration: {
		regexp.MustCompile(`(?i)exfiltrat`),
		regexp.MustCompile(`(?i)\b(steal|harvest)\b`),
		regexp.MustCompile(`(?i)credential`),
		regexp.MustCompile(`(?i)\bbeacon\b`),
		regexp.MustCompile(`(?i)upload.{0,20}(data|secret)`),
	},
}

// familyScanOrder fixes the iteration order over patternFamilies.
var familyScanOrder = []Category{
	CategoryCodeExecution,
	CategoryNetworkAccess,
	CategoryFilesystemAccess,
	CategoryDataExfiltration,
}

func detectMetadataPatterns(sub Submission, cfg *Config) []finding {
	text := sub.Description
	if sub.MetadataJSON != "" {
		text += "\n" + sub.MetadataJSON
	}
	if text == "" {
		return nil
	}

	var findings []finding
	for _, cat := range familyScanOrder {
		matches := 0
		first := ""
		for _, re := range patternFamilies[cat] {
			if m := re.FindString(text); m != "" {
				matches++
				if first == "" {
					first = m
				}
			}
		}
		if matches == 0 {
			continue
		}

		confidence := math.Min(float64(matches)*0.2, 0.8)
		// Sub-threshold matches are discarded to avoid noise: a single weak
		// keyword hit should not show up in the report at all.
		if confidence <= cfg.MinConfidence {
			continue
		}

		findings = append(findings, finding{
			category:   cat,
			confidence: confidence,
			evidence:   fmt.Sprintf("%d pattern match(es), e.g. %q", matches, first),
			delta:      confidence * cfg.PatternWeights[cat] * 25,
		})
	}
	return findings
}

func detectCapabilities(sub Submission, cfg *Config) []finding {
	var findings []finding
	highRisk := 0

	for _, capName := range sub.Capabilities {
		risk, ok := cfg.CapabilityRisks[strings.ToLower(strings.TrimSpace(capName))]
		if !ok {
			continue
		}
		findings = append(findings, finding{
			category:   risk.Category,
			confidence: risk.Confidence,
			evidence:   "declared capability: " + capName,
			delta:      risk.Delta,
		})
		if risk.Confidence > cfg.HighConfidence {
			highRisk++
		}
	}

	// Two or more high-confidence dangerous capabilities are worse than the
	// sum of their parts.
	if highRisk >= 2 {
		findings = append(findings, finding{
			category:   CategoryCombinedRisk,
			confidence: 0.95,
			evidence:   fmt.Sprintf("%d high-risk capabilities declared together", highRisk),
			delta:      float64(highRisk) * cfg.CombinedRiskBonus,
		})
	}
	return findings
}

func detectOrigin(sub Submission, cfg *Config) []finding {
	if sub.SourceIP == "" {
		return nil
	}
	addr, err := netip.ParseAddr(sub.SourceIP)
	if err != nil {
		return nil
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return nil
	}
	// Public origin is only a weak signal: suggest verification, do not
	// penalize heavily.
	return []finding{{
		category:   CategorySuspiciousOrigin,
		confidence: 0.4,
		evidence:   "registration from a non-private address",
		delta:      cfg.OriginDelta,
	}}
}

func detectHistory(sub Submission, cfg *Config) []finding {
	if len(sub.History) < cfg.RapidAttempts {
		return nil
	}

	// Longest streak of attempts with inter-arrival under the window.
	streak, best := 1, 1
	for i := 1; i < len(sub.History); i++ {
		if sub.History[i].Sub(sub.History[i-1]) < cfg.RapidInterval {
			streak++
		} else {
			streak = 1
		}
		if streak > best {
			best = streak
		}
	}
	if best < cfg.RapidAttempts {
		return nil
	}

	return []finding{{
		category:   CategoryRapidRegistration,
		confidence: 0.8,
		evidence:   fmt.Sprintf("%d registration attempts in rapid succession", best),
		delta:      cfg.RapidDelta,
	}}
}
