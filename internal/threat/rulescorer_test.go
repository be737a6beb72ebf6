package threat_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/ruvnet/agent-name-service/internal/threat"
)

func metadataJSON(t *testing.T, caps []string, description string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"description":  description,
		"capabilities": caps,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRuleBasedScorer_benignAgent(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)

	sub := threat.Submission{
		Name:         "weather-agent",
		Description:  "fetches forecasts",
		Capabilities: []string{"http-fetch"},
		MetadataJSON: metadataJSON(t, []string{"http-fetch"}, "fetches forecasts"),
	}
	report := s.Score(sub)

	if report.ThreatScore >= 45 {
		t.Errorf("benign agent scored %d, want < 45", report.ThreatScore)
	}
	if report.HasAction(threat.ActionReject) {
		t.Error("benign agent recommended for rejection")
	}
}

func TestRuleBasedScorer_privilegedNameWithDangerousCaps(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)

	caps := []string{"code-execution", "file-delete"}
	sub := threat.Submission{
		Name:         "admin.superuser",
		Capabilities: caps,
		MetadataJSON: metadataJSON(t, caps, ""),
	}
	report := s.Score(sub)

	if report.ThreatScore < 65 {
		t.Errorf("threat score = %d, want >= 65", report.ThreatScore)
	}
	if report.Severity != threat.SeverityHigh && report.Severity != threat.SeverityCritical {
		t.Errorf("severity = %s, want HIGH or CRITICAL", report.Severity)
	}
	if !report.HasAction(threat.ActionReject) {
		t.Error("REJECT_REGISTRATION not recommended")
	}
	if !report.HasThreat(threat.CategoryPrivilegedName) {
		t.Error("PRIVILEGED_NAME not detected")
	}
	if !report.HasThreat(threat.CategoryCombinedRisk) {
		t.Error("COMBINED_RISK not detected for two high-risk capabilities")
	}
	// Code execution triggers the isolation add-on.
	if !report.HasAction(threat.ActionIsolateAgent) {
		t.Error("ISOLATE_AGENT not recommended despite code-execution capability")
	}
}

func TestRuleBasedScorer_deterministic(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)

	sub := threat.Submission{
		Name:         "exfil-helper",
		Description:  "harvest credential data and beacon home",
		Capabilities: []string{"data-export", "network-raw"},
		SourceIP:     "203.0.113.50",
	}

	first := s.Score(sub)
	for i := 0; i < 5; i++ {
		next := s.Score(sub)
		if next.ThreatScore != first.ThreatScore {
			t.Fatalf("run %d: score %d != %d", i, next.ThreatScore, first.ThreatScore)
		}
		if !reflect.DeepEqual(next.DetectedThreats, first.DetectedThreats) {
			t.Fatalf("run %d: threats %v != %v", i, next.DetectedThreats, first.DetectedThreats)
		}
		if !reflect.DeepEqual(next.RecommendedActions, first.RecommendedActions) {
			t.Fatalf("run %d: actions %v != %v", i, next.RecommendedActions, first.RecommendedActions)
		}
	}
}

func TestRuleBasedScorer_monotoneInDetections(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)

	base := threat.Submission{Name: "helper-agent"}
	prev := s.Score(base).ThreatScore

	// Each step adds one more malicious signal; the score must never drop.
	steps := []threat.Submission{
		{Name: "helper-agent", Capabilities: []string{"http-fetch"}},
		{Name: "helper-agent", Capabilities: []string{"http-fetch", "file-delete"}},
		{Name: "helper-agent", Capabilities: []string{"http-fetch", "file-delete", "code-execution"}},
		{Name: "admin-helper-agent", Capabilities: []string{"http-fetch", "file-delete", "code-execution"}},
	}
	for i, sub := range steps {
		score := s.Score(sub).ThreatScore
		if score < prev {
			t.Errorf("step %d: score dropped %d -> %d after adding a signal", i, prev, score)
		}
		prev = score
	}
}

func TestRuleBasedScorer_originDetector(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)

	pub := s.Score(threat.Submission{Name: "geo-agent", SourceIP: "198.51.100.7"})
	if !pub.HasThreat(threat.CategorySuspiciousOrigin) {
		t.Error("public IP not flagged")
	}
	if !pub.HasAction(threat.ActionVerifyOrigin) {
		t.Error("VERIFY_ORIGIN not recommended for public IP")
	}

	for _, ip := range []string{"10.1.2.3", "192.168.0.9", "127.0.0.1", ""} {
		priv := s.Score(threat.Submission{Name: "geo-agent", SourceIP: ip})
		if priv.HasThreat(threat.CategorySuspiciousOrigin) {
			t.Errorf("ip %q flagged as suspicious origin", ip)
		}
	}
}

func TestRuleBasedScorer_historyDetector(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rapid := threat.Submission{
		Name:    "burst-agent",
		History: []time.Time{base, base.Add(10 * time.Second), base.Add(20 * time.Second)},
	}
	if !s.Score(rapid).HasThreat(threat.CategoryRapidRegistration) {
		t.Error("3 attempts within 60s not flagged")
	}

	slow := threat.Submission{
		Name:    "steady-agent",
		History: []time.Time{base, base.Add(5 * time.Minute), base.Add(10 * time.Minute)},
	}
	if s.Score(slow).HasThreat(threat.CategoryRapidRegistration) {
		t.Error("slow attempts flagged as rapid")
	}
}

func TestRuleBasedScorer_subThresholdPatternsDiscarded(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)

	// A single weak keyword produces confidence 0.2, under the 0.3 floor,
	// and must not appear in the report.
	report := s.Score(threat.Submission{
		Name:        "fetch-agent",
		Description: "will fetch the daily report",
	})
	if report.HasThreat(threat.CategoryNetworkAccess) {
		t.Error("single sub-threshold pattern match reported")
	}

	// Multiple matches in the same family cross the floor.
	report = s.Score(threat.Submission{
		Name:        "scan-agent",
		Description: "opens a raw socket, runs a port scan, uses curl",
	})
	if !report.HasThreat(threat.CategoryNetworkAccess) {
		t.Error("multi-match network family not reported")
	}
}

func TestRuleBasedScorer_scoreClamped(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)

	report := s.Score(threat.Submission{
		Name:         "sudo-root-admin-system",
		Description:  "exfiltrate credentials, spawn a shell, execute arbitrary code, steal and beacon",
		Capabilities: []string{"code-execution", "shell-access", "credential-access", "file-delete", "port-scan"},
		SourceIP:     "203.0.113.9",
	})
	if report.ThreatScore > 100 {
		t.Errorf("score %d exceeds 100", report.ThreatScore)
	}
	if report.Severity != threat.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", report.Severity)
	}
}

func TestSeverity_zeroScoreIsInfo(t *testing.T) {
	s := threat.NewRuleBasedScorer(nil)
	report := s.Score(threat.Submission{Name: "quiet-agent"})
	if report.ThreatScore != 0 {
		t.Fatalf("empty submission scored %d", report.ThreatScore)
	}
	if report.Severity != threat.SeverityInfo {
		t.Errorf("severity = %s, want INFO", report.Severity)
	}
	if len(report.RecommendedActions) != 0 {
		t.Errorf("actions = %v, want none", report.RecommendedActions)
	}
}
