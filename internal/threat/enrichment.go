package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EnrichTimeout is the hard upper bound on an enrichment call. External
// classification is best-effort and must never block admission.
const EnrichTimeout = 3 * time.Second

// Verdict is the structured output of an external classifier.
type Verdict struct {
	ThreatScore        int                        `json:"threat_score"`
	DetectedThreats    []Category                 `json:"detected_threats"`
	ThreatCategories   map[Category]CategoryScore `json:"threat_categories"`
	RecommendedActions []Action                   `json:"recommended_actions"`
}

// Enricher is an optional external collaborator consulted for a second
// opinion on a submission. Its verdict only ever raises the local report;
// the deterministic local engine remains the floor.
type Enricher interface {
	Enrich(ctx context.Context, sub Submission) (*Verdict, error)
}

// HTTPEnricher calls an external classifier over HTTP with a bounded timeout.
type HTTPEnricher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEnricher creates an enricher for the given classifier endpoint.
// timeout is clamped to EnrichTimeout; zero uses EnrichTimeout.
func NewHTTPEnricher(endpoint string, timeout time.Duration) *HTTPEnricher {
	if timeout <= 0 || timeout > EnrichTimeout {
		timeout = EnrichTimeout
	}
	return &HTTPEnricher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// enrichRequest is the JSON body sent to the classifier.
type enrichRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Metadata     string   `json:"metadata,omitempty"`
}

// Enrich implements Enricher.
func (e *HTTPEnricher) Enrich(ctx context.Context, sub Submission) (*Verdict, error) {
	body, err := json.Marshal(enrichRequest{
		Name:         sub.Name,
		Description:  sub.Description,
		Capabilities: sub.Capabilities,
		Metadata:     sub.MetadataJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal enrichment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build enrichment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment call: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrichment returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read enrichment response: %w", err)
	}

	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, fmt.Errorf("decode enrichment verdict: %w", err)
	}
	if verdict.ThreatScore < 0 || verdict.ThreatScore > 100 {
		return nil, fmt.Errorf("enrichment verdict score %d out of range", verdict.ThreatScore)
	}
	return &verdict, nil
}

// Merge combines an external verdict into the local report and returns a new
// report. The local result is the floor: the merged score is never lower
// than the local score, local threat categories are always retained, and the
// severity is recomputed from the merged score.
func Merge(cfg *Config, local *Report, remote *Verdict) *Report {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if remote == nil {
		return local
	}

	score := local.ThreatScore
	if remote.ThreatScore > score {
		score = remote.ThreatScore
	}

	categories := make(map[Category]CategoryScore, len(local.ThreatCategories)+len(remote.ThreatCategories))
	for c, cs := range local.ThreatCategories {
		categories[c] = cs
	}
	for c, cs := range remote.ThreatCategories {
		if prev, ok := categories[c]; !ok || cs.Confidence > prev.Confidence {
			categories[c] = cs
		}
	}
	for _, c := range remote.DetectedThreats {
		if _, ok := categories[c]; !ok {
			categories[c] = CategoryScore{Confidence: 0.5, Evidence: "reported by external classifier"}
		}
	}

	sev := severityFor(score, cfg)
	actions := append([]Action{}, local.RecommendedActions...)
	actions = append(actions, remote.RecommendedActions...)
	actions = append(actions, baselineActions(sev)...)

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
