package threat

import "time"

// CapabilityRisk maps a declared capability string to its risk contribution.
type CapabilityRisk struct {
	Category   Category
	Confidence float64
	Delta      float64
}

// Config holds every detector weight and severity threshold. The defaults
// are heuristic; operators may retune them without touching detector logic.
type Config struct {
	// Name detector.
	PrivilegedNameDelta float64
	ReservedPrefixDelta float64

	// Metadata pattern detector. PatternWeight scales each regex family's
	// contribution: min(matches×0.2, 0.8) × weight × 25. Matches whose
	// derived confidence is at or below MinConfidence are discarded as noise.
	PatternWeights map[Category]float64
	MinConfidence  float64

	// Capability detector.
	CapabilityRisks map[string]CapabilityRisk
	// HighConfidence marks a capability finding as high-risk; two or more
	// such findings add CombinedRiskBonus per high-risk capability.
	HighConfidence    float64
	CombinedRiskBonus float64

	// Origin detector: public source addresses get a small, low-confidence
	// delta — verification is suggested, not punished.
	OriginDelta float64

	// History detector: RapidAttempts or more registrations with
	// inter-arrival under RapidInterval flags automated behavior.
	RapidAttempts int
	RapidInterval time.Duration
	RapidDelta    float64

	// Severity thresholds over the aggregate 0-100 score.
	MediumThreshold   int
	HighThreshold     int
	CriticalThreshold int
}

// DefaultConfig returns the default detector weights and thresholds.
func DefaultConfig() *Config {
	return &Config{
		PrivilegedNameDelta: 30,
		ReservedPrefixDelta: 25,

		PatternWeights: map[Category]float64{
			CategoryCodeExecution:    1.0,
			CategoryDataExfiltration: 1.0,
			CategoryFilesystemAccess: 0.8,
			CategoryNetworkAccess:    0.6,
		},
		MinConfidence: 0.3,

		CapabilityRisks: map[string]CapabilityRisk{
			"code-execution":    {CategoryCodeExecution, 0.9, 25},
			"shell-access":      {CategoryCodeExecution, 0.9, 25},
			"eval":              {CategoryCodeExecution, 0.85, 22},
			"file-delete":       {CategoryFilesystemAccess, 0.8, 20},
			"file-write":        {CategoryFilesystemAccess, 0.75, 15},
			"filesystem-full":   {CategoryFilesystemAccess, 0.85, 22},
			"credential-access": {CategoryDataExfiltration, 0.9, 25},
			"data-export":       {CategoryDataExfiltration, 0.75, 15},
			"network-raw":       {CategoryNetworkAccess, 0.7, 12},
			"port-scan":         {CategoryNetworkAccess, 0.85, 20},
			"http-fetch":        {CategoryNetworkAccess, 0.4, 5},
		},
		HighConfidence:    0.7,
		CombinedRiskBonus: 10,

		OriginDelta: 5,

		RapidAttempts: 3,
		RapidInterval: 60 * time.Second,
		RapidDelta:    15,

		MediumThreshold:   45,
		HighThreshold:     65,
		CriticalThreshold: 85,
	}
}
