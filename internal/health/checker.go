// Package health reports the registry's own readiness: storage reachability,
// CA availability, and audit chain integrity. Components register probe
// functions; the checker runs them with a bounded per-probe timeout.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status summarises the overall service condition.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// probeTimeout bounds each component check so one stuck dependency cannot
// hang the health endpoint.
const probeTimeout = 2 * time.Second

// Probe checks a single component. A nil return means healthy.
type Probe func(ctx context.Context) error

// Report is the outcome of a full health check.
type Report struct {
	Status     Status            `json:"status"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker runs registered component probes.
type Checker struct {
	mu     sync.RWMutex
	probes map[string]Probe
	logger *zap.Logger
}

// New creates an empty Checker.
func New(logger *zap.Logger) *Checker {
	return &Checker{
		probes: make(map[string]Probe),
		logger: logger,
	}
}

// Register adds a named component probe. Re-registering replaces the probe.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Check runs every probe and aggregates the result. All probes failing means
// down; some failing means degraded.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusOK,
		Components: make(map[string]string, len(probes)),
		CheckedAt:  time.Now().UTC(),
	}

	failed := 0
	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(probeCtx)
		cancel()

		if err != nil {
			failed++
			report.Components[name] = err.Error()
			c.logger.Warn("health probe failed", zap.String("component", name), zap.Error(err))
			continue
		}
		report.Components[name] = "ok"
	}

	switch {
	case len(probes) > 0 && failed == len(probes):
		report.Status = StatusDown
	case failed > 0:
		report.Status = StatusDegraded
	}
	return report
}
