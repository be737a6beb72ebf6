package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruvnet/agent-name-service/internal/health"
)

// HealthHandler serves the readiness endpoint.
type HealthHandler struct {
	checker *health.Checker
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Healthz handles GET /healthz. Degraded still returns 200 so orchestrators
// keep routing traffic while a single dependency recovers; only down is 503.
func (h *HealthHandler) Healthz(c *gin.Context) {
	report := h.checker.Check(c.Request.Context())
	RecordHealthCheck(report.Status != health.StatusDown)

	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
