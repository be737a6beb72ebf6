package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/audit"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// AuditHandler exposes read-only HTTP endpoints for the security event log.
type AuditHandler struct {
	log    audit.Log
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(log audit.Log, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{log: log, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("", h.Overview)
		a.GET("/verify", h.Verify)
		a.GET("/entries/:idx", h.GetEntry)
		a.GET("/events", h.QueryEvents)
	}
}

// Overview handles GET /audit — chain length and current root hash.
func (h *AuditHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.log.Len(ctx)
	if err != nil {
		h.logger.Error("audit Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit log"})
		return
	}

	root, err := h.log.Root(ctx)
	if err != nil {
		h.logger.Error("audit Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
	})
}

// Verify handles GET /audit/verify — walks the full chain and reports
// integrity. A broken chain is a 200 with valid=false, not an error: the
// endpoint itself worked.
func (h *AuditHandler) Verify(c *gin.Context) {
	if err := h.log.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("audit chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /audit/entries/:idx — a single chain entry.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.log.Get(c.Request.Context(), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// QueryEvents handles GET /audit/events with optional filters:
// ?type= ?severity= ?min_severity= ?source= ?target= ?since= ?until= ?limit=.
// Timestamps are RFC 3339.
func (h *AuditHandler) QueryEvents(c *gin.Context) {
	filter := model.EventFilter{
		EventType:   c.Query("type"),
		Severity:    model.EventSeverity(c.Query("severity")),
		MinSeverity: model.EventSeverity(c.Query("min_severity")),
		Source:      c.Query("source"),
		Target:      c.Query("target"),
	}

	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		filter.Since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "until must be an RFC 3339 timestamp"})
			return
		}
		filter.Until = t
	}

	filter.Limit = intQuery(c, "limit", 100)
	if filter.Limit < 0 || filter.Limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 0 and 1000"})
		return
	}

	events, err := h.log.Query(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("audit Query", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
