// Package handler exposes the registry over HTTP with Gin. Handlers bind and
// validate transport concerns (JSON shape, query params, client IP) and map
// the service layer's typed errors onto status codes; all admission and
// lifecycle decisions live in the service.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
	"github.com/ruvnet/agent-name-service/internal/registry/service"
	"github.com/ruvnet/agent-name-service/internal/resolver"
	"github.com/ruvnet/agent-name-service/pkg/agentcard"
)

// AgentHandler handles HTTP requests for agent registration, lifecycle, and
// resolution.
type AgentHandler struct {
	svc         *service.RegistrationService
	resolver    *resolver.Service
	registryURL string
	logger      *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(svc *service.RegistrationService, res *resolver.Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, resolver: res, logger: logger}
}

// SetRegistryURL sets the base URL stamped into issued agent cards.
func (h *AgentHandler) SetRegistryURL(url string) { h.registryURL = url }

// Register mounts the agent routes on the given router group.
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	agents := rg.Group("/agents")
	{
		agents.POST("", h.RegisterAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:name", h.GetAgent)
		agents.GET("/:name/card", h.GetAgentCard)
		agents.GET("/:name/certificates", h.CertificateHistory)
		agents.POST("/:name/rotate", h.RotateCertificate)
		agents.POST("/:name/revoke", h.RevokeAgent)
		agents.POST("/:name/suspend", h.SuspendAgent)
		agents.POST("/:name/restore", h.RestoreAgent)
	}

	rg.GET("/resolve/:name", h.ResolveAgent)
	rg.GET("/certificates/:serial/validate", h.ValidateCertificate)
}

// RegisterAgent handles POST /agents. The source IP is always taken from the
// connection, never from the request body.
func (h *AgentHandler) RegisterAgent(c *gin.Context) {
	var req model.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.SourceIP = c.ClientIP()

	result, err := h.svc.Register(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	card := &agentcard.Card{
		SchemaVersion:   agentcard.SchemaVersion,
		Name:            result.Agent.Name,
		Registry:        h.registryURL,
		Description:     result.Agent.Metadata.Description,
		Provider:        result.Agent.Metadata.Provider,
		Endpoint:        result.Agent.Metadata.Endpoint,
		Capabilities:    result.Agent.Metadata.Capabilities,
		CertSerial:      result.Certificate.SerialNumber,
		CertFingerprint: result.Certificate.Fingerprint,
		ThreatSeverity:  string(result.Report.Severity),
		Endorsement:     result.Endorsement,
		IssuedAt:        time.Now().UTC(),
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent":         result.Agent,
		"agent_card":    card,
		"certificate":   result.CertPEM,
		"private_key":   result.KeyPEM,
		"ca":            result.CAPEM,
		"threat_report": result.Report,
	})
}

// ListAgents handles GET /agents with ?limit= and ?offset= pagination.
func (h *AgentHandler) ListAgents(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	if limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	if offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be non-negative"})
		return
	}

	agents, err := h.svc.ListAgents(c.Request.Context(), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
		"limit":  limit,
		"offset": offset,
	})
}

// GetAgent handles GET /agents/:name.
func (h *AgentHandler) GetAgent(c *gin.Context) {
	agent, err := h.svc.GetAgent(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// GetAgentCard handles GET /agents/:name/card — the portable identity card
// for an already-registered agent. The card never carries key material.
func (h *AgentHandler) GetAgentCard(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.svc.GetAgent(ctx, c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	card := &agentcard.Card{
		SchemaVersion:  agentcard.SchemaVersion,
		Name:           agent.Name,
		Registry:       h.registryURL,
		Description:    agent.Metadata.Description,
		Provider:       agent.Metadata.Provider,
		Endpoint:       agent.Metadata.Endpoint,
		Capabilities:   agent.Metadata.Capabilities,
		CertSerial:     agent.CertSerial,
		ThreatSeverity: agent.ThreatSeverity,
		IssuedAt:       time.Now().UTC(),
	}
	if agent.CertSerial != "" {
		res, err := h.resolver.Resolve(ctx, agent.Name)
		if err != nil {
			h.writeError(c, err)
			return
		}
		card.CertFingerprint = res.Fingerprint
	}
	c.JSON(http.StatusOK, card)
}

// CertificateHistory handles GET /agents/:name/certificates — every
// certificate ever issued to the agent, newest first.
func (h *AgentHandler) CertificateHistory(c *gin.Context) {
	certs, err := h.svc.CertificateHistory(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs, "count": len(certs)})
}

// RotateCertificate handles POST /agents/:name/rotate.
func (h *AgentHandler) RotateCertificate(c *gin.Context) {
	name := c.Param("name")
	out, err := h.svc.RotateCertificate(c.Request.Context(), name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.resolver.Invalidate(name)

	c.JSON(http.StatusOK, gin.H{
		"agent":       out.Agent,
		"certificate": out.CertPEM,
		"private_key": out.KeyPEM,
		"new_serial":  out.New.SerialNumber,
		"old_serial":  out.Old.SerialNumber,
	})
}

// revokeRequest carries the operator-supplied revocation reason.
type revokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RevokeAgent handles POST /agents/:name/revoke. Terminal: the name stays
// retired afterwards.
func (h *AgentHandler) RevokeAgent(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	name := c.Param("name")
	if err := h.svc.RevokeAgent(c.Request.Context(), name, req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	h.resolver.Invalidate(name)
	c.JSON(http.StatusOK, gin.H{"name": name, "status": model.AgentStatusRevoked})
}

// SuspendAgent handles POST /agents/:name/suspend.
func (h *AgentHandler) SuspendAgent(c *gin.Context) {
	h.transition(c, model.AgentStatusSuspended, h.svc.SuspendAgent)
}

// RestoreAgent handles POST /agents/:name/restore.
func (h *AgentHandler) RestoreAgent(c *gin.Context) {
	h.transition(c, model.AgentStatusActive, h.svc.RestoreAgent)
}

func (h *AgentHandler) transition(c *gin.Context, to model.AgentStatus, op func(ctx context.Context, name string) error) {
	name := c.Param("name")
	if err := op(c.Request.Context(), name); err != nil {
		h.writeError(c, err)
		return
	}
	h.resolver.Invalidate(name)
	c.JSON(http.StatusOK, gin.H{"name": name, "status": to})
}

// ResolveAgent handles GET /resolve/:name — the directory's read path.
func (h *AgentHandler) ResolveAgent(c *gin.Context) {
	res, err := h.resolver.Resolve(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ValidateCertificate handles GET /certificates/:serial/validate.
func (h *AgentHandler) ValidateCertificate(c *gin.Context) {
	result, err := h.svc.ValidateCertificate(c.Request.Context(), c.Param("serial"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeError maps the service layer's typed errors onto HTTP status codes.
// Messages pass through Sanitize so backend detail never reaches clients.
func (h *AgentHandler) writeError(c *gin.Context, err error) {
	var (
		valErr  *model.ErrValidation
		rateErr *model.ErrRateLimited
		certErr *model.ErrCertificate
		polErr  *model.ErrRejectedByPolicy
		stoErr  *model.ErrStorage
	)

	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": model.Sanitize(valErr.Error()), "field": valErr.Field})
	case errors.As(err, &rateErr):
		c.Header("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": rateErr.RetryAfter.String(),
		})
	case errors.As(err, &polErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "registration rejected by security policy",
			"score":    polErr.Score,
			"severity": polErr.Severity,
		})
	case errors.As(err, &certErr):
		if certErr.Failure == model.CertKeyGen {
			h.logger.Error("certificate issuance failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "certificate issuance failed"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": model.Sanitize(certErr.Error())})
	case errors.As(err, &stoErr):
		h.logger.Error("storage failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// intQuery parses an integer query parameter with a default.
func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
