// Package client is the Go SDK for the Agent Name Service registry. It
// covers the full API surface: registration, resolution, certificate
// lifecycle, and the audit log.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruvnet/agent-name-service/pkg/agentcard"
)

// Metadata is the self-declared description submitted at registration.
type Metadata struct {
	Description  string            `json:"description,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Version      string            `json:"version,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Agent is the registry's record of a registered agent.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Metadata       Metadata  `json:"metadata"`
	Status         string    `json:"status"`
	CertSerial     string    `json:"cert_serial,omitempty"`
	ThreatScore    int       `json:"threat_score"`
	ThreatSeverity string    `json:"threat_severity,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RegisterResult is the full admission response: the record, the portable
// card, and the one-time key material.
type RegisterResult struct {
	Agent        Agent           `json:"agent"`
	AgentCard    *agentcard.Card `json:"agent_card"`
	Certificate  string          `json:"certificate"`
	PrivateKey   string          `json:"private_key"`
	CA           string          `json:"ca"`
	ThreatReport json.RawMessage `json:"threat_report,omitempty"`
}

// Resolution is the read-path view of an agent.
type Resolution struct {
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	CertSerial     string    `json:"cert_serial,omitempty"`
	Fingerprint    string    `json:"cert_fingerprint,omitempty"`
	CertStatus     string    `json:"cert_status,omitempty"`
	CertValid      bool      `json:"cert_valid"`
	ThreatSeverity string    `json:"threat_severity,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// RotateResult holds the replacement certificate bundle.
type RotateResult struct {
	Agent       Agent  `json:"agent"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
	NewSerial   string `json:"new_serial"`
	OldSerial   string `json:"old_serial"`
}

// Certificate mirrors the registry's stored certificate record.
type Certificate struct {
	SerialNumber     string    `json:"serial_number"`
	Subject          string    `json:"subject"`
	Issuer           string    `json:"issuer"`
	ValidFrom        time.Time `json:"valid_from"`
	ValidTo          time.Time `json:"valid_to"`
	Fingerprint      string    `json:"fingerprint"`
	Status           string    `json:"status"`
	RotatedFrom      string    `json:"rotated_from,omitempty"`
	RevocationReason string    `json:"revocation_reason,omitempty"`
}

// Event is a single audit log event.
type Event struct {
	ID                string            `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	EventType         string            `json:"event_type"`
	Severity          string            `json:"severity"`
	Source            string            `json:"source"`
	Target            string            `json:"target,omitempty"`
	Description       string            `json:"description"`
	MitigationApplied bool              `json:"mitigation_applied"`
	Details           map[string]string `json:"details,omitempty"`
}

// EventsQuery filters an audit event listing. Zero values match everything.
type EventsQuery struct {
	Type        string
	Severity    string
	MinSeverity string
	Source      string
	Target      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// APIError is a non-2xx registry response.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to an ANS registry.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS verification.
// Only use this in development against a locally-generated CA.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client connected to the registry at base.
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register submits a registration and returns the admission bundle. The
// private key in the result is delivered exactly once; persist it.
func (c *Client) Register(ctx context.Context, name string, meta Metadata) (*RegisterResult, error) {
	body := map[string]any{"name": name, "metadata": meta}
	var result RegisterResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Resolve looks up an agent name.
func (c *Client) Resolve(ctx context.Context, name string) (*Resolution, error) {
	var res Resolution
	if err := c.do(ctx, http.MethodGet, "/api/v1/resolve/"+url.PathEscape(name), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetAgent fetches the full agent record.
func (c *Client) GetAgent(ctx context.Context, name string) (*Agent, error) {
	var agent Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(name), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetCard fetches the agent's identity card.
func (c *Client) GetCard(ctx context.Context, name string) (*agentcard.Card, error) {
	var card agentcard.Card
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(name)+"/card", nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// CertificateHistory lists every certificate issued to the agent, newest first.
func (c *Client) CertificateHistory(ctx context.Context, name string) ([]Certificate, error) {
	var resp struct {
		Certificates []Certificate `json:"certificates"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(name)+"/certificates", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// Rotate replaces the agent's certificate.
func (c *Client) Rotate(ctx context.Context, name string) (*RotateResult, error) {
	var result RotateResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(name)+"/rotate", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Revoke retires the agent permanently. The name cannot be re-registered.
func (c *Client) Revoke(ctx context.Context, name, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(name)+"/revoke", body, nil)
}

// Suspend pauses the agent; reversible with Restore.
func (c *Client) Suspend(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(name)+"/suspend", nil, nil)
}

// Restore returns a suspended agent to active.
func (c *Client) Restore(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(name)+"/restore", nil, nil)
}

// Events queries the audit log.
func (c *Client) Events(ctx context.Context, q EventsQuery) ([]Event, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.Severity != "" {
		params.Set("severity", q.Severity)
	}
	if q.MinSeverity != "" {
		params.Set("min_severity", q.MinSeverity)
	}
	if q.Source != "" {
		params.Set("source", q.Source)
	}
	if q.Target != "" {
		params.Set("target", q.Target)
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		params.Set("until", q.Until.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}

	path := "/api/v1/audit/events"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// VerifyAudit asks the registry to walk its audit chain. It returns the
// verdict plus the chain's description of any break.
func (c *Client) VerifyAudit(ctx context.Context) (bool, string, error) {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/verify", nil, &resp); err != nil {
		return false, "", err
	}
	return resp.Valid, resp.Error, nil
}

// CACert downloads the registry's root CA certificate in PEM form.
func (c *Client) CACert(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/ca.crt", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch CA certificate: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return string(body), nil
}

// do performs a JSON round trip against the registry. respBody may be nil
// when the response payload is not needed.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var buf io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = string(body)
		}
		return apiErr
	}

	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
