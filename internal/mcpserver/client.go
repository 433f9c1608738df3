package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the ChainPilot API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // Optional bearer token
	AgentAddress string // Agent's wallet address, e.g. "0x..."
}

// ChainPilotClient is a pure HTTP client for the ChainPilot policy API.
type ChainPilotClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewChainPilotClient creates a new client for the ChainPilot API.
func NewChainPilotClient(cfg Config) *ChainPilotClient {
	return &ChainPilotClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *ChainPilotClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// EvaluateTransaction runs the policy rules against a proposed transfer.
func (c *ChainPilotClient) EvaluateTransaction(ctx context.Context, fromAddress, toAddress string, value float64) (json.RawMessage, error) {
	body := map[string]any{
		"from_address": fromAddress,
		"to_address":   toAddress,
		"value":        value,
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/evaluate", nil, body)
}

// CheckSpending runs the spending limit gates against a proposed transfer.
func (c *ChainPilotClient) CheckSpending(ctx context.Context, fromAddress, toAddress string, amount float64) (json.RawMessage, error) {
	body := map[string]any{
		"to_address": toAddress,
		"amount":     amount,
	}
	if fromAddress != "" {
		body["from_address"] = fromAddress
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/spending/check", nil, body)
}

// RecordSpend appends a completed transfer to the spending history.
func (c *ChainPilotClient) RecordSpend(ctx context.Context, toAddress string, amount float64, txHash string) (json.RawMessage, error) {
	body := map[string]any{
		"to_address": toAddress,
		"amount":     amount,
	}
	if txHash != "" {
		body["tx_hash"] = txHash
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/spending/record", nil, body)
}

// GetSpendingLimits returns the active limits with current usage.
func (c *ChainPilotClient) GetSpendingLimits(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/spending/summary", nil, nil)
}

// ListRules returns the configured policy rules.
func (c *ChainPilotClient) ListRules(ctx context.Context, enabledOnly bool) (json.RawMessage, error) {
	q := url.Values{}
	if enabledOnly {
		q.Set("enabled", "true")
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/rules", q, nil)
}

// ListApprovals returns approval requests, optionally filtered by status.
func (c *ChainPilotClient) ListApprovals(ctx context.Context, status string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/approvals", q, nil)
}

// DecideApproval applies an approve or reject decision to a pending request.
func (c *ChainPilotClient) DecideApproval(ctx context.Context, id, decision, decidedBy string) (json.RawMessage, error) {
	path := "/api/v1/approvals/" + id + "/" + decision
	var body any
	if decidedBy != "" {
		body = map[string]string{"decided_by": decidedBy}
	}
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}
