package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ChainPilotClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ChainPilotClient) *Handlers {
	return &Handlers{client: client}
}

// HandleEvaluateTransaction runs the policy rules against a proposed transfer.
func (h *Handlers) HandleEvaluateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fromAddress := req.GetString("from_address", "")
	if fromAddress == "" {
		fromAddress = h.client.cfg.AgentAddress
	}
	if fromAddress == "" {
		return mcp.NewToolResultError("from_address is required"), nil
	}
	toAddress := req.GetString("to_address", "")
	if toAddress == "" {
		return mcp.NewToolResultError("to_address is required"), nil
	}
	value := req.GetFloat("value", 0)

	raw, err := h.client.EvaluateTransaction(ctx, fromAddress, toAddress, value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}

	text, err := formatVerdict(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckSpending runs the spending limit gates.
func (h *Handlers) HandleCheckSpending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toAddress := req.GetString("to_address", "")
	if toAddress == "" {
		return mcp.NewToolResultError("to_address is required"), nil
	}
	amount := req.GetFloat("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be positive"), nil
	}
	fromAddress := req.GetString("from_address", h.client.cfg.AgentAddress)

	raw, err := h.client.CheckSpending(ctx, fromAddress, toAddress, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Spending check failed: %v", err)), nil
	}

	text, err := formatCheckResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse check result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRecordSpend records a completed transfer.
func (h *Handlers) HandleRecordSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toAddress := req.GetString("to_address", "")
	if toAddress == "" {
		return mcp.NewToolResultError("to_address is required"), nil
	}
	amount := req.GetFloat("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be positive"), nil
	}
	txHash := req.GetString("tx_hash", "")

	if _, err := h.client.RecordSpend(ctx, toAddress, amount, txHash); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record transfer: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Recorded %g ETH to %s in the spending history.", amount, toAddress)), nil
}

// HandleGetSpendingLimits returns the active limits and current usage.
func (h *Handlers) HandleGetSpendingLimits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetSpendingLimits(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get spending limits: %v", err)), nil
	}

	text, err := formatLimits(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse limits: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListRules lists the configured policy rules.
func (h *Handlers) HandleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabledOnly := req.GetBool("enabled_only", false)

	raw, err := h.client.ListRules(ctx, enabledOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}

	text, err := formatRuleList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rules: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListApprovals lists approval requests.
func (h *Handlers) HandleListApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")

	raw, err := h.client.ListApprovals(ctx, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list approvals: %v", err)), nil
	}

	text, err := formatApprovalList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approvals: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDecideApproval approves or rejects a pending request.
func (h *Handlers) HandleDecideApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("approval_id", "")
	if id == "" {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision := req.GetString("decision", "")
	if decision != "approve" && decision != "reject" {
		return mcp.NewToolResultError("decision must be 'approve' or 'reject'"), nil
	}
	decidedBy := req.GetString("decided_by", "")

	if _, err := h.client.DecideApproval(ctx, id, decision, decidedBy); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Decision failed: %v", err)), nil
	}

	past := "approved"
	if decision == "reject" {
		past = "rejected"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Approval request %s %s.", id, past)), nil
}

// --- Formatting helpers ---

func formatVerdict(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	if allowed, ok := m["allowed"].(bool); ok && allowed {
		sb.WriteString("Verdict: ALLOWED\n")
	} else {
		sb.WriteString("Verdict: BLOCKED\n")
	}
	if v := getString(m, "action"); v != "" {
		fmt.Fprintf(&sb, "Action: %s\n", v)
	}
	if v := getString(m, "risk_level"); v != "" {
		fmt.Fprintf(&sb, "Risk: %s\n", v)
	}
	checked, _ := getFloat(m, "rules_checked")
	passed, _ := getFloat(m, "rules_passed")
	fmt.Fprintf(&sb, "Rules: %.0f/%.0f passed\n", passed, checked)

	if reasons, ok := m["reasons"].([]any); ok && len(reasons) > 0 {
		sb.WriteString("\nFailing rules:\n")
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				fmt.Fprintf(&sb, "  - %s\n", s)
			}
		}
	}
	return sb.String(), nil
}

func formatCheckResult(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	if allowed, ok := m["allowed"].(bool); ok && allowed {
		sb.WriteString("Transfer allowed within spending limits.\n")
		fmt.Fprintf(&sb, "Reason: %s\n", getString(m, "reason"))
		sb.WriteString("\nRemember to call record_spend after the transfer completes.")
		return sb.String(), nil
	}

	sb.WriteString("Transfer blocked by spending limits.\n")
	fmt.Fprintf(&sb, "Reason: %s\n", getString(m, "reason"))
	if v := getString(m, "message"); v != "" {
		fmt.Fprintf(&sb, "Detail: %s\n", v)
	}
	if id := getString(m, "approval_id"); id != "" {
		fmt.Fprintf(&sb, "\nAn approval request was opened (ID: %s).\n", id)
		sb.WriteString("A human can approve it via decide_approval or the approvals API.")
	}
	return sb.String(), nil
}

func formatLimits(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Security level: %s\n\n", getString(m, "security_level"))

	hourlySpent, _ := getFloat(m, "hourly_spent")
	dailySpent, _ := getFloat(m, "daily_spent")
	fmt.Fprintf(&sb, "Hourly: %g / %s ETH\n", hourlySpent, getString(m, "hourly_limit"))
	fmt.Fprintf(&sb, "Daily:  %g / %s ETH\n", dailySpent, getString(m, "daily_limit"))
	fmt.Fprintf(&sb, "Per-transaction cap: %s ETH\n", getString(m, "max_single_tx"))
	fmt.Fprintf(&sb, "Approval threshold:  %s ETH\n", getString(m, "approval_threshold"))

	count, _ := getFloat(m, "hourly_tx_count")
	maxCount, _ := getFloat(m, "max_tx_per_hour")
	fmt.Fprintf(&sb, "Transactions this hour: %.0f / %.0f\n", count, maxCount)

	if v, ok := m["require_approval_always"].(bool); ok && v {
		sb.WriteString("\nEvery transfer currently requires approval.")
	}
	return sb.String(), nil
}

func formatRuleList(raw json.RawMessage) (string, error) {
	var resp struct {
		Rules []map[string]any `json:"rules"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected rules response format")
	}
	if len(resp.Rules) == 0 {
		return "No rules configured.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d rule(s):\n\n", len(resp.Rules))
	for i, r := range resp.Rules {
		state := "enabled"
		if v, ok := r["enabled"].(bool); ok && !v {
			state = "disabled"
		}
		id, _ := getFloat(r, "id")
		priority, _ := getFloat(r, "priority")
		fmt.Fprintf(&sb, "%d. [#%.0f] %s\n", i+1, id, getString(r, "name"))
		fmt.Fprintf(&sb, "   Kind: %s | Action: %s | Priority: %.0f | %s\n",
			getString(r, "kind"), getString(r, "action"), priority, state)
		if params, ok := r["parameters"]; ok {
			if data, err := json.Marshal(params); err == nil && string(data) != "{}" && string(data) != "null" {
				fmt.Fprintf(&sb, "   Parameters: %s\n", data)
			}
		}
	}
	return sb.String(), nil
}

func formatApprovalList(raw json.RawMessage) (string, error) {
	var resp struct {
		Approvals []map[string]any `json:"approvals"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected approvals response format")
	}
	if len(resp.Approvals) == 0 {
		return "No approval requests found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d approval request(s):\n\n", len(resp.Approvals))
	for i, a := range resp.Approvals {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(a, "id"), getString(a, "status"))
		if tx, ok := a["transaction"].(map[string]any); ok {
			value, _ := getFloat(tx, "value")
			fmt.Fprintf(&sb, "   %g ETH to %s\n", value, getString(tx, "to_address"))
		}
		if v := getString(a, "reason"); v != "" {
			fmt.Fprintf(&sb, "   Reason: %s\n", v)
		}
		if i < len(resp.Approvals)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
