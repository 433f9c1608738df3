package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:       ts.URL,
		APIKey:       "sk_test_key",
		AgentAddress: "0xAGENT",
	}
	client := NewChainPilotClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", AgentAddress: "0xABC"})
	_, err := client.GetSpendingLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_NoAuthHeaderWithoutKey(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, AgentAddress: "0xABC"})
	_, err := client.GetSpendingLimits(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_address",
			"message": "to_address is not a valid address",
		})
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	_, err := client.CheckSpending(context.Background(), "", "garbage", 1.0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "to_address is not a valid address")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	_, err := client.GetSpendingLimits(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewChainPilotClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "k", AgentAddress: "0x1"})
	_, err := client.GetSpendingLimits(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.GetSpendingLimits(ctx)
	require.Error(t, err)
}

func TestClient_EvaluateTransaction_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/evaluate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "0xFROM", m["from_address"])
		assert.Equal(t, "0xTO", m["to_address"])
		assert.Equal(t, 0.75, m["value"])

		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": true, "action": "allow"})
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0xFROM"})
	_, err := client.EvaluateTransaction(context.Background(), "0xFROM", "0xTO", 0.75)
	require.NoError(t, err)
}

func TestClient_ListRules_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rules", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("enabled"))
		_, _ = w.Write([]byte(`{"rules":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	_, err := client.ListRules(context.Background(), true)
	require.NoError(t, err)
}

func TestClient_ListRules_NoFilter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("enabled"))
		_, _ = w.Write([]byte(`{"rules":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	_, err := client.ListRules(context.Background(), false)
	require.NoError(t, err)
}

func TestClient_ListApprovals_StatusFilter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/approvals", r.URL.Path)
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"approvals":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	_, err := client.ListApprovals(context.Background(), "pending")
	require.NoError(t, err)
}

func TestClient_DecideApproval_Path(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/approvals/req-42/approve", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "ops", m["decided_by"])

		_ = json.NewEncoder(w).Encode(map[string]any{"decided": true, "status": "approved"})
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	_, err := client.DecideApproval(context.Background(), "req-42", "approve", "ops")
	require.NoError(t, err)
}

func TestClient_RecordSpend_OmitsEmptyTxHash(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		_, hasHash := m["tx_hash"]
		assert.False(t, hasHash, "empty tx_hash should not be sent")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"recorded":true}`))
	}))
	defer ts.Close()

	client := NewChainPilotClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: "0x1"})
	_, err := client.RecordSpend(context.Background(), "0xTO", 0.1, "")
	require.NoError(t, err)
}

// ============================================================
// Handler: evaluate_transaction
// ============================================================

func TestHandleEvaluateTransaction_Allowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test_key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": true, "action": "allow", "risk_level": "low",
			"failed_rules": []string{}, "reasons": []string{},
			"rules_checked": 3, "rules_passed": 3,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"from_address": "0xFROM",
		"to_address":   "0xTO",
		"value":        0.5,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "ALLOWED")
	assert.Contains(t, text, "low")
	assert.Contains(t, text, "3/3 passed")
}

func TestHandleEvaluateTransaction_Denied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": false, "action": "deny", "risk_level": "high",
			"failed_rules": []string{"daily cap"},
			"reasons":      []string{"Would exceed daily limit (9 + 2 > 10)"},
			"rules_checked": 2, "rules_passed": 1,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"from_address": "0xFROM",
		"to_address":   "0xTO",
		"value":        2.0,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "BLOCKED")
	assert.Contains(t, text, "deny")
	assert.Contains(t, text, "Would exceed daily limit")
}

func TestHandleEvaluateTransaction_DefaultsFromAgentAddress(t *testing.T) {
	var gotFrom string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		gotFrom, _ = m["from_address"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": true, "action": "allow"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"to_address": "0xTO",
		"value":      0.1,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "0xAGENT", gotFrom)
}

func TestHandleEvaluateTransaction_MissingToAddress(t *testing.T) {
	h := NewHandlers(NewChainPilotClient(Config{}))
	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"from_address": "0xFROM",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "to_address is required")
}

func TestHandleEvaluateTransaction_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "internal_error", "message": "evaluation failed"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"from_address": "0xFROM", "to_address": "0xTO", "value": 1.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "evaluation failed")
}

// ============================================================
// Handler: check_spending
// ============================================================

func TestHandleCheckSpending_Allowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/spending/check", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "0xTO", m["to_address"])
		assert.Equal(t, 0.25, m["amount"])
		assert.Equal(t, "0xAGENT", m["from_address"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": true, "reason": "approved", "requires_approval": false,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckSpending(context.Background(), makeRequest(map[string]any{
		"to_address": "0xTO",
		"amount":     0.25,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "allowed within spending limits")
	assert.Contains(t, text, "record_spend")
}

func TestHandleCheckSpending_Blocked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/spending/check", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":           false,
			"reason":            "exceeds_single_tx_limit",
			"message":           "Amount 2 exceeds single transaction limit 0.5",
			"requires_approval": true,
			"approval_id":       "req-abc",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckSpending(context.Background(), makeRequest(map[string]any{
		"to_address": "0xTO",
		"amount":     2.0,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "blocked by spending limits")
	assert.Contains(t, text, "exceeds_single_tx_limit")
	assert.Contains(t, text, "req-abc")
	assert.Contains(t, text, "decide_approval")
}

func TestHandleCheckSpending_MissingToAddress(t *testing.T) {
	h := NewHandlers(NewChainPilotClient(Config{}))
	result, err := h.HandleCheckSpending(context.Background(), makeRequest(map[string]any{
		"amount": 1.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "to_address is required")
}

func TestHandleCheckSpending_NonPositiveAmount(t *testing.T) {
	h := NewHandlers(NewChainPilotClient(Config{}))
	result, err := h.HandleCheckSpending(context.Background(), makeRequest(map[string]any{
		"to_address": "0xTO",
		"amount":     0.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount must be positive")
}

// ============================================================
// Handler: record_spend
// ============================================================

func TestHandleRecordSpend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/spending/record", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "0xTO", m["to_address"])
		assert.Equal(t, 0.3, m["amount"])
		assert.Equal(t, "0xhash1", m["tx_hash"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"recorded":true}`))
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRecordSpend(context.Background(), makeRequest(map[string]any{
		"to_address": "0xTO",
		"amount":     0.3,
		"tx_hash":    "0xhash1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Recorded 0.3 ETH to 0xTO")
}

func TestHandleRecordSpend_Validation(t *testing.T) {
	h := NewHandlers(NewChainPilotClient(Config{}))

	result, err := h.HandleRecordSpend(context.Background(), makeRequest(map[string]any{"amount": 1.0}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = h.HandleRecordSpend(context.Background(), makeRequest(map[string]any{
		"to_address": "0xTO", "amount": -1.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// Handler: get_spending_limits
// ============================================================

func TestHandleGetSpendingLimits(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/spending/summary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"security_level":          "strict",
			"hourly_spent":            0.4,
			"daily_spent":             1.1,
			"hourly_limit":            "0.5",
			"daily_limit":             "2",
			"max_single_tx":           "0.5",
			"approval_threshold":      "0.1",
			"hourly_tx_count":         3,
			"max_tx_per_hour":         20,
			"require_approval_always": false,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSpendingLimits(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "strict")
	assert.Contains(t, text, "0.4 / 0.5 ETH")
	assert.Contains(t, text, "1.1 / 2 ETH")
	assert.Contains(t, text, "3 / 20")
}

func TestHandleGetSpendingLimits_Lockdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/spending/summary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"security_level":          "lockdown",
			"hourly_limit":            "0.5",
			"daily_limit":             "2",
			"max_single_tx":           "0.1",
			"approval_threshold":      "0.01",
			"require_approval_always": true,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSpendingLimits(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Every transfer currently requires approval")
}

func TestHandleGetSpendingLimits_Unlimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/spending/summary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"security_level": "unrestricted",
			"hourly_limit":   "unlimited",
			"daily_limit":    "unlimited",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSpendingLimits(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "unlimited")
}

// ============================================================
// Handler: list_rules
// ============================================================

func TestHandleListRules(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rules": []map[string]any{
				{
					"id": 1, "kind": "spending_limit", "name": "daily cap",
					"parameters": map[string]any{"type": "daily", "amount": 10},
					"action":     "deny", "enabled": true, "priority": 5,
				},
				{
					"id": 2, "kind": "address_blacklist", "name": "blocked",
					"parameters": map[string]any{"addresses": []string{"0xBAD"}},
					"action":     "deny", "enabled": false, "priority": 0,
				},
			},
			"count": 2,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 rule(s)")
	assert.Contains(t, text, "daily cap")
	assert.Contains(t, text, "spending_limit")
	assert.Contains(t, text, "disabled")
	assert.Contains(t, text, `"amount":10`)
}

func TestHandleListRules_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rules": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No rules configured")
}

func TestHandleListRules_EnabledOnlyFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("enabled"))
		_ = json.NewEncoder(w).Encode(map[string]any{"rules": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	h.HandleListRules(context.Background(), makeRequest(map[string]any{
		"enabled_only": true,
	}))
}

// ============================================================
// Handler: list_approvals
// ============================================================

func TestHandleListApprovals(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"approvals": []map[string]any{
				{
					"id": "req-1", "status": "pending", "reason": "exceeds_daily_limit",
					"transaction": map[string]any{"from_address": "0xF", "to_address": "0xT", "value": 3.5},
				},
			},
			"count": 1,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListApprovals(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "req-1")
	assert.Contains(t, text, "pending")
	assert.Contains(t, text, "3.5 ETH to 0xT")
	assert.Contains(t, text, "exceeds_daily_limit")
}

func TestHandleListApprovals_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"approvals": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListApprovals(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No approval requests found")
}

func TestHandleListApprovals_StatusFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rejected", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]any{"approvals": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	h.HandleListApprovals(context.Background(), makeRequest(map[string]any{
		"status": "rejected",
	}))
}

// ============================================================
// Handler: decide_approval
// ============================================================

func TestHandleDecideApproval_Approve(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/approvals/req-9/approve", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"decided": true, "status": "approved"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleDecideApproval(context.Background(), makeRequest(map[string]any{
		"approval_id": "req-9",
		"decision":    "approve",
		"decided_by":  "ops",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "req-9 approved")
}

func TestHandleDecideApproval_Reject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/approvals/req-9/reject", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"decided": true, "status": "rejected"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleDecideApproval(context.Background(), makeRequest(map[string]any{
		"approval_id": "req-9",
		"decision":    "reject",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "req-9 rejected")
}

func TestHandleDecideApproval_NotDecidable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/approvals/req-old/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "not_decidable", "message": "approval request is not pending",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleDecideApproval(context.Background(), makeRequest(map[string]any{
		"approval_id": "req-old",
		"decision":    "approve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not pending")
}

func TestHandleDecideApproval_Validation(t *testing.T) {
	h := NewHandlers(NewChainPilotClient(Config{}))

	result, err := h.HandleDecideApproval(context.Background(), makeRequest(map[string]any{
		"decision": "approve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "approval_id is required")

	result, err = h.HandleDecideApproval(context.Background(), makeRequest(map[string]any{
		"approval_id": "req-1",
		"decision":    "maybe",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "'approve' or 'reject'")
}

// ============================================================
// Formatting unit tests
// ============================================================

func TestFormatVerdict_MalformedJSON(t *testing.T) {
	_, err := formatVerdict(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatCheckResult_MalformedJSON(t *testing.T) {
	_, err := formatCheckResult(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatLimits_MalformedJSON(t *testing.T) {
	_, err := formatLimits(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatRuleList_MalformedJSON(t *testing.T) {
	_, err := formatRuleList(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatApprovalList_MalformedJSON(t *testing.T) {
	_, err := formatApprovalList(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatCheckResult_BlockedWithoutApprovalID(t *testing.T) {
	text, err := formatCheckResult(json.RawMessage(`{"allowed":false,"reason":"too_frequent"}`))
	require.NoError(t, err)
	assert.Contains(t, text, "too_frequent")
	assert.NotContains(t, text, "approval request was opened")
}

func TestFormatJSON_ValidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`{"a":1,"b":"two"}`))
	assert.Contains(t, result, "\"a\": 1")
	assert.Contains(t, result, "\"b\": \"two\"")
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`not json`))
	assert.Equal(t, "not json", result)
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"foo": "bar"}
	assert.Equal(t, "bar", getString(m, "missing", "foo"))
	assert.Equal(t, "", getString(m, "missing1", "missing2"))
}

func TestGetString_NumericValue(t *testing.T) {
	m := map[string]any{"count": float64(42)}
	assert.Equal(t, "42", getString(m, "count"))
}

func TestGetFloat_Fallback(t *testing.T) {
	m := map[string]any{"score": 95.5}
	v, ok := getFloat(m, "missing", "score")
	assert.True(t, ok)
	assert.Equal(t, 95.5, v)

	_, ok = getFloat(m, "missing1", "missing2")
	assert.False(t, ok)
}

// ============================================================
// Concurrency / race detection
// ============================================================

func TestHandlers_ConcurrentCalls(t *testing.T) {
	var callCount atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/spending/summary", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"security_level": "moderate"})
	})
	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"rules": []map[string]any{}})
	})
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"approvals": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			h.HandleGetSpendingLimits(context.Background(), makeRequest(nil))
			h.HandleListRules(context.Background(), makeRequest(nil))
			h.HandleListApprovals(context.Background(), makeRequest(nil))
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Equal(t, int32(60), callCount.Load())
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", APIKey: "k", AgentAddress: "0x1"})
	require.NotNil(t, s)
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// All handlers should return (result, nil) even on failures.
	// The failure is encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewChainPilotClient(Config{
		APIURL:       "http://127.0.0.1:1", // unreachable
		APIKey:       "k",
		AgentAddress: "0x1",
	}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"EvaluateTransaction", func() (*mcp.CallToolResult, error) {
			return h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{"from_address": "0xF", "to_address": "0xT", "value": 1.0}))
		}},
		{"CheckSpending", func() (*mcp.CallToolResult, error) {
			return h.HandleCheckSpending(context.Background(), makeRequest(map[string]any{"to_address": "0xT", "amount": 1.0}))
		}},
		{"RecordSpend", func() (*mcp.CallToolResult, error) {
			return h.HandleRecordSpend(context.Background(), makeRequest(map[string]any{"to_address": "0xT", "amount": 1.0}))
		}},
		{"GetSpendingLimits", func() (*mcp.CallToolResult, error) {
			return h.HandleGetSpendingLimits(context.Background(), makeRequest(nil))
		}},
		{"ListRules", func() (*mcp.CallToolResult, error) {
			return h.HandleListRules(context.Background(), makeRequest(nil))
		}},
		{"ListApprovals", func() (*mcp.CallToolResult, error) {
			return h.HandleListApprovals(context.Background(), makeRequest(nil))
		}},
		{"DecideApproval", func() (*mcp.CallToolResult, error) {
			return h.HandleDecideApproval(context.Background(), makeRequest(map[string]any{"approval_id": "r1", "decision": "approve"}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
