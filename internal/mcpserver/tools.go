package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the ChainPilot MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEvaluateTransaction = mcp.NewTool("evaluate_transaction",
	mcp.WithDescription(
		"Evaluate a proposed transfer against the configured policy rules. "+
			"Returns a verdict (allow, deny, or require_approval), a risk level, "+
			"and the reason for every failing rule. Run this before sending any transaction."),
	mcp.WithString("from_address",
		mcp.Required(),
		mcp.Description("Sender address (e.g. '0x1234...')")),
	mcp.WithString("to_address",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0xabcd...')")),
	mcp.WithNumber("value",
		mcp.Required(),
		mcp.Description("Transfer amount in ETH (e.g. 0.25)")),
)

var ToolCheckSpending = mcp.NewTool("check_spending",
	mcp.WithDescription(
		"Check a proposed transfer against the active spending limits "+
			"(per-transaction cap, hourly and daily budgets, rate limit, approval threshold). "+
			"If a limit blocks the transfer, an approval request is opened and its ID returned. "+
			"This does not record the transfer; call record_spend after it completes."),
	mcp.WithString("to_address",
		mcp.Required(),
		mcp.Description("Recipient address")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Transfer amount in ETH")),
	mcp.WithString("from_address",
		mcp.Description("Optional sender address attached to any approval request")),
)

var ToolRecordSpend = mcp.NewTool("record_spend",
	mcp.WithDescription(
		"Record a completed transfer in the spending history so future limit "+
			"checks account for it. Call this once after a transfer is broadcast."),
	mcp.WithString("to_address",
		mcp.Required(),
		mcp.Description("Recipient address")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount that was sent, in ETH")),
	mcp.WithString("tx_hash",
		mcp.Description("Transaction hash, if known")),
)

var ToolGetSpendingLimits = mcp.NewTool("get_spending_limits",
	mcp.WithDescription(
		"Show the active security level, its spending limits, and how much of "+
			"the hourly and daily budgets is already spent."),
)

var ToolListRules = mcp.NewTool("list_rules",
	mcp.WithDescription(
		"List the configured policy rules with their kind, action, priority, "+
			"and enabled state."),
	mcp.WithBoolean("enabled_only",
		mcp.Description("If true, only return enabled rules")),
)

var ToolListApprovals = mcp.NewTool("list_approvals",
	mcp.WithDescription(
		"List approval requests opened for blocked transfers. "+
			"Filter by status to see what is still waiting for a human decision."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "approved", "rejected", "expired")),
)

var ToolDecideApproval = mcp.NewTool("decide_approval",
	mcp.WithDescription(
		"Approve or reject a pending approval request. "+
			"Only pending, unexpired requests can be decided; a second decision is a no-op."),
	mcp.WithString("approval_id",
		mcp.Required(),
		mcp.Description("The approval request ID from check_spending or list_approvals")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("The decision to apply"),
		mcp.Enum("approve", "reject")),
	mcp.WithString("decided_by",
		mcp.Description("Identifier of who is deciding (recorded in the audit trail)")),
)
