// Package rules implements the transaction policy rule engine.
//
// Rules are persisted policy statements evaluated against every proposed
// transfer. Each rule has a kind (what it checks), kind-specific parameters,
// and an action taken when the check fails. The evaluator combines all
// enabled rules into a single verdict using most-restrictive-wins:
// deny beats require_approval beats allow.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrRuleNotFound = errors.New("rules: not found")
)

// PendingTxHash is the sentinel recorded for evaluations of transactions
// that have not been submitted to the chain yet.
const PendingTxHash = "pending"

// Kind identifies what a rule checks.
type Kind string

const (
	KindSpendingLimit    Kind = "spending_limit"
	KindAddressWhitelist Kind = "address_whitelist"
	KindAddressBlacklist Kind = "address_blacklist"
	KindTimeRestriction  Kind = "time_restriction"
	KindAmountThreshold  Kind = "amount_threshold"
	KindDailyTxCount     Kind = "daily_transaction_count"
)

// Action is what happens when a rule fails.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"
)

// RiskLevel is the coarse classification attached to a verdict.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rule is a persisted policy statement.
type Rule struct {
	ID         int64           `json:"id"`
	Kind       Kind            `json:"kind"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Action     Action          `json:"action"`
	Enabled    bool            `json:"enabled"`
	Priority   int             `json:"priority"` // higher = listed first, audit ordering only
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transaction is the candidate transfer under evaluation. It is never
// persisted by this package; only its evaluation records are.
type Transaction struct {
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	Value       float64 `json:"value"`
	TxHash      string  `json:"tx_hash,omitempty"`
}

// Context carries the per-sender spending and frequency figures rules
// check against. Built fresh for every evaluation.
type Context struct {
	DailySpending         float64 `json:"daily_spending"`
	WeeklySpending        float64 `json:"weekly_spending"`
	MonthlySpending       float64 `json:"monthly_spending"`
	DailyTransactionCount int     `json:"daily_transaction_count"`
}

// Verdict is the combined outcome of all rule checks for one transaction.
type Verdict struct {
	Allowed      bool      `json:"allowed"`
	Action       Action    `json:"action"`
	RiskLevel    RiskLevel `json:"risk_level"`
	FailedRules  []string  `json:"failed_rules"`
	Reasons      []string  `json:"reasons"`
	RulesChecked int       `json:"rules_checked"`
	RulesPassed  int       `json:"rules_passed"`
}

// Update describes a partial rule mutation. Nil fields are left unchanged.
type Update struct {
	Enabled    *bool           `json:"enabled,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Priority   *int            `json:"priority,omitempty"`
}

// Empty reports whether the update carries no fields at all.
func (u Update) Empty() bool {
	return u.Enabled == nil && u.Parameters == nil && u.Priority == nil
}

// SpendingLimitParams caps spend per transaction or per rolling window.
type SpendingLimitParams struct {
	Type   string  `json:"type"` // daily, weekly, monthly, per_transaction
	Amount float64 `json:"amount"`
}

// AddressListParams is used by both whitelist and blacklist rules.
type AddressListParams struct {
	Addresses []string `json:"addresses"`
}

// TimeRestrictionParams limits transfers to a window of hours.
// The timezone is stored with the rule but the comparison runs against
// the UTC hour; see the matcher for details.
type TimeRestrictionParams struct {
	AllowedHours string `json:"allowed_hours"` // "HH:MM-HH:MM"
	Timezone     string `json:"timezone,omitempty"`
}

// AmountThresholdParams flags transactions at or above a value.
type AmountThresholdParams struct {
	Threshold float64 `json:"threshold"`
}

// DailyTxCountParams caps the number of transactions per day.
type DailyTxCountParams struct {
	MaxCount int `json:"max_count"`
}

// ValidationError reports a rejected rule at creation time.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateNew checks the pieces of a rule that are enforced at write time:
// the kind and action must be known, and the parameters must be valid JSON.
// Kind-specific parameter shape is NOT checked here; a rule with a
// mismatched shape fails at evaluation time instead of aborting writes.
func ValidateNew(kind Kind, action Action, params json.RawMessage) error {
	switch kind {
	case KindSpendingLimit, KindAddressWhitelist, KindAddressBlacklist,
		KindTimeRestriction, KindAmountThreshold, KindDailyTxCount:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown rule kind %q", kind)}
	}

	switch action {
	case ActionAllow, ActionDeny, ActionRequireApproval:
	default:
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}

	if len(params) > 0 && !json.Valid(params) {
		return &ValidationError{Field: "parameters", Message: "must be valid JSON"}
	}

	return nil
}

// MoreRestrictive reports whether a is a stricter action than b.
// Ordering: deny > require_approval > allow.
func MoreRestrictive(a, b Action) bool {
	return actionRank(a) > actionRank(b)
}

func actionRank(a Action) int {
	switch a {
	case ActionDeny:
		return 2
	case ActionRequireApproval:
		return 1
	default:
		return 0
	}
}
