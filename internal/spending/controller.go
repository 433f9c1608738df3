package spending

import (
	"context"
	"fmt"
	"time"

	"github.com/cyprienoudart/Chain-Pilot/internal/approvals"
	"github.com/cyprienoudart/Chain-Pilot/internal/metrics"
)

// DefaultCurrency is assumed when a check or record names none.
const DefaultCurrency = "ETH"

// Rejection reason codes, checked in this order.
const (
	ReasonApproved         = "approved"
	ReasonExceedsSingleTx  = "exceeds_single_tx_limit"
	ReasonExceedsHourly    = "exceeds_hourly_limit"
	ReasonExceedsDaily     = "exceeds_daily_limit"
	ReasonTooFrequent      = "too_frequent"
	ReasonRequiresApproval = "requires_approval"
)

// CheckResult is the controller's decision on a proposed transfer. Every
// result carries the window usage the gates ran against.
type CheckResult struct {
	Allowed          bool        `json:"allowed"`
	Reason           string      `json:"reason"`
	Message          string      `json:"message,omitempty"`
	RequiresApproval bool        `json:"requires_approval"`
	ApprovalID       string      `json:"approval_id,omitempty"`
	Limits           *LimitsInfo `json:"limits_info"`
}

// LimitsInfo is the current window usage against the active profile.
// Limits are rendered as strings because the unrestricted profile's
// infinities have no JSON representation.
type LimitsInfo struct {
	SecurityLevel         string  `json:"security_level"`
	HourlySpent           float64 `json:"hourly_spent"`
	DailySpent            float64 `json:"daily_spent"`
	HourlyLimit           string  `json:"hourly_limit"`
	DailyLimit            string  `json:"daily_limit"`
	MaxSingleTx           string  `json:"max_single_tx"`
	ApprovalThreshold     string  `json:"approval_threshold"`
	HourlyTxCount         int     `json:"hourly_tx_count"`
	MaxTxPerHour          int     `json:"max_tx_per_hour"`
	RequireApprovalAlways bool    `json:"require_approval_always"`
}

// Controller applies the active security profile to proposed transfers.
//
// CheckTransaction and RecordTransaction are separate calls: the caller
// records after the transfer completes. Two concurrent checks can both
// read a window total before either records, so simultaneous transfers
// may together overshoot an hourly or daily limit by up to one
// transaction's amount. The window totals heal on the next check.
type Controller struct {
	level     SecurityLevel
	profile   Profile
	history   Store
	approvals approvals.Store
}

func NewController(level SecurityLevel, profile Profile, history Store, approvalStore approvals.Store) *Controller {
	return &Controller{level: level, profile: profile, history: history, approvals: approvalStore}
}

// Level returns the active security level.
func (c *Controller) Level() SecurityLevel { return c.level }

// CheckTransaction runs the five limit gates in order and stops at the
// first failure. Every failure opens an approval request so a human can
// release the transfer.
func (c *Controller) CheckTransaction(ctx context.Context, fromAddress, toAddress string, amount float64, currency string) (*CheckResult, error) {
	if currency == "" {
		currency = DefaultCurrency
	}

	limits, err := c.LimitsInfo(ctx)
	if err != nil {
		return nil, err
	}

	if amount > c.profile.MaxSingleTx {
		msg := fmt.Sprintf("Transaction amount (%s) exceeds per-transaction limit (%s)",
			fmtLimit(amount), fmtLimit(c.profile.MaxSingleTx))
		return c.reject(ctx, fromAddress, toAddress, amount, currency, ReasonExceedsSingleTx, msg, limits)
	}

	if limits.HourlySpent+amount > c.profile.HourlyLimit {
		msg := fmt.Sprintf("Would exceed hourly limit (%s + %s > %s)",
			fmtLimit(limits.HourlySpent), fmtLimit(amount), fmtLimit(c.profile.HourlyLimit))
		return c.reject(ctx, fromAddress, toAddress, amount, currency, ReasonExceedsHourly, msg, limits)
	}

	if limits.DailySpent+amount > c.profile.DailyLimit {
		msg := fmt.Sprintf("Would exceed daily limit (%s + %s > %s)",
			fmtLimit(limits.DailySpent), fmtLimit(amount), fmtLimit(c.profile.DailyLimit))
		return c.reject(ctx, fromAddress, toAddress, amount, currency, ReasonExceedsDaily, msg, limits)
	}

	if limits.HourlyTxCount >= c.profile.MaxTxPerHour {
		msg := fmt.Sprintf("Transaction frequency limit reached (%d/%d per hour)",
			limits.HourlyTxCount, c.profile.MaxTxPerHour)
		return c.reject(ctx, fromAddress, toAddress, amount, currency, ReasonTooFrequent, msg, limits)
	}

	if amount > c.profile.ApprovalThreshold || c.profile.RequireApprovalAlways {
		msg := fmt.Sprintf("Transaction amount (%s) requires human approval (threshold %s)",
			fmtLimit(amount), fmtLimit(c.profile.ApprovalThreshold))
		res, err := c.reject(ctx, fromAddress, toAddress, amount, currency, ReasonRequiresApproval, msg, limits)
		if err != nil {
			return nil, err
		}
		res.RequiresApproval = true
		return res, nil
	}

	metrics.SpendingChecksTotal.WithLabelValues(ReasonApproved).Inc()
	return &CheckResult{Allowed: true, Reason: ReasonApproved, Limits: limits}, nil
}

func (c *Controller) reject(ctx context.Context, fromAddress, toAddress string, amount float64, currency, reason, msg string, limits *LimitsInfo) (*CheckResult, error) {
	req := &approvals.Request{
		Transaction: approvals.TransactionData{
			FromAddress: fromAddress,
			ToAddress:   toAddress,
			Value:       amount,
			Currency:    currency,
		},
		Reason: msg,
	}
	if err := c.approvals.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	metrics.SpendingChecksTotal.WithLabelValues(reason).Inc()
	if n, err := c.approvals.CountPending(ctx); err == nil {
		metrics.ApprovalsPending.Set(float64(n))
	}
	return &CheckResult{
		Reason:     reason,
		Message:    msg,
		ApprovalID: req.ID,
		Limits:     limits,
	}, nil
}

// RecordTransaction appends a transfer to the spending history. Callers
// invoke this after a transfer succeeds, or with Approved false to log a
// blocked attempt against its approval request; the controller never
// records on its own.
func (c *Controller) RecordTransaction(ctx context.Context, e *Entry) error {
	if e.Currency == "" {
		e.Currency = DefaultCurrency
	}
	return c.history.Record(ctx, e)
}

// LimitsInfo reports current window usage against the active profile.
func (c *Controller) LimitsInfo(ctx context.Context) (*LimitsInfo, error) {
	now := time.Now().UTC()

	hourlySpent, err := c.history.SpentSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("hourly spend: %w", err)
	}
	dailySpent, err := c.history.SpentSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("daily spend: %w", err)
	}
	hourlyCount, err := c.history.CountSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("hourly count: %w", err)
	}

	return &LimitsInfo{
		SecurityLevel:         string(c.level),
		HourlySpent:           hourlySpent,
		DailySpent:            dailySpent,
		HourlyLimit:           fmtLimit(c.profile.HourlyLimit),
		DailyLimit:            fmtLimit(c.profile.DailyLimit),
		MaxSingleTx:           fmtLimit(c.profile.MaxSingleTx),
		ApprovalThreshold:     fmtLimit(c.profile.ApprovalThreshold),
		HourlyTxCount:         hourlyCount,
		MaxTxPerHour:          c.profile.MaxTxPerHour,
		RequireApprovalAlways: c.profile.RequireApprovalAlways,
	}, nil
}
