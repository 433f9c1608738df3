// Package approvals manages human approval requests opened when a
// transaction is held by the spending limit controller or by a
// require_approval rule.
//
// Requests are never deleted. A pending request past its expiry reads as
// expired without being rewritten; expiry is decided at read time, so no
// background sweeper is needed.
package approvals

import (
	"errors"
	"time"
)

var ErrRequestNotFound = errors.New("approvals: request not found")

// RequestTTL is how long a request stays decidable after creation.
const RequestTTL = 24 * time.Hour

// DefaultCurrency is assumed when a request's transfer names none.
const DefaultCurrency = "ETH"

// Request statuses. StatusExpired is derived at read time and never stored.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// TransactionData is the transfer snapshot frozen into the request at
// creation time.
type TransactionData struct {
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	Value       float64 `json:"value"`
	Currency    string  `json:"currency"`
	TxHash      string  `json:"tx_hash,omitempty"`
}

// Request is a pending human decision on a held transaction.
type Request struct {
	ID          string          `json:"id"`
	Transaction TransactionData `json:"transaction"`
	Reason      string          `json:"reason"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
}

// EffectiveStatus returns the status as of now: a stored pending request
// past its expiry reads as expired.
func (r *Request) EffectiveStatus(now time.Time) string {
	if r.Status == StatusPending && now.After(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// Decidable reports whether the request can still be approved or rejected.
func (r *Request) Decidable(now time.Time) bool {
	return r.EffectiveStatus(now) == StatusPending
}
