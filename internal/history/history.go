// Package history stores the on-chain transaction history that feeds the
// rule engine's spending context. Rows are ingested by the wallet caller
// after broadcast and queried per sender address over sliding windows.
package history

import (
	"errors"
	"time"
)

var ErrTransactionNotFound = errors.New("history: transaction not found")

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Transaction is a recorded transfer.
type Transaction struct {
	ID          int64     `json:"id"`
	TxHash      string    `json:"tx_hash"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Value       float64   `json:"value"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// ValidStatus reports whether s is a known transaction status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}
