package spending

import (
	"context"
	"time"
)

// Entry is one row of the AI spending history. This stream is separate
// from the general transaction history: it records what the agent itself
// initiated, and only approved entries count toward spend totals.
type Entry struct {
	ID          int64     `json:"id"`
	FromAddress string    `json:"from_address,omitempty"`
	ToAddress   string    `json:"to_address"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Approved    bool      `json:"approved"`
	ApprovalID  string    `json:"approval_id,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store persists the AI spending history.
//
// SpentSince sums only approved entries; CountSince counts every entry,
// approved or not, so blocked attempts still count toward frequency caps.
type Store interface {
	Record(ctx context.Context, e *Entry) error
	SpentSince(ctx context.Context, since time.Time) (float64, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
	Recent(ctx context.Context, limit int) ([]*Entry, error)
}
