package history

import (
	"context"
	"time"
)

// Store persists transaction history.
//
// SpendingSince sums values of confirmed and pending transactions sent by
// the address since the given time; failed transfers do not count toward
// spend. CountSince counts transactions from the address regardless of
// status, so failed attempts still count toward frequency limits.
type Store interface {
	Record(ctx context.Context, tx *Transaction) error
	UpdateStatus(ctx context.Context, txHash, status string) (bool, error)
	ListByAddress(ctx context.Context, address string, limit int) ([]*Transaction, error)
	SpendingSince(ctx context.Context, fromAddress string, since time.Time) (float64, error)
	CountSince(ctx context.Context, fromAddress string, since time.Time) (int, error)
}
