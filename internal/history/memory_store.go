package history

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	txs    []*Transaction
	nextID int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Record(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx.ID = s.nextID
	s.nextID++
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	c := *tx
	s.txs = append(s.txs, &c)
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, txHash, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := false
	for _, tx := range s.txs {
		if tx.TxHash == txHash {
			tx.Status = status
			updated = true
		}
	}
	return updated, nil
}

func (s *MemoryStore) ListByAddress(_ context.Context, address string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := strings.ToLower(address)
	var out []*Transaction
	// Newest first.
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.txs[i]
		if strings.ToLower(tx.FromAddress) == addr || strings.ToLower(tx.ToAddress) == addr {
			c := *tx
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) SpendingSince(_ context.Context, fromAddress string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := strings.ToLower(fromAddress)
	var total float64
	for _, tx := range s.txs {
		if strings.ToLower(tx.FromAddress) != addr || tx.Timestamp.Before(since) {
			continue
		}
		if tx.Status == StatusConfirmed || tx.Status == StatusPending {
			total += tx.Value
		}
	}
	return total, nil
}

func (s *MemoryStore) CountSince(_ context.Context, fromAddress string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := strings.ToLower(fromAddress)
	count := 0
	for _, tx := range s.txs {
		if strings.ToLower(tx.FromAddress) == addr && !tx.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}
