package spending

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Record(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextID
	s.nextID++
	if e.Currency == "" {
		e.Currency = DefaultCurrency
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c := *e
	s.entries = append(s.entries, &c)
	return nil
}

func (s *MemoryStore) SpentSince(_ context.Context, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, e := range s.entries {
		if e.Approved && !e.Timestamp.Before(since) {
			total += e.Amount
		}
	}
	return total, nil
}

func (s *MemoryStore) CountSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.entries {
		if !e.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		c := *s.entries[i]
		out = append(out, &c)
	}
	return out, nil
}
