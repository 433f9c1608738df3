package approvals

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	order    []string // insertion order of request IDs
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Create(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	r.ID = uuid.NewString()
	r.Status = StatusPending
	if r.Transaction.Currency == "" {
		r.Transaction.Currency = DefaultCurrency
	}
	r.CreatedAt = now
	r.ExpiresAt = now.Add(RequestTTL)

	c := *r
	s.requests[r.ID] = &c
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return viewRequest(r, time.Now().UTC()), nil
}

// List returns requests newest first. The status filter matches the
// derived status, so status=expired finds pending rows past their expiry
// and status=pending excludes them.
func (s *MemoryStore) List(_ context.Context, status string) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []*Request
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.requests[s.order[i]]
		v := viewRequest(r, now)
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *MemoryStore) Decide(_ context.Context, id, status, decidedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	if !r.Decidable(now) {
		return false, nil
	}
	r.Status = status
	r.ApprovedAt = &now
	r.ApprovedBy = decidedBy
	return true, nil
}

func (s *MemoryStore) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	count := 0
	for _, r := range s.requests {
		if r.EffectiveStatus(now) == StatusPending {
			count++
		}
	}
	return count, nil
}

// viewRequest copies a stored request with its derived status applied.
// The stored row is never mutated by reads.
func viewRequest(r *Request, now time.Time) *Request {
	c := *r
	c.Status = r.EffectiveStatus(now)
	return &c
}
