package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	rules  map[int64]*Rule
	nextID int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[int64]*Rule), nextID: 1}
}

func (s *MemoryStore) Create(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = s.nextID
	s.nextID++
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	s.rules[r.ID] = copyRule(r)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return copyRule(r), nil
}

func (s *MemoryStore) List(_ context.Context, enabledOnly bool) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, copyRule(r))
	}
	// Priority descending, insertion order (ascending id) for ties.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id int64, upd Update) (bool, error) {
	if upd.Empty() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return false, nil
	}
	if upd.Enabled != nil {
		r.Enabled = *upd.Enabled
	}
	if upd.Parameters != nil {
		r.Parameters = append([]byte(nil), upd.Parameters...)
	}
	if upd.Priority != nil {
		r.Priority = *upd.Priority
	}
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return false, nil
	}
	delete(s.rules, id)
	return true, nil
}

func copyRule(r *Rule) *Rule {
	c := *r
	if r.Parameters != nil {
		c.Parameters = append([]byte(nil), r.Parameters...)
	}
	return &c
}
