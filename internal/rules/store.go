package rules

import "context"

// Store persists rules.
//
// List returns rules ordered by priority descending, ties broken by
// insertion order. Update and Delete return false (nil error) when the
// rule does not exist; Update also returns false when the update carries
// no fields. Every successful mutation bumps UpdatedAt.
type Store interface {
	Create(ctx context.Context, r *Rule) error
	Get(ctx context.Context, id int64) (*Rule, error)
	List(ctx context.Context, enabledOnly bool) ([]*Rule, error)
	Update(ctx context.Context, id int64, upd Update) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
}
