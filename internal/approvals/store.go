package approvals

import "context"

// Store persists approval requests.
//
// Decide transitions a request from pending to the given terminal status.
// It is an atomic compare-and-set: it returns false when the request does
// not exist, was already decided, or has expired. Requests are never
// deleted; List and Get report derived expiry without rewriting rows.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, status string) ([]*Request, error)
	Decide(ctx context.Context, id, status, decidedBy string) (bool, error)
	CountPending(ctx context.Context) (int, error)
}
