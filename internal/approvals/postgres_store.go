package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Derived expiry is computed in SQL: pending rows past expires_at are
// reported as expired but never rewritten.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const statusExpr = `CASE WHEN status = 'pending' AND expires_at < NOW() THEN 'expired' ELSE status END`

// Migrate creates the approval_requests table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS approval_requests (
			id UUID PRIMARY KEY,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL DEFAULT 'ETH',
			tx_hash TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			approved_at TIMESTAMPTZ,
			approved_by TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
	`)
	if err != nil {
		return fmt.Errorf("migrate approval_requests: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	r.ID = uuid.NewString()
	r.Status = StatusPending
	if r.Transaction.Currency == "" {
		r.Transaction.Currency = DefaultCurrency
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.ExpiresAt = now.Add(RequestTTL)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, from_address, to_address, value, currency, tx_hash, reason, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.Transaction.FromAddress, r.Transaction.ToAddress, r.Transaction.Value,
		r.Transaction.Currency, r.Transaction.TxHash, r.Reason, r.Status, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_address, to_address, value, currency, tx_hash, reason, `+statusExpr+`,
		       created_at, expires_at, approved_at, approved_by
		FROM approval_requests WHERE id = $1
	`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, status string) ([]*Request, error) {
	q := `
		SELECT id, from_address, to_address, value, currency, tx_hash, reason, ` + statusExpr + `,
		       created_at, expires_at, approved_at, approved_by
		FROM approval_requests`
	args := []any{}
	if status != "" {
		q += ` WHERE ` + statusExpr + ` = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Decide is a single compare-and-set UPDATE; concurrent decisions on the
// same request race in the database and exactly one wins.
func (s *PostgresStore) Decide(ctx context.Context, id, status, decidedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $2, approved_at = NOW(), approved_by = $3
		WHERE id = $1 AND status = 'pending' AND expires_at >= NOW()
	`, id, status, decidedBy)
	if err != nil {
		return false, fmt.Errorf("decide approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approval_requests
		WHERE status = 'pending' AND expires_at >= NOW()
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var approvedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Transaction.FromAddress, &r.Transaction.ToAddress,
		&r.Transaction.Value, &r.Transaction.Currency, &r.Transaction.TxHash, &r.Reason, &r.Status,
		&r.CreatedAt, &r.ExpiresAt, &approvedAt, &r.ApprovedBy); err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	return &r, nil
}
