package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrDuplicateTxHash is returned when recording a transaction whose hash
// already exists.
var ErrDuplicateTxHash = errors.New("history: duplicate tx hash")

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transactions table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			tx_hash TEXT NOT NULL UNIQUE,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(LOWER(from_address), timestamp);
		CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(LOWER(to_address), timestamp);
	`)
	if err != nil {
		return fmt.Errorf("migrate transactions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, tx *Transaction) error {
	ts := tx.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (tx_hash, from_address, to_address, value, status, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, timestamp
	`, tx.TxHash, tx.FromAddress, tx.ToAddress, tx.Value, tx.Status, ts).Scan(&tx.ID, &tx.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTxHash
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, txHash, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = $2 WHERE tx_hash = $1
	`, txHash, status)
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ListByAddress(ctx context.Context, address string, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tx_hash, from_address, to_address, value, status, timestamp
		FROM transactions
		WHERE LOWER(from_address) = LOWER($1) OR LOWER(to_address) = LOWER($1)
		ORDER BY id DESC LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.TxHash, &tx.FromAddress, &tx.ToAddress, &tx.Value, &tx.Status, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SpendingSince(ctx context.Context, fromAddress string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM transactions
		WHERE LOWER(from_address) = LOWER($1)
		  AND timestamp >= $2
		  AND status IN ('confirmed', 'pending')
	`, fromAddress, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spending: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) CountSince(ctx context.Context, fromAddress string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE LOWER(from_address) = LOWER($1) AND timestamp >= $2
	`, fromAddress, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}
