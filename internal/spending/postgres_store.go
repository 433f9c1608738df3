package spending

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ai_spending_history table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ai_spending_history (
			id BIGSERIAL PRIMARY KEY,
			from_address TEXT NOT NULL DEFAULT '',
			to_address TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL DEFAULT 'ETH',
			tx_hash TEXT NOT NULL DEFAULT '',
			approved BOOLEAN NOT NULL,
			approval_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ai_spending_timestamp ON ai_spending_history(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("migrate ai_spending_history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, e *Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if e.Currency == "" {
		e.Currency = DefaultCurrency
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ai_spending_history (from_address, to_address, amount, currency, tx_hash, approved, approval_id, notes, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, timestamp
	`, e.FromAddress, e.ToAddress, e.Amount, e.Currency, e.TxHash, e.Approved, e.ApprovalID, e.Notes, ts).Scan(&e.ID, &e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert spending entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) SpentSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ai_spending_history
		WHERE approved = TRUE AND timestamp >= $1
	`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spending: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ai_spending_history WHERE timestamp >= $1
	`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count spending entries: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_address, to_address, amount, currency, tx_hash, approved, approval_id, notes, timestamp
		FROM ai_spending_history ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent spending entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FromAddress, &e.ToAddress, &e.Amount, &e.Currency, &e.TxHash, &e.Approved, &e.ApprovalID, &e.Notes, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan spending entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
