package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EvaluationRecord is the audit row written for every rule checked against
// a transaction, pass or fail. Records are written before the verdict is
// returned to the caller.
type EvaluationRecord struct {
	ID        int64           `json:"id"`
	TxHash    string          `json:"tx_hash"`
	RuleID    int64           `json:"rule_id"`
	RuleName  string          `json:"rule_name"`
	Passed    bool            `json:"passed"`
	Reason    string          `json:"reason,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RecordStore persists evaluation records. ListByTxHash returns newest first.
type RecordStore interface {
	Append(ctx context.Context, recs []*EvaluationRecord) error
	ListByTxHash(ctx context.Context, txHash string, limit int) ([]*EvaluationRecord, error)
	Recent(ctx context.Context, limit int) ([]*EvaluationRecord, error)
}

// MemoryRecordStore keeps evaluation records in memory.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []*EvaluationRecord
	nextID  int64
	maxSize int
}

var _ RecordStore = (*MemoryRecordStore)(nil)

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{nextID: 1, maxSize: 10000}
}

func (s *MemoryRecordStore) Append(_ context.Context, recs []*EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, r := range recs {
		r.ID = s.nextID
		s.nextID++
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		s.records = append(s.records, r)
	}
	if len(s.records) > s.maxSize {
		s.records = s.records[len(s.records)-s.maxSize:]
	}
	return nil
}

func (s *MemoryRecordStore) ListByTxHash(_ context.Context, txHash string, limit int) ([]*EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EvaluationRecord
	// Newest first.
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].TxHash == txHash {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *MemoryRecordStore) Recent(_ context.Context, limit int) ([]*EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EvaluationRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// PostgresRecordStore persists evaluation records to PostgreSQL.
type PostgresRecordStore struct {
	db *sql.DB
}

var _ RecordStore = (*PostgresRecordStore)(nil)

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (s *PostgresRecordStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rule_evaluations (
			id BIGSERIAL PRIMARY KEY,
			tx_hash TEXT NOT NULL,
			rule_id BIGINT NOT NULL,
			rule_name TEXT NOT NULL,
			passed BOOLEAN NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rule_evaluations_tx_hash ON rule_evaluations(tx_hash);
	`)
	if err != nil {
		return fmt.Errorf("migrate rule_evaluations: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Append(ctx context.Context, recs []*EvaluationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rule_evaluations (tx_hash, rule_id, rule_name, passed, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		var details any
		if len(r.Details) > 0 {
			details = []byte(r.Details)
		}
		if err := stmt.QueryRowContext(ctx, r.TxHash, r.RuleID, r.RuleName, r.Passed, r.Reason, details).
			Scan(&r.ID, &r.CreatedAt); err != nil {
			return fmt.Errorf("insert evaluation record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresRecordStore) ListByTxHash(ctx context.Context, txHash string, limit int) ([]*EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tx_hash, rule_id, rule_name, passed, reason, details, created_at
		FROM rule_evaluations WHERE tx_hash = $1
		ORDER BY id DESC LIMIT $2
	`, txHash, limit)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresRecordStore) Recent(ctx context.Context, limit int) ([]*EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tx_hash, rule_id, rule_name, passed, reason, details, created_at
		FROM rule_evaluations ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent evaluations: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*EvaluationRecord, error) {
	var out []*EvaluationRecord
	for rows.Next() {
		var r EvaluationRecord
		var details []byte
		if err := rows.Scan(&r.ID, &r.TxHash, &r.RuleID, &r.RuleName, &r.Passed, &r.Reason, &details, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation record: %w", err)
		}
		r.Details = details
		out = append(out, &r)
	}
	return out, rows.Err()
}
