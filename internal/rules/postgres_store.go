package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
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

// Migrate creates the rules table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rules (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			parameters JSONB NOT NULL DEFAULT '{}',
			action TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled);
	`)
	if err != nil {
		return fmt.Errorf("migrate rules: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Rule) error {
	params := r.Parameters
	if len(params) == 0 {
		params = []byte("{}")
	}
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rules (kind, name, parameters, action, enabled, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`, string(r.Kind), r.Name, []byte(params), string(r.Action), r.Enabled, r.Priority, now).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, parameters, action, enabled, priority, created_at, updated_at
		FROM rules WHERE id = $1
	`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, enabledOnly bool) ([]*Rule, error) {
	q := `
		SELECT id, kind, name, parameters, action, enabled, priority, created_at, updated_at
		FROM rules`
	if enabledOnly {
		q += ` WHERE enabled = TRUE`
	}
	q += ` ORDER BY priority DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, id int64, upd Update) (bool, error) {
	sets := []string{}
	args := []any{}
	i := 1

	if upd.Enabled != nil {
		sets = append(sets, fmt.Sprintf("enabled = $%d", i))
		args = append(args, *upd.Enabled)
		i++
	}
	if upd.Parameters != nil {
		sets = append(sets, fmt.Sprintf("parameters = $%d", i))
		args = append(args, []byte(upd.Parameters))
		i++
	}
	if upd.Priority != nil {
		sets = append(sets, fmt.Sprintf("priority = $%d", i))
		args = append(args, *upd.Priority)
		i++
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE rules SET %s WHERE id = $%d", strings.Join(sets, ", "), i), args...)
	if err != nil {
		return false, fmt.Errorf("update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var kind, action string
	var params []byte
	if err := row.Scan(&r.ID, &kind, &r.Name, &params, &action, &r.Enabled, &r.Priority, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.Action = Action(action)
	r.Parameters = params
	return &r, nil
}
