package variables

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store on the custom_variables table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM custom_variables`)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom variables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan custom variable: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating custom variables: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (string, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return "", err
	}

	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM custom_variables WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get custom variable: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, name, value string) error {
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	return upsert(ctx, s.db, name, value)
}

// Increment reads and writes the row in one transaction, holding a row lock.
func (s *PostgresStore) Increment(ctx context.Context, name string, delta float64) (string, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO custom_variables (name, value) VALUES ($1, '') ON CONFLICT (name) DO NOTHING
	`, name)
	if err != nil {
		return "", fmt.Errorf("failed to create custom variable: %w", err)
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM custom_variables WHERE name = $1 FOR UPDATE`, name).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read custom variable: %w", err)
	}

	next := incremented(current, delta)
	if err := upsert(ctx, tx, name, next); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit custom variable: %w", err)
	}
	return next, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, name, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO custom_variables (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, name, value)
	if err != nil {
		return fmt.Errorf("failed to save custom variable: %w", err)
	}
	return nil
}
