package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDirectory implements Directory on the users table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const selectUserColumns = `
	SELECT user_id, username, display_name, is_moderator, is_subscriber, is_vip, is_follower, created_at
	FROM users`

func (d *PostgresDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	row := d.db.QueryRowContext(ctx, selectUserColumns+` WHERE user_id = $1`, id)
	return scanUser(row, "user id "+id)
}

func (d *PostgresDirectory) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := d.db.QueryRowContext(ctx, selectUserColumns+`
		WHERE lower(username) = lower($1)
		ORDER BY created_at DESC
		LIMIT 1
	`, username)
	return scanUser(row, "username "+username)
}

func (d *PostgresDirectory) Create(ctx context.Context, user *User) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username
	`, user.ID, user.Username, user.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row, what string) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.IsModerator, &u.IsSubscriber, &u.IsVIP, &u.IsFollower, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}
