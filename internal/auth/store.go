package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roostlabs/roost/pkg/plugin"
)

// Store provides database access for operator accounts.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrations returns the auth schema migrations.
func Migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create operator accounts table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS auth_users (
						id TEXT PRIMARY KEY,
						username TEXT NOT NULL UNIQUE,
						password_hash TEXT NOT NULL,
						role TEXT NOT NULL DEFAULT 'viewer',
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						last_login DATETIME,
						disabled INTEGER NOT NULL DEFAULT 0
					)`)
				return err
			},
		},
	}
}

// CreateUser inserts a new operator account.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	disabled := 0
	if u.Disabled {
		disabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_users (id, username, password_hash, role, created_at, disabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.CreatedAt, disabled,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByUsername returns a user by username. Returns nil, nil if not found.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	var disabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at, last_login, disabled
		FROM auth_users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &lastLogin, &disabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	u.Disabled = disabled != 0
	return &u, nil
}

// CountUsers returns the number of operator accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// TouchLastLogin records a successful login time.
func (s *Store) TouchLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_users SET last_login = CURRENT_TIMESTAMP WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}
