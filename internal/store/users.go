package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kontomat/backend/internal/auth"
	"github.com/kontomat/backend/internal/domain"
)

// UserStore is the Postgres user directory.
type UserStore struct {
	db *sql.DB
}

var _ auth.UserStore = (*UserStore)(nil)

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{db: db} }

func (s *UserStore) PutUser(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role, active = EXCLUDED.active
	`, u.ID, u.Username, u.PasswordHash, u.Role, u.Active, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put user: %w", err)
	}
	return nil
}

func (s *UserStore) UserByName(ctx context.Context, username string) (*auth.User, error) {
	var u auth.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, active, created_at
		FROM users WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.E(domain.CodeNotFound, "korisnik ne postoji")
	}
	if err != nil {
		return nil, fmt.Errorf("store: user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) Users(ctx context.Context) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, role, active, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("store: users: %w", err)
	}
	defer rows.Close()

	var out []*auth.User
	for rows.Next() {
		var u auth.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}
