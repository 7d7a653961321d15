package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/david/oppforge/internal/models"
)

// ErrAdminNotFound is returned when no admin account matches.
var ErrAdminNotFound = errors.New("admin not found")

func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*models.Admin, error) {
	var a models.Admin
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, created_at FROM admin_users WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdminNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &a, nil
}

// CreateAdmin inserts the account unless the email is taken, and reports
// whether it did.
func (s *Store) CreateAdmin(ctx context.Context, a models.Admin) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO admin_users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, a.ID, strings.ToLower(strings.TrimSpace(a.Email)), a.PasswordHash, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("create admin: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
