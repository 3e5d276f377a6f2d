package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

type AdminRepo struct {
	pool *pgxpool.Pool
}

func NewAdminRepo(pool *pgxpool.Pool) *AdminRepo {
	return &AdminRepo{pool: pool}
}

// GetAdminByUsername: нет такого - nil, nil (хендлер отвечает 401 без подсказок).
func (r *AdminRepo) GetAdminByUsername(ctx context.Context, username string) (*domain.Admin, error) {
	a := &domain.Admin{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, scopes, created_at
		FROM admins WHERE username = $1`, username).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Scopes, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get admin: %w", err)
	}
	return a, nil
}

// UpsertAdmin - сид оператора при старте (хэш уже посчитан).
func (r *AdminRepo) UpsertAdmin(ctx context.Context, username, passwordHash string, scopes map[string]bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admins (username, password_hash, scopes)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash, scopes = EXCLUDED.scopes`,
		username, passwordHash, scopes)
	if err != nil {
		return fmt.Errorf("postgres: upsert admin: %w", err)
	}
	return nil
}
