package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/botfleet/internal/domain"
)

// GetOperatorByUsername возвращает nil, nil, если оператора нет.
func (r *BotRepo) GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	query := `SELECT id, username, password_hash, role, created_at FROM operators WHERE username = $1`

	op := &domain.Operator{}
	err := r.pool.QueryRow(ctx, query, username).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get operator: %w", err)
	}
	return op, nil
}

// UpsertOperator создаёт оператора или меняет ему пароль и роль (bootstrap из CLI).
func (r *BotRepo) UpsertOperator(ctx context.Context, op *domain.Operator) error {
	query := `
		INSERT INTO operators (id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role
		RETURNING id, created_at`

	if err := r.pool.QueryRow(ctx, query, op.ID, op.Username, op.PasswordHash, op.Role).Scan(&op.ID, &op.CreatedAt); err != nil {
		return fmt.Errorf("postgres: failed to upsert operator: %w", err)
	}
	return nil
}
