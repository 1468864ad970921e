package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/botfleet/internal/domain"
)

// SaveGroup запоминает группу, созданную ботом. Участники не хранятся: их источник - сеть.
func (r *BotRepo) SaveGroup(ctx context.Context, g *domain.Group) error {
	query := `
		INSERT INTO bot_groups (id, bot_id, title, description, image_url, super_admins)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_id, id) DO UPDATE
		SET title = EXCLUDED.title, description = EXCLUDED.description, image_url = EXCLUDED.image_url
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query, g.ID, g.BotID, g.Title, g.Description, g.ImageURL, g.SuperAdmins).
		Scan(&g.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save group: %w", err)
	}
	return nil
}

func (r *BotRepo) ListGroups(ctx context.Context, botID string) ([]*domain.Group, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, bot_id, title, description, image_url, super_admins, created_at
		FROM bot_groups WHERE bot_id = $1 ORDER BY created_at DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*domain.Group, 0)
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.BotID, &g.Title, &g.Description, &g.ImageURL, &g.SuperAdmins, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

func (r *BotRepo) DeleteGroup(ctx context.Context, botID, groupID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM bot_groups WHERE bot_id = $1 AND id = $2`, botID, groupID); err != nil {
		return fmt.Errorf("postgres: failed to delete group: %w", err)
	}
	return nil
}
