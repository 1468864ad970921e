package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/botfleet/internal/domain"
)

type BotRepo struct {
	pool *pgxpool.Pool
}

func NewBotRepo(pool *pgxpool.Pool) *BotRepo {
	return &BotRepo{pool: pool}
}

const botColumns = `id, name, description, profile_image, super_admins, kind, config, status, number, created_at, updated_at`

func scanBot(row pgx.Row) (*domain.Bot, error) {
	var (
		b   domain.Bot
		cfg []byte
	)
	err := row.Scan(&b.ID, &b.Name, &b.Description, &b.ProfileImage, &b.SuperAdmins, &b.Kind,
		&cfg, &b.Status, &b.Number, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &b.Config); err != nil {
		return nil, fmt.Errorf("postgres: bot %s has invalid config: %w", b.ID, err)
	}
	return &b, nil
}

// CreateBot сохраняет новую запись. CreatedAt/UpdatedAt выставляет база.
func (r *BotRepo) CreateBot(ctx context.Context, b *domain.Bot) error {
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO bots (id, name, description, profile_image, super_admins, kind, config, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err = r.pool.QueryRow(ctx, query,
		b.ID, b.Name, b.Description, b.ProfileImage, b.SuperAdmins, b.Kind, cfg, b.Status,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create bot: %w", err)
	}
	return nil
}

func (r *BotRepo) GetBot(ctx context.Context, id string) (*domain.Bot, error) {
	b, err := scanBot(r.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bot %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get bot: %w", err)
	}
	return b, nil
}

// ListBots - все записи, для восстановления и массового failover.
func (r *BotRepo) ListBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list bots: %w", err)
	}
	defer rows.Close()
	return collectBots(rows)
}

// ListBotsPage - страница для Console API. page начинается с 1.
func (r *BotRepo) ListBotsPage(ctx context.Context, page, size int) ([]*domain.Bot, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bots`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: failed to count bots: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+botColumns+` FROM bots ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: failed to list bots: %w", err)
	}
	defer rows.Close()

	bots, err := collectBots(rows)
	return bots, total, err
}

func collectBots(rows pgx.Rows) ([]*domain.Bot, error) {
	// Пустой слайс, чтобы в JSON был [] вместо null
	bots := make([]*domain.Bot, 0)
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (r *BotRepo) exec(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *BotRepo) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	return r.exec(ctx, "update status", id,
		`UPDATE bots SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
}

func (r *BotRepo) UpdateNumber(ctx context.Context, id, number string) error {
	return r.exec(ctx, "update number", id,
		`UPDATE bots SET number = $1, updated_at = NOW() WHERE id = $2`, number, id)
}

func (r *BotRepo) UpdateConfig(ctx context.Context, id string, cfg domain.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.exec(ctx, "update config", id,
		`UPDATE bots SET config = $1, updated_at = NOW() WHERE id = $2`, raw, id)
}

func (r *BotRepo) DeleteBot(ctx context.Context, id string) error {
	return r.exec(ctx, "delete bot", id, `DELETE FROM bots WHERE id = $1`, id)
}

// CountByStatus - сводка для дашборда.
func (r *BotRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM bots GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count bots: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int)
	for rows.Next() {
		var (
			st domain.Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
