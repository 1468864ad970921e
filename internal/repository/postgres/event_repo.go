package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/botfleet/internal/journal"
)

// WriteBatch - пакетная запись журнала статусов через COPY.
func (r *BotRepo) WriteBatch(ctx context.Context, events []journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.ID, e.BotID, string(e.Status), e.Timestamp}
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"bot_events"},
		[]string{"id", "bot_id", "status", "timestamp"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to write journal batch: %w", err)
	}
	return nil
}

// ListEvents - последние переходы бота, новые первыми.
func (r *BotRepo) ListEvents(ctx context.Context, botID string, limit int) ([]journal.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, bot_id, status, timestamp FROM bot_events
		WHERE bot_id = $1 ORDER BY timestamp DESC LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]journal.Event, 0)
	for rows.Next() {
		var e journal.Event
		if err := rows.Scan(&e.ID, &e.BotID, &e.Status, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
