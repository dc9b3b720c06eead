package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/store"
)

func (t *Tx) InsertOutbox(ctx context.Context, item *store.OutboxItem) error {
	meta, err := metaJSON(item.Meta)
	if err != nil {
		return fmt.Errorf("marshal outbox meta: %w", err)
	}
	err = t.tx.QueryRowContext(ctx,
		`INSERT INTO proactive_outbox (chat_id, intent, text, meta_json, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		item.ChatID, item.Intent, item.Text, meta, item.CreatedAt).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (t *Tx) ListUnsentOutbox(ctx context.Context, limit int) ([]*store.OutboxItem, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, chat_id, intent, text, meta_json, created_at, sent_at, attempts
		 FROM proactive_outbox
		 WHERE sent_at IS NULL
		 ORDER BY id ASC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []*store.OutboxItem
	for rows.Next() {
		var (
			item store.OutboxItem
			meta []byte
		)
		if err := rows.Scan(&item.ID, &item.ChatID, &item.Intent, &item.Text,
			&meta, &item.CreatedAt, &item.SentAt, &item.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if item.Meta, err = unmarshalMeta(meta); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (t *Tx) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE proactive_outbox SET sent_at = $2, attempts = attempts + 1 WHERE id = $1`,
		id, sentAt)
	return err
}

func (t *Tx) MarkOutboxAttempt(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE proactive_outbox SET attempts = attempts + 1 WHERE id = $1`,
		id)
	return err
}
