package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/store"
)

// InsertUserMessage is idempotent per (chat_id, tg_message_id): a retried task
// whose first attempt already committed must not duplicate the row.
func (t *Tx) InsertUserMessage(ctx context.Context, m *store.Message) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, user_id, text, tg_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id, tg_message_id) WHERE tg_message_id IS NOT NULL DO NOTHING
		 RETURNING id`,
		m.ChatID, m.UserID, m.Text, m.TGMessageID, m.CreatedAt).Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (t *Tx) InsertAssistantMessage(ctx context.Context, m *store.AssistantMessage) error {
	meta, err := metaJSON(m.Meta)
	if err != nil {
		return fmt.Errorf("marshal assistant meta: %w", err)
	}
	err = t.tx.QueryRowContext(ctx,
		`INSERT INTO assistant_messages (chat_id, text, meta_json, tg_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		m.ChatID, m.Text, meta, m.TGMessageID, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	return nil
}

func (t *Tx) MaxUserTGMessageID(ctx context.Context, chatID int64) (int64, error) {
	var max int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(tg_message_id), 0) FROM messages WHERE chat_id = $1`,
		chatID).Scan(&max)
	return max, err
}

func (t *Tx) HasAssistantTGMessageID(ctx context.Context, chatID, tgMessageID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM assistant_messages WHERE chat_id = $1 AND tg_message_id = $2)`,
		chatID, tgMessageID).Scan(&exists)
	return exists, err
}

func (t *Tx) CountAssistantSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assistant_messages WHERE chat_id = $1 AND created_at >= $2`,
		chatID, since).Scan(&n)
	return n, err
}

// FetchHistory loads recent user and assistant rows and shapes them with
// store.ShapeHistory. Assistant rows are persona-filtered in SQL: rows whose
// meta carries a different persona are excluded, rows without a persona key
// are kept.
func (t *Tx) FetchHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryItem, error) {
	userRows, err := t.tx.QueryContext(ctx,
		`SELECT text, created_at FROM messages
		 WHERE chat_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		q.ChatID, q.LimitPairs*4)
	if err != nil {
		return nil, fmt.Errorf("fetch user history: %w", err)
	}
	user, err := scanHistory(userRows, "user")
	if err != nil {
		return nil, err
	}

	asstRows, err := t.tx.QueryContext(ctx,
		`SELECT text, created_at FROM assistant_messages
		 WHERE chat_id = $1
		   AND ($2 = '' OR meta_json->>'persona' IS NULL OR meta_json->>'persona' = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		q.ChatID, q.Persona, q.LimitPairs*8)
	if err != nil {
		return nil, fmt.Errorf("fetch assistant history: %w", err)
	}
	assistant, err := scanHistory(asstRows, "assistant")
	if err != nil {
		return nil, err
	}

	return store.ShapeHistory(user, assistant, q.LimitPairs, q.SoftCharLimit, q.SoftHead, q.SoftTail), nil
}

func scanHistory(rows *sql.Rows, role string) ([]store.HistoryItem, error) {
	defer rows.Close()
	var out []store.HistoryItem
	for rows.Next() {
		var it store.HistoryItem
		it.Role = role
		if err := rows.Scan(&it.Text, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *Tx) InsertEvent(ctx context.Context, ev *store.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO events (kind, chat_id, user_id, payload_json, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.Kind, ev.ChatID, ev.UserID, []byte(payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.Kind, err)
	}
	return nil
}

func (t *Tx) CountEventsSince(ctx context.Context, kind string, chatID int64, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE kind = $1 AND chat_id = $2 AND created_at >= $3`,
		kind, chatID, since).Scan(&n)
	return n, err
}
