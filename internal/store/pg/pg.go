// Package pg implements the store interfaces on PostgreSQL via database/sql
// with the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/cadence/internal/store"
)

// Store wraps the shared connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool (doctor command, tests against a live DB).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Begin starts a transaction implementing store.Tx.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tasks returns the queue facade sharing the same pool.
func (s *Store) Tasks() *TaskStore {
	return &TaskStore{db: s.db}
}

// Tx implements store.Tx on one *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func (t *Tx) LockChat(ctx context.Context, chatID int64) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chatID)
	return err
}

func (t *Tx) TryLockChat(ctx context.Context, chatID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, chatID).Scan(&ok)
	return ok, err
}

const chatStateCols = `chat_id, auto_enabled, last_user_msg_at, last_assistant_at,
	next_proactive_at, persona_key, memory_rev, last_morning_sent_at,
	last_goodnight_sent_at, last_goodnight_followup_sent_at, last_reengage_sent_at,
	timezone_offset_minutes, sleep_until, proactive_via_userbot,
	last_long_pause_reply_at, last_proactive_sent_at,
	proactive_user_msg_count_since_last, pending_input_json, pending_deadline_at,
	pending_started_at`

func (t *Tx) EnsureEntities(ctx context.Context, chatID int64, chatType string, userID int64, username, lang string, defaults store.StateDefaults) (*store.ChatState, error) {
	now := time.Now().UTC()

	if chatType == "" {
		chatType = "private"
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO chats (id, type, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		chatID, chatType, now); err != nil {
		return nil, fmt.Errorf("upsert chat: %w", err)
	}

	if userID != 0 {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO users (id, username, lang, created_at, updated_at)
			 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $4)
			 ON CONFLICT (id) DO UPDATE SET
			   username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
			   lang = COALESCE(NULLIF(EXCLUDED.lang, ''), users.lang),
			   updated_at = EXCLUDED.updated_at`,
			userID, username, lang, now); err != nil {
			return nil, fmt.Errorf("upsert user: %w", err)
		}
	}

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO chat_state (chat_id, auto_enabled, persona_key, timezone_offset_minutes, memory_rev, proactive_via_userbot)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (chat_id) DO NOTHING`,
		chatID, defaults.AutoEnabled, defaults.PersonaKey, defaults.TimezoneOffsetMinutes, defaults.MemoryRev, defaults.ViaUserbot); err != nil {
		return nil, fmt.Errorf("upsert chat_state: %w", err)
	}

	return t.GetChatState(ctx, chatID)
}

func (t *Tx) GetChatState(ctx context.Context, chatID int64) (*store.ChatState, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+chatStateCols+` FROM chat_state WHERE chat_id = $1`, chatID)
	return scanChatState(row)
}

func (t *Tx) GetChatStateForUpdate(ctx context.Context, chatID int64) (*store.ChatState, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+chatStateCols+` FROM chat_state WHERE chat_id = $1 FOR UPDATE`, chatID)
	return scanChatState(row)
}

func (t *Tx) SaveChatState(ctx context.Context, st *store.ChatState) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE chat_state SET
			auto_enabled = $2,
			last_user_msg_at = $3,
			last_assistant_at = $4,
			next_proactive_at = $5,
			persona_key = NULLIF($6, ''),
			memory_rev = $7,
			last_morning_sent_at = $8,
			last_goodnight_sent_at = $9,
			last_goodnight_followup_sent_at = $10,
			last_reengage_sent_at = $11,
			timezone_offset_minutes = $12,
			sleep_until = $13,
			proactive_via_userbot = $14,
			last_long_pause_reply_at = $15,
			last_proactive_sent_at = $16,
			proactive_user_msg_count_since_last = $17,
			pending_input_json = $18,
			pending_deadline_at = $19,
			pending_started_at = $20
		 WHERE chat_id = $1`,
		st.ChatID, st.AutoEnabled, st.LastUserMsgAt, st.LastAssistantAt,
		st.NextProactiveAt, st.PersonaKey, st.MemoryRev, st.LastMorningSentAt,
		st.LastGoodnightSentAt, st.LastGoodnightFollowupSentAt, st.LastReengageSentAt,
		st.TimezoneOffsetMinutes, st.SleepUntil, st.ProactiveViaUserbot,
		st.LastLongPauseReplyAt, st.LastProactiveSentAt,
		st.ProactiveUserMsgCountSince, nullableJSON(st.PendingInput),
		st.PendingDeadlineAt, st.PendingStartedAt)
	if err != nil {
		return fmt.Errorf("save chat_state %d: %w", st.ChatID, err)
	}
	return nil
}

func (t *Tx) ListProactiveCandidates(ctx context.Context) ([]*store.ChatState, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+chatStateCols+` FROM chat_state
		 WHERE auto_enabled = true AND persona_key IS NOT NULL
		 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ChatState
	for rows.Next() {
		st, err := scanChatState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *Tx) ListExpiredPending(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT chat_id FROM chat_state
		 WHERE pending_input_json IS NOT NULL AND pending_deadline_at IS NOT NULL
		   AND pending_deadline_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *Tx) ListChats(ctx context.Context) ([]store.Chat, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, type, created_at FROM chats ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Chat
	for rows.Next() {
		var c store.Chat
		if err := rows.Scan(&c.ID, &c.Type, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *Tx) ResetChatHistory(ctx context.Context, chatID int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM assistant_messages WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("delete assistant_messages: %w", err)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatState(row rowScanner) (*store.ChatState, error) {
	var st store.ChatState
	var persona sql.NullString
	var pending []byte

	err := row.Scan(
		&st.ChatID, &st.AutoEnabled, &st.LastUserMsgAt, &st.LastAssistantAt,
		&st.NextProactiveAt, &persona, &st.MemoryRev, &st.LastMorningSentAt,
		&st.LastGoodnightSentAt, &st.LastGoodnightFollowupSentAt, &st.LastReengageSentAt,
		&st.TimezoneOffsetMinutes, &st.SleepUntil, &st.ProactiveViaUserbot,
		&st.LastLongPauseReplyAt, &st.LastProactiveSentAt,
		&st.ProactiveUserMsgCountSince, &pending, &st.PendingDeadlineAt,
		&st.PendingStartedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat state: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	st.PersonaKey = persona.String
	if len(pending) > 0 {
		st.PendingInput = json.RawMessage(pending)
	}
	return &st, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func metaJSON(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func unmarshalMeta(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
