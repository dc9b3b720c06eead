// Package store defines the persistence interfaces and entity types for the
// turn-coordination engine. The Postgres implementation lives in store/pg;
// tests substitute in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Conn hands out transactions over the chat data model.
type Conn interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one transaction. Writers serialize per chat through LockChat (turns)
// or TryLockChat (scheduler sweeps); everything inside a Tx either commits
// together or not at all.
type Tx interface {
	Commit() error
	Rollback() error

	// LockChat blocks until this transaction holds the per-chat advisory
	// lock; released automatically at commit/rollback.
	LockChat(ctx context.Context, chatID int64) error
	// TryLockChat is the non-blocking variant. false = another worker owns
	// the chat right now.
	TryLockChat(ctx context.Context, chatID int64) (bool, error)

	// EnsureEntities upserts Chat, User (when userID != 0) and ChatState,
	// refreshing username/lang, and returns the current state.
	EnsureEntities(ctx context.Context, chatID int64, chatType string, userID int64, username, lang string, defaults StateDefaults) (*ChatState, error)
	GetChatState(ctx context.Context, chatID int64) (*ChatState, error)
	// GetChatStateForUpdate row-locks the state (buffer CAS without an
	// advisory lock).
	GetChatStateForUpdate(ctx context.Context, chatID int64) (*ChatState, error)
	SaveChatState(ctx context.Context, st *ChatState) error
	// ListProactiveCandidates returns states with auto_enabled and a chosen
	// persona, for the scheduler sweep.
	ListProactiveCandidates(ctx context.Context) ([]*ChatState, error)
	// ListExpiredPending returns chat ids whose buffered input deadline has
	// passed.
	ListExpiredPending(ctx context.Context, now time.Time) ([]int64, error)
	ListChats(ctx context.Context) ([]Chat, error)
	// ResetChatHistory removes the chat's messages and assistant messages.
	ResetChatHistory(ctx context.Context, chatID int64) error

	InsertUserMessage(ctx context.Context, m *Message) error
	InsertAssistantMessage(ctx context.Context, m *AssistantMessage) error
	// MaxUserTGMessageID returns the highest recorded platform message id for
	// the chat, or 0 when none.
	MaxUserTGMessageID(ctx context.Context, chatID int64) (int64, error)
	HasAssistantTGMessageID(ctx context.Context, chatID, tgMessageID int64) (bool, error)
	CountAssistantSince(ctx context.Context, chatID int64, since time.Time) (int, error)
	FetchHistory(ctx context.Context, q HistoryQuery) ([]HistoryItem, error)

	InsertEvent(ctx context.Context, ev *Event) error
	CountEventsSince(ctx context.Context, kind string, chatID int64, since time.Time) (int, error)

	InsertOutbox(ctx context.Context, item *OutboxItem) error
	ListUnsentOutbox(ctx context.Context, limit int) ([]*OutboxItem, error)
	MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error
	MarkOutboxAttempt(ctx context.Context, id int64) error
}

// TaskStore is the durable queue. Implementations manage their own
// transactions; Lease must be safe under competing workers.
type TaskStore interface {
	// Enqueue inserts a task; returns false when dedupKey already exists.
	Enqueue(ctx context.Context, kind string, payload []byte, priority int, dedupKey string) (bool, error)
	// Lease claims up to limit pending tasks of the given kinds (nil = all),
	// bumping attempts and setting the lease expiry.
	Lease(ctx context.Context, kinds []string, limit, leaseSeconds int) ([]*Task, error)
	// Heartbeat extends the lease iff the task is still processing.
	Heartbeat(ctx context.Context, id int64, leaseSeconds int) error
	// Complete finishes a task. Status must be done, failed or cancelled.
	Complete(ctx context.Context, id int64, status, errMsg string) error
	// ReturnToPending flips processing tasks back to pending and clears the
	// lease fields.
	ReturnToPending(ctx context.Context, ids []int64) error
	// SweepExpired requeues expired leases, failing tasks that are out of
	// attempts. Returns (requeued, failed).
	SweepExpired(ctx context.Context, maxAttempts int) (int, int, error)
}
