package store

import (
	"encoding/json"
	"time"
)

// User is a platform account that has written to the bot.
type User struct {
	ID        int64
	Username  string
	Lang      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chat is a conversation the bot participates in.
type Chat struct {
	ID        int64
	Type      string // "private", "group", "supergroup"
	CreatedAt time.Time
}

// Message is one inbound user message.
type Message struct {
	ID          int64
	ChatID      int64
	UserID      *int64
	Text        string
	TGMessageID *int64
	CreatedAt   time.Time
}

// AssistantMessage is one outbound reply, proactive or reactive.
// Meta keeps the upstream metadata plus turn fields (persona, delay_kind,
// delay_seconds, intent) as an open map.
type AssistantMessage struct {
	ID          int64
	ChatID      int64
	Text        string
	Meta        map[string]any
	TGMessageID *int64
	CreatedAt   time.Time
}

// ChatState is the per-chat coordination record. One row per chat; a single
// writer at a time (advisory lock per chat).
type ChatState struct {
	ChatID                      int64
	AutoEnabled                 bool
	LastUserMsgAt               *time.Time
	LastAssistantAt             *time.Time
	NextProactiveAt             *time.Time
	PersonaKey                  string // empty = not chosen
	MemoryRev                   int
	LastMorningSentAt           *time.Time
	LastGoodnightSentAt         *time.Time
	LastGoodnightFollowupSentAt *time.Time
	LastReengageSentAt          *time.Time
	TimezoneOffsetMinutes       *int
	SleepUntil                  *time.Time
	ProactiveViaUserbot         bool
	LastLongPauseReplyAt        *time.Time

	// Diagnostics, written opportunistically and never read by control flow.
	LastProactiveSentAt        *time.Time
	ProactiveUserMsgCountSince int

	// Debounce buffer persistence. PendingInput is the opaque buffer payload;
	// PendingDeadlineAt mirrors its deadline for sweep queries.
	PendingInput      json.RawMessage
	PendingDeadlineAt *time.Time
	PendingStartedAt  *time.Time
}

// TimezoneOffset returns the chat's offset in minutes, or def when unset.
func (s *ChatState) TimezoneOffset(def int) int {
	if s.TimezoneOffsetMinutes != nil {
		return *s.TimezoneOffsetMinutes
	}
	return def
}

// Event is an audit record. Kind is a short snake_case tag; Payload is
// free-form JSON.
type Event struct {
	ID        int64
	Kind      string
	ChatID    *int64
	UserID    *int64
	Payload   json.RawMessage
	CreatedAt time.Time
}

// OutboxItem is a proactive message awaiting delivery by a send-capable
// process.
type OutboxItem struct {
	ID        int64
	ChatID    int64
	Intent    string
	Text      string
	Meta      map[string]any
	CreatedAt time.Time
	SentAt    *time.Time
	Attempts  int
}

// Task statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskDone       = "done"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Event kinds written to the audit stream.
const (
	EventUpstream5xx         = "n8n_error_5xx"
	EventUpstream4xx         = "n8n_error_4xx"
	EventUpstreamOther       = "n8n_error_other"
	EventAbuseDetected       = "abuse_detected"
	EventAbuseAutoBlock      = "abuse_auto_block"
	EventMorningSpamDisabled = "proactive_morning_spam_disabled"
	EventTaskFailed          = "task_failed"
	EventSendFailed          = "send_failed"
	EventRecoveryBackfill    = "recovery_backfill"
)

// Task is one durable queue row.
type Task struct {
	ID             int64
	Kind           string
	Payload        json.RawMessage
	Status         string
	Priority       int
	Attempts       int
	DedupKey       string // empty = no dedup
	LastError      string
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	HeartbeatAt    *time.Time
	LeaseExpiresAt *time.Time
}

// HistoryItem is one line of the conversation as sent upstream.
type HistoryItem struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StateDefaults are applied when EnsureEntities creates a ChatState row.
type StateDefaults struct {
	AutoEnabled           bool
	PersonaKey            string
	TimezoneOffsetMinutes int
	MemoryRev             int
	ViaUserbot            bool
}

// HistoryQuery parameterizes FetchHistory.
type HistoryQuery struct {
	ChatID        int64
	LimitPairs    int
	Persona       string // filters assistant rows; empty = no filter
	SoftCharLimit int    // 0 = no trimming
	SoftHead      int
	SoftTail      int
}
