package turn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

// memConn is an in-memory store.Conn for turn tests. Transactions stage a
// copy of the chat states and buffer row writes; Commit publishes them,
// Rollback drops them.
type memConn struct {
	mu       sync.Mutex
	states   map[int64]*store.ChatState
	messages []*store.Message
	replies  []*store.AssistantMessage
	events   []*store.Event
	outbox   []*store.OutboxItem

	history    []store.HistoryItem
	historyErr error

	lastHistoryQuery *store.HistoryQuery
}

func newMemConn() *memConn {
	return &memConn{states: make(map[int64]*store.ChatState)}
}

func (c *memConn) Begin(ctx context.Context) (store.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := &memTx{conn: c, states: make(map[int64]*store.ChatState, len(c.states))}
	for id, st := range c.states {
		cp := *st
		tx.states[id] = &cp
	}
	return tx, nil
}

func (c *memConn) seed(st *store.ChatState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *st
	c.states[st.ChatID] = &cp
}

func (c *memConn) state(chatID int64) *store.ChatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[chatID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

func (c *memConn) eventKinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type memTx struct {
	conn   *memConn
	states map[int64]*store.ChatState

	messages []*store.Message
	replies  []*store.AssistantMessage
	events   []*store.Event
	outbox   []*store.OutboxItem

	done bool
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	for id, st := range t.states {
		cp := *st
		t.conn.states[id] = &cp
	}
	t.conn.messages = append(t.conn.messages, t.messages...)
	t.conn.replies = append(t.conn.replies, t.replies...)
	t.conn.events = append(t.conn.events, t.events...)
	t.conn.outbox = append(t.conn.outbox, t.outbox...)
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

func (t *memTx) LockChat(ctx context.Context, chatID int64) error { return nil }

func (t *memTx) TryLockChat(ctx context.Context, chatID int64) (bool, error) { return true, nil }

func (t *memTx) EnsureEntities(ctx context.Context, chatID int64, chatType string, userID int64, username, lang string, defaults store.StateDefaults) (*store.ChatState, error) {
	st, ok := t.states[chatID]
	if !ok {
		off := defaults.TimezoneOffsetMinutes
		st = &store.ChatState{
			ChatID:                chatID,
			AutoEnabled:           defaults.AutoEnabled,
			PersonaKey:            defaults.PersonaKey,
			MemoryRev:             defaults.MemoryRev,
			TimezoneOffsetMinutes: &off,
			ProactiveViaUserbot:   defaults.ViaUserbot,
		}
		t.states[chatID] = st
	}
	cp := *st
	return &cp, nil
}

func (t *memTx) GetChatState(ctx context.Context, chatID int64) (*store.ChatState, error) {
	st, ok := t.states[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", chatID, store.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (t *memTx) GetChatStateForUpdate(ctx context.Context, chatID int64) (*store.ChatState, error) {
	return t.GetChatState(ctx, chatID)
}

func (t *memTx) SaveChatState(ctx context.Context, st *store.ChatState) error {
	cp := *st
	t.states[st.ChatID] = &cp
	return nil
}

func (t *memTx) ListProactiveCandidates(ctx context.Context) ([]*store.ChatState, error) {
	var out []*store.ChatState
	for _, st := range t.states {
		if st.AutoEnabled && st.PersonaKey != "" {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) ListExpiredPending(ctx context.Context, now time.Time) ([]int64, error) {
	var out []int64
	for id, st := range t.states {
		if st.PendingDeadlineAt != nil && !st.PendingDeadlineAt.After(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *memTx) ListChats(ctx context.Context) ([]store.Chat, error) {
	var out []store.Chat
	for id := range t.states {
		out = append(out, store.Chat{ID: id})
	}
	return out, nil
}

func (t *memTx) ResetChatHistory(ctx context.Context, chatID int64) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	keepM := t.conn.messages[:0]
	for _, m := range t.conn.messages {
		if m.ChatID != chatID {
			keepM = append(keepM, m)
		}
	}
	t.conn.messages = keepM
	keepR := t.conn.replies[:0]
	for _, r := range t.conn.replies {
		if r.ChatID != chatID {
			keepR = append(keepR, r)
		}
	}
	t.conn.replies = keepR
	return nil
}

func (t *memTx) InsertUserMessage(ctx context.Context, m *store.Message) error {
	cp := *m
	t.messages = append(t.messages, &cp)
	return nil
}

func (t *memTx) InsertAssistantMessage(ctx context.Context, m *store.AssistantMessage) error {
	cp := *m
	t.replies = append(t.replies, &cp)
	return nil
}

func (t *memTx) MaxUserTGMessageID(ctx context.Context, chatID int64) (int64, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	var max int64
	for _, m := range t.conn.messages {
		if m.ChatID == chatID && m.TGMessageID != nil && *m.TGMessageID > max {
			max = *m.TGMessageID
		}
	}
	return max, nil
}

func (t *memTx) HasAssistantTGMessageID(ctx context.Context, chatID, tgMessageID int64) (bool, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	for _, r := range t.conn.replies {
		if r.ChatID == chatID && r.TGMessageID != nil && *r.TGMessageID == tgMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountAssistantSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	n := 0
	for _, r := range t.conn.replies {
		if r.ChatID == chatID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) FetchHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryItem, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	qq := q
	t.conn.lastHistoryQuery = &qq
	if t.conn.historyErr != nil {
		return nil, t.conn.historyErr
	}
	return t.conn.history, nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev *store.Event) error {
	cp := *ev
	t.events = append(t.events, &cp)
	return nil
}

func (t *memTx) CountEventsSince(ctx context.Context, kind string, chatID int64, since time.Time) (int, error) {
	t.conn.mu.Lock()
	n := 0
	for _, ev := range t.conn.events {
		if ev.Kind == kind && ev.ChatID != nil && *ev.ChatID == chatID && !ev.CreatedAt.Before(since) {
			n++
		}
	}
	t.conn.mu.Unlock()
	for _, ev := range t.events {
		if ev.Kind == kind && ev.ChatID != nil && *ev.ChatID == chatID && !ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertOutbox(ctx context.Context, item *store.OutboxItem) error {
	cp := *item
	t.outbox = append(t.outbox, &cp)
	return nil
}

func (t *memTx) ListUnsentOutbox(ctx context.Context, limit int) ([]*store.OutboxItem, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	var out []*store.OutboxItem
	for _, it := range t.conn.outbox {
		if it.SentAt == nil {
			cp := *it
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *memTx) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	for _, it := range t.conn.outbox {
		if it.ID == id {
			ts := sentAt
			it.SentAt = &ts
			return nil
		}
	}
	return fmt.Errorf("outbox %d: not found", id)
}

func (t *memTx) MarkOutboxAttempt(ctx context.Context, id int64) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	for _, it := range t.conn.outbox {
		if it.ID == id {
			it.Attempts++
			return nil
		}
	}
	return fmt.Errorf("outbox %d: not found", id)
}

// stubSender records outgoing messages.
type stubSender struct {
	mu      sync.Mutex
	sent    []sentMsg
	typing  int
	nextID  int64
	sendErr error
}

type sentMsg struct {
	ChatID int64
	Text   string
}

func (s *stubSender) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.nextID++
	s.sent = append(s.sent, sentMsg{ChatID: chatID, Text: text})
	return s.nextID, nil
}

func (s *stubSender) SendTyping(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	s.typing++
	s.mu.Unlock()
	return nil
}

func (s *stubSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Text
	}
	return out
}

// stubUpstream returns a canned response and records requests.
type stubUpstream struct {
	mu    sync.Mutex
	reply string
	meta  map[string]any
	err   error
	calls []*upstream.Request
}

func (u *stubUpstream) Call(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, req)
	if u.err != nil {
		return nil, u.err
	}
	meta := u.meta
	if meta == nil {
		meta = map[string]any{}
	}
	return &upstream.Response{Reply: u.reply, Meta: upstream.NewMeta(meta)}, nil
}

func (u *stubUpstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func (u *stubUpstream) lastCall() *upstream.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.calls) == 0 {
		return nil
	}
	return u.calls[len(u.calls)-1]
}

// stubSink records enqueued aggregates.
type stubSink struct {
	mu      sync.Mutex
	entries []sinkEntry
	err     error
}

type sinkEntry struct {
	Event  Event
	Source string
	Dedup  string
}

func (s *stubSink) EnqueueTurn(ctx context.Context, ev Event, source, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, sinkEntry{Event: ev, Source: source, Dedup: dedupKey})
	return nil
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *stubSink) last() sinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1]
}
