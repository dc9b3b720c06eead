package proactive

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

// memConn is an in-memory store.Conn for scheduler and outbox tests.
// Transactions stage chat-state copies and row writes; Commit publishes them,
// Rollback drops them. Chats in lockBusy refuse TryLockChat, standing in for
// a competing node holding the advisory lock.
type memConn struct {
	mu        sync.Mutex
	states    map[int64]*store.ChatState
	replies   []*store.AssistantMessage
	events    []*store.Event
	outbox    []*store.OutboxItem
	outboxSeq int64

	lockBusy map[int64]bool

	history          []store.HistoryItem
	lastHistoryQuery *store.HistoryQuery
}

func newMemConn() *memConn {
	return &memConn{
		states:   make(map[int64]*store.ChatState),
		lockBusy: make(map[int64]bool),
	}
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

func (c *memConn) seedReply(chatID int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, &store.AssistantMessage{ChatID: chatID, CreatedAt: at})
}

func (c *memConn) seedOutbox(chatID int64, intent, text string, meta map[string]any) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outboxSeq++
	c.outbox = append(c.outbox, &store.OutboxItem{
		ID: c.outboxSeq, ChatID: chatID, Intent: intent, Text: text, Meta: meta,
		CreatedAt: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	return c.outboxSeq
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

func (c *memConn) lastReply() *store.AssistantMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return nil
	}
	cp := *c.replies[len(c.replies)-1]
	return &cp
}

func (c *memConn) outboxRow(id int64) *store.OutboxItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.outbox {
		if it.ID == id {
			cp := *it
			return &cp
		}
	}
	return nil
}

type outboxMark struct {
	id     int64
	sentAt *time.Time // nil = attempt only
}

type memTx struct {
	conn   *memConn
	states map[int64]*store.ChatState

	replies []*store.AssistantMessage
	events  []*store.Event
	outbox  []*store.OutboxItem
	marks   []outboxMark

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
	t.conn.replies = append(t.conn.replies, t.replies...)
	t.conn.events = append(t.conn.events, t.events...)
	for _, it := range t.outbox {
		t.conn.outboxSeq++
		it.ID = t.conn.outboxSeq
		t.conn.outbox = append(t.conn.outbox, it)
	}
	for _, m := range t.marks {
		for _, it := range t.conn.outbox {
			if it.ID == m.id {
				it.Attempts++
				if m.sentAt != nil {
					ts := *m.sentAt
					it.SentAt = &ts
				}
			}
		}
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

func (t *memTx) LockChat(ctx context.Context, chatID int64) error { return nil }

func (t *memTx) TryLockChat(ctx context.Context, chatID int64) (bool, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return !t.conn.lockBusy[chatID], nil
}

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
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (t *memTx) ListExpiredPending(ctx context.Context, now time.Time) ([]int64, error) {
	return nil, nil
}

func (t *memTx) ListChats(ctx context.Context) ([]store.Chat, error) {
	var out []store.Chat
	for id := range t.states {
		out = append(out, store.Chat{ID: id})
	}
	return out, nil
}

func (t *memTx) ResetChatHistory(ctx context.Context, chatID int64) error { return nil }

func (t *memTx) InsertUserMessage(ctx context.Context, m *store.Message) error { return nil }

func (t *memTx) InsertAssistantMessage(ctx context.Context, m *store.AssistantMessage) error {
	cp := *m
	t.replies = append(t.replies, &cp)
	return nil
}

func (t *memTx) MaxUserTGMessageID(ctx context.Context, chatID int64) (int64, error) {
	return 0, nil
}

func (t *memTx) HasAssistantTGMessageID(ctx context.Context, chatID, tgMessageID int64) (bool, error) {
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
	return t.conn.history, nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev *store.Event) error {
	cp := *ev
	t.events = append(t.events, &cp)
	return nil
}

func (t *memTx) CountEventsSince(ctx context.Context, kind string, chatID int64, since time.Time) (int, error) {
	return 0, nil
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
	ts := sentAt
	t.marks = append(t.marks, outboxMark{id: id, sentAt: &ts})
	return nil
}

func (t *memTx) MarkOutboxAttempt(ctx context.Context, id int64) error {
	t.marks = append(t.marks, outboxMark{id: id})
	return nil
}

// stubSender records outgoing messages; failFor simulates per-chat transport
// failures.
type stubSender struct {
	mu      sync.Mutex
	sent    []sentMsg
	nextID  int64
	failFor map[int64]error
}

type sentMsg struct {
	ChatID int64
	Text   string
}

func (s *stubSender) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[chatID]; err != nil {
		return 0, err
	}
	s.nextID++
	s.sent = append(s.sent, sentMsg{ChatID: chatID, Text: text})
	return s.nextID, nil
}

func (s *stubSender) SendTyping(ctx context.Context, chatID int64) error { return nil }

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

// stubSweeper counts opportunistic buffer sweeps.
type stubSweeper struct {
	mu    sync.Mutex
	n     int
	calls int
}

func (s *stubSweeper) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.n, nil
}

func (s *stubSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
