package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// memTasks is an in-memory store.TaskStore for queue tests.
type memTasks struct {
	mu    sync.Mutex
	seq   int64
	rows  map[int64]*store.Task
	dedup map[string]bool
}

func newMemTasks() *memTasks {
	return &memTasks{rows: make(map[int64]*store.Task), dedup: make(map[string]bool)}
}

func (m *memTasks) Enqueue(ctx context.Context, kind string, payload []byte, priority int, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dedupKey != "" && m.dedup[dedupKey] {
		return false, nil
	}
	if dedupKey != "" {
		m.dedup[dedupKey] = true
	}
	m.seq++
	m.rows[m.seq] = &store.Task{
		ID:        m.seq,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		Status:    store.TaskPending,
		Priority:  priority,
		DedupKey:  dedupKey,
		CreatedAt: time.Now().UTC(),
	}
	return true, nil
}

func (m *memTasks) Lease(ctx context.Context, kinds []string, limit, leaseSeconds int) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for id := int64(1); id <= m.seq && len(out) < limit; id++ {
		t, ok := m.rows[id]
		if !ok || t.Status != store.TaskPending {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, t.Kind) {
			continue
		}
		now := time.Now().UTC()
		exp := now.Add(time.Duration(leaseSeconds) * time.Second)
		t.Status = store.TaskProcessing
		t.Attempts++
		t.HeartbeatAt = &now
		t.LeaseExpiresAt = &exp
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memTasks) Heartbeat(ctx context.Context, id int64, leaseSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.rows[id]; ok && t.Status == store.TaskProcessing {
		now := time.Now().UTC()
		exp := now.Add(time.Duration(leaseSeconds) * time.Second)
		t.HeartbeatAt = &now
		t.LeaseExpiresAt = &exp
	}
	return nil
}

func (m *memTasks) Complete(ctx context.Context, id int64, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = status
	t.LastError = errMsg
	t.FinishedAt = &now
	t.LeaseExpiresAt = nil
	t.HeartbeatAt = nil
	return nil
}

func (m *memTasks) ReturnToPending(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t, ok := m.rows[id]; ok && t.Status == store.TaskProcessing {
			t.Status = store.TaskPending
			t.LeaseExpiresAt = nil
			t.HeartbeatAt = nil
		}
	}
	return nil
}

func (m *memTasks) SweepExpired(ctx context.Context, maxAttempts int) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	requeued, failed := 0, 0
	for _, t := range m.rows {
		if t.Status != store.TaskProcessing || t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(now) {
			continue
		}
		if t.Attempts >= maxAttempts {
			t.Status = store.TaskFailed
			t.LastError = "max attempts exceeded"
			failed++
		} else {
			t.Status = store.TaskPending
			requeued++
		}
		t.LeaseExpiresAt = nil
		t.HeartbeatAt = nil
	}
	return requeued, failed, nil
}

func (m *memTasks) get(id int64) store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func containsKind(kinds []string, k string) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// nopTx gives event-recording fakes the full store.Tx surface without
// spelling out every method.
type nopTx struct{}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }
func (nopTx) LockChat(ctx context.Context, chatID int64) error { return nil }
func (nopTx) TryLockChat(ctx context.Context, chatID int64) (bool, error) { return true, nil }
func (nopTx) EnsureEntities(ctx context.Context, chatID int64, chatType string, userID int64, username, lang string, defaults store.StateDefaults) (*store.ChatState, error) {
	return &store.ChatState{ChatID: chatID}, nil
}
func (nopTx) GetChatState(ctx context.Context, chatID int64) (*store.ChatState, error) {
	return nil, store.ErrNotFound
}
func (nopTx) GetChatStateForUpdate(ctx context.Context, chatID int64) (*store.ChatState, error) {
	return nil, store.ErrNotFound
}
func (nopTx) SaveChatState(ctx context.Context, st *store.ChatState) error { return nil }
func (nopTx) ListProactiveCandidates(ctx context.Context) ([]*store.ChatState, error) {
	return nil, nil
}
func (nopTx) ListExpiredPending(ctx context.Context, now time.Time) ([]int64, error) {
	return nil, nil
}
func (nopTx) ListChats(ctx context.Context) ([]store.Chat, error)    { return nil, nil }
func (nopTx) ResetChatHistory(ctx context.Context, chatID int64) error { return nil }
func (nopTx) InsertUserMessage(ctx context.Context, m *store.Message) error { return nil }
func (nopTx) InsertAssistantMessage(ctx context.Context, m *store.AssistantMessage) error {
	return nil
}
func (nopTx) MaxUserTGMessageID(ctx context.Context, chatID int64) (int64, error) { return 0, nil }
func (nopTx) HasAssistantTGMessageID(ctx context.Context, chatID, tgMessageID int64) (bool, error) {
	return false, nil
}
func (nopTx) CountAssistantSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	return 0, nil
}
func (nopTx) FetchHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryItem, error) {
	return nil, nil
}
func (nopTx) InsertEvent(ctx context.Context, ev *store.Event) error { return nil }
func (nopTx) CountEventsSince(ctx context.Context, kind string, chatID int64, since time.Time) (int, error) {
	return 0, nil
}
func (nopTx) InsertOutbox(ctx context.Context, item *store.OutboxItem) error { return nil }
func (nopTx) ListUnsentOutbox(ctx context.Context, limit int) ([]*store.OutboxItem, error) {
	return nil, nil
}
func (nopTx) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error { return nil }
func (nopTx) MarkOutboxAttempt(ctx context.Context, id int64) error                { return nil }

// eventConn records committed events.
type eventConn struct {
	mu     sync.Mutex
	events []*store.Event
}

func (c *eventConn) Begin(ctx context.Context) (store.Tx, error) {
	return &eventTx{conn: c}, nil
}

func (c *eventConn) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

type eventTx struct {
	nopTx
	conn   *eventConn
	staged []*store.Event
}

func (t *eventTx) InsertEvent(ctx context.Context, ev *store.Event) error {
	cp := *ev
	t.staged = append(t.staged, &cp)
	return nil
}

func (t *eventTx) Commit() error {
	t.conn.mu.Lock()
	t.conn.events = append(t.conn.events, t.staged...)
	t.conn.mu.Unlock()
	return nil
}

// stubRunner is the processor stand-in.
type stubRunner struct {
	mu    sync.Mutex
	out   turn.Outcome
	err   error
	calls []turn.Event
}

func (r *stubRunner) Process(ctx context.Context, ev turn.Event) (turn.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ev)
	return r.out, r.err
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// stubAppender is the debounce buffer stand-in.
type stubAppender struct {
	mu    sync.Mutex
	res   string
	err   error
	calls []turn.Event
}

func (a *stubAppender) Append(ctx context.Context, ev turn.Event) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ev)
	if a.err != nil {
		return "", a.err
	}
	if a.res == "" {
		return turn.BufferDirect, nil
	}
	return a.res, nil
}

func (a *stubAppender) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func mustPayload(ev turn.Event, source string) []byte {
	raw, err := json.Marshal(payloadFromEvent(ev, source))
	if err != nil {
		panic(err)
	}
	return raw
}
