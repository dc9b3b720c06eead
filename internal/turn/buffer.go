package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
)

// Buffer deadlines. The persisted deadlines are authoritative; in-memory
// timers only accelerate the flush.
const (
	bufferInitial     = 10 * time.Second
	bufferExtension   = 6 * time.Second
	bufferAbsoluteMax = 30 * time.Second

	// timerSlack keeps a timer that fires a hair early from losing the race
	// against the persisted deadline check.
	timerSlack = 100 * time.Millisecond
)

// Append results.
const (
	BufferDirect            = "direct"
	BufferStarted           = "buffer_started"
	BufferExtended          = "buffer_extended"
	BufferFlushedAndStarted = "flushed_and_started"
)

// TaskSink re-enqueues flushed aggregates so they run through the durable
// queue like any other inbound event.
type TaskSink interface {
	EnqueueTurn(ctx context.Context, ev Event, source, dedupKey string) error
}

// pendingInput is the payload persisted in chat_state.pending_input_json.
type pendingInput struct {
	Text               string    `json:"text"`
	Media              *Media    `json:"media,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	DeadlineAt         time.Time `json:"deadline_at"`
	AbsoluteDeadlineAt time.Time `json:"absolute_deadline_at"`
	UserID             int64     `json:"user_id,omitempty"`
	Username           string    `json:"username,omitempty"`
	Lang               string    `json:"lang,omitempty"`
	ChatType           string    `json:"chat_type,omitempty"`
	TraceID            string    `json:"trace_id,omitempty"`
	Flushing           bool      `json:"_flushing,omitempty"`
}

func (p *pendingInput) event(chatID int64) Event {
	return Event{
		ChatID:    chatID,
		ChatType:  p.ChatType,
		UserID:    p.UserID,
		Username:  p.Username,
		Lang:      p.Lang,
		Text:      p.Text,
		Media:     p.Media,
		TraceID:   p.TraceID,
		Persisted: true,
	}
}

// Buffer coalesces photo-then-caption bursts into one aggregate turn. The
// pending payload lives in chat_state under a row lock; a media event starts
// or extends a buffer, plain text joins an existing one and is otherwise
// passed through untouched so a lone message never waits.
type Buffer struct {
	conn    store.Conn
	sink    TaskSink
	clk     clock.Clock
	cfg     *config.Config
	metrics *metrics.Metrics

	base       context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	timers map[int64]*time.Timer
	closed bool
}

func NewBuffer(conn store.Conn, sink TaskSink, clk clock.Clock, cfg *config.Config, m *metrics.Metrics) *Buffer {
	base, cancel := context.WithCancel(context.Background())
	return &Buffer{
		conn:       conn,
		sink:       sink,
		clk:        clk,
		cfg:        cfg,
		metrics:    m,
		base:       base,
		baseCancel: cancel,
		timers:     make(map[int64]*time.Timer),
	}
}

// Append folds one inbound event into the chat's pending buffer and reports
// what happened: BufferDirect means nothing was buffered and the caller should
// run the turn itself.
func (b *Buffer) Append(ctx context.Context, ev Event) (string, error) {
	now := b.clk.Now()

	tx, err := b.conn.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.EnsureEntities(ctx, ev.ChatID, ev.ChatType, ev.UserID, ev.Username, ev.Lang, Defaults(b.cfg)); err != nil {
		return "", err
	}
	st, err := tx.GetChatStateForUpdate(ctx, ev.ChatID)
	if err != nil {
		return "", err
	}

	pending := decodePending(st.PendingInput)
	if pending != nil && pending.Flushing {
		// A flush owns that payload (or crashed holding it); start over.
		pending = nil
	}

	// No live buffer: media starts one, text goes straight to the processor.
	if pending == nil {
		if ev.Media == nil {
			if err := tx.Commit(); err != nil {
				return "", err
			}
			return BufferDirect, nil
		}
		p := newPending(ev, now)
		if err := b.persistFragment(ctx, tx, st, ev, now); err != nil {
			return "", err
		}
		if err := savePending(ctx, tx, st, p); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		b.schedule(ev.ChatID, p.DeadlineAt)
		return BufferStarted, nil
	}

	// A second photo or an expired deadline closes the old aggregate; it is
	// handed to the queue. Media opens a fresh buffer with this event, plain
	// text goes on to run directly.
	if (ev.Media.IsPhoto() && pending.Media.IsPhoto()) ||
		!now.Before(pending.AbsoluteDeadlineAt) || !now.Before(pending.DeadlineAt) {
		captured := *pending
		if ev.Media == nil {
			clearPending(st)
			if err := tx.SaveChatState(ctx, st); err != nil {
				return "", err
			}
			if err := tx.Commit(); err != nil {
				return "", err
			}
			b.cancelTimer(ev.ChatID)
			if err := b.enqueue(ctx, ev.ChatID, &captured); err != nil {
				return "", err
			}
			return BufferDirect, nil
		}
		p := newPending(ev, now)
		if err := b.persistFragment(ctx, tx, st, ev, now); err != nil {
			return "", err
		}
		if err := savePending(ctx, tx, st, p); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		b.schedule(ev.ChatID, p.DeadlineAt)
		if err := b.enqueue(ctx, ev.ChatID, &captured); err != nil {
			return "", err
		}
		return BufferFlushedAndStarted, nil
	}

	// Extend: join text, slide the deadline, adopt a photo if the buffer has
	// no media yet.
	pending.Text = joinFragments(pending.Text, ev.Text)
	deadline := now.Add(bufferExtension)
	if deadline.After(pending.AbsoluteDeadlineAt) {
		deadline = pending.AbsoluteDeadlineAt
	}
	pending.DeadlineAt = deadline
	if pending.Media == nil && ev.Media.IsPhoto() {
		pending.Media = ev.Media
	}
	if err := b.persistFragment(ctx, tx, st, ev, now); err != nil {
		return "", err
	}
	if err := savePending(ctx, tx, st, pending); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	b.schedule(ev.ChatID, pending.DeadlineAt)
	return BufferExtended, nil
}

// Flush hands the chat's pending aggregate to the queue regardless of
// deadlines. No-op when nothing is buffered or another flusher already marked
// the payload.
func (b *Buffer) Flush(ctx context.Context, chatID int64) error {
	return b.flush(ctx, chatID, false)
}

// FlushIfExpired flushes only when a persisted deadline has passed. Transports
// call it before appending after a restart; the proactive sweep calls it best
// effort.
func (b *Buffer) FlushIfExpired(ctx context.Context, chatID int64) error {
	return b.flush(ctx, chatID, true)
}

func (b *Buffer) flush(ctx context.Context, chatID int64, onlyExpired bool) error {
	now := b.clk.Now()

	captured, err := b.markFlushing(ctx, chatID, now, onlyExpired)
	if err != nil || captured == nil {
		return err
	}
	b.cancelTimer(chatID)

	if err := b.clearMarked(ctx, chatID, captured.StartedAt); err != nil {
		return err
	}
	return b.enqueue(ctx, chatID, captured)
}

// markFlushing CAS-marks the pending payload and commits the mark so a
// concurrent timer or live flush backs off. Returns the captured payload, nil
// when there is nothing to flush.
func (b *Buffer) markFlushing(ctx context.Context, chatID int64, now time.Time, onlyExpired bool) (*pendingInput, error) {
	tx, err := b.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	st, err := tx.GetChatStateForUpdate(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(st.PendingInput) == 0 {
		return nil, nil
	}

	var p pendingInput
	if err := json.Unmarshal(st.PendingInput, &p); err != nil {
		slog.Warn("clearing unreadable pending buffer", "chat_id", chatID, "error", err)
		clearPending(st)
		if err := tx.SaveChatState(ctx, st); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}
	if p.Flushing {
		// A crash between mark and clear leaves the mark behind; drop it once
		// the absolute deadline is well past. The fragments are already in
		// messages, only the aggregate turn is lost.
		if now.After(p.AbsoluteDeadlineAt.Add(bufferAbsoluteMax)) {
			clearPending(st)
			if err := tx.SaveChatState(ctx, st); err != nil {
				return nil, err
			}
			return nil, tx.Commit()
		}
		return nil, nil
	}
	if onlyExpired && now.Before(p.DeadlineAt) && now.Before(p.AbsoluteDeadlineAt) {
		return nil, nil
	}

	p.Flushing = true
	raw, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("marshal pending input: %w", err)
	}
	st.PendingInput = raw
	if err := tx.SaveChatState(ctx, st); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

// clearMarked removes the pending fields, but only while they still hold the
// payload we marked; a concurrent Append may have started a fresh buffer.
func (b *Buffer) clearMarked(ctx context.Context, chatID int64, startedAt time.Time) error {
	tx, err := b.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st, err := tx.GetChatStateForUpdate(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p := decodePending(st.PendingInput)
	if p == nil || !p.Flushing || !p.StartedAt.Equal(startedAt) {
		return nil
	}
	clearPending(st)
	if err := tx.SaveChatState(ctx, st); err != nil {
		return err
	}
	return tx.Commit()
}

// SweepExpired flushes every chat whose persisted deadline has passed, so
// buffers survive lost timers and restarts.
func (b *Buffer) SweepExpired(ctx context.Context) (int, error) {
	tx, err := b.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := tx.ListExpiredPending(ctx, b.clk.Now())
	tx.Rollback()
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, id := range ids {
		if err := b.FlushIfExpired(ctx, id); err != nil {
			slog.Error("expired buffer flush failed", "chat_id", id, "error", err)
			continue
		}
		flushed++
	}
	return flushed, nil
}

// Stop cancels all timers. Persisted deadlines take over after a restart.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()
	b.baseCancel()
}

func (b *Buffer) enqueue(ctx context.Context, chatID int64, p *pendingInput) error {
	dedup := fmt.Sprintf("flush:%d:%d", chatID, p.StartedAt.UnixNano())
	if err := b.sink.EnqueueTurn(ctx, p.event(chatID), SourceBuffer, dedup); err != nil {
		return fmt.Errorf("enqueue flushed buffer: %w", err)
	}
	return nil
}

// persistFragment records the raw inbound message at append time; the flushed
// aggregate is marked Persisted so the processor does not write it again.
func (b *Buffer) persistFragment(ctx context.Context, tx store.Tx, st *store.ChatState, ev Event, now time.Time) error {
	m := &store.Message{ChatID: ev.ChatID, Text: strings.TrimSpace(ev.Text), CreatedAt: now}
	if ev.UserID != 0 {
		uid := ev.UserID
		m.UserID = &uid
	}
	if ev.PlatformMsgID != 0 {
		mid := ev.PlatformMsgID
		m.TGMessageID = &mid
	}
	if err := tx.InsertUserMessage(ctx, m); err != nil {
		return err
	}
	st.ProactiveUserMsgCountSince++
	b.metrics.MessagesReceived.Inc()
	return nil
}

func (b *Buffer) schedule(chatID int64, deadline time.Time) {
	d := deadline.Sub(b.clk.Now()) + timerSlack
	if d < 0 {
		d = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if t, ok := b.timers[chatID]; ok {
		t.Stop()
	}
	b.timers[chatID] = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, chatID)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.FlushIfExpired(b.base, chatID); err != nil {
			slog.Error("buffer timer flush failed", "chat_id", chatID, "error", err)
		}
	})
}

func (b *Buffer) cancelTimer(chatID int64) {
	b.mu.Lock()
	if t, ok := b.timers[chatID]; ok {
		t.Stop()
		delete(b.timers, chatID)
	}
	b.mu.Unlock()
}

func newPending(ev Event, now time.Time) *pendingInput {
	return &pendingInput{
		Text:               strings.TrimSpace(ev.Text),
		Media:              ev.Media,
		StartedAt:          now,
		DeadlineAt:         now.Add(bufferInitial),
		AbsoluteDeadlineAt: now.Add(bufferAbsoluteMax),
		UserID:             ev.UserID,
		Username:           ev.Username,
		Lang:               ev.Lang,
		ChatType:           ev.ChatType,
		TraceID:            ev.TraceID,
	}
}

func decodePending(raw json.RawMessage) *pendingInput {
	if len(raw) == 0 {
		return nil
	}
	var p pendingInput
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("unreadable pending buffer payload", "error", err)
		return nil
	}
	return &p
}

func savePending(ctx context.Context, tx store.Tx, st *store.ChatState, p *pendingInput) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending input: %w", err)
	}
	st.PendingInput = raw
	st.PendingDeadlineAt = &p.DeadlineAt
	st.PendingStartedAt = &p.StartedAt
	return tx.SaveChatState(ctx, st)
}

func clearPending(st *store.ChatState) {
	st.PendingInput = nil
	st.PendingDeadlineAt = nil
	st.PendingStartedAt = nil
}

func joinFragments(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}
