// Package proactive initiates conversations on the engine's own clock:
// morning and evening greetings, re-engagement pings after long silences and
// generic check-ins, plus the outbox drain that delivers them through the
// userbot when a chat is routed that way.
package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/turn"
	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

const (
	// sweepPoll bounds how quickly a due cron minute is noticed; the cron
	// expression decides which minutes actually sweep.
	sweepPoll = 20 * time.Second
	// goodnightCooldown keeps the evening greeting away from a goodnight the
	// chat received moments ago.
	goodnightCooldown = 30 * time.Minute
	// morningGuardWindow: assistant activity this recent means the chat is
	// already talking and a scheduled morning greeting would read as spam.
	morningGuardWindow = 30 * time.Minute
)

// Sweeper flushes debounce buffers whose deadline has passed. Satisfied by
// turn.Buffer; the scheduler runs it opportunistically so expired input is
// not stranded in chats the sweep otherwise skips.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Scheduler sweeps eligible chats and produces at most one proactive message
// per chat per sweep. Candidates are re-checked under the chat's advisory
// lock, and every stamp that makes an intent fire is committed before the
// upstream call so a crash cannot double-greet.
type Scheduler struct {
	conn     store.Conn
	upstream turn.Upstream
	sender   turn.Sender
	buffer   Sweeper
	clk      clock.Clock
	cfg      *config.Config
	metrics  *metrics.Metrics
}

func NewScheduler(conn store.Conn, up turn.Upstream, sender turn.Sender, buffer Sweeper, clk clock.Clock, cfg *config.Config, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		conn:     conn,
		upstream: up,
		sender:   sender,
		buffer:   buffer,
		clk:      clk,
		cfg:      cfg,
		metrics:  m,
	}
}

// Run drives sweeps until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepPoll)
	defer ticker.Stop()

	gron := gronx.New()
	var lastMinute time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.clk.Now()
			minute := now.Truncate(time.Minute)
			if !minute.After(lastMinute) {
				continue
			}
			lastMinute = minute

			due, err := gron.IsDue(s.cfg.Proactive.SweepCron, now)
			if err != nil {
				slog.Error("sweep cron evaluation failed", "cron", s.cfg.Proactive.SweepCron, "error", err)
				continue
			}
			if !due {
				continue
			}
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("proactive sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over every auto-enabled chat. Returns how many messages
// it produced (sent directly or queued into the outbox); one chat's failure
// never blocks the rest.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if s.buffer != nil {
		if n, err := s.buffer.SweepExpired(ctx); err != nil {
			slog.Error("buffer sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("flushed expired buffers", "count", n)
		}
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	states, err := tx.ListProactiveCandidates(ctx)
	tx.Rollback()
	if err != nil {
		return 0, fmt.Errorf("list candidates: %w", err)
	}

	sent := 0
	for _, st := range states {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.sweepChat(ctx, st.ChatID)
		if err != nil {
			slog.Error("proactive sweep chat failed", "chat_id", st.ChatID, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// sweepChat re-validates one candidate under its advisory lock and, when an
// intent fires, stamps state, commits, calls upstream and delivers.
func (s *Scheduler) sweepChat(ctx context.Context, chatID int64) (bool, error) {
	now := s.clk.Now()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	locked, err := tx.TryLockChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}

	st, err := tx.GetChatState(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if !st.AutoEnabled || st.PersonaKey == "" {
		return false, nil
	}
	if st.SleepUntil != nil && st.SleepUntil.After(now) {
		return false, nil
	}
	offset := st.TimezoneOffset(s.cfg.Proactive.DefaultTimezoneOffsetMinutes)
	minute := turn.LocalMinute(now, offset)
	if windowOf(s.cfg.Proactive.QuietWindow).Contains(minute) {
		return false, nil
	}

	intent := s.pickIntent(st, now, minute)
	if intent == "" {
		return false, nil
	}

	if intent == upstream.IntentMorning {
		n, err := tx.CountAssistantSince(ctx, chatID, now.Add(-morningGuardWindow))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, s.disableMorningSpam(ctx, tx, st, chatID, n, now)
		}
	}

	var hist []store.HistoryItem
	if intent == upstream.IntentGeneric {
		if hist, err = tx.FetchHistory(ctx, turn.ShapedHistoryQuery(chatID, st.PersonaKey)); err != nil {
			return false, err
		}
	}

	return s.fire(ctx, tx, st, intent, hist, now)
}

// ForceSend fires one proactive message for the chat regardless of windows,
// quiet hours or due timestamps. Stamps are still written before the upstream
// call, so a forced send counts against its intent's cadence exactly like a
// scheduled one.
func (s *Scheduler) ForceSend(ctx context.Context, chatID int64, intent string) error {
	switch intent {
	case upstream.IntentMorning, upstream.IntentEvening, upstream.IntentReengage, upstream.IntentGeneric:
	default:
		return fmt.Errorf("unknown intent %q (want morning, evening, reengage or generic)", intent)
	}

	now := s.clk.Now()
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	locked, err := tx.TryLockChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("chat %d is locked by another worker, try again", chatID)
	}

	st, err := tx.GetChatState(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("chat %d has no state; it has to write at least once first", chatID)
		}
		return err
	}
	if st.PersonaKey == "" {
		return fmt.Errorf("chat %d has no persona bound", chatID)
	}

	var hist []store.HistoryItem
	if intent == upstream.IntentGeneric {
		if hist, err = tx.FetchHistory(ctx, turn.ShapedHistoryQuery(chatID, st.PersonaKey)); err != nil {
			return err
		}
	}

	ok, err := s.fire(ctx, tx, st, intent, hist, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("proactive %s for chat %d was stamped but not delivered; check the events log", intent, chatID)
	}
	return nil
}

// fire stamps the intent on the locked state, commits, calls upstream and
// delivers (directly or into the outbox). Stamp before send: a failed call or
// crash must not greet twice.
func (s *Scheduler) fire(ctx context.Context, tx store.Tx, st *store.ChatState, intent string, hist []store.HistoryItem, now time.Time) (bool, error) {
	stamp := now
	switch intent {
	case upstream.IntentMorning:
		st.LastMorningSentAt = &stamp
	case upstream.IntentEvening:
		st.LastGoodnightSentAt = &stamp
		st.LastGoodnightFollowupSentAt = nil
	case upstream.IntentReengage:
		st.LastReengageSentAt = &stamp
	case upstream.IntentGeneric:
		next := clock.FutureWithJitter(s.clk, s.cfg.Proactive.MinSeconds, s.cfg.Proactive.MaxSeconds, now)
		st.NextProactiveAt = &next
	}
	st.LastProactiveSentAt = &stamp
	st.ProactiveUserMsgCountSince = 0
	if err := tx.SaveChatState(ctx, st); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	resp, err := s.upstream.Call(ctx, s.buildRequest(intent, st, hist))
	if err != nil {
		slog.Error("proactive upstream call failed", "chat_id", st.ChatID, "intent", intent, "error", err)
		s.recordEvent(ctx, st.ChatID, upstream.EventKindFor(err),
			map[string]any{"error": truncate(err.Error(), 500), "intent": intent})
		return false, nil
	}

	meta := resp.Meta.Map()
	meta["persona"] = st.PersonaKey
	meta["intent"] = intent

	if st.ProactiveViaUserbot {
		if err := s.enqueueOutbox(ctx, st.ChatID, intent, resp.Reply, meta, now); err != nil {
			return false, err
		}
		slog.Info("proactive queued for userbot", "chat_id", st.ChatID, "intent", intent)
		return true, nil
	}
	return s.deliver(ctx, st.ChatID, intent, resp.Reply, meta)
}

// disableMorningSpam turns auto mode off for a chat whose assistant was
// already active this morning.
func (s *Scheduler) disableMorningSpam(ctx context.Context, tx store.Tx, st *store.ChatState, chatID int64, recent int, now time.Time) error {
	st.AutoEnabled = false
	if err := tx.InsertEvent(ctx, &store.Event{
		Kind:      store.EventMorningSpamDisabled,
		ChatID:    &chatID,
		Payload:   jsonPayload(map[string]any{"recent_assistant_msgs": recent}),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := tx.SaveChatState(ctx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Warn("proactive auto mode disabled: assistant already active this morning", "chat_id", chatID)
	return nil
}

// deliver sends directly through the transport and persists the assistant row
// in a fresh transaction.
func (s *Scheduler) deliver(ctx context.Context, chatID int64, intent, reply string, meta map[string]any) (bool, error) {
	msgID, err := s.sender.SendText(ctx, chatID, reply)
	if err != nil {
		slog.Error("proactive send failed", "chat_id", chatID, "intent", intent, "error", err)
		s.recordEvent(ctx, chatID, store.EventSendFailed,
			map[string]any{"error": truncate(err.Error(), 500), "intent": intent})
		return false, nil
	}

	sentAt := s.clk.Now()
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := tx.LockChat(ctx, chatID); err != nil {
		return false, err
	}
	st, err := tx.GetChatState(ctx, chatID)
	if err != nil {
		return false, err
	}

	am := &store.AssistantMessage{ChatID: chatID, Text: reply, Meta: meta, CreatedAt: sentAt}
	if msgID != 0 {
		am.TGMessageID = &msgID
	}
	if err := tx.InsertAssistantMessage(ctx, am); err != nil {
		return false, err
	}
	st.LastAssistantAt = &sentAt
	if st.AutoEnabled {
		next := clock.FutureWithJitter(s.clk, s.cfg.Proactive.MinSeconds, s.cfg.Proactive.MaxSeconds, sentAt)
		st.NextProactiveAt = &next
	}
	if err := tx.SaveChatState(ctx, st); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	s.metrics.ProactiveSent.WithLabelValues(intent).Inc()
	slog.Info("proactive sent", "chat_id", chatID, "intent", intent)
	return true, nil
}

// pickIntent applies the intent priority: morning, evening, re-engage,
// generic. Empty means nothing fires this sweep.
func (s *Scheduler) pickIntent(st *store.ChatState, now time.Time, minute int) string {
	p := s.cfg.Proactive

	if windowOf(p.MorningWindow).Contains(minute) && !sameUTCDay(st.LastMorningSentAt, now) {
		return upstream.IntentMorning
	}

	if windowOf(p.EveningWindow).Contains(minute) && !sameUTCDay(st.LastGoodnightSentAt, now) &&
		(st.LastGoodnightSentAt == nil || now.Sub(*st.LastGoodnightSentAt) >= goodnightCooldown) {
		return upstream.IntentEvening
	}

	if last := lastActivity(st); last != nil && now.Sub(*last) >= time.Duration(p.ReengageMinHours)*time.Hour {
		cooldown := time.Duration(p.ReengageCooldownHours) * time.Hour
		if st.LastReengageSentAt == nil || now.Sub(*st.LastReengageSentAt) >= cooldown {
			return upstream.IntentReengage
		}
	}

	if p.GenericEnabled && st.NextProactiveAt != nil && !st.NextProactiveAt.After(now) {
		return upstream.IntentGeneric
	}
	return ""
}

// buildRequest shapes the upstream call. Proactive turns carry no user
// message; only generic sends history.
func (s *Scheduler) buildRequest(intent string, st *store.ChatState, hist []store.HistoryItem) *upstream.Request {
	if hist == nil {
		hist = []store.HistoryItem{}
	}
	return &upstream.Request{
		Intent: intent,
		Chat: upstream.ChatInfo{
			ChatID:    st.ChatID,
			Persona:   st.PersonaKey,
			MemoryRev: st.MemoryRev,
		},
		Context: upstream.ContextInfo{
			History:         hist,
			LastUserMsgAt:   st.LastUserMsgAt,
			LastAssistantAt: st.LastAssistantAt,
		},
		TraceID: uuid.NewString(),
	}
}

func (s *Scheduler) enqueueOutbox(ctx context.Context, chatID int64, intent, text string, meta map[string]any, now time.Time) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.InsertOutbox(ctx, &store.OutboxItem{
		ChatID:    chatID,
		Intent:    intent,
		Text:      text,
		Meta:      meta,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recordEvent audits a failure in its own short transaction; the sweep state
// is already committed by the time these fire.
func (s *Scheduler) recordEvent(ctx context.Context, chatID int64, kind string, payload map[string]any) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		slog.Error("record proactive event failed", "chat_id", chatID, "kind", kind, "error", err)
		return
	}
	defer tx.Rollback()

	if err := tx.InsertEvent(ctx, &store.Event{
		Kind:      kind,
		ChatID:    &chatID,
		Payload:   jsonPayload(payload),
		CreatedAt: s.clk.Now(),
	}); err != nil {
		slog.Error("record proactive event failed", "chat_id", chatID, "kind", kind, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("record proactive event failed", "chat_id", chatID, "kind", kind, "error", err)
	}
}

func sameUTCDay(t *time.Time, now time.Time) bool {
	if t == nil {
		return false
	}
	y1, m1, d1 := t.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// lastActivity is the later of the user's and the assistant's last message.
func lastActivity(st *store.ChatState) *time.Time {
	a, b := st.LastUserMsgAt, st.LastAssistantAt
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// windowOf parses a configured window; values are validated at startup, so a
// broken one degrades to an empty window instead of failing the sweep.
func windowOf(s string) turn.Window {
	w, err := turn.ParseWindow(s)
	if err != nil {
		return turn.Window{}
	}
	return w
}

func jsonPayload(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
