package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

// DefaultPersona is assigned when a chat_state row is first created.
const DefaultPersona = "nika"

// History shaping parameters for the upstream context.
const (
	historyLimitPairs    = 50
	historySoftCharLimit = 8000
	historySoftHead      = 4000
	historySoftTail      = 2000
)

// ShapedHistoryQuery is the standard history request sent upstream: the last
// 50 pairs, persona-filtered, soft-trimmed to head and tail when oversized.
func ShapedHistoryQuery(chatID int64, persona string) store.HistoryQuery {
	return store.HistoryQuery{
		ChatID:        chatID,
		LimitPairs:    historyLimitPairs,
		Persona:       persona,
		SoftCharLimit: historySoftCharLimit,
		SoftHead:      historySoftHead,
		SoftTail:      historySoftTail,
	}
}

const (
	// longDelayCutoff splits inline sends from detached jobs.
	longDelayCutoff = 30 * time.Second
	// typingRefresh re-issues the typing action; the platform hides it after
	// five seconds.
	typingRefresh = 4 * time.Second
)

// errTurnCancelled aborts a turn whose pre-send pause was cancelled by newer
// inbound activity.
var errTurnCancelled = errors.New("turn cancelled")

// SendError marks a transport delivery failure. Terminal for the turn: the
// queue must not retry a turn whose reply may already be user-visible.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "send failed: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Defaults derives the chat_state creation values from live config.
func Defaults(cfg *config.Config) store.StateDefaults {
	return store.StateDefaults{
		AutoEnabled:           cfg.Proactive.DefaultAuto,
		PersonaKey:            DefaultPersona,
		TimezoneOffsetMinutes: cfg.Proactive.DefaultTimezoneOffsetMinutes,
		MemoryRev:             1,
		ViaUserbot:            cfg.Proactive.ViaUserbotDefault,
	}
}

// Processor runs one conversational turn end to end: gates, upstream call,
// moderation, humanised delay, send, persistence. One turn holds the chat's
// advisory lock for the life of its transaction.
type Processor struct {
	conn     store.Conn
	upstream Upstream
	sender   Sender
	sup      *Supervisor
	clk      clock.Rand
	cfg      *config.Config
	metrics  *metrics.Metrics
}

func NewProcessor(conn store.Conn, up Upstream, sender Sender, sup *Supervisor, clk clock.Rand, cfg *config.Config, m *metrics.Metrics) *Processor {
	return &Processor{
		conn:     conn,
		upstream: up,
		sender:   sender,
		sup:      sup,
		clk:      clk,
		cfg:      cfg,
		metrics:  m,
	}
}

// Process executes one turn. A nil error with a silent Outcome kind means the
// turn was absorbed (anti-spam, sleep, cancel); a returned error means the
// queue may retry per the upstream taxonomy.
func (p *Processor) Process(ctx context.Context, ev Event) (Outcome, error) {
	now := p.clk.Now()
	text := clip(strings.TrimSpace(ev.Text), p.cfg.Turn.MaxUserTextLen)

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	if err := tx.LockChat(ctx, ev.ChatID); err != nil {
		return Outcome{}, err
	}

	st, err := tx.EnsureEntities(ctx, ev.ChatID, ev.ChatType, ev.UserID, ev.Username, ev.Lang, Defaults(p.cfg))
	if err != nil {
		return Outcome{}, err
	}

	if !ev.Persisted {
		m := &store.Message{ChatID: ev.ChatID, Text: text, CreatedAt: now}
		if ev.UserID != 0 {
			uid := ev.UserID
			m.UserID = &uid
		}
		if ev.PlatformMsgID != 0 {
			mid := ev.PlatformMsgID
			m.TGMessageID = &mid
		}
		if err := tx.InsertUserMessage(ctx, m); err != nil {
			return Outcome{}, err
		}
		st.ProactiveUserMsgCountSince++
		p.metrics.MessagesReceived.Inc()
	}

	prevUserTS := st.LastUserMsgAt
	userTS := now
	st.LastUserMsgAt = &userTS

	if out, handled, err := p.handleCommand(ctx, tx, st, ev.ChatID, text, now); handled {
		return out, err
	}

	// Anti-spam gate.
	minGap := time.Duration(p.cfg.Turn.MinSecondsBetweenMsg) * time.Second
	if prevUserTS != nil && minGap > 0 && now.Sub(*prevUserTS) < minGap {
		wait := p.cfg.Turn.MinSecondsBetweenMsg - int(now.Sub(*prevUserTS).Seconds())
		if wait < 0 {
			wait = 0
		}
		reply := fmt.Sprintf("Слишком часто, подождите ещё %d c", wait)
		if err := p.replyAndCommit(ctx, tx, st, ev.ChatID, reply); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeAntiSpam, Reply: reply}, nil
	}

	// Sleep gate: muted chats absorb input silently.
	if st.SleepUntil != nil && st.SleepUntil.After(now) {
		if err := tx.SaveChatState(ctx, st); err != nil {
			return Outcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeSleep}, nil
	}

	// Quiet-window goodnight handling.
	offset := st.TimezoneOffset(p.cfg.Proactive.DefaultTimezoneOffsetMinutes)
	quiet := mustWindow(p.cfg.Proactive.QuietWindow)
	if quiet.Contains(LocalMinute(now, offset)) {
		if IsGoodnight(text) {
			return p.goodnightTurn(ctx, tx, st, ev, text, now, prevUserTS, upstream.IntentUserGoodnight, quiet, offset)
		}
		if st.LastGoodnightSentAt != nil && st.LastGoodnightFollowupSentAt == nil {
			return p.goodnightTurn(ctx, tx, st, ev, text, now, prevUserTS, upstream.IntentGoodnightFollowup, quiet, offset)
		}
	}

	hist, err := tx.FetchHistory(ctx, ShapedHistoryQuery(ev.ChatID, st.PersonaKey))
	if err != nil {
		return Outcome{}, err
	}

	resp, err := p.upstream.Call(ctx, p.buildRequest(upstream.IntentReply, st, ev, text, hist, prevUserTS))
	if err != nil {
		return p.upstreamFailure(ctx, tx, st, ev, err)
	}

	// Moderation: flags accumulate, the tenth within the window mutes.
	if resp.Meta.Abuse() {
		if err := p.recordAbuse(ctx, tx, st, ev, resp.Meta, now); err != nil {
			return Outcome{}, err
		}
	}

	d := decideDelay(now, prevUserTS, st.LastAssistantAt, st.LastLongPauseReplyAt, ev.Media, p.cfg.ReplyDelay, p.clk)
	if d.StampLongPause {
		ts := now
		st.LastLongPauseReplyAt = &ts
	}
	p.metrics.ReplyDelaySeconds.Observe(d.Seconds)

	meta := resp.Meta.Map()
	meta["persona"] = st.PersonaKey
	meta["delay_kind"] = d.Kind
	meta["delay_seconds"] = d.Seconds

	delay := time.Duration(d.Seconds * float64(time.Second))
	if delay > longDelayCutoff {
		return p.scheduleReply(ctx, tx, st, ev, resp.Reply, meta, delay)
	}

	if delay > 0 {
		cancelCtx, release := p.sup.Track(ev.ChatID)
		waitErr := p.typeAndWait(ctx, cancelCtx, ev.ChatID, delay)
		release()
		if waitErr != nil {
			if errors.Is(waitErr, errTurnCancelled) {
				slog.Info("turn cancelled during reply delay", "chat_id", ev.ChatID)
				return Outcome{Kind: OutcomeCancelled}, nil
			}
			return Outcome{}, waitErr
		}
	}

	msgID, sendErr := p.sender.SendText(ctx, ev.ChatID, resp.Reply)
	if sendErr != nil {
		tx.Rollback()
		p.recordSendFailure(ctx, ev.ChatID, sendErr)
		return Outcome{}, &SendError{Err: sendErr}
	}

	sentAt := p.clk.Now()
	am := &store.AssistantMessage{ChatID: ev.ChatID, Text: resp.Reply, Meta: meta, CreatedAt: sentAt}
	if msgID != 0 {
		am.TGMessageID = &msgID
	}
	if err := tx.InsertAssistantMessage(ctx, am); err != nil {
		return Outcome{}, err
	}
	st.LastAssistantAt = &sentAt
	if st.AutoEnabled {
		next := clock.FutureWithJitter(p.clk, p.cfg.Proactive.MinSeconds, p.cfg.Proactive.MaxSeconds, sentAt)
		st.NextProactiveAt = &next
	}
	if err := tx.SaveChatState(ctx, st); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	p.metrics.RepliesSent.Inc()
	return Outcome{Kind: OutcomeReplied, Reply: resp.Reply}, nil
}

// handleCommand covers the in-band commands every transport understands.
func (p *Processor) handleCommand(ctx context.Context, tx store.Tx, st *store.ChatState, chatID int64, text string, now time.Time) (Outcome, bool, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.HasPrefix(lower, "/wake"):
		st.SleepUntil = nil
		ts := now
		st.LastAssistantAt = &ts
		reply := "Я проснулась, пиши 🙂"
		if err := p.replyAndCommit(ctx, tx, st, chatID, reply); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Kind: OutcomeCommand, Reply: reply}, true, nil

	case strings.HasPrefix(lower, "/reset"):
		st.SleepUntil = nil
		st.MemoryRev++
		reply := "Контекст очищен: история сброшена, память перезапущена. Можешь продолжать."
		if err := p.replyAndCommit(ctx, tx, st, chatID, reply); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Kind: OutcomeCommand, Reply: reply}, true, nil

	case strings.HasPrefix(lower, "/status"):
		persona := st.PersonaKey
		if persona == "" {
			persona = "—"
		}
		mode := "off"
		if st.AutoEnabled {
			mode = "on"
		}
		sleep := "sleep: no"
		if st.SleepUntil != nil && st.SleepUntil.After(now) {
			sleep = fmt.Sprintf("sleep: yes (%ds left)", int(st.SleepUntil.Sub(now).Seconds()))
		}
		reply := fmt.Sprintf("persona: %s; proactive: %s; %s", persona, mode, sleep)
		if err := p.replyAndCommit(ctx, tx, st, chatID, reply); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Kind: OutcomeCommand, Reply: reply}, true, nil
	}
	return Outcome{}, false, nil
}

// replyAndCommit saves state, sends and commits, in that order: a failed send
// rolls the whole turn back.
func (p *Processor) replyAndCommit(ctx context.Context, tx store.Tx, st *store.ChatState, chatID int64, reply string) error {
	if err := tx.SaveChatState(ctx, st); err != nil {
		return err
	}
	if _, err := p.sender.SendText(ctx, chatID, reply); err != nil {
		tx.Rollback()
		p.recordSendFailure(ctx, chatID, err)
		return &SendError{Err: err}
	}
	return tx.Commit()
}

// goodnightTurn answers inside the quiet window and puts the chat to sleep
// until the window ends.
func (p *Processor) goodnightTurn(ctx context.Context, tx store.Tx, st *store.ChatState, ev Event, text string, now time.Time, prevUserTS *time.Time, intent string, quiet Window, offset int) (Outcome, error) {
	hist, err := tx.FetchHistory(ctx, ShapedHistoryQuery(ev.ChatID, st.PersonaKey))
	if err != nil {
		return Outcome{}, err
	}

	resp, err := p.upstream.Call(ctx, p.buildRequest(intent, st, ev, text, hist, prevUserTS))
	if err != nil {
		return p.upstreamFailure(ctx, tx, st, ev, err)
	}

	msgID, sendErr := p.sender.SendText(ctx, ev.ChatID, resp.Reply)
	if sendErr != nil {
		tx.Rollback()
		p.recordSendFailure(ctx, ev.ChatID, sendErr)
		return Outcome{}, &SendError{Err: sendErr}
	}

	until := quiet.EndUTC(now, offset)
	st.SleepUntil = &until
	ts := now
	if intent == upstream.IntentUserGoodnight {
		st.LastGoodnightSentAt = &ts
		st.LastGoodnightFollowupSentAt = nil
	} else {
		st.LastGoodnightFollowupSentAt = &ts
	}
	st.LastAssistantAt = &ts

	meta := resp.Meta.Map()
	meta["persona"] = st.PersonaKey
	meta["intent"] = intent
	am := &store.AssistantMessage{ChatID: ev.ChatID, Text: resp.Reply, Meta: meta, CreatedAt: now}
	if msgID != 0 {
		am.TGMessageID = &msgID
	}
	if err := tx.InsertAssistantMessage(ctx, am); err != nil {
		return Outcome{}, err
	}
	if err := tx.SaveChatState(ctx, st); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	p.metrics.RepliesSent.Inc()
	return Outcome{Kind: OutcomeGoodnight, Reply: resp.Reply}, nil
}

// scheduleReply commits the user-side writes and runs the long pre-send pause
// as a detached job: the assistant row is persisted in a fresh transaction
// only after the send succeeds.
func (p *Processor) scheduleReply(ctx context.Context, tx store.Tx, st *store.ChatState, ev Event, reply string, meta map[string]any, delay time.Duration) (Outcome, error) {
	if err := tx.SaveChatState(ctx, st); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}

	p.sup.Go(ev.ChatID, func(jobCtx context.Context) {
		if err := p.typeAndWait(jobCtx, jobCtx, ev.ChatID, delay); err != nil {
			slog.Info("scheduled reply dropped", "chat_id", ev.ChatID, "reason", err)
			return
		}
		msgID, err := p.sender.SendText(jobCtx, ev.ChatID, reply)
		if err != nil {
			slog.Error("scheduled reply send failed", "chat_id", ev.ChatID, "error", err)
			p.recordSendFailure(jobCtx, ev.ChatID, err)
			return
		}
		if err := p.persistAssistant(jobCtx, ev.ChatID, reply, meta, msgID); err != nil {
			slog.Error("persist scheduled reply failed", "chat_id", ev.ChatID, "error", err)
		}
	})
	return Outcome{Kind: OutcomeScheduled, Reply: reply}, nil
}

// persistAssistant writes the assistant row and activity stamps in a fresh
// transaction, used by the long-delay branch after the send went out.
func (p *Processor) persistAssistant(ctx context.Context, chatID int64, reply string, meta map[string]any, tgMsgID int64) error {
	now := p.clk.Now()
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.LockChat(ctx, chatID); err != nil {
		return err
	}
	st, err := tx.GetChatState(ctx, chatID)
	if err != nil {
		return err
	}

	am := &store.AssistantMessage{ChatID: chatID, Text: reply, Meta: meta, CreatedAt: now}
	if tgMsgID != 0 {
		am.TGMessageID = &tgMsgID
	}
	if err := tx.InsertAssistantMessage(ctx, am); err != nil {
		return err
	}
	st.LastAssistantAt = &now
	if st.AutoEnabled {
		next := clock.FutureWithJitter(p.clk, p.cfg.Proactive.MinSeconds, p.cfg.Proactive.MaxSeconds, now)
		st.NextProactiveAt = &next
	}
	if err := tx.SaveChatState(ctx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.metrics.RepliesSent.Inc()
	return nil
}

// upstreamFailure records the audit event and commits what the turn already
// wrote. Client errors end the turn with an optional apology; server-class
// errors propagate so the queue can retry.
func (p *Processor) upstreamFailure(ctx context.Context, tx store.Tx, st *store.ChatState, ev Event, callErr error) (Outcome, error) {
	now := p.clk.Now()
	if err := tx.InsertEvent(ctx, &store.Event{
		Kind:      upstream.EventKindFor(callErr),
		ChatID:    &ev.ChatID,
		Payload:   jsonPayload(map[string]any{"error": clip(callErr.Error(), 500)}),
		CreatedAt: now,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.SaveChatState(ctx, st); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}

	var ce *upstream.ClientError
	if errors.As(callErr, &ce) {
		if !ev.SuppressClientErrorReply {
			if _, err := p.sender.SendText(ctx, ev.ChatID, "Некорректный запрос"); err != nil {
				slog.Error("client error reply failed", "chat_id", ev.ChatID, "error", err)
			}
		}
		return Outcome{Kind: OutcomeClientError}, nil
	}
	return Outcome{}, callErr
}

// recordAbuse stores the moderation flag and auto-mutes the chat when the
// window threshold is crossed.
func (p *Processor) recordAbuse(ctx context.Context, tx store.Tx, st *store.ChatState, ev Event, meta upstream.Meta, now time.Time) error {
	if err := tx.InsertEvent(ctx, &store.Event{
		Kind:      store.EventAbuseDetected,
		ChatID:    &ev.ChatID,
		Payload:   jsonPayload(map[string]any{"suggested_mute_hours": meta.MuteHours()}),
		CreatedAt: now,
	}); err != nil {
		return err
	}

	window := time.Duration(p.cfg.Moderation.AbuseWindowMinutes) * time.Minute
	n, err := tx.CountEventsSince(ctx, store.EventAbuseDetected, ev.ChatID, now.Add(-window))
	if err != nil {
		return err
	}
	if n < p.cfg.Moderation.AbuseMaxInWindow {
		return nil
	}

	until := now.Add(time.Duration(p.cfg.Moderation.AbuseAutoBlockHours) * time.Hour)
	st.SleepUntil = &until
	slog.Warn("abuse auto-block engaged", "chat_id", ev.ChatID, "until", until)
	return tx.InsertEvent(ctx, &store.Event{
		Kind:      store.EventAbuseAutoBlock,
		ChatID:    &ev.ChatID,
		Payload:   jsonPayload(map[string]any{"flags_in_window": n}),
		CreatedAt: now,
	})
}

func (p *Processor) buildRequest(intent string, st *store.ChatState, ev Event, text string, hist []store.HistoryItem, prevUserTS *time.Time) *upstream.Request {
	if hist == nil {
		hist = []store.HistoryItem{}
	}
	req := &upstream.Request{
		Intent: intent,
		Chat: upstream.ChatInfo{
			ChatID:    ev.ChatID,
			UserID:    ev.UserID,
			Lang:      ev.Lang,
			Username:  ev.Username,
			Persona:   st.PersonaKey,
			MemoryRev: st.MemoryRev,
		},
		Context: upstream.ContextInfo{
			History:         hist,
			LastUserMsgAt:   prevUserTS,
			LastAssistantAt: st.LastAssistantAt,
		},
		TraceID: ev.TraceID,
	}

	msg := &upstream.MessageIn{Text: text, Origin: "text"}
	if ev.Media != nil {
		msg.Extras = ev.Media.Extras
		msg.MimeType = ev.Media.MimeType
		switch ev.Media.Kind {
		case MediaPhoto:
			msg.Origin = "photo"
			msg.ImageURL = ev.Media.ImageURL
			msg.Width = ev.Media.Width
			msg.Height = ev.Media.Height
		case MediaVoice:
			msg.Origin = "voice"
			msg.AudioURL = ev.Media.AudioURL
			msg.VoiceFileID = ev.Media.VoiceFileID
			msg.Duration = ev.Media.Duration
		case MediaAudio:
			msg.Origin = "audio"
			msg.AudioURL = ev.Media.AudioURL
			msg.Duration = ev.Media.Duration
		}
	}
	req.Message = msg
	return req
}

// typeAndWait keeps the typing indicator alive for the pre-send pause.
// ctx aborts the turn (shutdown, lease), cancelCtx cancels it in favour of
// newer input.
func (p *Processor) typeAndWait(ctx, cancelCtx context.Context, chatID int64, delay time.Duration) error {
	if err := p.sender.SendTyping(ctx, chatID); err != nil {
		slog.Debug("send typing failed", "chat_id", chatID, "error", err)
	}

	deadline := time.NewTimer(delay)
	defer deadline.Stop()
	tick := time.NewTicker(typingRefresh)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancelCtx.Done():
			return errTurnCancelled
		case <-deadline.C:
			return nil
		case <-tick.C:
			if err := p.sender.SendTyping(ctx, chatID); err != nil {
				slog.Debug("send typing failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

// recordSendFailure audits a transport failure in its own short transaction;
// the turn transaction is already rolled back or committed by then.
func (p *Processor) recordSendFailure(ctx context.Context, chatID int64, sendErr error) {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		slog.Error("record send failure", "chat_id", chatID, "error", err)
		return
	}
	defer tx.Rollback()

	if err := tx.InsertEvent(ctx, &store.Event{
		Kind:      store.EventSendFailed,
		ChatID:    &chatID,
		Payload:   jsonPayload(map[string]any{"error": clip(sendErr.Error(), 500)}),
		CreatedAt: p.clk.Now(),
	}); err != nil {
		slog.Error("record send failure", "chat_id", chatID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("record send failure", "chat_id", chatID, "error", err)
	}
}

func jsonPayload(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// clip truncates to max runes without splitting a rune.
func clip(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
