package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

const (
	outboxPoll  = 10 * time.Second
	outboxBatch = 20
)

// Outbox drains queued proactive messages through a send-capable transport,
// normally the userbot. Rows go out in insertion order; a failed send only
// bumps the attempt counter and the row stays due. via labels the transport
// in the persisted assistant row.
type Outbox struct {
	conn    store.Conn
	sender  turn.Sender
	via     string
	clk     clock.Clock
	metrics *metrics.Metrics
}

func NewOutbox(conn store.Conn, sender turn.Sender, via string, clk clock.Clock, m *metrics.Metrics) *Outbox {
	return &Outbox{conn: conn, sender: sender, via: via, clk: clk, metrics: m}
}

// Run polls until the context ends.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(outboxPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.Drain(ctx); err != nil {
				slog.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// Drain sends one batch of unsent rows. Returns how many went out.
func (o *Outbox) Drain(ctx context.Context) (int, error) {
	tx, err := o.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	items, err := tx.ListUnsentOutbox(ctx, outboxBatch)
	tx.Rollback()
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}

	sent := 0
	for _, item := range items {
		if err := o.deliver(ctx, item); err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			slog.Error("outbox delivery failed",
				"outbox_id", item.ID, "chat_id", item.ChatID, "intent", item.Intent, "error", err)
			o.markAttempt(ctx, item.ID)
			continue
		}
		sent++
	}
	return sent, nil
}

// deliver sends one row and settles it: assistant row, activity stamp and
// sent_at commit together.
func (o *Outbox) deliver(ctx context.Context, item *store.OutboxItem) error {
	msgID, err := o.sender.SendText(ctx, item.ChatID, item.Text)
	if err != nil {
		return err
	}

	sentAt := o.clk.Now()
	tx, err := o.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.LockChat(ctx, item.ChatID); err != nil {
		return err
	}
	st, err := tx.GetChatState(ctx, item.ChatID)
	if err != nil {
		return err
	}

	meta := item.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	meta["via"] = o.via
	if _, ok := meta["intent"]; !ok {
		meta["intent"] = item.Intent
	}
	am := &store.AssistantMessage{ChatID: item.ChatID, Text: item.Text, Meta: meta, CreatedAt: sentAt}
	if msgID != 0 {
		am.TGMessageID = &msgID
	}
	if err := tx.InsertAssistantMessage(ctx, am); err != nil {
		return err
	}
	st.LastAssistantAt = &sentAt
	if err := tx.SaveChatState(ctx, st); err != nil {
		return err
	}
	if err := tx.MarkOutboxSent(ctx, item.ID, sentAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.metrics.ProactiveSent.WithLabelValues(item.Intent).Inc()
	slog.Info("outbox item sent", "outbox_id", item.ID, "chat_id", item.ChatID, "intent", item.Intent)
	return nil
}

func (o *Outbox) markAttempt(ctx context.Context, id int64) {
	tx, err := o.conn.Begin(ctx)
	if err != nil {
		slog.Error("outbox attempt mark failed", "outbox_id", id, "error", err)
		return
	}
	defer tx.Rollback()

	if err := tx.MarkOutboxAttempt(ctx, id); err != nil {
		slog.Error("outbox attempt mark failed", "outbox_id", id, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("outbox attempt mark failed", "outbox_id", id, "error", err)
	}
}
