package userbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gotd/td/tg"

	"github.com/nextlevelbuilder/cadence/internal/queue"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/telemetry"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// dialogWarmupLimit bounds the dialog listing that primes the peer cache.
const dialogWarmupLimit = 100

// recoverMissed replays what arrived while the process was down, for every
// chat already in the data model: user messages newer than the last recorded
// one become recovery turns, own messages missing from the log are
// backfilled without sending anything. Per-chat failures are logged and do
// not stop the scan.
func (u *Userbot) recoverMissed(ctx context.Context) error {
	if err := u.warmDialogs(ctx); err != nil {
		slog.Warn("userbot dialog warmup failed", "error", err)
	}
	chats, err := u.listChats(ctx)
	if err != nil {
		return err
	}
	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.recoverChat(ctx, chat); err != nil {
			slog.Warn("userbot chat recovery failed", "chat_id", chat.ID, "error", err)
		}
	}
	return nil
}

// warmDialogs primes the peer cache with access hashes for every dialog the
// account can see. Recovery and outbox sends need them before the first live
// update arrives.
func (u *Userbot) warmDialogs(ctx context.Context) error {
	res, err := u.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      dialogWarmupLimit,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	if err != nil {
		return fmt.Errorf("messages.getDialogs: %w", err)
	}
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		u.peers.absorbUsers(d.Users)
		u.peers.absorbChats(d.Chats)
	case *tg.MessagesDialogsSlice:
		u.peers.absorbUsers(d.Users)
		u.peers.absorbChats(d.Chats)
	}
	return nil
}

func (u *Userbot) listChats(ctx context.Context) ([]store.Chat, error) {
	tx, err := u.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListChats(ctx)
}

func (u *Userbot) recoverChat(ctx context.Context, chat store.Chat) error {
	peer, err := u.peers.inputPeer(chat.ID)
	if err != nil {
		return err
	}
	res, err := u.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		Limit: u.cfg.Queue.RecoveryHistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("messages.getHistory: %w", err)
	}
	messages, users := historyMessages(res)
	u.peers.absorbUsers(users)
	byID := usersByID(users)

	tx, err := u.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lastSeen, err := tx.MaxUserTGMessageID(ctx, chat.ID)
	if err != nil {
		return err
	}

	var missed []turn.Event
	backfilled := 0
	// History comes newest first; replay oldest first so turns keep order.
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(*tg.Message)
		if !ok {
			continue
		}
		if msg.Out {
			n, err := u.backfillOwn(ctx, tx, chat.ID, msg)
			if err != nil {
				return err
			}
			backfilled += n
			continue
		}
		if msg.Message == "" || int64(msg.ID) <= lastSeen {
			continue
		}
		from := senderID(msg)
		if from == 0 {
			continue
		}
		var username, lang string
		if sender, ok := byID[from]; ok {
			if sender.Bot {
				continue
			}
			username, lang = sender.Username, sender.LangCode
		}
		forMe, err := forMeInTx(ctx, tx, chat.ID, msg)
		if err != nil {
			return err
		}
		if !forMe {
			continue
		}
		u.noteUnread(chat.ID, msg.ID)
		missed = append(missed, turn.Event{
			ChatID:        chat.ID,
			ChatType:      chat.Type,
			UserID:        from,
			Username:      username,
			Lang:          lang,
			Text:          msg.Message,
			TraceID:       telemetry.NewTraceID(),
			PlatformMsgID: int64(msg.ID),
		})
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, ev := range missed {
		u.inbound.BindChat(ev.ChatID)
		if err := u.inbound.Ingest.EnqueueTurn(ctx, ev, turn.SourceRecovery, queue.RecoveryDedupKey(ev.ChatID, ev.PlatformMsgID)); err != nil {
			return err
		}
		u.m.RecoveryGapTotal.Inc()
	}
	if len(missed) > 0 || backfilled > 0 {
		slog.Info("userbot chat recovery", "chat_id", chat.ID, "missed_turns", len(missed), "backfilled_own", backfilled)
	}
	return nil
}

// backfillOwn records a send that never reached the message log, so history
// and the reply-to-self check stay accurate. Nothing is sent to the chat.
func (u *Userbot) backfillOwn(ctx context.Context, tx store.Tx, chatID int64, msg *tg.Message) (int, error) {
	if msg.Message == "" {
		return 0, nil
	}
	has, err := tx.HasAssistantTGMessageID(ctx, chatID, int64(msg.ID))
	if err != nil || has {
		return 0, err
	}
	tgID := int64(msg.ID)
	// Date the row by the original send so history keeps its order.
	sentAt := time.Unix(int64(msg.Date), 0).UTC()
	if err := tx.InsertAssistantMessage(ctx, &store.AssistantMessage{
		ChatID:      chatID,
		Text:        msg.Message,
		Meta:        map[string]any{"recovered": true},
		TGMessageID: &tgID,
		CreatedAt:   sentAt,
	}); err != nil {
		return 0, err
	}
	payload, _ := json.Marshal(map[string]any{"tg_message_id": tgID})
	if err := tx.InsertEvent(ctx, &store.Event{
		Kind:      store.EventRecoveryBackfill,
		ChatID:    &chatID,
		Payload:   payload,
		CreatedAt: sentAt,
	}); err != nil {
		return 0, err
	}
	return 1, nil
}

// forMeInTx is the address check for callers already holding a transaction.
func forMeInTx(ctx context.Context, tx store.Tx, chatID int64, msg *tg.Message) (bool, error) {
	if chatID > 0 || msg.Mentioned {
		return true, nil
	}
	replyID, ok := replyTargetID(msg)
	if !ok {
		return false, nil
	}
	return tx.HasAssistantTGMessageID(ctx, chatID, int64(replyID))
}

// historyMessages flattens the container shapes messages.getHistory returns.
func historyMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass) {
	switch m := res.(type) {
	case *tg.MessagesMessages:
		return m.Messages, m.Users
	case *tg.MessagesMessagesSlice:
		return m.Messages, m.Users
	case *tg.MessagesChannelMessages:
		return m.Messages, m.Users
	}
	return nil, nil
}

func usersByID(users []tg.UserClass) map[int64]*tg.User {
	out := make(map[int64]*tg.User, len(users))
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			out[u.ID] = u
		}
	}
	return out
}
