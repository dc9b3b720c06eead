package userbot

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gotd/td/tg"
)

// SendText delivers text through the user session and returns the new
// message id, or 0 when the response shape hides it.
func (u *Userbot) SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	if err := u.waitReady(ctx); err != nil {
		return 0, err
	}
	peer, err := u.peers.inputPeer(chatID)
	if err != nil {
		return 0, err
	}
	u.maybeMarkRead(ctx, chatID, peer)

	rnd, err := randomID()
	if err != nil {
		return 0, err
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rnd,
	}
	if replyTo != 0 {
		req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(replyTo)})
	}
	updates, err := u.api.MessagesSendMessage(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("messages.sendMessage: %w", err)
	}
	return int64(sentMessageID(updates)), nil
}

// SendTyping shows the typing indicator. Like a human client, the chat is
// marked read before any activity appears in it.
func (u *Userbot) SendTyping(ctx context.Context, chatID int64) error {
	if err := u.waitReady(ctx); err != nil {
		return err
	}
	peer, err := u.peers.inputPeer(chatID)
	if err != nil {
		return err
	}
	u.maybeMarkRead(ctx, chatID, peer)

	if _, err := u.api.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	}); err != nil {
		return fmt.Errorf("messages.setTyping: %w", err)
	}
	return nil
}

// maybeMarkRead acks the chat's unread messages up to the highest id seen.
// The ack is cosmetic so failures only log; the entry is cleared only when
// no newer message slipped in while the request was in flight.
func (u *Userbot) maybeMarkRead(ctx context.Context, chatID int64, peer tg.InputPeerClass) {
	if !u.cfg.Humanize.ReadBeforeTyping {
		return
	}
	u.unreadMu.Lock()
	maxID, ok := u.unread[chatID]
	u.unreadMu.Unlock()
	if !ok {
		return
	}

	var err error
	switch p := peer.(type) {
	case *tg.InputPeerUser, *tg.InputPeerChat:
		_, err = u.api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{
			Peer:  p,
			MaxID: maxID,
		})
	case *tg.InputPeerChannel:
		ch := &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}
		_, err = u.api.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
			Channel: ch,
			MaxID:   maxID,
		})
	default:
		return
	}
	if err != nil {
		slog.Warn("userbot read ack failed", "chat_id", chatID, "error", err)
		return
	}

	u.unreadMu.Lock()
	if cur, ok := u.unread[chatID]; ok && cur == maxID {
		delete(u.unread, chatID)
	}
	u.unreadMu.Unlock()
}

// randomID fills messages.sendMessage's client dedup id.
func randomID() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("random id: %w", err)
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// sentMessageID digs the id of the message we just sent out of whichever
// update container telegram chose to return. Zero when unrecognized.
func sentMessageID(updates tg.UpdatesClass) int {
	switch v := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return v.ID
	case *tg.Updates:
		return firstMessageID(v.Updates)
	case *tg.UpdatesCombined:
		return firstMessageID(v.Updates)
	}
	return 0
}

func firstMessageID(updates []tg.UpdateClass) int {
	for _, uc := range updates {
		switch v := uc.(type) {
		case *tg.UpdateMessageID:
			return v.ID
		case *tg.UpdateNewMessage:
			if msg, ok := v.Message.(*tg.Message); ok {
				return msg.ID
			}
		case *tg.UpdateNewChannelMessage:
			if msg, ok := v.Message.(*tg.Message); ok {
				return msg.ID
			}
		}
	}
	return 0
}
