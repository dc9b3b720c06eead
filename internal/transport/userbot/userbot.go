// Package userbot is the MTProto transport: a real user session driven by
// gotd. It feeds inbound messages into the same durable queue as the bot
// transport, sends through the user account so proactive messages look
// hand-typed, and on startup replays whatever arrived while the process was
// down. Chat ids follow the Bot API convention so both transports share one
// data model.
package userbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/telemetry"
	"github.com/nextlevelbuilder/cadence/internal/transport"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// Userbot owns the MTProto client lifecycle. Sends block on the ready gate
// because the outbox dispatcher may fire before the session is up.
type Userbot struct {
	cfg     *config.Config
	conn    store.Conn
	inbound *transport.Inbound
	m       *metrics.Metrics

	client *telegram.Client
	peers  *peerCache

	readyOnce sync.Once
	ready     chan struct{}
	api       *tg.Client
	self      *tg.User

	// unread tracks the highest seen inbound message id per chat, acked
	// lazily right before we show activity there.
	unreadMu sync.Mutex
	unread   map[int64]int
}

// New builds the client. The Telethon string session from the environment
// takes precedence and is held in memory only; otherwise the session lives
// in a file next to the process.
func New(cfg *config.Config, conn store.Conn, inbound *transport.Inbound, m *metrics.Metrics) (*Userbot, error) {
	if cfg.Userbot.APIID == 0 || cfg.Userbot.APIHash == "" {
		return nil, fmt.Errorf("userbot credentials are not set (TG_API_ID, TG_API_HASH)")
	}

	var storage telegram.SessionStorage
	if cfg.Userbot.SessionString != "" {
		data, err := session.TelethonSession(cfg.Userbot.SessionString)
		if err != nil {
			return nil, fmt.Errorf("parse TG_SESSION_STRING: %w", err)
		}
		mem := new(session.StorageMemory)
		loader := session.Loader{Storage: mem}
		if err := loader.Save(context.Background(), data); err != nil {
			return nil, fmt.Errorf("import session: %w", err)
		}
		storage = mem
	} else {
		path := cfg.Userbot.SessionFile
		if path == "" {
			path = "userbot.session"
		}
		storage = &session.FileStorage{Path: path}
	}

	u := &Userbot{
		cfg:     cfg,
		conn:    conn,
		inbound: inbound,
		m:       m,
		peers:   newPeerCache(),
		ready:   make(chan struct{}),
		unread:  make(map[int64]int),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(u.onNewMessage)
	dispatcher.OnNewChannelMessage(u.onNewChannelMessage)

	u.client = telegram.NewClient(cfg.Userbot.APIID, cfg.Userbot.APIHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
	})
	return u, nil
}

// Run connects and blocks until ctx is cancelled. The session must already
// be authorized; interactive login belongs to the onboarding command, not a
// running service.
func (u *Userbot) Run(ctx context.Context) error {
	return u.client.Run(ctx, func(ctx context.Context) error {
		status, err := u.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("userbot session is not authorized; set TG_SESSION_STRING or run onboarding")
		}
		self, err := u.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("resolve self: %w", err)
		}
		u.self = self
		u.api = u.client.API()
		u.peers.rememberUser(self.ID, self.AccessHash)
		u.markReady()
		slog.Info("userbot connected", "user_id", self.ID, "username", self.Username)

		// Recovery failures leave gaps but must not take the transport down.
		if err := u.recoverMissed(ctx); err != nil {
			slog.Error("userbot recovery failed", "error", err)
		}

		<-ctx.Done()
		return ctx.Err()
	})
}

func (u *Userbot) markReady() {
	u.readyOnce.Do(func() { close(u.ready) })
}

func (u *Userbot) waitReady(ctx context.Context) error {
	select {
	case <-u.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Userbot) onNewMessage(ctx context.Context, e tg.Entities, upd *tg.UpdateNewMessage) error {
	msg, ok := upd.Message.(*tg.Message)
	if !ok {
		return nil
	}
	u.peers.absorb(e)
	u.handleMessage(ctx, e, msg)
	return nil
}

func (u *Userbot) onNewChannelMessage(ctx context.Context, e tg.Entities, upd *tg.UpdateNewChannelMessage) error {
	msg, ok := upd.Message.(*tg.Message)
	if !ok {
		return nil
	}
	u.peers.absorb(e)
	u.handleMessage(ctx, e, msg)
	return nil
}

// handleMessage filters a live update down to a turn and enqueues it. Own
// outgoing messages and bot senders never become turns; group messages only
// when addressed to us. Everything except plain text is skipped: the user
// session deliberately handles text only, media goes through the bot side.
func (u *Userbot) handleMessage(ctx context.Context, e tg.Entities, msg *tg.Message) {
	if msg.Out {
		return
	}
	chatID := botAPIChatID(msg.PeerID)
	if chatID == 0 {
		return
	}
	from := senderID(msg)
	if from == 0 {
		return
	}
	if sender, ok := e.Users[from]; ok && sender.Bot {
		return
	}

	u.noteUnread(chatID, msg.ID)

	forMe, err := u.isForMe(ctx, chatID, msg)
	if err != nil {
		slog.Error("userbot address check failed", "chat_id", chatID, "error", err)
		return
	}
	if !forMe {
		return
	}
	if msg.Message == "" {
		slog.Debug("userbot skipping non-text message", "chat_id", chatID, "msg_id", msg.ID)
		return
	}

	ctx, traceID := telemetry.Ensure(ctx)
	ev := turn.Event{
		ChatID:        chatID,
		ChatType:      chatTypeOf(e, msg.PeerID),
		UserID:        from,
		Username:      userName(e, from),
		Lang:          userLang(e, from),
		Text:          msg.Message,
		TraceID:       traceID,
		PlatformMsgID: int64(msg.ID),
	}
	if err := u.inbound.Deliver(ctx, ev); err != nil {
		slog.Error("userbot enqueue failed", "chat_id", chatID, "platform_msg_id", msg.ID, "error", err)
	}
}

// isForMe decides whether a message addresses the assistant: private chats
// always do, group messages only when they mention us or reply to one of our
// own sends. The reply check goes through the message log because the
// userbot does not keep its sent ids in memory across restarts.
func (u *Userbot) isForMe(ctx context.Context, chatID int64, msg *tg.Message) (bool, error) {
	if chatID > 0 || msg.Mentioned {
		return true, nil
	}
	if _, ok := replyTargetID(msg); !ok {
		return false, nil
	}
	tx, err := u.conn.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return forMeInTx(ctx, tx, chatID, msg)
}

func (u *Userbot) noteUnread(chatID int64, msgID int) {
	u.unreadMu.Lock()
	if msgID > u.unread[chatID] {
		u.unread[chatID] = msgID
	}
	u.unreadMu.Unlock()
}

// senderID extracts the human sender. Private chats leave FromID unset for
// the partner; anonymous admins and channel posts have no user sender and
// yield 0.
func senderID(msg *tg.Message) int64 {
	if msg.FromID != nil {
		if p, ok := msg.FromID.(*tg.PeerUser); ok {
			return p.UserID
		}
		return 0
	}
	if p, ok := msg.PeerID.(*tg.PeerUser); ok {
		return p.UserID
	}
	return 0
}

// replyTargetID returns the message id this message replies to, when any.
func replyTargetID(msg *tg.Message) (int, bool) {
	header, ok := msg.ReplyTo.(*tg.MessageReplyHeader)
	if !ok {
		return 0, false
	}
	return header.GetReplyToMsgID()
}

// chatTypeOf maps the peer to the Bot API chat type vocabulary the data
// model uses.
func chatTypeOf(e tg.Entities, peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return "private"
	case *tg.PeerChat:
		return "group"
	case *tg.PeerChannel:
		if ch, ok := e.Channels[p.ChannelID]; ok && ch.Broadcast {
			return "channel"
		}
		return "supergroup"
	}
	return ""
}

func userName(e tg.Entities, id int64) string {
	if u, ok := e.Users[id]; ok {
		return u.Username
	}
	return ""
}

func userLang(e tg.Entities, id int64) string {
	if u, ok := e.Users[id]; ok {
		return u.LangCode
	}
	return ""
}
