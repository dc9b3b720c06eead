package telegrambot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/cadence/internal/telemetry"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// replyTextOnly answers commands we do not know and content we do not
// process.
const replyTextOnly = "Пока поддерживается только текст"

// handleMessage funnels one inbound message: commands answer immediately,
// text and supported media go through the durable queue, everything else
// gets the text-only notice.
func (b *Bot) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil || user.IsBot {
		return
	}
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped",
			"chat_id", message.Chat.ID,
			"new_members", len(message.NewChatMembers),
		)
		return
	}

	ctx, traceID := telemetry.Ensure(ctx)

	if cmd := parseCommand(message.Text); cmd != "" {
		b.dispatchCommand(ctx, cmd, message)
		return
	}

	ev := eventFrom(message, traceID)

	media, supported := classifyMedia(message)
	switch {
	case media != nil:
		dm, err := b.downloadMedia(ctx, media)
		if err != nil {
			slog.Error("telegram media download failed",
				"chat_id", message.Chat.ID, "kind", media.kind, "error", err)
			return
		}
		ev.Media = dm
		ev.Text = message.Caption
	case !supported:
		if _, err := b.SendText(ctx, message.Chat.ID, replyTextOnly, 0); err != nil {
			slog.Warn("text-only notice failed", "chat_id", message.Chat.ID, "error", err)
		}
		return
	case ev.Text == "":
		return
	}

	if err := b.inbound.Deliver(ctx, ev); err != nil {
		slog.Error("telegram enqueue failed",
			"chat_id", ev.ChatID, "platform_msg_id", ev.PlatformMsgID, "error", err)
	}
}

// eventFrom maps the platform message onto the engine event.
func eventFrom(message *telego.Message, traceID string) turn.Event {
	user := message.From
	return turn.Event{
		ChatID:        message.Chat.ID,
		ChatType:      message.Chat.Type,
		UserID:        user.ID,
		Username:      user.Username,
		Lang:          user.LanguageCode,
		Text:          message.Text,
		PlatformMsgID: int64(message.MessageID),
		TraceID:       traceID,
	}
}

// parseCommand returns the lowercased command ("/start") or empty when the
// text is not a command. The @botname suffix is stripped.
func parseCommand(text string) string {
	if len(text) == 0 || text[0] != '/' {
		return ""
	}
	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	return strings.ToLower(cmd)
}

// isServiceMessage reports whether the message carries no user content
// (member joins, title changes, pins).
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
