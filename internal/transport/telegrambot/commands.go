package telegrambot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/telemetry"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// Product strings for the command layer.
const (
	greetingText = "Привет! Я твоя собеседница. Выбери стиль общения:\n\n— Ника: милая и игривая\n— Ивания: спокойная и заботливая\n\nКоманды: /help, /persona (сменить персонажа), /auto_on, /auto_off."
	greetingBare = "Привет! Я готов к работе."
	helpText     = "Я отвечаю только на текстовые сообщения.\nКоманды: /start, /help, /persona — выбрать персонажа, /reset — очистить контекст, /auto_on, /auto_off."
	personaAsk   = "Кого выбираешь?"
	autoOnText   = "Проактивный режим включён"
	autoOffText  = "Проактивный режим выключен"
	resetText    = "Контекст очищен: история сброшена, память перезапущена. Можешь продолжать."
	unknownPick  = "Неизвестный выбор"
	pickDone     = "Готово!"
)

// Persona catalogue behind the keyboard; keys feed upstream persona_key.
var personas = map[string]struct{ Title, Blurb string }{
	"nika":   {"Ника", "милая и игривая"},
	"ivania": {"Ивания", "спокойная и заботливая"},
}

func personaKeyboard() *telego.InlineKeyboardMarkup {
	return &telego.InlineKeyboardMarkup{
		InlineKeyboard: [][]telego.InlineKeyboardButton{{
			{Text: "Ника", CallbackData: "persona:nika"},
			{Text: "Ивания", CallbackData: "persona:ivania"},
		}},
	}
}

// dispatchCommand routes a "/..." message. /wake and /status run the turn
// processor in band; unknown commands get the text-only notice.
func (b *Bot) dispatchCommand(ctx context.Context, cmd string, message *telego.Message) {
	switch cmd {
	case "/start":
		b.handleStart(ctx, message)
	case "/help":
		b.reply(ctx, message.Chat.ID, helpText)
	case "/persona":
		b.handlePersona(ctx, message)
	case "/auto_on":
		b.handleAuto(ctx, message, true)
	case "/auto_off":
		b.handleAuto(ctx, message, false)
	case "/reset":
		b.handleReset(ctx, message)
	case "/wake", "/status":
		b.runInBand(ctx, message)
	default:
		b.reply(ctx, message.Chat.ID, replyTextOnly)
	}
}

// handleStart upserts the chat, reschedules the next proactive touch and
// greets with the persona keyboard.
func (b *Bot) handleStart(ctx context.Context, message *telego.Message) {
	if message.From == nil {
		b.reply(ctx, message.Chat.ID, greetingBare)
		return
	}
	chatID := message.Chat.ID
	err := b.withState(ctx, message, func(st *store.ChatState) {
		st.AutoEnabled = b.cfg.Proactive.DefaultAuto
		next := clock.FutureWithJitter(b.clk, b.cfg.Proactive.MinSeconds, b.cfg.Proactive.MaxSeconds, time.Time{})
		st.NextProactiveAt = &next
	})
	if err != nil {
		slog.Error("start command failed", "chat_id", chatID, "error", err)
		return
	}

	msg := tu.Message(tu.ID(chatID), greetingText)
	msg.ReplyMarkup = personaKeyboard()
	b.send(ctx, msg)
}

// handlePersona re-offers the persona keyboard.
func (b *Bot) handlePersona(ctx context.Context, message *telego.Message) {
	msg := tu.Message(tu.ID(message.Chat.ID), personaAsk)
	msg.ReplyMarkup = personaKeyboard()
	b.send(ctx, msg)
}

func (b *Bot) handleAuto(ctx context.Context, message *telego.Message, enable bool) {
	if message.From == nil {
		return
	}
	err := b.withState(ctx, message, func(st *store.ChatState) {
		st.AutoEnabled = enable
		if enable {
			// Re-arm the cadence so enabling does not fire a stale slot at
			// the next sweep.
			next := clock.FutureWithJitter(b.clk, b.cfg.Proactive.MinSeconds, b.cfg.Proactive.MaxSeconds, time.Time{})
			st.NextProactiveAt = &next
		}
	})
	if err != nil {
		slog.Error("auto toggle failed", "chat_id", message.Chat.ID, "enable", enable, "error", err)
		return
	}
	text := autoOffText
	if enable {
		text = autoOnText
	}
	b.reply(ctx, message.Chat.ID, text)
}

// handleReset wipes the conversation: history rows, cadence timestamps and
// sleep state go; memory_rev moves so the upstream drops its side too.
func (b *Bot) handleReset(ctx context.Context, message *telego.Message) {
	if message.From == nil {
		return
	}
	chatID := message.Chat.ID
	user := message.From

	tx, err := b.conn.Begin(ctx)
	if err != nil {
		slog.Error("reset failed", "chat_id", chatID, "error", err)
		return
	}
	defer tx.Rollback()

	// Serialize with any in-flight turn for this chat.
	if err := tx.LockChat(ctx, chatID); err != nil {
		slog.Error("reset failed", "chat_id", chatID, "error", err)
		return
	}
	st, err := tx.EnsureEntities(ctx, chatID, message.Chat.Type, user.ID, user.Username, user.LanguageCode, turn.Defaults(b.cfg))
	if err != nil {
		slog.Error("reset failed", "chat_id", chatID, "error", err)
		return
	}
	if err := tx.ResetChatHistory(ctx, chatID); err != nil {
		slog.Error("reset failed", "chat_id", chatID, "error", err)
		return
	}
	st.LastUserMsgAt = nil
	st.LastAssistantAt = nil
	st.NextProactiveAt = nil
	st.SleepUntil = nil
	st.MemoryRev++
	if err := tx.SaveChatState(ctx, st); err != nil {
		slog.Error("reset failed", "chat_id", chatID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("reset failed", "chat_id", chatID, "error", err)
		return
	}
	b.reply(ctx, chatID, resetText)
}

// runInBand hands /wake and /status to the turn processor synchronously; the
// processor replies through its sender itself.
func (b *Bot) runInBand(ctx context.Context, message *telego.Message) {
	ev := eventFrom(message, telemetry.TraceID(ctx))
	if _, err := b.runner.Process(ctx, ev); err != nil {
		slog.Error("in-band command failed", "chat_id", ev.ChatID, "text", message.Text, "error", err)
	}
}

// handleCallback answers the persona keyboard.
func (b *Bot) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	if !strings.HasPrefix(q.Data, "persona:") {
		b.answerCallback(ctx, q.ID, "", false)
		return
	}
	key := strings.TrimPrefix(q.Data, "persona:")
	p, ok := personas[key]
	if !ok {
		b.answerCallback(ctx, q.ID, unknownPick, true)
		return
	}

	msg, ok := q.Message.(*telego.Message)
	if !ok || msg == nil {
		slog.Warn("persona callback without accessible message", "user_id", q.From.ID)
		b.answerCallback(ctx, q.ID, pickDone, false)
		return
	}
	chatID := msg.Chat.ID

	tx, err := b.conn.Begin(ctx)
	if err != nil {
		slog.Error("persona pick failed", "chat_id", chatID, "error", err)
		return
	}
	defer tx.Rollback()
	st, err := tx.EnsureEntities(ctx, chatID, msg.Chat.Type, q.From.ID, q.From.Username, q.From.LanguageCode, turn.Defaults(b.cfg))
	if err != nil {
		slog.Error("persona pick failed", "chat_id", chatID, "error", err)
		return
	}
	st.PersonaKey = key
	if err := tx.SaveChatState(ctx, st); err != nil {
		slog.Error("persona pick failed", "chat_id", chatID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("persona pick failed", "chat_id", chatID, "error", err)
		return
	}

	chosen := fmt.Sprintf("Персона выбрана: %s — %s. Пиши сообщение!", p.Title, p.Blurb)
	if _, err := b.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msg.MessageID,
		Text:      chosen,
	}); err != nil {
		slog.Debug("persona prompt edit failed, sending as new message", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, chosen)
	}
	b.answerCallback(ctx, q.ID, pickDone, false)
}

func (b *Bot) answerCallback(ctx context.Context, id, text string, alert bool) {
	if err := b.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: id,
		Text:            text,
		ShowAlert:       alert,
	}); err != nil {
		slog.Debug("answer callback failed", "callback_id", id, "error", err)
	}
}

// withState runs fn over the chat's state row in one transaction: entities
// upserted first, the mutated state saved after.
func (b *Bot) withState(ctx context.Context, message *telego.Message, fn func(st *store.ChatState)) error {
	tx, err := b.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	user := message.From
	st, err := tx.EnsureEntities(ctx, message.Chat.ID, message.Chat.Type, user.ID, user.Username, user.LanguageCode, turn.Defaults(b.cfg))
	if err != nil {
		return err
	}
	fn(st)
	if err := tx.SaveChatState(ctx, st); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.SendText(ctx, chatID, text, 0); err != nil {
		slog.Warn("command reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) send(ctx context.Context, msg *telego.SendMessageParams) {
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := b.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("command send failed", "error", err)
	}
}
