// Package telegrambot is the Bot API side of the engine: update intake via
// long polling or webhook, the command set, media downloads and outgoing
// delivery. The MTProto counterpart lives in transport/userbot.
package telegrambot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/files"
	"github.com/nextlevelbuilder/cadence/internal/queue"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/transport"
)

// Telegram caps bots around thirty messages per second overall; the limiter
// keeps every outgoing call under that.
const (
	sendRate  = rate.Limit(25)
	sendBurst = 5
)

// Bot is the Bot API adapter. It satisfies transport.Sender for outgoing
// traffic and funnels inbound messages into the durable queue.
type Bot struct {
	bot     *telego.Bot
	conn    store.Conn
	inbound *transport.Inbound
	runner  queue.Runner
	uploads *files.Store
	clk     clock.Clock
	cfg     *config.Config
	limiter *rate.Limiter
	httpc   *http.Client

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the adapter. The runner handles the maintenance commands that
// the turn processor answers in band.
func New(cfg *config.Config, conn store.Conn, inbound *transport.Inbound, runner queue.Runner, uploads *files.Store, clk clock.Clock) (*Bot, error) {
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}

	// One client for API calls and file downloads; generous timeout because
	// long polling keeps requests open for thirty seconds.
	httpc := &http.Client{Timeout: 90 * time.Second}
	bot, err := telego.NewBot(cfg.Telegram.Token, telego.WithHTTPClient(httpc))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:     bot,
		conn:    conn,
		inbound: inbound,
		runner:  runner,
		uploads: uploads,
		clk:     clk,
		cfg:     cfg,
		limiter: rate.NewLimiter(sendRate, sendBurst),
		httpc:   httpc,
	}, nil
}

// Start begins receiving updates. Polling mode long-polls in a goroutine;
// webhook mode only registers the menu commands and waits for HandleUpdate
// calls from the HTTP layer.
func (b *Bot) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	go b.syncMenuWithRetry(pollCtx)

	if b.cfg.Telegram.Mode == "webhook" {
		slog.Info("telegram bot started (webhook mode)")
		close(b.pollDone)
		return nil
	}

	slog.Info("starting telegram bot (polling mode)")
	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "username", b.bot.Username())

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				b.HandleUpdate(pollCtx, update)
			}
		}
	}()

	return nil
}

// HandleUpdate dispatches one update. The webhook endpoint calls this
// directly; polling mode feeds it from the updates channel.
func (b *Bot) HandleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	default:
		slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
	}
}

// Stop cancels polling and waits for the update goroutine to exit so that
// Telegram releases the getUpdates lock before a new instance starts.
func (b *Bot) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendText delivers text to a chat, quoting replyTo when non-zero. Returns
// the platform message id.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := tu.Message(tu.ID(chatID), text)
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: int(replyTo)}
	}
	msg, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return int64(msg.MessageID), nil
}

// SendTyping shows the typing indicator.
func (b *Bot) SendTyping(ctx context.Context, chatID int64) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

func (b *Bot) syncMenuWithRetry(ctx context.Context) {
	commands := MenuCommands()
	for attempt := 1; attempt <= 3; attempt++ {
		if err := b.SyncMenuCommands(ctx, commands); err != nil {
			slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
			if attempt < 3 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
			}
		} else {
			slog.Info("telegram menu commands synced")
			return
		}
	}
}

// SyncMenuCommands registers the command menu via setMyCommands.
func (b *Bot) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := b.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	return b.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: commands,
	})
}

// MenuCommands is the public command menu. Maintenance commands (/wake,
// /status) stay unlisted.
func MenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "start", Description: "Начать общение"},
		{Command: "help", Description: "Помощь"},
		{Command: "persona", Description: "Выбрать персонажа"},
		{Command: "reset", Description: "Очистить контекст"},
		{Command: "auto_on", Description: "Включить проактивный режим"},
		{Command: "auto_off", Description: "Выключить проактивный режим"},
	}
}
