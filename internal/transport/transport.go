// Package transport holds what the chat-platform adapters share: the sender
// surface the engine delivers through, the humanizer that paces outgoing
// traffic, and the inbound funnel from a platform message to the durable
// queue. Adapter-specific code lives in transport/telegrambot and
// transport/userbot.
package transport

import (
	"context"

	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/queue"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// Sender delivers messages through one chat platform. SendText returns the
// platform message id when known (0 otherwise); a non-zero replyTo quotes
// that message.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	SendTyping(ctx context.Context, chatID int64) error
}

// Enqueuer is the durable intake side of the task queue; satisfied by
// *queue.Ingest.
type Enqueuer interface {
	EnqueueTurn(ctx context.Context, ev turn.Event, source, dedupKey string) error
}

// Canceller interrupts a chat's in-flight send; satisfied by
// *turn.Supervisor.
type Canceller interface {
	RequestCancel(chatID int64)
}

// Inbound funnels a live platform message into the engine: the humanizer
// records the message id for later quoting, newer input may cancel the
// chat's pending send, and the event lands in the durable queue under its
// per-message dedup key. Bind, when set, records which adapter the chat
// talks through so replies leave on the same surface.
type Inbound struct {
	Ingest Enqueuer
	Human  *Humanizer
	Sup    Canceller
	Cfg    *config.Config
	Bind   func(chatID int64)
}

func (in *Inbound) Deliver(ctx context.Context, ev turn.Event) error {
	in.BindChat(ev.ChatID)
	in.Human.RecordUserMessage(ev.ChatID, ev.PlatformMsgID)
	if in.Cfg.Turn.CancelOnNewMessage {
		in.Sup.RequestCancel(ev.ChatID)
	}
	if err := in.Human.PreProcessPause(ctx); err != nil {
		return err
	}
	return in.Ingest.EnqueueTurn(ctx, ev, turn.SourceLive, queue.LiveDedupKey(ev.ChatID, ev.PlatformMsgID))
}

// BindChat marks the chat's reply affinity. Recovery paths that enqueue
// without going through Deliver call it directly.
func (in *Inbound) BindChat(chatID int64) {
	if in.Bind != nil {
		in.Bind(chatID)
	}
}
