// Package queue moves inbound user events through the durable task table:
// transports enqueue, the worker pool leases and runs turns, the watchdog
// reclaims crashed leases.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// TaskIncomingMessage is the one task kind the core consumes.
const TaskIncomingMessage = "incoming_user_message"

// DefaultPriority for inbound messages; lower runs first.
const DefaultPriority = 100

// MaxAttempts before a task is failed for good, by the worker retry path and
// the watchdog alike.
const MaxAttempts = 5

// turnPayload is the JSON body of an incoming_user_message task.
type turnPayload struct {
	TelegramMessageID int64       `json:"telegram_message_id,omitempty"`
	ChatID            int64       `json:"chat_id"`
	ChatType          string      `json:"chat_type,omitempty"`
	UserID            int64       `json:"user_id,omitempty"`
	Username          string      `json:"username,omitempty"`
	Lang              string      `json:"lang,omitempty"`
	Text              string      `json:"text"`
	Media             *turn.Media `json:"media,omitempty"`
	TraceID           string      `json:"trace_id,omitempty"`
	Source            string      `json:"source"`
}

func payloadFromEvent(ev turn.Event, source string) turnPayload {
	return turnPayload{
		TelegramMessageID: ev.PlatformMsgID,
		ChatID:            ev.ChatID,
		ChatType:          ev.ChatType,
		UserID:            ev.UserID,
		Username:          ev.Username,
		Lang:              ev.Lang,
		Text:              ev.Text,
		Media:             ev.Media,
		TraceID:           ev.TraceID,
		Source:            source,
	}
}

// eventFromPayload rebuilds the turn event. Buffer aggregates were persisted
// fragment by fragment at append time; recovery backfill must not apologise
// for stale 4xx responses.
func eventFromPayload(p turnPayload) turn.Event {
	return turn.Event{
		ChatID:                   p.ChatID,
		ChatType:                 p.ChatType,
		UserID:                   p.UserID,
		Username:                 p.Username,
		Lang:                     p.Lang,
		Text:                     p.Text,
		Media:                    p.Media,
		TraceID:                  p.TraceID,
		PlatformMsgID:            p.TelegramMessageID,
		Persisted:                p.Source == turn.SourceBuffer,
		SuppressClientErrorReply: p.Source == turn.SourceRecovery,
	}
}

// LiveDedupKey dedups live transport deliveries per platform message.
func LiveDedupKey(chatID, msgID int64) string {
	return fmt.Sprintf("inmsg:%d:%d", chatID, msgID)
}

// RecoveryDedupKey dedups startup gap backfill, kept distinct from the live
// key space so recovery never collides with an in-flight delivery.
func RecoveryDedupKey(chatID, msgID int64) string {
	return fmt.Sprintf("recovery:%d:%d", chatID, msgID)
}

// Ingest is the enqueue side of the queue; it is the TaskSink the transports
// and the debounce buffer hand events to.
type Ingest struct {
	tasks   store.TaskStore
	metrics *metrics.Metrics
}

func NewIngest(tasks store.TaskStore, m *metrics.Metrics) *Ingest {
	return &Ingest{tasks: tasks, metrics: m}
}

// EnqueueTurn persists the event as a pending task. A duplicate dedup key is
// not an error; the first delivery wins.
func (i *Ingest) EnqueueTurn(ctx context.Context, ev turn.Event, source, dedupKey string) error {
	p := payloadFromEvent(ev, source)
	raw, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	inserted, err := i.tasks.Enqueue(ctx, TaskIncomingMessage, raw, DefaultPriority, dedupKey)
	if err != nil {
		return err
	}
	if !inserted {
		slog.Debug("duplicate task suppressed", "chat_id", ev.ChatID, "dedup_key", dedupKey)
		return nil
	}
	i.metrics.TasksEnqueued.WithLabelValues(TaskIncomingMessage).Inc()
	return nil
}
