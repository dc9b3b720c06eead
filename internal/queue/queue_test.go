package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

func TestIngestEnqueueTurn(t *testing.T) {
	tasks := newMemTasks()
	ing := NewIngest(tasks, metrics.New())

	ev := turn.Event{
		ChatID:        7,
		ChatType:      "private",
		UserID:        7,
		Username:      "dasha",
		Lang:          "ru",
		Text:          "привет",
		TraceID:       "tr-1",
		PlatformMsgID: 42,
		Media:         &turn.Media{Kind: turn.MediaPhoto, ImageURL: "https://files.example/p.jpg"},
	}
	if err := ing.EnqueueTurn(context.Background(), ev, turn.SourceLive, LiveDedupKey(7, 42)); err != nil {
		t.Fatalf("EnqueueTurn: %v", err)
	}

	row := tasks.get(1)
	if row.Kind != TaskIncomingMessage {
		t.Errorf("kind = %q, want %q", row.Kind, TaskIncomingMessage)
	}
	if row.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", row.Priority, DefaultPriority)
	}
	if row.DedupKey != "inmsg:7:42" {
		t.Errorf("dedup key = %q, want inmsg:7:42", row.DedupKey)
	}

	var p turnPayload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ChatID != 7 || p.TelegramMessageID != 42 || p.Text != "привет" || p.Source != turn.SourceLive {
		t.Errorf("payload = %+v", p)
	}
	if p.Media == nil || p.Media.ImageURL != "https://files.example/p.jpg" {
		t.Errorf("payload media = %+v", p.Media)
	}
}

func TestIngestDuplicateDedupKeyIsSilent(t *testing.T) {
	tasks := newMemTasks()
	ing := NewIngest(tasks, metrics.New())
	ev := turn.Event{ChatID: 7, Text: "раз", PlatformMsgID: 42}

	if err := ing.EnqueueTurn(context.Background(), ev, turn.SourceLive, LiveDedupKey(7, 42)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := ing.EnqueueTurn(context.Background(), ev, turn.SourceLive, LiveDedupKey(7, 42)); err != nil {
		t.Fatalf("duplicate enqueue must not error: %v", err)
	}
	if tasks.seq != 1 {
		t.Errorf("tasks inserted = %d, want 1", tasks.seq)
	}
}

func TestEventFromPayloadSourceFlags(t *testing.T) {
	tests := []struct {
		source        string
		wantPersisted bool
		wantSuppress  bool
	}{
		{source: turn.SourceLive, wantPersisted: false, wantSuppress: false},
		{source: turn.SourceBuffer, wantPersisted: true, wantSuppress: false},
		{source: turn.SourceRecovery, wantPersisted: false, wantSuppress: true},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			ev := eventFromPayload(turnPayload{ChatID: 7, Text: "x", Source: tt.source})
			if ev.Persisted != tt.wantPersisted {
				t.Errorf("Persisted = %v, want %v", ev.Persisted, tt.wantPersisted)
			}
			if ev.SuppressClientErrorReply != tt.wantSuppress {
				t.Errorf("SuppressClientErrorReply = %v, want %v", ev.SuppressClientErrorReply, tt.wantSuppress)
			}
		})
	}
}

func TestDedupKeyFormats(t *testing.T) {
	if got := LiveDedupKey(123, 456); got != "inmsg:123:456" {
		t.Errorf("LiveDedupKey = %q", got)
	}
	if got := RecoveryDedupKey(123, 456); got != "recovery:123:456" {
		t.Errorf("RecoveryDedupKey = %q", got)
	}
}
