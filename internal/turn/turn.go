// Package turn drives one conversational turn: debouncing fragmented input,
// gating (commands, anti-spam, sleep, quiet hours), the upstream call,
// humanised reply delays and persistence.
package turn

import (
	"context"

	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

// Event is one inbound user event as the transports deliver it.
type Event struct {
	ChatID        int64
	ChatType      string
	UserID        int64
	Username      string
	Lang          string
	Text          string
	Media         *Media
	TraceID       string
	PlatformMsgID int64

	// Persisted marks the user rows as already written (buffered fragments
	// are stored at append time, so the flushed aggregate must not be).
	Persisted bool
	// SuppressClientErrorReply keeps the turn quiet on upstream 4xx
	// (recovery backfill must not apologise for old messages).
	SuppressClientErrorReply bool
}

// Media kinds.
const (
	MediaPhoto = "photo"
	MediaVoice = "voice"
	MediaAudio = "audio"
)

// Task sources recorded in queue payloads.
const (
	SourceLive     = "live"
	SourceRecovery = "recovery"
	SourceBuffer   = "buffer"
)

// Media describes an attachment already uploaded to the file host.
type Media struct {
	Kind        string         `json:"kind"`
	ImageURL    string         `json:"image_url,omitempty"`
	AudioURL    string         `json:"audio_url,omitempty"`
	VoiceFileID string         `json:"voice_file_id,omitempty"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	Duration    float64        `json:"duration,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	Extras      map[string]any `json:"extras,omitempty"`
}

// IsPhoto reports whether the media competes for the one photo slot of a
// buffered turn.
func (m *Media) IsPhoto() bool {
	return m != nil && m.Kind == MediaPhoto
}

// Outcome kinds, in the order the pipeline can short-circuit.
const (
	OutcomeBuffered    = "buffered"
	OutcomeCommand     = "command"
	OutcomeAntiSpam    = "anti_spam"
	OutcomeSleep       = "sleep"
	OutcomeGoodnight   = "goodnight"
	OutcomeClientError = "client_error"
	OutcomeCancelled   = "cancelled"
	OutcomeReplied     = "replied"
	OutcomeScheduled   = "scheduled"
)

// Outcome reports what a processed turn did. Reply is the text sent to the
// user, empty for silent outcomes.
type Outcome struct {
	Kind  string
	Reply string
}

// Upstream is the workflow client surface the processor needs.
type Upstream interface {
	Call(ctx context.Context, req *upstream.Request) (*upstream.Response, error)
}

// Sender delivers messages to the chat platform. SendText returns the
// platform message id of the sent message when known (0 otherwise).
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (int64, error)
	SendTyping(ctx context.Context, chatID int64) error
}
