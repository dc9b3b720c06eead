package upstream

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/store"
)

// Intents sent to the workflow.
const (
	IntentReply             = "reply"
	IntentUserGoodnight     = "user_goodnight"
	IntentGoodnightFollowup = "goodnight_followup"
	IntentMorning           = "proactive_morning"
	IntentEvening           = "proactive_evening"
	IntentReengage          = "proactive_reengage"
	IntentGeneric           = "proactive_generic"
)

// Request is the JSON body POSTed to the workflow webhook.
type Request struct {
	Intent  string      `json:"intent"`
	Chat    ChatInfo    `json:"chat"`
	Context ContextInfo `json:"context"`
	Message *MessageIn  `json:"message,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// ChatInfo identifies the conversation for the workflow.
type ChatInfo struct {
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Lang      string `json:"lang,omitempty"`
	Username  string `json:"username,omitempty"`
	Persona   string `json:"persona,omitempty"`
	MemoryRev int    `json:"memory_rev"`
}

// ContextInfo carries shaped history (oldest first) plus activity timestamps.
type ContextInfo struct {
	History         []store.HistoryItem `json:"history"`
	LastUserMsgAt   *time.Time          `json:"last_user_msg_at,omitempty"`
	LastAssistantAt *time.Time          `json:"last_assistant_at,omitempty"`
}

// MessageIn is the current user turn. Extras are merged into the same JSON
// object so media descriptors added later need no schema change here.
type MessageIn struct {
	Text        string  `json:"text"`
	Origin      string  `json:"origin,omitempty"`
	AudioURL    string  `json:"audio_url,omitempty"`
	VoiceFileID string  `json:"voice_file_id,omitempty"`
	ImageURL    string  `json:"image_url,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	MimeType    string  `json:"mime_type,omitempty"`

	Extras map[string]any `json:"-"`
}

func (m MessageIn) MarshalJSON() ([]byte, error) {
	type plain MessageIn
	b, err := json.Marshal(plain(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extras) == 0 {
		return b, nil
	}
	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		return nil, err
	}
	for k, v := range m.Extras {
		if _, taken := flat[k]; !taken {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

// Response is the validated workflow answer.
type Response struct {
	Reply string
	Meta  Meta
}
