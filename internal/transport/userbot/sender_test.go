package userbot

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestSentMessageID(t *testing.T) {
	tests := []struct {
		name    string
		updates tg.UpdatesClass
		want    int
	}{
		{
			"short sent message",
			&tg.UpdateShortSentMessage{ID: 101},
			101,
		},
		{
			"updates with message id",
			&tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateMessageID{ID: 202}}},
			202,
		},
		{
			"updates with new message",
			&tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateNewMessage{Message: &tg.Message{ID: 303}}}},
			303,
		},
		{
			"combined with channel message",
			&tg.UpdatesCombined{Updates: []tg.UpdateClass{&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 404}}}},
			404,
		},
		{
			"skips unrelated updates",
			&tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateUserTyping{UserID: 1}, &tg.UpdateMessageID{ID: 505}}},
			505,
		},
		{
			"unknown container",
			&tg.UpdatesTooLong{},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sentMessageID(tt.updates); got != tt.want {
				t.Errorf("sentMessageID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRandomIDVaries(t *testing.T) {
	a, err := randomID()
	if err != nil {
		t.Fatalf("randomID error: %v", err)
	}
	b, err := randomID()
	if err != nil {
		t.Fatalf("randomID error: %v", err)
	}
	if a == b {
		t.Errorf("two random ids collided: %d", a)
	}
}
