package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/nextlevelbuilder/cadence/internal/turn"
)

// ErrNoTransport means the router has no sender for a chat: neither adapter
// was configured at startup.
var ErrNoTransport = errors.New("transport: no sender configured")

// Router picks the delivery path for engine replies. Each adapter binds a
// chat when a message arrives on it; replies follow the newest binding, so a
// chat that moves between the bot and the userbot keeps answering where the
// user last wrote. Unbound chats take the bot path when one exists.
//
// Bindings live in memory. After a restart every chat starts unbound and
// re-binds on its next inbound message; until then replies for userbot chats
// may leave through the bot.
type Router struct {
	mu         sync.RWMutex
	bot        turn.Sender
	userbot    turn.Sender
	viaUserbot map[int64]bool
}

func NewRouter() *Router {
	return &Router{viaUserbot: make(map[int64]bool)}
}

// SetBot installs the bot delivery path. Call during wiring, before traffic.
func (r *Router) SetBot(s turn.Sender) {
	r.mu.Lock()
	r.bot = s
	r.mu.Unlock()
}

// SetUserbot installs the userbot delivery path.
func (r *Router) SetUserbot(s turn.Sender) {
	r.mu.Lock()
	r.userbot = s
	r.mu.Unlock()
}

// BindBot routes the chat's replies through the bot.
func (r *Router) BindBot(chatID int64) {
	r.mu.Lock()
	delete(r.viaUserbot, chatID)
	r.mu.Unlock()
}

// BindUserbot routes the chat's replies through the userbot.
func (r *Router) BindUserbot(chatID int64) {
	r.mu.Lock()
	r.viaUserbot[chatID] = true
	r.mu.Unlock()
}

func (r *Router) pick(chatID int64) turn.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.viaUserbot[chatID] && r.userbot != nil {
		return r.userbot
	}
	if r.bot != nil {
		return r.bot
	}
	return r.userbot
}

func (r *Router) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	s := r.pick(chatID)
	if s == nil {
		return 0, ErrNoTransport
	}
	return s.SendText(ctx, chatID, text)
}

func (r *Router) SendTyping(ctx context.Context, chatID int64) error {
	s := r.pick(chatID)
	if s == nil {
		return ErrNoTransport
	}
	return s.SendTyping(ctx, chatID)
}
