package userbot

import (
	"fmt"
	"sync"

	"github.com/gotd/td/tg"
)

// channelIDOffset converts between MTProto channel ids and the Bot API
// convention, where channels appear as -100xxxxxxxxxx.
const channelIDOffset int64 = 1_000_000_000_000

// botAPIChatID maps an MTProto peer to the Bot API chat id convention so both
// transports address the same rows: users keep their id, basic chats are
// negated, channels get the -100 prefix.
func botAPIChatID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return -(channelIDOffset + p.ChannelID)
	default:
		return 0
	}
}

// peerCache keeps the access hashes MTProto requires for addressing users and
// channels. Hashes arrive with updates and dialog listings; a chat we have
// never seen an entity for cannot be messaged until one shows up.
type peerCache struct {
	mu       sync.RWMutex
	users    map[int64]int64 // user id -> access hash
	channels map[int64]int64 // channel id -> access hash
}

func newPeerCache() *peerCache {
	return &peerCache{
		users:    make(map[int64]int64),
		channels: make(map[int64]int64),
	}
}

func (p *peerCache) rememberUser(id, accessHash int64) {
	p.mu.Lock()
	p.users[id] = accessHash
	p.mu.Unlock()
}

func (p *peerCache) rememberChannel(id, accessHash int64) {
	p.mu.Lock()
	p.channels[id] = accessHash
	p.mu.Unlock()
}

// absorb harvests access hashes from the entity maps attached to an update.
func (p *peerCache) absorb(e tg.Entities) {
	p.mu.Lock()
	for id, u := range e.Users {
		p.users[id] = u.AccessHash
	}
	for id, ch := range e.Channels {
		p.channels[id] = ch.AccessHash
	}
	p.mu.Unlock()
}

// absorbUsers harvests hashes from a users slice as returned by dialog and
// history listings.
func (p *peerCache) absorbUsers(users []tg.UserClass) {
	p.mu.Lock()
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			p.users[u.ID] = u.AccessHash
		}
	}
	p.mu.Unlock()
}

// absorbChats harvests channel hashes from a chats slice. Basic chats carry
// no hash and need no entry.
func (p *peerCache) absorbChats(chats []tg.ChatClass) {
	p.mu.Lock()
	for _, cc := range chats {
		if ch, ok := cc.(*tg.Channel); ok {
			p.channels[ch.ID] = ch.AccessHash
		}
	}
	p.mu.Unlock()
}

// inputPeer reverses botAPIChatID into an addressable InputPeer. Users and
// channels need a cached access hash; basic chats are addressable by id
// alone.
func (p *peerCache) inputPeer(chatID int64) (tg.InputPeerClass, error) {
	switch {
	case chatID > 0:
		p.mu.RLock()
		hash, ok := p.users[chatID]
		p.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no cached access hash for user %d", chatID)
		}
		return &tg.InputPeerUser{UserID: chatID, AccessHash: hash}, nil
	case chatID < -channelIDOffset:
		channelID := -chatID - channelIDOffset
		p.mu.RLock()
		hash, ok := p.channels[channelID]
		p.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no cached access hash for channel %d", channelID)
		}
		return &tg.InputPeerChannel{ChannelID: channelID, AccessHash: hash}, nil
	case chatID < 0:
		return &tg.InputPeerChat{ChatID: -chatID}, nil
	default:
		return nil, fmt.Errorf("chat id 0 is not addressable")
	}
}
