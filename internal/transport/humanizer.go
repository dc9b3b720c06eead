package transport

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
)

const (
	// ringSize is how many recent user message ids a chat remembers for
	// quoting.
	ringSize = 20

	// quirkSoftCap bounds the per-chat state map; once reached, entries idle
	// longer than quirkIdleTTL are dropped before a new chat is admitted.
	quirkSoftCap = 4096
	quirkIdleTTL = 24 * time.Hour
)

// msgRing holds the last ringSize user message ids of one chat.
type msgRing struct {
	ids  [ringSize]int64
	next int
	n    int
}

func (r *msgRing) push(id int64) {
	r.ids[r.next] = id
	r.next = (r.next + 1) % ringSize
	if r.n < ringSize {
		r.n++
	}
}

// last returns the most recently pushed id, 0 when empty.
func (r *msgRing) last() int64 {
	if r.n == 0 {
		return 0
	}
	return r.ids[(r.next-1+ringSize)%ringSize]
}

// chatQuirks is the per-chat humanizer state. Process-local: a restart
// resets it to empty and the chat simply starts a fresh quote cycle.
type chatQuirks struct {
	ring        msgRing
	replies     int // replies since the last quote
	threshold   int // current cycle length
	typingSince time.Time
	lastUsed    time.Time
}

// Humanizer decorates a platform Sender so outgoing traffic reads less
// mechanical: every N replies per chat (N uniform in [QuoteEveryMin,
// QuoteEveryMax], re-rolled after each quote) the message quotes the most
// recent recorded user message, and the optional pacing behaviours
// (pre-process pause, typing-start jitter, minimum typing time) apply when
// configured. It implements the two-argument sender the turn processor and
// the proactive pipeline use.
type Humanizer struct {
	base Sender
	cfg  *config.Config
	rnd  clock.Rand

	mu    sync.Mutex
	chats map[int64]*chatQuirks
}

func NewHumanizer(base Sender, cfg *config.Config, rnd clock.Rand) *Humanizer {
	return &Humanizer{base: base, cfg: cfg, rnd: rnd, chats: make(map[int64]*chatQuirks)}
}

// RecordUserMessage remembers the platform id of an inbound user message so
// a later reply can quote it. Zero ids (platform did not report one) are
// ignored.
func (h *Humanizer) RecordUserMessage(chatID, msgID int64) {
	if msgID == 0 {
		return
	}
	h.mu.Lock()
	h.chat(chatID).ring.push(msgID)
	h.mu.Unlock()
}

// SendText forwards to the platform sender, quoting a recorded user message
// once per cycle. The cycle advances whether or not the platform accepts the
// send: a lost quote is harmless, a doubled one is not.
func (h *Humanizer) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	if err := h.ensureMinTyping(ctx, chatID); err != nil {
		return 0, err
	}
	id, err := h.base.SendText(ctx, chatID, text, h.takeQuote(chatID))
	h.endTyping(chatID)
	return id, err
}

// SendTyping forwards the typing action after the configured start jitter
// and marks the chat's typing session for the minimum-typing guarantee.
func (h *Humanizer) SendTyping(ctx context.Context, chatID int64) error {
	if err := sleepCtx(ctx, h.msUpTo(h.cfg.Humanize.TypingStartJitterMsMax)); err != nil {
		return err
	}
	if err := h.base.SendTyping(ctx, chatID); err != nil {
		return err
	}
	h.mu.Lock()
	q := h.chat(chatID)
	if q.typingSince.IsZero() {
		q.typingSince = h.rnd.Now()
	}
	h.mu.Unlock()
	return nil
}

// PreProcessPause waits the configured random beat before an inbound message
// is acted on.
func (h *Humanizer) PreProcessPause(ctx context.Context) error {
	return sleepCtx(ctx, h.msUpTo(h.cfg.Humanize.PreProcessDelayMsMax))
}

// takeQuote advances the chat's reply counter and returns the message id to
// quote, 0 for a plain send. On the Nth reply the counter resets and the
// threshold is re-rolled; an empty ring spends the cycle without a quote.
func (h *Humanizer) takeQuote(chatID int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.chat(chatID)
	q.replies++
	if q.replies < q.threshold {
		return 0
	}
	q.replies = 0
	q.threshold = h.rollThreshold()
	return q.ring.last()
}

// ensureMinTyping keeps the typing indicator visible for the configured
// minimum before a message goes out. A typing session already running counts
// toward the minimum, so the turn processor's long typing loop never waits
// twice.
func (h *Humanizer) ensureMinTyping(ctx context.Context, chatID int64) error {
	minMs := h.cfg.Humanize.MinTypingMs
	if minMs <= 0 {
		return nil
	}

	h.mu.Lock()
	since := h.chat(chatID).typingSince
	h.mu.Unlock()

	now := h.rnd.Now()
	if since.IsZero() {
		if err := h.base.SendTyping(ctx, chatID); err != nil {
			return err
		}
		since = now
		h.mu.Lock()
		h.chat(chatID).typingSince = since
		h.mu.Unlock()
	}
	return sleepCtx(ctx, time.Duration(minMs)*time.Millisecond-now.Sub(since))
}

func (h *Humanizer) endTyping(chatID int64) {
	h.mu.Lock()
	if q, ok := h.chats[chatID]; ok {
		q.typingSince = time.Time{}
	}
	h.mu.Unlock()
}

// chat returns the per-chat state, creating it with a fresh quote threshold.
// Callers hold h.mu.
func (h *Humanizer) chat(chatID int64) *chatQuirks {
	q, ok := h.chats[chatID]
	if !ok {
		if len(h.chats) >= quirkSoftCap {
			h.evictIdle()
		}
		q = &chatQuirks{threshold: h.rollThreshold()}
		h.chats[chatID] = q
	}
	q.lastUsed = h.rnd.Now()
	return q
}

// evictIdle drops chats untouched for quirkIdleTTL. Callers hold h.mu.
func (h *Humanizer) evictIdle() {
	cutoff := h.rnd.Now().Add(-quirkIdleTTL)
	for id, q := range h.chats {
		if q.lastUsed.Before(cutoff) {
			delete(h.chats, id)
		}
	}
}

func (h *Humanizer) rollThreshold() int {
	lo, hi := h.cfg.Humanize.QuoteEveryMin, h.cfg.Humanize.QuoteEveryMax
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	return h.rnd.JitterSeconds(lo, hi) // uniform int in [lo,hi]; counts replies here
}

// msUpTo samples a uniform duration in [0, maxMs] milliseconds, 0 when the
// knob is unset.
func (h *Humanizer) msUpTo(maxMs int) time.Duration {
	if maxMs <= 0 {
		return 0
	}
	return time.Duration(h.rnd.Float64()*float64(maxMs+1)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
