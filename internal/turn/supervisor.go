package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
)

const (
	cancelDebounce = 900 * time.Millisecond
	cancelCooldown = 15 * time.Second
)

type inflightEntry struct {
	cancel context.CancelFunc
}

// Supervisor tracks per-chat in-flight sends. Long-delay replies run as
// detached jobs that outlive the triggering event; new inbound activity can
// cancel a chat's pending send (debounced, with a cooldown so bursts do not
// cancel everything); shutdown waits for jobs and hard-cancels on deadline.
type Supervisor struct {
	clk clock.Clock

	base       context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	wg           sync.WaitGroup
	inflight     map[int64]*inflightEntry
	cancelTimers map[int64]*time.Timer
	lastCancel   map[int64]time.Time
	closed       bool

	debounce time.Duration
	cooldown time.Duration
}

func NewSupervisor(clk clock.Clock) *Supervisor {
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		clk:          clk,
		base:         base,
		baseCancel:   cancel,
		inflight:     make(map[int64]*inflightEntry),
		cancelTimers: make(map[int64]*time.Timer),
		lastCancel:   make(map[int64]time.Time),
		debounce:     cancelDebounce,
		cooldown:     cancelCooldown,
	}
}

// Track registers the chat's current send phase and returns the context it
// should sleep under. The release func must be called when the phase ends.
func (s *Supervisor) Track(chatID int64) (context.Context, func()) {
	ctx, cancel := context.WithCancel(s.base)
	entry := &inflightEntry{cancel: cancel}

	s.mu.Lock()
	s.inflight[chatID] = entry
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.inflight[chatID] == entry {
			delete(s.inflight, chatID)
		}
		s.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Go runs fn as a detached job tracked under the chat. The job receives a
// context cancelled by RequestCancel or shutdown, not by the caller's
// request context.
func (s *Supervisor) Go(chatID int64, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, release := s.Track(chatID)
		defer release()
		fn(ctx)
	}()
}

// RequestCancel asks to cancel the chat's in-flight send. Requests within the
// debounce window coalesce; after a cancellation fires, further ones are
// suppressed for the cooldown.
func (s *Supervisor) RequestCancel(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, pending := s.cancelTimers[chatID]; pending {
		return
	}
	s.cancelTimers[chatID] = time.AfterFunc(s.debounce, func() {
		s.fireCancel(chatID)
	})
}

func (s *Supervisor) fireCancel(chatID int64) {
	s.mu.Lock()
	delete(s.cancelTimers, chatID)

	now := s.clk.Now()
	if last, ok := s.lastCancel[chatID]; ok && now.Sub(last) < s.cooldown {
		s.mu.Unlock()
		return
	}
	entry := s.inflight[chatID]
	if entry != nil {
		s.lastCancel[chatID] = now
	}
	s.mu.Unlock()

	if entry != nil {
		slog.Debug("cancelling in-flight send", "chat_id", chatID)
		entry.cancel()
	}
}

// Shutdown stops accepting cancel requests and waits for detached jobs. When
// ctx expires first, all in-flight sends are hard-cancelled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.cancelTimers {
		t.Stop()
		delete(s.cancelTimers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-done
		return ctx.Err()
	}
}
