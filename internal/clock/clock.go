// Package clock provides UTC time access and jittered scheduling helpers.
// All persisted timestamps in the system are produced through a Clock so
// tests can substitute a fake.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts wall time and jitter sampling.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// JitterSeconds returns a uniform random integer in [lo, hi].
	// Inverted ranges are swapped.
	JitterSeconds(lo, hi int) int
}

// FutureWithJitter returns base plus a uniform random number of seconds in
// [lo, hi] sampled from c.
func FutureWithJitter(c Clock, lo, hi int, base time.Time) time.Time {
	if base.IsZero() {
		base = c.Now()
	}
	return base.Add(time.Duration(c.JitterSeconds(lo, hi)) * time.Second)
}

// System is the production Clock backed by time.Now and math/rand.
type System struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSystem returns a Clock seeded from the current time.
func NewSystem() *System {
	return &System{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *System) Now() time.Time {
	return time.Now().UTC()
}

func (s *System) JitterSeconds(lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rng.Intn(hi-lo+1)
}

// Float64 returns a uniform sample in [0,1). Used for probabilistic gates.
func (s *System) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Rand is the probabilistic-gate extension of Clock. Components that roll
// probabilities (rare-long delays, humanizer quoting) ask for it explicitly.
type Rand interface {
	Clock
	Float64() float64
}

// Fake is a deterministic Clock for tests. Jitter always returns the low
// bound unless JitterFn is set; Float64 returns FloatVal.
type Fake struct {
	Time     time.Time
	JitterFn func(lo, hi int) int
	FloatVal float64
}

func (f *Fake) Now() time.Time {
	return f.Time.UTC()
}

func (f *Fake) JitterSeconds(lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	if f.JitterFn != nil {
		return f.JitterFn(lo, hi)
	}
	return lo
}

func (f *Fake) Float64() float64 {
	return f.FloatVal
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.Time = f.Time.Add(d)
}
