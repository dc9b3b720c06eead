package clock

import (
	"testing"
	"time"
)

func TestJitterSecondsWithinBounds(t *testing.T) {
	c := NewSystem()
	for i := 0; i < 1000; i++ {
		got := c.JitterSeconds(5, 10)
		if got < 5 || got > 10 {
			t.Fatalf("JitterSeconds(5, 10) = %d, want within [5,10]", got)
		}
	}
}

func TestJitterSecondsSwapsInvertedRange(t *testing.T) {
	c := NewSystem()
	for i := 0; i < 1000; i++ {
		got := c.JitterSeconds(10, 5)
		if got < 5 || got > 10 {
			t.Fatalf("JitterSeconds(10, 5) = %d, want within [5,10]", got)
		}
	}
}

func TestJitterSecondsDegenerateRange(t *testing.T) {
	c := NewSystem()
	if got := c.JitterSeconds(7, 7); got != 7 {
		t.Errorf("JitterSeconds(7, 7) = %d, want 7", got)
	}
}

func TestFutureWithJitter(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := &Fake{Time: base}

	got := FutureWithJitter(fake, 3600, 7200, base)
	if got != base.Add(3600*time.Second) {
		t.Errorf("FutureWithJitter low bound = %v, want %v", got, base.Add(3600*time.Second))
	}

	fake.JitterFn = func(lo, hi int) int { return hi }
	got = FutureWithJitter(fake, 3600, 7200, base)
	if got != base.Add(7200*time.Second) {
		t.Errorf("FutureWithJitter high bound = %v, want %v", got, base.Add(7200*time.Second))
	}
}

func TestFutureWithJitterZeroBaseUsesNow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := &Fake{Time: now}

	got := FutureWithJitter(fake, 60, 60, time.Time{})
	if got != now.Add(60*time.Second) {
		t.Errorf("FutureWithJitter zero base = %v, want %v", got, now.Add(60*time.Second))
	}
}
