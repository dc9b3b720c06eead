package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/telemetry"
)

func TestTraceMiddlewareEchoesHeader(t *testing.T) {
	var seen string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = telemetry.TraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "trace-abc" {
		t.Errorf("context trace id = %q, want %q", seen, "trace-abc")
	}
	if got := rec.Header().Get("X-Trace-Id"); got != "trace-abc" {
		t.Errorf("response header = %q, want %q", got, "trace-abc")
	}
}

func TestTraceMiddlewareMintsID(t *testing.T) {
	var seen string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = telemetry.TraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("middleware must mint a trace id when the header is absent")
	}
	if got := rec.Header().Get("X-Trace-Id"); got != seen {
		t.Errorf("response header = %q, want the minted id %q", got, seen)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	clk := &clock.Fake{Time: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRateLimiter(clk)

	for i := 0; i < rateLimitMaxHits; i++ {
		if !r.Allow("10.0.0.1") {
			t.Fatalf("hit %d rejected inside the window", i+1)
		}
	}
	if r.Allow("10.0.0.1") {
		t.Error("hit above the cap must be rejected")
	}

	clk.Advance(rateLimitWindow + time.Second)
	if !r.Allow("10.0.0.1") {
		t.Error("a new window must admit the key again")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	clk := &clock.Fake{Time: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRateLimiter(clk)

	for i := 0; i < rateLimitMaxHits; i++ {
		r.Allow("10.0.0.1")
	}
	if r.Allow("10.0.0.1") {
		t.Fatal("first key should be exhausted")
	}
	if !r.Allow("10.0.0.2") {
		t.Error("second key must not share the first key's window")
	}
}
