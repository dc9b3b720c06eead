package http

import (
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/telemetry"
)

// TraceMiddleware takes X-Trace-Id from the request or mints one, stores it
// on the context for logs and upstream calls, and echoes it back.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = telemetry.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(telemetry.WithTraceID(r.Context(), traceID)))
	})
}

// SpanMiddleware opens a server span per request. With tracing disabled the
// tracer is a noop and this costs nothing.
func SpanMiddleware(tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const (
	// maxTrackedKeys caps the limiter map so rotating source addresses
	// cannot grow it without bound.
	maxTrackedKeys = 4096

	rateLimitWindow  = 60 * time.Second
	rateLimitMaxHits = 30
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter bounds webhook ingress per remote key within a fixed window.
// Safe for concurrent use.
type RateLimiter struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

func NewRateLimiter(clk clock.Clock) *RateLimiter {
	return &RateLimiter{clk: clk, entries: make(map[string]*rateLimitEntry)}
}

// Allow reports whether the key is within limits, counting this hit. Stale
// entries are pruned when the map approaches its cap.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	return e.count <= rateLimitMaxHits
}
