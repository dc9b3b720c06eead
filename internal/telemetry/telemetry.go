// Package telemetry carries per-request trace ids and the optional OTLP
// trace exporter. Trace ids travel on the context so the HTTP layer, the
// transports and the upstream client agree on one id per turn without
// depending on each other.
package telemetry

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// WithTraceID returns ctx carrying the trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceID returns the trace id carried by ctx, or empty.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// NewTraceID returns a fresh 32-rune hex id.
func NewTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Ensure returns the ctx trace id, minting and attaching one when missing.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := TraceID(ctx); id != "" {
		return ctx, id
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}
