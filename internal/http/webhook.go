// Package http holds the engine's HTTP handlers: Bot API webhook ingress,
// the upload/file store surface and the middleware they share. The server
// that mounts them lives in internal/gateway.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/mymmrac/telego"
)

// UpdateSink consumes decoded Bot API updates; satisfied by the telegram
// bot adapter in both polling and webhook mode.
type UpdateSink interface {
	HandleUpdate(ctx context.Context, update telego.Update)
}

// WebhookHandler ingests updates Telegram pushes to the public URL.
type WebhookHandler struct {
	secret  string
	sink    UpdateSink
	limiter *RateLimiter
}

func NewWebhookHandler(secret string, sink UpdateSink, limiter *RateLimiter) *WebhookHandler {
	return &WebhookHandler{secret: secret, sink: sink, limiter: limiter}
}

// RegisterRoutes registers the webhook route on the given mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tg/webhook", h.handleWebhook)
}

func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(remoteKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}
	if r.URL.Query().Get("secret") != h.secret {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid secret"})
		return
	}

	var update telego.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	// Telegram expects a fast 200 and retries on timeout; per-message dedup
	// keys make acknowledging before the turn finishes safe.
	go h.sink.HandleUpdate(context.WithoutCancel(r.Context()), update)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// remoteKey is the rate-limit key for one caller: the remote IP without the
// ephemeral port.
func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
