package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/files"
	httpapi "github.com/nextlevelbuilder/cadence/internal/http"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
)

type sinkStub struct {
	got chan telego.Update
}

func newSinkStub() *sinkStub {
	return &sinkStub{got: make(chan telego.Update, 8)}
}

func (s *sinkStub) HandleUpdate(ctx context.Context, update telego.Update) {
	s.got <- update
}

func testServer(t *testing.T, sink httpapi.UpdateSink) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Telegram.WebhookSecret = "s3cret"
	uploads, err := files.NewStore(t.TempDir(), "http://localhost:8080")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	clk := &clock.Fake{Time: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewServer(cfg, uploads, metrics.New(), sink, clk, nil)
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestMuxServesHealth(t *testing.T) {
	mux := testServer(t, nil).BuildMux()

	rec := do(mux, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "ok" {
		t.Errorf("body = %q, want %q", got, "ok")
	}
}

func TestMuxServesMetrics(t *testing.T) {
	mux := testServer(t, nil).BuildMux()

	rec := do(mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "messages_received_total") {
		t.Error("exposition is missing the engine's collectors")
	}
}

func TestMuxMountsFileRoutes(t *testing.T) {
	mux := testServer(t, nil).BuildMux()

	if rec := do(mux, http.MethodGet, "/files/absent.jpg", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET missing file: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	// A bad request (not 404) proves the upload route is mounted.
	if rec := do(mux, http.MethodPost, "/upload", "not multipart"); rec.Code != http.StatusBadRequest {
		t.Errorf("POST /upload: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMuxWebhookRequiresSink(t *testing.T) {
	mux := testServer(t, nil).BuildMux()

	rec := do(mux, http.MethodPost, "/tg/webhook?secret=s3cret", "{}")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d (no sink, no webhook route)", rec.Code, http.StatusNotFound)
	}
}

func TestMuxWebhookDeliversToSink(t *testing.T) {
	sink := newSinkStub()
	mux := testServer(t, sink).BuildMux()

	payload := `{"update_id":3,"message":{"message_id":1,"chat":{"id":42,"type":"private"},"text":"hi"}}`
	rec := do(mux, http.MethodPost, "/tg/webhook?secret=s3cret", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	select {
	case upd := <-sink.got:
		if upd.UpdateID != 3 {
			t.Errorf("UpdateID = %d, want 3", upd.UpdateID)
		}
	case <-time.After(time.Second):
		t.Fatal("update never reached the sink")
	}
}

func TestBuildMuxIsCached(t *testing.T) {
	srv := testServer(t, nil)
	if srv.BuildMux() != srv.BuildMux() {
		t.Error("BuildMux rebuilt the mux on the second call")
	}
}
