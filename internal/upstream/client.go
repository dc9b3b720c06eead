// Package upstream calls the LLM workflow webhook and normalises its
// responses into a stable {reply, meta} shape.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
)

const maxErrorBody = 2048

// ServerError is a 5xx from the workflow. Retryable.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upstream: server error %d: %s", e.Status, e.Body)
}

// ClientError is a 4xx from the workflow. Not retryable.
type ClientError struct {
	Status int
	Body   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("upstream: client error %d: %s", e.Status, e.Body)
}

// OtherError covers network failures, empty bodies and malformed responses.
// Treated as retryable like ServerError, but recorded under its own event
// kind.
type OtherError struct {
	Reason string
	Err    error
}

func (e *OtherError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream: %s: %v", e.Reason, e.Err)
	}
	return "upstream: " + e.Reason
}

func (e *OtherError) Unwrap() error { return e.Err }

// Retryable reports whether the turn should go back to the queue.
func Retryable(err error) bool {
	var ce *ClientError
	return err != nil && !errors.As(err, &ce)
}

// EventKindFor maps a workflow call failure to its audit event kind.
func EventKindFor(err error) string {
	var se *ServerError
	var ce *ClientError
	switch {
	case errors.As(err, &se):
		return store.EventUpstream5xx
	case errors.As(err, &ce):
		return store.EventUpstream4xx
	default:
		return store.EventUpstreamOther
	}
}

// Client POSTs intent requests to a single workflow URL.
type Client struct {
	url      string
	referrer string
	client   *http.Client
	metrics  *metrics.Metrics
}

// New builds a client. The referrer is attached as a Referer header only when
// it is a plain-ASCII URL with a scheme; anything else is dropped so the
// request never fails on header validation.
func New(workflowURL, referrer string, timeoutSeconds int, m *metrics.Metrics) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	if !validReferrer(referrer) {
		referrer = ""
	}
	return &Client{
		url:      workflowURL,
		referrer: referrer,
		client:   &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		metrics:  m,
	}
}

// Call runs one request. Request latency is observed per intent whether the
// call succeeds or not.
func (c *Client) Call(ctx context.Context, req *Request) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		c.metrics.UpstreamRequestSeconds.WithLabelValues(req.Intent).Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.UpstreamErrors.WithLabelValues(req.Intent).Inc()
		}
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, &OtherError{Reason: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(data))
	if err != nil {
		return nil, &OtherError{Reason: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.TraceID != "" && isASCII(req.TraceID) {
		httpReq.Header.Set("X-Trace-Id", req.TraceID)
	}
	if c.referrer != "" {
		httpReq.Header.Set("Referer", c.referrer)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &OtherError{Reason: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &OtherError{Reason: "read body", Err: err}
	}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, &ServerError{Status: httpResp.StatusCode, Body: truncate(body)}
	case httpResp.StatusCode >= 400:
		return nil, &ClientError{Status: httpResp.StatusCode, Body: truncate(body)}
	}

	out, err := parseResponse(body)
	if err != nil {
		return nil, err
	}
	slog.Debug("upstream call done",
		"intent", req.Intent,
		"chat_id", req.Chat.ChatID,
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// parseResponse decodes and normalises the workflow body. Accepted shapes:
// a bare object, an object wrapped under "json" or "data", or a one-element
// list of either (the workflow engine wraps items as [{json: {...}}]).
func parseResponse(body []byte) (*Response, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &OtherError{Reason: "empty body"}
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &OtherError{Reason: "malformed json", Err: err}
	}

	obj, err := normalise(raw)
	if err != nil {
		return nil, err
	}

	reply, _ := obj["reply"].(string)
	if strings.TrimSpace(reply) == "" {
		return nil, &OtherError{Reason: "response has no reply"}
	}
	meta, _ := obj["meta"].(map[string]any)
	return &Response{Reply: reply, Meta: NewMeta(meta)}, nil
}

func normalise(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case []any:
		if len(v) == 0 {
			return nil, &OtherError{Reason: "empty response list"}
		}
		first, ok := v[0].(map[string]any)
		if !ok {
			return nil, &OtherError{Reason: "response list item is not an object"}
		}
		if inner, ok := first["json"].(map[string]any); ok {
			return inner, nil
		}
		return first, nil
	case map[string]any:
		if inner, ok := v["json"].(map[string]any); ok {
			return inner, nil
		}
		if inner, ok := v["data"].(map[string]any); ok {
			return inner, nil
		}
		return v, nil
	}
	return nil, &OtherError{Reason: "response is not an object"}
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func validReferrer(ref string) bool {
	if ref == "" || !isASCII(ref) {
		return false
	}
	u, err := url.Parse(ref)
	return err == nil && u.Scheme != ""
}
