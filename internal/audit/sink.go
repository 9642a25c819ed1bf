package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zmlAEQ/datachain/pkg/bus"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// Envelope is what leaves the node for external consumers.
type Envelope struct {
	Kind    bus.Kind `json:"kind"`
	Seq     uint64   `json:"seq,omitempty"`
	TraceID string   `json:"trace_id,omitempty"`
	Body    any      `json:"body"`
}

// Sink is a non-blocking export hook. Implementations must return quickly;
// errors should be internalized.
type Sink interface {
	Publish(ctx context.Context, env Envelope)
}

// WebhookSink posts each envelope to a configured endpoint; best-effort.
type WebhookSink struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (w WebhookSink) Publish(ctx context.Context, env Envelope) {
	if w.URL == "" {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		w.fail("marshal_error", map[string]any{"err": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		w.fail("request_error", map[string]any{"err": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil { client = http.DefaultClient }
	resp, err := client.Do(req)
	if err != nil {
		w.fail("post_error", map[string]any{"err": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		w.fail("remote_error", map[string]any{"code": resp.StatusCode})
		return
	}
	metrics.Inc("audit_webhook_total", map[string]string{"result": "ok"})
	logger.InfoJ("audit_webhook", map[string]any{"result": "ok", "code": resp.StatusCode, "kind": string(env.Kind), "seq": env.Seq})
}

func (w WebhookSink) fail(result string, fields map[string]any) {
	fields["result"] = result
	metrics.Inc("audit_webhook_total", map[string]string{"result": result})
	logger.ErrorJ("audit_webhook", fields)
}

func (w WebhookSink) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return 500 * time.Millisecond
}
