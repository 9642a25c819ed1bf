package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

// PayoutWebhook transfers claimed funds by POSTing a payout order to an
// external payment service. Unlike the event sink it is not best-effort: any
// non-2xx answer fails the transfer and the claim is reverted.
type PayoutWebhook struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// payoutOrder is the webhook body. ClaimSeq is the Seq of the Claimed event
// and identifies the order across retries; it is also sent as the
// Idempotency-Key header.
type payoutOrder struct {
	To       domain.Principal `json:"to"`
	Amount   uint64           `json:"amount"`
	ClaimSeq uint64           `json:"claim_seq,omitempty"`
	TraceID  string           `json:"trace_id,omitempty"`
}

func (w PayoutWebhook) Transfer(ctx context.Context, to domain.Principal, amount uint64) error {
	order := payoutOrder{To: to, Amount: amount, TraceID: trace.ID(ctx)}
	order.ClaimSeq, _ = ClaimSeq(ctx)
	payload, err := json.Marshal(order)
	if err != nil { return err }
	ctx, cancel := context.WithTimeout(ctx, w.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil { return err }
	req.Header.Set("Content-Type", "application/json")
	if order.ClaimSeq > 0 { req.Header.Set("Idempotency-Key", "claim-"+strconv.FormatUint(order.ClaimSeq, 10)) }
	if id := trace.ID(ctx); id != "" { req.Header.Set(trace.Header, id) }
	client := w.Client
	if client == nil { client = http.DefaultClient }
	resp, err := client.Do(req)
	if err != nil {
		metrics.Inc("escrow_payouts_total", map[string]string{"result": "post_error"})
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Inc("escrow_payouts_total", map[string]string{"result": "remote_error"})
		return fmt.Errorf("payout rejected: status %d", resp.StatusCode)
	}
	metrics.Inc("escrow_payouts_total", map[string]string{"result": "ok"})
	logger.InfoJ("escrow_payout", map[string]any{"result": "ok", "to": string(to), "amount": amount, "code": resp.StatusCode})
	return nil
}

func (w PayoutWebhook) timeout() time.Duration {
	if w.Timeout > 0 { return w.Timeout }
	return 5 * time.Second
}

// LogTransferer records payouts in the log only, for deployments where the
// claim event itself is the settlement instruction.
type LogTransferer struct{}

func (LogTransferer) Transfer(ctx context.Context, to domain.Principal, amount uint64) error {
	metrics.Inc("escrow_payouts_total", map[string]string{"result": "logged"})
	logger.InfoJ("escrow_payout", map[string]any{"result": "logged", "to": string(to), "amount": amount, "trace_id": trace.ID(ctx)})
	return nil
}
