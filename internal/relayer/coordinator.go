// Package relayer is the decryption coordinator: it authenticates a signed
// request, re-reads the requester's entitlement from the ledger, calls the
// scheme's decryption oracle under a bounded timeout and returns the
// plaintext sealed to the request's one-shot session key. It keeps no
// plaintext and no entitlement cache between requests.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/scheme"
	"github.com/zmlAEQ/datachain/pkg/bus"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

//go:generate mockgen -destination=mocks_test.go -package=relayer . EntitlementReader,DecryptionOracle

// EntitlementReader is the live read against the entitlement ledger.
// *ledger.Ledger and *api.Client implement it.
type EntitlementReader interface {
	CheckEntitlement(ctx context.Context, h domain.Handle, p domain.Principal) (bool, error)
}

// DecryptionOracle is the scheme's decryption service.
type DecryptionOracle interface {
	Decrypt(ctx context.Context, h domain.Handle, dc scheme.DecryptContext) (domain.Plaintext, error)
}

type Config struct {
	Program       domain.ProgramID
	OracleTimeout time.Duration
	MaxInFlight   int64
	// RatePerSecond and Burst bound each requester; zero disables.
	RatePerSecond float64
	Burst         int
	MaxRequesters int
	MaxTTL        time.Duration
	ClockSkew     time.Duration
}

func DefaultConfig() Config {
	return Config{
		OracleTimeout: 5 * time.Second,
		MaxInFlight:   64,
		RatePerSecond: 5,
		Burst:         10,
		MaxRequesters: 4096,
		MaxTTL:        10 * time.Minute,
		ClockSkew:     time.Minute,
	}
}

// DecryptAudit is published on the bus for every finished request. It
// never carries plaintext.
type DecryptAudit struct {
	RequestID string           `json:"request_id"`
	Handle    domain.Handle    `json:"handle"`
	Requester domain.Principal `json:"requester"`
	Result    string           `json:"result"`
	At        time.Time        `json:"at"`
}

type Coordinator struct {
	cfg      Config
	reader   EntitlementReader
	oracle   DecryptionOracle
	inflight *inflight
	limits   *requesterLimits
	bus      *bus.Bus
	now      func() time.Time
}

func New(cfg Config, r EntitlementReader, o DecryptionOracle) (*Coordinator, error) {
	if r == nil || o == nil { return nil, errors.New("relayer: reader and oracle are required") }
	d := DefaultConfig()
	if cfg.OracleTimeout <= 0 { cfg.OracleTimeout = d.OracleTimeout }
	if cfg.MaxTTL <= 0 { cfg.MaxTTL = d.MaxTTL }
	if cfg.ClockSkew <= 0 { cfg.ClockSkew = d.ClockSkew }
	lim, err := newRequesterLimits(cfg.MaxRequesters, cfg.RatePerSecond, cfg.Burst)
	if err != nil { return nil, err }
	return &Coordinator{cfg: cfg, reader: r, oracle: o, inflight: newInflight(cfg.MaxInFlight), limits: lim, now: time.Now}, nil
}

func (c *Coordinator) SetBus(b *bus.Bus) { c.bus = b }

// SetClock overrides the time source used for request validity checks.
func (c *Coordinator) SetClock(now func() time.Time) { if now != nil { c.now = now } }

// RequestDecryption returns the plaintext of req.Handle for req.Requester.
// The caller owns the result and should Wipe it once delivered.
func (c *Coordinator) RequestDecryption(ctx context.Context, req Request) (pt domain.Plaintext, err error) {
	start := time.Now()
	rid := uuid.NewString()
	defer func() {
		res := domain.Code(err)
		metrics.Inc("relayer_requests_total", map[string]string{"result": res})
		fields := map[string]any{"op": "decrypt", "result": res, "request_id": rid, "handle": req.Handle.String(),
			"requester": string(req.Requester), "latency_ms": time.Since(start).Milliseconds(), "trace_id": trace.ID(ctx)}
		if err != nil { fields["err"] = err.Error() }
		if domain.Kind(err) == domain.KindFatal || domain.Kind(err) == domain.KindInternal {
			logger.ErrorJ("relayer_request", fields)
		} else {
			logger.InfoJ("relayer_request", fields)
		}
		c.bus.Publish(ctx, bus.Event{Kind: bus.KindDecrypt, Body: DecryptAudit{RequestID: rid, Handle: req.Handle,
			Requester: req.Requester, Result: res, At: c.now().UTC()}, TraceID: trace.ID(ctx)})
	}()

	if err = req.Verify(c.cfg.Program, c.now(), c.cfg.MaxTTL, c.cfg.ClockSkew); err != nil { return nil, err }
	if !c.limits.allow(req.Requester) { return nil, domain.ErrRateLimited }

	ok, err := c.reader.CheckEntitlement(ctx, req.Handle, req.Requester)
	if err != nil {
		if domain.Kind(err) == domain.KindInternal { err = fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err) }
		return nil, err
	}
	if !ok { return nil, domain.ErrNotEntitled }

	if !c.inflight.tryAcquire() { return nil, fmt.Errorf("%w: relayer saturated", domain.ErrOracleUnavailable) }
	defer c.inflight.release()

	octx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout)
	defer cancel()
	ostart := time.Now()
	pt, err = c.oracle.Decrypt(octx, req.Handle, scheme.DecryptContext{Program: c.cfg.Program, Requester: req.Requester, RequestID: rid})
	metrics.ObserveSummary("relayer_oracle_ms", nil, float64(time.Since(ostart).Milliseconds()))
	if err != nil {
		pt.Wipe()
		return nil, mapOracleErr(err)
	}
	return pt, nil
}

// mapOracleErr folds scheme errors into the taxonomy. Anything that is not
// an integrity or unknown-handle answer (timeouts, transport errors,
// scheme.ErrUnavailable) is transient.
func mapOracleErr(err error) error {
	switch {
	case errors.Is(err, scheme.ErrIntegrity):
		return fmt.Errorf("%w: %v", domain.ErrOracleRejected, err)
	case errors.Is(err, scheme.ErrUnknownHandle):
		return fmt.Errorf("%w: %v", domain.ErrUnknownHandle, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
}

// Response is what the relayer returns over the wire: the plaintext only
// ever leaves sealed to the request's session key.
type Response struct {
	Handle domain.Handle `json:"handle"`
	Sealed Sealed        `json:"sealed"`
}

// Serve runs RequestDecryption and seals the result. The plaintext buffer
// is wiped before returning.
func (c *Coordinator) Serve(ctx context.Context, req Request) (Response, error) {
	pt, err := c.RequestDecryption(ctx, req)
	if err != nil { return Response{}, err }
	defer pt.Wipe()
	s, err := SealForSession(pt, req.SessionKey, req.Handle)
	if err != nil { return Response{}, fmt.Errorf("seal: %w", err) }
	return Response{Handle: req.Handle, Sealed: s}, nil
}
