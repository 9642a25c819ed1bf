package p2p

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"

	"github.com/zmlAEQ/datachain/internal/audit"
	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/p2p/wire"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// GossipSink exports audit envelopes to peers, signed with the node key.
type GossipSink struct {
	t   Transport
	key ed25519.PrivateKey
}

var _ audit.Sink = (*GossipSink)(nil)

func NewGossipSink(t Transport, key ed25519.PrivateKey) *GossipSink {
	return &GossipSink{t: t, key: key}
}

func (g *GossipSink) Publish(ctx context.Context, env audit.Envelope) {
	body, err := json.Marshal(env.Body)
	if err != nil {
		logger.ErrorJ("p2p_gossip", map[string]any{"result": "marshal_error", "err": err.Error()})
		return
	}
	w := wire.Envelope{Kind: string(env.Kind), Seq: env.Seq, TraceID: env.TraceID, Body: body}
	w.Seal(g.key)
	if err := g.t.Broadcast(ctx, w); err != nil {
		logger.ErrorJ("p2p_gossip", map[string]any{"result": "error", "kind": w.Kind, "seq": w.Seq, "err": err.Error()})
	}
}

// Mirror keeps a local journal of another node's ledger events received
// over gossip. Only envelopes signed by a trusted origin are accepted.
type Mirror struct {
	journal *audit.Journal
	trusted map[domain.Principal]bool

	mu   sync.Mutex
	last map[domain.Principal]uint64
}

// NewMirror accepts envelopes from the given origins into j.
func NewMirror(j *audit.Journal, trusted ...domain.Principal) *Mirror {
	m := &Mirror{journal: j, trusted: map[domain.Principal]bool{}, last: map[domain.Principal]uint64{}}
	for _, p := range trusted { m.trusted[p] = true }
	return m
}

var errUntrusted = errors.New("p2p: untrusted origin")

// Ingest is the transport's OnEnvelope handler.
func (m *Mirror) Ingest(env wire.Envelope) {
	res := "ok"
	err := m.ingest(env)
	if err != nil {
		switch {
		case errors.Is(err, errUntrusted):
			res = "untrusted"
		case errors.Is(err, wire.ErrBadSignature):
			res = "bad_signature"
		default:
			res = "error"
		}
		logger.WarnJ("p2p_mirror", map[string]any{"result": res, "node": string(env.Node), "kind": env.Kind, "seq": env.Seq, "err": err.Error()})
	}
	metrics.Inc("p2p_mirror_total", map[string]string{"kind": env.Kind, "result": res})
}

func (m *Mirror) ingest(env wire.Envelope) error {
	if !m.trusted[env.Node] { return errUntrusted }
	if err := env.Verify(); err != nil { return err }
	if env.Kind != wire.KindLedger {
		logger.InfoJ("p2p_decrypt_audit", map[string]any{"node": string(env.Node), "trace_id": env.TraceID, "body": string(env.Body)})
		return nil
	}
	ev, err := env.LedgerEvent()
	if err != nil { return err }
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.last[env.Node]; prev != 0 && ev.Seq > prev+1 {
		metrics.Inc("p2p_mirror_gaps_total", nil)
		logger.WarnJ("p2p_mirror", map[string]any{"result": "gap", "node": string(env.Node), "after": prev, "seq": ev.Seq})
	}
	if m.journal != nil {
		if err := m.journal.Append(ev); err != nil { return err }
	}
	if ev.Seq > m.last[env.Node] { m.last[env.Node] = ev.Seq }
	return nil
}
