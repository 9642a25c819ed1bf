//go:build p2p

package p2p

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/zmlAEQ/datachain/internal/p2p/wire"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// BuildTransport constructs a libp2p+gossipsub transport when 'p2p' tag enabled.
func BuildTransport(cfg NetConfig) (Transport, error) {
	return &Libp2pTransport{cfg: cfg, topics: map[string]*pubsub.Topic{}}, nil
}

// Libp2pTransport implements Transport using libp2p + gossipsub, one topic
// per envelope kind.
type Libp2pTransport struct {
	cfg    NetConfig
	host   p2phost.Host
	ps     *pubsub.PubSub
	topics map[string]*pubsub.Topic
	subs   []*pubsub.Subscription

	mu    sync.RWMutex
	onEnv func(wire.Envelope)
}

func (t *Libp2pTransport) Start(ctx context.Context) error {
	if !t.cfg.Enable {
		return nil
	}
	opts := []libp2p.Option{}
	if len(t.cfg.Listen) > 0 {
		var addrs []ma.Multiaddr
		for _, s := range t.cfg.Listen {
			if strings.TrimSpace(s) == "" {
				continue
			}
			a, err := ma.NewMultiaddr(s)
			if err != nil {
				return err
			}
			addrs = append(addrs, a)
		}
		if len(addrs) > 0 {
			opts = append(opts, libp2p.ListenAddrs(addrs...))
		}
	}
	if t.cfg.NAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return err
	}
	t.host = h
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMaxMessageSize(wire.MaxMessageSize))
	if err != nil {
		return err
	}
	t.ps = ps
	for _, name := range []string{wire.TopicLedger, wire.TopicDecrypt} {
		tp, err := ps.Join(name)
		if err != nil {
			return err
		}
		sub, err := tp.Subscribe()
		if err != nil {
			return err
		}
		t.topics[name] = tp
		t.subs = append(t.subs, sub)
		go t.loop(ctx, name, sub)
	}

	// connect bootnodes (best effort)
	for _, b := range t.cfg.Bootnodes {
		if strings.TrimSpace(b) == "" {
			continue
		}
		if err := connectOnce(ctx, h, b); err != nil {
			logger.WarnJ("p2p_bootnode", map[string]any{"addr": b, "result": "error", "err": err.Error()})
		}
	}

	// Log self peer id and listen addrs for operators to copy into bootnodes.
	for _, a := range h.Addrs() {
		logger.InfoJ("p2p_addr", map[string]any{"self_id": h.ID().String(), "addr": a.String()})
	}
	logger.InfoJ("p2p_start", map[string]any{"result": "ok"})
	return nil
}

func (t *Libp2pTransport) Stop(ctx context.Context) error {
	for _, s := range t.subs {
		s.Cancel()
	}
	for _, tp := range t.topics {
		_ = tp.Close()
	}
	if t.host != nil {
		return t.host.Close()
	}
	return nil
}

func (t *Libp2pTransport) Broadcast(ctx context.Context, env wire.Envelope) error {
	topic, err := wire.TopicFor(env.Kind)
	if err != nil {
		return err
	}
	tp := t.topics[topic]
	if tp == nil {
		return errors.New("p2p not started")
	}
	b, err := env.Encode()
	if err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topic, "direction": "tx", "result": "encode_error"})
		return err
	}
	if err := tp.Publish(ctx, b); err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topic, "direction": "tx", "result": "error"})
		return err
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topic, "direction": "tx", "result": "ok"})
	metrics.Add(MetricP2PBytesTotal, map[string]string{"topic": topic, "direction": "tx"}, float64(len(b)))
	return nil
}

func (t *Libp2pTransport) OnEnvelope(fn func(wire.Envelope)) {
	t.mu.Lock()
	t.onEnv = fn
	t.mu.Unlock()
}

func (t *Libp2pTransport) loop(ctx context.Context, topic string, sub *pubsub.Subscription) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == t.host.ID() {
			continue
		}
		env, err := wire.Decode(m.Data)
		if err != nil {
			metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topic, "direction": "rx", "result": "decode_error"})
			continue
		}
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topic, "direction": "rx", "result": "ok"})
		metrics.Add(MetricP2PBytesTotal, map[string]string{"topic": topic, "direction": "rx"}, float64(len(m.Data)))
		t.mu.RLock()
		fn := t.onEnv
		t.mu.RUnlock()
		if fn != nil {
			fn(env)
		}
	}
}

func connectOnce(ctx context.Context, h p2phost.Host, addr string) error {
	maAddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maAddr)
	if err != nil {
		return err
	}
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return h.Connect(ctx2, *info)
}
