package p2p

import (
	"context"

	"github.com/zmlAEQ/datachain/internal/p2p/wire"
	"github.com/zmlAEQ/datachain/pkg/logger"
)

// Transport is the gossip surface the node uses. Implementations
// (libp2p+gossipsub) live behind the p2p build tag.
type Transport interface {
	// Start brings up the network stack and subscriptions.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the network stack and subscriptions.
	Stop(ctx context.Context) error
	// Broadcast publishes env on the topic for its kind.
	Broadcast(ctx context.Context, env wire.Envelope) error
	// OnEnvelope registers a handler invoked for each inbound envelope.
	OnEnvelope(fn func(wire.Envelope))
}

// NoopTransport is used when P2P is disabled. It performs no network I/O.
type NoopTransport struct {
	onEnv func(wire.Envelope)
}

func (n *NoopTransport) Start(_ context.Context) error                   { return nil }
func (n *NoopTransport) Stop(_ context.Context) error                    { return nil }
func (n *NoopTransport) Broadcast(_ context.Context, _ wire.Envelope) error { return nil }
func (n *NoopTransport) OnEnvelope(fn func(wire.Envelope))                { n.onEnv = fn }

// NewTransport returns the gossip transport for cfg, or a NoopTransport when
// gossip is disabled. The transport is not started; run it under a NetService.
func NewTransport(cfg NetConfig) (Transport, error) {
	if !cfg.Enable { return &NoopTransport{}, nil }
	t, err := BuildTransport(cfg)
	if err != nil {
		logger.ErrorJ("p2p_transport", map[string]any{"result": "error", "err": err.Error()})
		return nil, err
	}
	return t, nil
}
