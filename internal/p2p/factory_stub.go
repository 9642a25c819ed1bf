//go:build !p2p

package p2p

import "github.com/zmlAEQ/datachain/pkg/logger"

// BuildTransport returns a NoopTransport when built without the 'p2p' tag.
func BuildTransport(_ NetConfig) (Transport, error) {
	logger.WarnJ("p2p_transport", map[string]any{"result": "noop", "reason": "built without p2p tag"})
	return &NoopTransport{}, nil
}
