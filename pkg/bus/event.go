package bus

import (
	"context"

	"github.com/zmlAEQ/datachain/pkg/metrics"
)

type Kind string

const (
	// KindLedger carries a committed ledger event (domain.Event) in Body.
	KindLedger Kind = "ledger"
	// KindDecrypt carries a relayer decryption outcome for audit export.
	KindDecrypt Kind = "decrypt"
)

type Event struct {
	Kind    Kind
	Seq     uint64
	Body    any
	TraceID string
}

type Subscriber chan Event

type Bus struct {
	pub chan Event
}

func New(size int) *Bus {
	if size <= 0 { size = 128 }
	return &Bus{pub: make(chan Event, size)}
}

// Publish never blocks the ledger; on backpressure the event is dropped and
// counted. Consumers that need every event resync from the store.
func (b *Bus) Publish(_ context.Context, ev Event) {
	if b == nil { return }
	select {
	case b.pub <- ev:
	default:
		metrics.Inc("bus_dropped_total", map[string]string{"kind": string(ev.Kind)})
	}
}

func (b *Bus) Subscribe() Subscriber { return b.pub }
