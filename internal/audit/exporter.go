package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/bus"
	"github.com/zmlAEQ/datachain/pkg/lifecycle"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// EventSource is the committed log the exporter backfills from when the bus
// dropped events.
type EventSource interface {
	Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error)
}

const backfillPage = 512

// Exporter drains the bus into the journal and the sinks. Ledger events are
// delivered in Seq order without gaps: a jump in Seq triggers a backfill
// from the source.
type Exporter struct {
	bus     *bus.Bus
	journal *Journal
	source  EventSource
	sinks   []Sink

	last   atomic.Uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ lifecycle.Service = (*Exporter)(nil)

func NewExporter(b *bus.Bus, j *Journal, src EventSource, sinks ...Sink) *Exporter {
	return &Exporter{bus: b, journal: j, source: src, sinks: sinks}
}

func (e *Exporter) Name() string { return "audit-exporter" }

// Start resumes after the journal's last Seq, catches up from the source and
// then follows the bus.
func (e *Exporter) Start(ctx context.Context) error {
	if e.journal != nil {
		last, err := e.journal.LastSeq()
		if err != nil { return err }
		e.last.Store(last)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.backfill(runCtx, 0)
	if e.bus == nil { return nil }
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sub := e.bus.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev := <-sub:
				e.handle(runCtx, ev)
			}
		}
	}()
	return nil
}

func (e *Exporter) Stop(ctx context.Context) error {
	if e.cancel != nil { e.cancel() }
	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the highest ledger Seq exported.
func (e *Exporter) Last() uint64 { return e.last.Load() }

func (e *Exporter) handle(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.KindLedger:
		le, ok := ev.Body.(domain.Event)
		if !ok { return }
		if le.Seq <= e.last.Load() { return }
		if le.Seq > e.last.Load()+1 {
			metrics.Inc("audit_gaps_total", nil)
			e.backfill(ctx, le.Seq-1)
		}
		if le.Seq != e.last.Load()+1 {
			// backfill could not close the gap; leave it for the next pass
			return
		}
		e.export(ctx, le, ev.TraceID)
	default:
		e.fanout(ctx, Envelope{Kind: ev.Kind, Seq: ev.Seq, TraceID: ev.TraceID, Body: ev.Body})
	}
}

// backfill reads committed events after e.last up to and including until
// (0 means everything available).
func (e *Exporter) backfill(ctx context.Context, until uint64) {
	if e.source == nil { return }
	for until == 0 || e.last.Load() < until {
		after := e.last.Load()
		evs, err := e.source.Events(ctx, after, backfillPage)
		if err != nil {
			metrics.Inc("audit_backfill_total", map[string]string{"result": "error"})
			logger.ErrorJ("audit_backfill", map[string]any{"result": "error", "after": after, "err": err.Error()})
			return
		}
		if len(evs) == 0 { return }
		for _, ev := range evs {
			if until != 0 && ev.Seq > until { return }
			if ev.Seq != e.last.Load()+1 { return }
			e.export(ctx, ev, "")
		}
		metrics.Add("audit_backfill_total", map[string]string{"result": "ok"}, float64(len(evs)))
	}
}

func (e *Exporter) export(ctx context.Context, ev domain.Event, traceID string) {
	if e.journal != nil {
		if err := e.journal.Append(ev); err != nil {
			logger.ErrorJ("audit_journal", map[string]any{"op": "append", "result": "error", "seq": ev.Seq, "err": err.Error()})
			return
		}
	}
	e.last.Store(ev.Seq)
	e.fanout(ctx, Envelope{Kind: bus.KindLedger, Seq: ev.Seq, TraceID: traceID, Body: ev})
}

func (e *Exporter) fanout(ctx context.Context, env Envelope) {
	for _, s := range e.sinks {
		if s != nil { s.Publish(ctx, env) }
	}
}
