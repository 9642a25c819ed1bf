// Package ledger is the marketplace state machine: the encrypted record
// store, the entitlement ledger, the settlement engine and the earnings
// escrow. Every mutating operation takes the locks of the entities it
// touches, validates, commits one state.Batch to the Store and only then
// applies the batch to memory. Readers take a short read lock on the maps
// and never wait on an entity lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/state"
	"github.com/zmlAEQ/datachain/pkg/bus"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

// Admitter checks that a proof binds handle to (program, submitter).
// *proof.Verifier satisfies it.
type Admitter interface {
	Verify(h domain.Handle, proof []byte, submitter domain.Principal) error
}

// Config wires the ledger's collaborators. Store and Admitter are required.
type Config struct {
	Store      state.Store
	Admitter   Admitter
	Transferer Transferer
	Bus        *bus.Bus
	Now        func() time.Time
}

type slot struct {
	owner domain.Principal
	cat   domain.Category
}

type Ledger struct {
	store    state.Store
	admitter Admitter
	transfer Transferer
	bus      *bus.Bus
	now      func() time.Time

	locks *lockSet

	// commitMu orders sequence allocation, store commits and event
	// publication so Seq is gap-free in commit order.
	commitMu sync.Mutex

	mu          sync.RWMutex
	seq         uint64
	nextListing domain.ListingID
	listings    map[domain.ListingID]domain.Listing
	byHandle    map[domain.Handle]domain.ListingID
	active      map[slot]domain.ListingID
	ents        map[domain.Handle]map[domain.Principal]domain.Entitlement
	byGrantee   map[domain.Principal][]domain.Handle
	balances    map[domain.Principal]uint64
	purchases   int
	nonces      map[string]struct{}
}

// Open restores the ledger from cfg.Store.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Store == nil { return nil, errors.New("ledger: nil store") }
	if cfg.Admitter == nil { return nil, errors.New("ledger: nil admitter") }
	if cfg.Now == nil { cfg.Now = time.Now }
	if cfg.Transferer == nil { cfg.Transferer = TransferFunc(func(context.Context, domain.Principal, uint64) error { return nil }) }
	snap, err := cfg.Store.Load(ctx)
	if err != nil { return nil, fmt.Errorf("load state: %w", err) }
	l := &Ledger{
		store:     cfg.Store,
		admitter:  cfg.Admitter,
		transfer:  cfg.Transferer,
		bus:       cfg.Bus,
		now:       cfg.Now,
		locks:     newLockSet(),
		listings:  map[domain.ListingID]domain.Listing{},
		byHandle:  map[domain.Handle]domain.ListingID{},
		active:    map[slot]domain.ListingID{},
		ents:      map[domain.Handle]map[domain.Principal]domain.Entitlement{},
		byGrantee: map[domain.Principal][]domain.Handle{},
		balances:  map[domain.Principal]uint64{},
		nonces:    map[string]struct{}{},
	}
	l.seq = snap.Seq
	l.nextListing = snap.NextListing
	if l.nextListing == 0 { l.nextListing = 1 }
	l.apply(state.Batch{
		Listings:     snap.Listings,
		Entitlements: snap.Entitlements,
		Balances:     snap.Balances,
		Purchases:    snap.Purchases,
	})
	metrics.SetGauge("ledger_seq", nil, int64(l.seq))
	logger.InfoJ("ledger_open", map[string]any{"result": "ok", "seq": l.seq, "listings": len(l.listings), "entitlements": len(snap.Entitlements)})
	return l, nil
}

// SetTransferer swaps the claim payout capability.
func (l *Ledger) SetTransferer(t Transferer) { if t != nil { l.transfer = t } }

// SetBus attaches an event bus; committed events are published in Seq order.
func (l *Ledger) SetBus(b *bus.Bus) { l.bus = b }

// Seq returns the sequence number of the last committed event.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock(); defer l.mu.RUnlock()
	return l.seq
}

// Close closes the underlying store.
func (l *Ledger) Close() error { return l.store.Close() }

func listingKey(id domain.ListingID) string { return "listing:" + strconv.FormatUint(uint64(id), 10) }
func handleKey(h domain.Handle) string     { return "handle:" + h.String() }
func sellerKey(p domain.Principal) string  { return "seller:" + string(p) }
func slotKey(s slot) string                { return "slot:" + string(s.owner) + "/" + string(s.cat) }

// txn accumulates the writes of one operation. Sequence numbers and listing
// ids are only allocated inside commit, in commit order.
type txn struct {
	at          time.Time
	seq         uint64
	nextListing domain.ListingID
	b           state.Batch
}

func (t *txn) event(ev domain.Event) uint64 {
	t.seq++
	ev.Seq = t.seq
	ev.At = t.at
	t.b.Events = append(t.b.Events, ev)
	return t.seq
}

func (t *txn) newListingID() domain.ListingID {
	id := t.nextListing
	t.nextListing++
	return id
}

func (t *txn) balance(p domain.Principal, v uint64) {
	if t.b.Balances == nil { t.b.Balances = map[domain.Principal]uint64{} }
	t.b.Balances[p] = v
}

// commit runs build against a fresh txn, persists the result and applies it.
// The caller must already hold the entity locks that make build's reads
// stable.
func (l *Ledger) commit(ctx context.Context, build func(t *txn) error) (*txn, error) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	l.mu.RLock()
	t := &txn{at: l.now().UTC(), seq: l.seq, nextListing: l.nextListing}
	l.mu.RUnlock()
	if err := build(t); err != nil { return nil, err }
	t.b.Seq = t.seq
	t.b.NextListing = t.nextListing
	if t.b.Empty() { return t, nil }
	if err := l.store.Commit(ctx, t.b); err != nil {
		metrics.Inc("ledger_commit_errors_total", nil)
		logger.ErrorJ("ledger_commit", map[string]any{"result": "error", "err": err.Error(), "trace_id": trace.ID(ctx)})
		return nil, fmt.Errorf("commit: %w", err)
	}
	l.mu.Lock()
	l.seq = t.seq
	l.nextListing = t.nextListing
	l.apply(t.b)
	l.mu.Unlock()
	metrics.SetGauge("ledger_seq", nil, int64(t.seq))
	for _, ev := range t.b.Events {
		l.bus.Publish(ctx, bus.Event{Kind: bus.KindLedger, Seq: ev.Seq, Body: ev, TraceID: trace.ID(ctx)})
	}
	return t, nil
}

// apply mutates memory from a committed batch. Caller holds l.mu (or owns l
// exclusively during Open).
func (l *Ledger) apply(b state.Batch) {
	for _, lst := range b.Listings {
		l.listings[lst.ID] = lst
		l.byHandle[lst.Handle] = lst.ID
		s := slot{lst.Owner, lst.Category}
		if !lst.Superseded {
			l.active[s] = lst.ID
		} else if l.active[s] == lst.ID {
			delete(l.active, s)
		}
	}
	for _, e := range b.Entitlements {
		m := l.ents[e.Handle]
		if m == nil {
			m = map[domain.Principal]domain.Entitlement{}
			l.ents[e.Handle] = m
		}
		if _, ok := m[e.Grantee]; ok { continue }
		m[e.Grantee] = e
		l.byGrantee[e.Grantee] = append(l.byGrantee[e.Grantee], e.Handle)
	}
	for p, v := range b.Balances {
		if v == 0 { delete(l.balances, p); continue }
		l.balances[p] = v
	}
	l.purchases += len(b.Purchases)
	for _, r := range b.Purchases {
		if r.Nonce != "" { l.nonces[nonceKey(r.Buyer, r.Nonce)] = struct{}{} }
	}
}

// observe records the outcome of one operation in metrics and logs.
func observe(ctx context.Context, op string, start time.Time, err error, fields map[string]any) {
	res := domain.Code(err)
	metrics.Inc("ledger_ops_total", map[string]string{"op": op, "result": res})
	ms := time.Since(start).Milliseconds()
	metrics.ObserveSummary("ledger_op_ms", map[string]string{"op": op}, float64(ms))
	if fields == nil { fields = map[string]any{} }
	fields["op"] = op
	fields["result"] = res
	fields["latency_ms"] = ms
	fields["trace_id"] = trace.ID(ctx)
	switch domain.Kind(err) {
	case domain.KindNone:
		logger.InfoJ("ledger_op", fields)
	case domain.KindRejection:
		fields["err"] = err.Error()
		logger.InfoJ("ledger_op", fields)
	default:
		fields["err"] = err.Error()
		logger.ErrorJ("ledger_op", fields)
	}
}

// Events returns committed events with Seq > after.
func (l *Ledger) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	return l.store.Events(ctx, after, limit)
}

// Stats is a point-in-time summary for health and dashboards.
type Stats struct {
	Seq          uint64 `json:"seq"`
	Listings     int    `json:"listings"`
	Active       int    `json:"active"`
	Entitlements int    `json:"entitlements"`
	Purchases    int    `json:"purchases"`
	Escrowed     uint64 `json:"escrowed"`
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock(); defer l.mu.RUnlock()
	s := Stats{Seq: l.seq, Listings: len(l.listings), Active: len(l.active), Purchases: l.purchases}
	for _, m := range l.ents { s.Entitlements += len(m) }
	for _, v := range l.balances { s.Escrowed += v }
	return s
}

// Balances returns every non-zero escrow balance.
func (l *Ledger) Balances() map[domain.Principal]uint64 {
	l.mu.RLock(); defer l.mu.RUnlock()
	out := make(map[domain.Principal]uint64, len(l.balances))
	for k, v := range l.balances { out[k] = v }
	return out
}

// AllEntitlements returns every explicit grant ordered by Seq.
func (l *Ledger) AllEntitlements() []domain.Entitlement {
	l.mu.RLock(); defer l.mu.RUnlock()
	var out []domain.Entitlement
	for _, m := range l.ents {
		for _, e := range m { out = append(out, e) }
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq { return out[i].Seq < out[j].Seq }
		return out[i].Grantee < out[j].Grantee
	})
	return out
}
