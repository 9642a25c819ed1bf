package state

import (
	"context"
	"sort"
	"sync"

	"github.com/zmlAEQ/datachain/internal/domain"
)

// MemoryStore keeps everything in process memory. FailWith installs a hook
// that can veto commits, which tests use to simulate storage faults.
type MemoryStore struct {
	mu     sync.Mutex
	closed bool
	snap   Snapshot
	list   map[domain.ListingID]domain.Listing
	ents   map[string]domain.Entitlement
	events []domain.Event
	hook   func(Batch) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snap: Snapshot{NextListing: 1, Balances: map[domain.Principal]uint64{}},
		list: map[domain.ListingID]domain.Listing{},
		ents: map[string]domain.Entitlement{},
	}
}

// FailWith sets a commit hook; a non-nil return aborts the commit. Pass nil
// to clear it.
func (m *MemoryStore) FailWith(hook func(Batch) error) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.hook = hook
}

func (m *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if m.closed { return Snapshot{}, ErrClosed }
	out := Snapshot{Seq: m.snap.Seq, NextListing: m.snap.NextListing, Balances: map[domain.Principal]uint64{}}
	for _, l := range m.list { out.Listings = append(out.Listings, l) }
	sort.Slice(out.Listings, func(i, j int) bool { return out.Listings[i].ID < out.Listings[j].ID })
	for _, e := range m.ents { out.Entitlements = append(out.Entitlements, e) }
	sort.Slice(out.Entitlements, func(i, j int) bool { return out.Entitlements[i].Seq < out.Entitlements[j].Seq })
	for k, v := range m.snap.Balances { out.Balances[k] = v }
	out.Purchases = append(out.Purchases, m.snap.Purchases...)
	return out, nil
}

func (m *MemoryStore) Commit(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil { return err }
	m.mu.Lock(); defer m.mu.Unlock()
	if m.closed { return ErrClosed }
	if m.hook != nil {
		if err := m.hook(b); err != nil { return err }
	}
	if b.Seq > m.snap.Seq { m.snap.Seq = b.Seq }
	if b.NextListing > m.snap.NextListing { m.snap.NextListing = b.NextListing }
	for _, l := range b.Listings { m.list[l.ID] = l }
	for _, e := range b.Entitlements {
		k := e.Handle.String() + "/" + string(e.Grantee)
		if _, ok := m.ents[k]; !ok { m.ents[k] = e }
	}
	for p, v := range b.Balances {
		if v == 0 { delete(m.snap.Balances, p); continue }
		m.snap.Balances[p] = v
	}
	m.snap.Purchases = append(m.snap.Purchases, b.Purchases...)
	m.events = append(m.events, b.Events...)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if m.closed { return nil, ErrClosed }
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Seq > after })
	var out []domain.Event
	for ; i < len(m.events); i++ {
		if limit > 0 && len(out) >= limit { break }
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
