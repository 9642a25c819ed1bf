package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// Submit admits handle through the proof check and creates a new unlisted
// listing for (owner, category). An active unlisted listing in the same slot
// is superseded; an active listed one must be unlisted first.
func (l *Ledger) Submit(ctx context.Context, owner domain.Principal, cat domain.Category, h domain.Handle, proof []byte) (id domain.ListingID, err error) {
	start := time.Now()
	defer func() {
		observe(ctx, "submit", start, err, map[string]any{"owner": string(owner), "category": string(cat), "handle": h.String(), "listing_id": uint64(id)})
	}()
	if _, err = domain.ParsePrincipal(string(owner)); err != nil { return 0, err }
	if _, err = domain.ParseCategory(string(cat)); err != nil { return 0, err }
	if err = l.admit(h, proof, owner); err != nil { return 0, err }

	s := slot{owner, cat}
	for {
		prev, hasPrev := l.activeID(s)
		keys := []string{handleKey(h), slotKey(s)}
		if hasPrev { keys = append(keys, listingKey(prev)) }
		release := l.locks.acquire(keys...)
		if cur, ok := l.activeID(s); ok != hasPrev || cur != prev {
			// slot changed while waiting for the locks
			release()
			continue
		}
		id, err = l.submitLocked(ctx, s, h, prev, hasPrev)
		release()
		return id, err
	}
}

func (l *Ledger) admit(h domain.Handle, proof []byte, submitter domain.Principal) error {
	err := l.admitter.Verify(h, proof, submitter)
	if err == nil && l.known(h) { err = domain.ErrDuplicateHandle }
	metrics.Inc("proof_admit_total", map[string]string{"result": domain.Code(err)})
	return err
}

func (l *Ledger) submitLocked(ctx context.Context, s slot, h domain.Handle, prev domain.ListingID, hasPrev bool) (domain.ListingID, error) {
	// re-check under the handle lock: a concurrent submit of the same handle
	// may have committed between admit and here
	if l.known(h) { return 0, domain.ErrDuplicateHandle }
	var old domain.Listing
	if hasPrev {
		old, _ = l.Listing(prev)
		if old.Listed { return 0, domain.ErrListingActive }
	}
	t, err := l.commit(ctx, func(t *txn) error {
		id := t.newListingID()
		if hasPrev {
			old.Superseded = true
			old.SupersededBy = id
			old.UpdatedAt = t.at
			t.b.Listings = append(t.b.Listings, old)
			t.event(domain.Event{Type: domain.EventListingSuperseded, ListingID: old.ID, Owner: old.Owner,
				Handle: domain.HandlePtr(old.Handle), Category: old.Category, Related: id})
		}
		t.b.Listings = append(t.b.Listings, domain.Listing{ID: id, Owner: s.owner, Category: s.cat, Handle: h, CreatedAt: t.at, UpdatedAt: t.at})
		t.event(domain.Event{Type: domain.EventListingCreated, ListingID: id, Owner: s.owner, Handle: domain.HandlePtr(h),
			Category: s.cat, Related: prev})
		return nil
	})
	if err != nil { return 0, err }
	return t.nextListing - 1, nil
}

// editListing runs fn on a copy of listing id under its lock. fn returns the
// event to record, or nil for a no-op.
func (l *Ledger) editListing(ctx context.Context, caller domain.Principal, id domain.ListingID, fn func(lst *domain.Listing) (*domain.Event, error)) error {
	release := l.locks.acquire(listingKey(id))
	defer release()
	lst, ok := l.Listing(id)
	if !ok { return domain.ErrNotFound }
	if lst.Owner != caller { return domain.ErrNotOwner }
	if lst.Superseded { return domain.ErrListingGone }
	ev, err := fn(&lst)
	if err != nil || ev == nil { return err }
	_, err = l.commit(ctx, func(t *txn) error {
		lst.UpdatedAt = t.at
		t.b.Listings = append(t.b.Listings, lst)
		ev.ListingID = id
		ev.Owner = lst.Owner
		t.event(*ev)
		return nil
	})
	return err
}

// SetPrice sets the unit price. A listed listing cannot be priced at zero.
func (l *Ledger) SetPrice(ctx context.Context, caller domain.Principal, id domain.ListingID, price uint64) (err error) {
	start := time.Now()
	defer func() { observe(ctx, "set_price", start, err, map[string]any{"listing_id": uint64(id), "price": price}) }()
	return l.editListing(ctx, caller, id, func(lst *domain.Listing) (*domain.Event, error) {
		if price == 0 && lst.Listed { return nil, fmt.Errorf("%w: listed price must be positive", domain.ErrInvalidPrice) }
		lst.Price = price
		return &domain.Event{Type: domain.EventListingPriced, Price: price, Handle: domain.HandlePtr(lst.Handle)}, nil
	})
}

// List puts a priced listing up for sale. Listing an already listed entry is
// a no-op.
func (l *Ledger) List(ctx context.Context, caller domain.Principal, id domain.ListingID) (err error) {
	start := time.Now()
	defer func() { observe(ctx, "list", start, err, map[string]any{"listing_id": uint64(id)}) }()
	return l.editListing(ctx, caller, id, func(lst *domain.Listing) (*domain.Event, error) {
		if lst.Listed { return nil, nil }
		if lst.Price == 0 { return nil, domain.ErrInvalidPrice }
		lst.Listed = true
		return &domain.Event{Type: domain.EventListingListed, Price: lst.Price, Handle: domain.HandlePtr(lst.Handle)}, nil
	})
}

// Unlist removes a listing from sale. Existing entitlements are unaffected.
func (l *Ledger) Unlist(ctx context.Context, caller domain.Principal, id domain.ListingID) (err error) {
	start := time.Now()
	defer func() { observe(ctx, "unlist", start, err, map[string]any{"listing_id": uint64(id)}) }()
	return l.editListing(ctx, caller, id, func(lst *domain.Listing) (*domain.Event, error) {
		if !lst.Listed { return nil, nil }
		lst.Listed = false
		return &domain.Event{Type: domain.EventListingUnlisted, Handle: domain.HandlePtr(lst.Handle)}, nil
	})
}

// Listing returns a copy of listing id.
func (l *Ledger) Listing(id domain.ListingID) (domain.Listing, bool) {
	l.mu.RLock(); defer l.mu.RUnlock()
	lst, ok := l.listings[id]
	return lst, ok
}

// ListingByHandle finds the listing that admitted h.
func (l *Ledger) ListingByHandle(h domain.Handle) (domain.Listing, bool) {
	l.mu.RLock(); defer l.mu.RUnlock()
	id, ok := l.byHandle[h]
	if !ok { return domain.Listing{}, false }
	return l.listings[id], true
}

// ActiveListing returns the current (non-superseded) listing of a slot.
func (l *Ledger) ActiveListing(owner domain.Principal, cat domain.Category) (domain.Listing, bool) {
	l.mu.RLock(); defer l.mu.RUnlock()
	id, ok := l.active[slot{owner, cat}]
	if !ok { return domain.Listing{}, false }
	return l.listings[id], true
}

// Filter narrows Listings. Zero values match everything; superseded
// listings are only included when History is set.
type Filter struct {
	Owner      domain.Principal
	Category   domain.Category
	ListedOnly bool
	History    bool
}

// Listings returns matching listings ordered by id.
func (l *Ledger) Listings(f Filter) []domain.Listing {
	l.mu.RLock(); defer l.mu.RUnlock()
	var out []domain.Listing
	for _, lst := range l.listings {
		if f.Owner != "" && lst.Owner != f.Owner { continue }
		if f.Category != "" && lst.Category != f.Category { continue }
		if f.ListedOnly && !lst.Listed { continue }
		if lst.Superseded && !f.History { continue }
		out = append(out, lst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) activeID(s slot) (domain.ListingID, bool) {
	l.mu.RLock(); defer l.mu.RUnlock()
	id, ok := l.active[s]
	return id, ok
}

func (l *Ledger) known(h domain.Handle) bool {
	l.mu.RLock(); defer l.mu.RUnlock()
	_, ok := l.byHandle[h]
	return ok
}
