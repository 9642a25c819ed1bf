// Package state persists ledger state. The ledger builds one Batch per
// transaction and commits it before touching memory, so a Store failure
// leaves both sides unchanged.
package state

import (
	"context"
	"errors"

	"github.com/zmlAEQ/datachain/internal/domain"
)

// ErrClosed is returned by a Store after Close.
var ErrClosed = errors.New("store closed")

// Batch is one crash-consistent unit: every field is written or none is.
type Batch struct {
	// Seq is the ledger sequence number after this batch.
	Seq          uint64
	NextListing  domain.ListingID
	Listings     []domain.Listing
	Entitlements []domain.Entitlement
	Balances     map[domain.Principal]uint64
	Purchases    []domain.PurchaseRecord
	Events       []domain.Event
}

// Empty reports whether the batch carries no writes.
func (b Batch) Empty() bool {
	return len(b.Listings) == 0 && len(b.Entitlements) == 0 && len(b.Balances) == 0 &&
		len(b.Purchases) == 0 && len(b.Events) == 0
}

// Snapshot is the full ledger state as loaded on start. Events are not part
// of it; they are read back on demand through Store.Events.
type Snapshot struct {
	Seq          uint64
	NextListing  domain.ListingID
	Listings     []domain.Listing
	Entitlements []domain.Entitlement
	Balances     map[domain.Principal]uint64
	Purchases    []domain.PurchaseRecord
}

// Store is the durable side of the ledger.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, b Batch) error
	// Events returns up to limit events with Seq > after, in Seq order.
	Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error)
	Close() error
}
