package domain

import "time"

// EventType names a ledger event. The set is append-only.
type EventType string

const (
	EventListingCreated    EventType = "ListingCreated"
	EventListingSuperseded EventType = "ListingSuperseded"
	EventListingPriced     EventType = "ListingPriced"
	EventListingListed     EventType = "ListingListed"
	EventListingUnlisted   EventType = "ListingUnlisted"
	EventPurchased         EventType = "Purchased"
	EventClaimed           EventType = "Claimed"
	EventClaimReverted     EventType = "ClaimReverted"
)

// Event is one entry of the ordered ledger log. Seq is strictly increasing
// with no gaps, so an auditor can detect a missing entry. Each type fills the
// fields needed to rebuild entitlements and balances from the log alone.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	ListingID ListingID `json:"listing_id,omitempty"`
	Owner     Principal `json:"owner,omitempty"`
	Buyer     Principal `json:"buyer,omitempty"`
	Seller    Principal `json:"seller,omitempty"`
	Handle    *Handle   `json:"handle,omitempty"`
	Category  Category  `json:"category,omitempty"`
	Price     uint64    `json:"price,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	ReceiptID string    `json:"receipt_id,omitempty"`
	Related   ListingID `json:"related,omitempty"`
}

// HandlePtr returns a pointer copy of h for event construction.
func HandlePtr(h Handle) *Handle { return &h }
