package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zmlAEQ/datachain/internal/domain"
)

var errBalanceOverflow = errors.New("escrow balance overflow")

func nonceKey(buyer domain.Principal, nonce string) string { return "nonce:" + string(buyer) + "/" + nonce }

func (l *Ledger) spent(buyer domain.Principal, nonce string) bool {
	l.mu.RLock(); defer l.mu.RUnlock()
	_, ok := l.nonces[nonceKey(buyer, nonce)]
	return ok
}

// Purchase settles one sale: payment must equal the price exactly. The seller
// credit, the entitlement grant, the purchase record and the Purchased event
// are a single batch; on any failure none of them happen.
func (l *Ledger) Purchase(ctx context.Context, id domain.ListingID, buyer domain.Principal, payment uint64) (domain.Receipt, error) {
	return l.PurchaseOnce(ctx, id, buyer, payment, "")
}

// PurchaseOnce is Purchase with a buyer-chosen nonce. A nonce the buyer has
// already spent fails with ErrReplayedPurchase and changes nothing. An
// empty nonce is not tracked.
func (l *Ledger) PurchaseOnce(ctx context.Context, id domain.ListingID, buyer domain.Principal, payment uint64, nonce string) (rc domain.Receipt, err error) {
	start := time.Now()
	defer func() {
		observe(ctx, "purchase", start, err, map[string]any{"listing_id": uint64(id), "buyer": string(buyer), "payment": payment, "receipt_id": rc.ID})
	}()
	if _, err = domain.ParsePrincipal(string(buyer)); err != nil { return rc, err }
	lst, ok := l.Listing(id)
	if !ok { return rc, domain.ErrNotFound }
	// owner never changes, so the seller lock can be chosen before locking
	keys := []string{listingKey(id), sellerKey(lst.Owner)}
	if nonce != "" { keys = append(keys, nonceKey(buyer, nonce)) }
	release := l.locks.acquire(keys...)
	defer release()

	if nonce != "" && l.spent(buyer, nonce) { return rc, domain.ErrReplayedPurchase }
	lst, _ = l.Listing(id)
	if lst.Superseded || !lst.Listed { return rc, domain.ErrListingGone }
	if lst.Owner == buyer { return rc, domain.ErrSelfPurchase }
	if payment < lst.Price { return rc, domain.ErrInsufficientPayment }
	if payment > lst.Price { return rc, domain.ErrOverPayment }
	bal := l.Balance(lst.Owner)
	if bal+payment < bal { return rc, errBalanceOverflow }

	rid := uuid.NewString()
	t, err := l.commit(ctx, func(t *txn) error {
		t.balance(lst.Owner, bal+payment)
		seq := t.event(domain.Event{Type: domain.EventPurchased, ListingID: id, Buyer: buyer, Seller: lst.Owner,
			Handle: domain.HandlePtr(lst.Handle), Category: lst.Category, Price: lst.Price, Amount: payment, ReceiptID: rid})
		l.grant(t, lst.Handle, buyer, seq)
		t.b.Purchases = append(t.b.Purchases, domain.PurchaseRecord{Seq: seq, ReceiptID: rid, ListingID: id, Buyer: buyer,
			Seller: lst.Owner, Handle: lst.Handle, Price: payment, At: t.at, Nonce: nonce})
		return nil
	})
	if err != nil { return domain.Receipt{}, err }
	return domain.Receipt{ID: rid, ListingID: id, Buyer: buyer, Seller: lst.Owner, Handle: lst.Handle,
		Amount: payment, Seq: t.seq, At: t.at}, nil
}
