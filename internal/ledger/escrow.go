package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

// Transferer moves claimed funds out of escrow to the seller. It is called
// after the balance is already zero and committed, without any ledger lock
// held, so a re-entrant Claim from inside Transfer sees nothing to claim.
type Transferer interface {
	Transfer(ctx context.Context, to domain.Principal, amount uint64) error
}

// TransferFunc adapts a function to Transferer.
type TransferFunc func(ctx context.Context, to domain.Principal, amount uint64) error

func (f TransferFunc) Transfer(ctx context.Context, to domain.Principal, amount uint64) error {
	return f(ctx, to, amount)
}

// revertTimeout bounds the compensating commit after a failed transfer. It
// runs detached from the caller's context, which is often already done.
const revertTimeout = 30 * time.Second

type claimKey struct{}

// ClaimSeq returns the Seq of the Claimed event a Transfer call settles.
// Payees use it to drop a payout order they have already executed.
func ClaimSeq(ctx context.Context) (uint64, bool) {
	seq, ok := ctx.Value(claimKey{}).(uint64)
	return seq, ok
}

// Balance returns the seller's unclaimed escrow.
func (l *Ledger) Balance(p domain.Principal) uint64 {
	l.mu.RLock(); defer l.mu.RUnlock()
	return l.balances[p]
}

// Claim pays out the seller's whole balance. A zero balance returns 0 and
// no error. If the transfer fails the balance is restored and the transfer
// error returned, so the claim is all-or-nothing.
func (l *Ledger) Claim(ctx context.Context, seller domain.Principal) (amount uint64, err error) {
	start := time.Now()
	result := ""
	defer func() {
		if result == "" { result = domain.Code(err) }
		metrics.Inc("escrow_claims_total", map[string]string{"result": result})
		observe(ctx, "claim", start, err, map[string]any{"seller": string(seller), "amount": amount})
	}()
	if _, err = domain.ParsePrincipal(string(seller)); err != nil { return 0, err }

	release := l.locks.acquire(sellerKey(seller))
	bal := l.Balance(seller)
	if bal == 0 {
		release()
		result = "nothing_to_claim"
		return 0, nil
	}
	t, err := l.commit(ctx, func(t *txn) error {
		t.balance(seller, 0)
		t.event(domain.Event{Type: domain.EventClaimed, Seller: seller, Amount: bal})
		return nil
	})
	release()
	if err != nil { return 0, err }

	if terr := l.transfer.Transfer(context.WithValue(ctx, claimKey{}, t.seq), seller, bal); terr != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
		defer cancel()
		if rerr := l.revertClaim(rctx, seller, bal); rerr != nil {
			result = "revert_failed"
			return 0, multierr.Append(fmt.Errorf("transfer: %w", terr), fmt.Errorf("%w: restore escrow: %v", domain.ErrStorageCorrupt, rerr))
		}
		result = "reverted"
		return 0, fmt.Errorf("transfer: %w", terr)
	}
	return bal, nil
}

// revertClaim credits amount back after a failed transfer. Other purchases
// may have credited the seller meanwhile, so it adds rather than restores.
func (l *Ledger) revertClaim(ctx context.Context, seller domain.Principal, amount uint64) error {
	release := l.locks.acquire(sellerKey(seller))
	defer release()
	bal := l.Balance(seller)
	_, err := l.commit(ctx, func(t *txn) error {
		t.balance(seller, bal+amount)
		t.event(domain.Event{Type: domain.EventClaimReverted, Seller: seller, Amount: amount})
		return nil
	})
	if err != nil {
		logger.ErrorJ("escrow_revert", map[string]any{"result": "error", "seller": string(seller), "amount": amount, "err": err.Error(), "trace_id": trace.ID(ctx)})
	}
	return err
}
