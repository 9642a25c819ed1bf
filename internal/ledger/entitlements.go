package ledger

import (
	"context"
	"sort"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// grant records an entitlement in t unless one already exists. Only the
// settlement step calls it; an existing grant makes it a no-op.
func (l *Ledger) grant(t *txn, h domain.Handle, grantee domain.Principal, seq uint64) bool {
	l.mu.RLock()
	_, ok := l.ents[h][grantee]
	l.mu.RUnlock()
	if ok { return false }
	for _, e := range t.b.Entitlements {
		if e.Handle == h && e.Grantee == grantee { return false }
	}
	t.b.Entitlements = append(t.b.Entitlements, domain.Entitlement{Handle: h, Grantee: grantee, Seq: seq, GrantedAt: t.at})
	return true
}

// IsEntitled reports whether p may decrypt h. The owner of the listing that
// admitted h is entitled without an explicit grant.
func (l *Ledger) IsEntitled(h domain.Handle, p domain.Principal) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byHandle[h]
	if !ok {
		metrics.Inc("entitlement_checks_total", map[string]string{"result": "unknown_handle"})
		return false, domain.ErrUnknownHandle
	}
	if l.listings[id].Owner == p {
		metrics.Inc("entitlement_checks_total", map[string]string{"result": "owner"})
		return true, nil
	}
	_, ok = l.ents[h][p]
	res := "denied"
	if ok { res = "granted" }
	metrics.Inc("entitlement_checks_total", map[string]string{"result": res})
	return ok, nil
}

// CheckEntitlement adapts IsEntitled to the relayer's reader contract.
func (l *Ledger) CheckEntitlement(_ context.Context, h domain.Handle, p domain.Principal) (bool, error) {
	return l.IsEntitled(h, p)
}

// Entitlement returns the explicit grant for (h, p), if any.
func (l *Ledger) Entitlement(h domain.Handle, p domain.Principal) (domain.Entitlement, bool) {
	l.mu.RLock(); defer l.mu.RUnlock()
	e, ok := l.ents[h][p]
	return e, ok
}

// Entitlements lists explicit grants held by p, oldest first.
func (l *Ledger) Entitlements(p domain.Principal) []domain.Entitlement {
	l.mu.RLock(); defer l.mu.RUnlock()
	out := make([]domain.Entitlement, 0, len(l.byGrantee[p]))
	for _, h := range l.byGrantee[p] { out = append(out, l.ents[h][p]) }
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

