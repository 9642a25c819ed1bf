package audit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zmlAEQ/datachain/internal/domain"
)

var (
	// ErrGap means the log skips or repeats a sequence number.
	ErrGap = errors.New("audit: sequence gap")
	// ErrInconsistent means an event contradicts the state built so far.
	ErrInconsistent = errors.New("audit: inconsistent log")
)

// Reconstruction is the state implied by an event log alone.
type Reconstruction struct {
	Seq          uint64
	Balances     map[domain.Principal]uint64
	Entitlements map[domain.Handle]map[domain.Principal]uint64 // grantee -> granting seq
	Owners       map[domain.Handle]domain.Principal
	Purchases    int
	Sales        uint64
	Claimed      uint64
}

// Replay folds events, which must start at Seq 1 and be gap-free.
func Replay(events []domain.Event) (Reconstruction, error) {
	rc := Reconstruction{
		Balances:     map[domain.Principal]uint64{},
		Entitlements: map[domain.Handle]map[domain.Principal]uint64{},
		Owners:       map[domain.Handle]domain.Principal{},
	}
	for _, ev := range events {
		if ev.Seq != rc.Seq+1 { return rc, fmt.Errorf("%w: want %d, got %d", ErrGap, rc.Seq+1, ev.Seq) }
		if err := rc.apply(ev); err != nil { return rc, fmt.Errorf("seq %d: %w", ev.Seq, err) }
		rc.Seq = ev.Seq
	}
	return rc, nil
}

func (rc *Reconstruction) apply(ev domain.Event) error {
	switch ev.Type {
	case domain.EventListingCreated:
		if ev.Handle == nil { return fmt.Errorf("%w: created without handle", ErrInconsistent) }
		if _, dup := rc.Owners[*ev.Handle]; dup { return fmt.Errorf("%w: handle %s admitted twice", ErrInconsistent, ev.Handle) }
		rc.Owners[*ev.Handle] = ev.Owner
	case domain.EventPurchased:
		if ev.Handle == nil { return fmt.Errorf("%w: purchase without handle", ErrInconsistent) }
		if owner, ok := rc.Owners[*ev.Handle]; !ok || owner != ev.Seller {
			return fmt.Errorf("%w: purchase of %s not sold by its owner", ErrInconsistent, ev.Handle)
		}
		if ev.Amount != ev.Price { return fmt.Errorf("%w: paid %d for price %d", ErrInconsistent, ev.Amount, ev.Price) }
		rc.Balances[ev.Seller] += ev.Amount
		m := rc.Entitlements[*ev.Handle]
		if m == nil {
			m = map[domain.Principal]uint64{}
			rc.Entitlements[*ev.Handle] = m
		}
		if _, ok := m[ev.Buyer]; !ok { m[ev.Buyer] = ev.Seq }
		rc.Purchases++
		rc.Sales += ev.Amount
	case domain.EventClaimed:
		if rc.Balances[ev.Seller] != ev.Amount {
			return fmt.Errorf("%w: claim of %d against balance %d", ErrInconsistent, ev.Amount, rc.Balances[ev.Seller])
		}
		delete(rc.Balances, ev.Seller)
		rc.Claimed += ev.Amount
	case domain.EventClaimReverted:
		rc.Balances[ev.Seller] += ev.Amount
		rc.Claimed -= ev.Amount
	}
	return nil
}

// IsEntitled answers like the ledger does: the owner, or an explicit grant.
func (rc Reconstruction) IsEntitled(h domain.Handle, p domain.Principal) bool {
	if owner, ok := rc.Owners[h]; ok && owner == p { return true }
	_, ok := rc.Entitlements[h][p]
	return ok
}

// Mismatch is one difference between the ledger and the reconstruction.
type Mismatch struct {
	What   string `json:"what"`
	Key    string `json:"key"`
	Ledger string `json:"ledger"`
	Log    string `json:"log"`
}

// Compare checks ledger balances and grants against rc. Conservation holds
// when the sum of balances equals sales minus claims.
func (rc Reconstruction) Compare(balances map[domain.Principal]uint64, ents []domain.Entitlement) []Mismatch {
	var out []Mismatch
	for p, v := range balances {
		if rc.Balances[p] != v {
			out = append(out, Mismatch{What: "balance", Key: string(p), Ledger: fmt.Sprint(v), Log: fmt.Sprint(rc.Balances[p])})
		}
	}
	for p, v := range rc.Balances {
		if _, ok := balances[p]; !ok && v != 0 {
			out = append(out, Mismatch{What: "balance", Key: string(p), Ledger: "0", Log: fmt.Sprint(v)})
		}
	}
	seen := 0
	for _, e := range ents {
		seq, ok := rc.Entitlements[e.Handle][e.Grantee]
		switch {
		case !ok:
			out = append(out, Mismatch{What: "entitlement", Key: e.Handle.String() + "/" + string(e.Grantee), Ledger: fmt.Sprint(e.Seq), Log: "missing"})
		case seq != e.Seq:
			out = append(out, Mismatch{What: "entitlement", Key: e.Handle.String() + "/" + string(e.Grantee), Ledger: fmt.Sprint(e.Seq), Log: fmt.Sprint(seq)})
		default:
			seen++
		}
	}
	total := 0
	for _, m := range rc.Entitlements { total += len(m) }
	if seen != total {
		out = append(out, Mismatch{What: "entitlement_count", Ledger: fmt.Sprint(len(ents)), Log: fmt.Sprint(total)})
	}
	var sum uint64
	for _, v := range balances { sum += v }
	if sum != rc.Sales-rc.Claimed {
		out = append(out, Mismatch{What: "conservation", Ledger: fmt.Sprint(sum), Log: fmt.Sprint(rc.Sales - rc.Claimed)})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].What != out[k].What { return out[i].What < out[k].What }
		return out[i].Key < out[k].Key
	})
	return out
}
