package ledger

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/proof"
	"github.com/zmlAEQ/datachain/internal/state"
)

var testProgram = domain.ProgramID{0xda, 0x7a}

type fixture struct {
	l      *Ledger
	store  *state.MemoryStore
	signer *proof.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := proof.NewSigner([]byte("ledger-test-input-verifier-ikm-0123456789"))
	if err != nil { t.Fatalf("signer: %v", err) }
	v, err := proof.NewVerifier(testProgram, s.PublicKey())
	if err != nil { t.Fatalf("verifier: %v", err) }
	st := state.NewMemoryStore()
	clock := time.Unix(1700000000, 0)
	l, err := Open(context.Background(), Config{Store: st, Admitter: v, Now: func() time.Time { return clock }})
	if err != nil { t.Fatalf("open: %v", err) }
	return &fixture{l: l, store: st, signer: s}
}

func principal(seed byte) domain.Principal {
	var sd [32]byte
	sd[0] = seed
	return domain.PrincipalOf(ed25519.NewKeyFromSeed(sd[:]).Public().(ed25519.PublicKey))
}

var (
	seller = principal(1)
	buyer  = principal(2)
	third  = principal(3)
)

func (f *fixture) proofFor(t *testing.T, owner domain.Principal, h domain.Handle) []byte {
	t.Helper()
	raw, err := f.signer.Sign(testProgram, owner, h)
	if err != nil { t.Fatalf("sign: %v", err) }
	return raw
}

func (f *fixture) submit(t *testing.T, owner domain.Principal, cat domain.Category, h domain.Handle) domain.ListingID {
	t.Helper()
	id, err := f.l.Submit(context.Background(), owner, cat, h, f.proofFor(t, owner, h))
	if err != nil { t.Fatalf("submit: %v", err) }
	return id
}

// listed submits h and lists it at price.
func (f *fixture) listed(t *testing.T, owner domain.Principal, cat domain.Category, h domain.Handle, price uint64) domain.ListingID {
	t.Helper()
	id := f.submit(t, owner, cat, h)
	ctx := context.Background()
	if err := f.l.SetPrice(ctx, owner, id, price); err != nil { t.Fatalf("price: %v", err) }
	if err := f.l.List(ctx, owner, id); err != nil { t.Fatalf("list: %v", err) }
	return id
}
