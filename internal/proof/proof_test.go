package proof

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("input-verifier-ikm-32-bytes-min-0123456789"))
	if err != nil { t.Fatalf("signer: %v", err) }
	return s
}

func principal(t *testing.T, seed byte) domain.Principal {
	t.Helper()
	var sd [32]byte
	sd[0] = seed
	return domain.PrincipalOf(ed25519.NewKeyFromSeed(sd[:]).Public().(ed25519.PublicKey))
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	p := Proof{Program: domain.ProgramID{1}, Handle: domain.Handle{2}}
	p.Submitter[0] = 3
	p.Sig[0] = 4
	raw := p.Encode()
	if len(raw) != Size { t.Fatalf("size=%d", len(raw)) }
	got, err := Decode(raw)
	if err != nil { t.Fatalf("decode: %v", err) }
	if got != p { t.Fatalf("mismatch: %+v", got) }
}

func TestDecode_Malformed(t *testing.T) {
	good := Proof{}.Encode()
	cases := map[string][]byte{
		"short":   good[:Size-1],
		"long":    append(append([]byte{}, good...), 0),
		"magic":   append([]byte("XXXX"), good[4:]...),
		"version": append(append([]byte{}, good[:4]...), append([]byte{9}, good[5:]...)...),
	}
	for name, raw := range cases {
		if _, err := Decode(raw); !errors.Is(err, domain.ErrMalformedProof) {
			t.Fatalf("%s: want malformed, got %v", name, err)
		}
	}
}

func TestVerify_Accepts(t *testing.T) {
	s := testSigner(t)
	prog := domain.ProgramID{7}
	v, err := NewVerifier(prog, s.PublicKey())
	if err != nil { t.Fatalf("verifier: %v", err) }
	sub := principal(t, 1)
	h := domain.Handle{0xaa}
	raw, err := s.Sign(prog, sub, h)
	if err != nil { t.Fatalf("sign: %v", err) }
	if err := v.Verify(h, raw, sub); err != nil { t.Fatalf("verify: %v", err) }
}

func TestVerify_ContextMismatch(t *testing.T) {
	s := testSigner(t)
	prog := domain.ProgramID{7}
	v, _ := NewVerifier(prog, s.PublicKey())
	alice, bob := principal(t, 1), principal(t, 2)
	h := domain.Handle{0xaa}

	// proof issued for bob, submitted by alice
	raw, _ := s.Sign(prog, bob, h)
	if err := v.Verify(h, raw, alice); !errors.Is(err, domain.ErrContextMismatch) {
		t.Fatalf("submitter: want context mismatch, got %v", err)
	}
	// proof issued for another program
	raw, _ = s.Sign(domain.ProgramID{8}, alice, h)
	if err := v.Verify(h, raw, alice); !errors.Is(err, domain.ErrContextMismatch) {
		t.Fatalf("program: want context mismatch, got %v", err)
	}
	// proof for another handle
	raw, _ = s.Sign(prog, alice, domain.Handle{0xbb})
	if err := v.Verify(h, raw, alice); !errors.Is(err, domain.ErrContextMismatch) {
		t.Fatalf("handle: want context mismatch, got %v", err)
	}
	// fields rewritten to match, signature no longer binds them
	p, _ := Decode(raw)
	p.Handle = h
	if err := v.Verify(h, p.Encode(), alice); !errors.Is(err, domain.ErrContextMismatch) {
		t.Fatalf("forged: want context mismatch, got %v", err)
	}
	// signed by a different input verifier
	other, _ := NewSigner([]byte("another-input-verifier-ikm-32-bytes-0000"))
	raw, _ = other.Sign(prog, alice, h)
	if err := v.Verify(h, raw, alice); !errors.Is(err, domain.ErrContextMismatch) {
		t.Fatalf("foreign key: want context mismatch, got %v", err)
	}
}

func TestVerify_BadSignaturePoint(t *testing.T) {
	s := testSigner(t)
	prog := domain.ProgramID{7}
	v, _ := NewVerifier(prog, s.PublicKey())
	sub := principal(t, 1)
	h := domain.Handle{1}
	raw, _ := s.Sign(prog, sub, h)
	p, _ := Decode(raw)
	for i := range p.Sig { p.Sig[i] = 0xff }
	if err := v.Verify(h, p.Encode(), sub); !errors.Is(err, domain.ErrMalformedProof) {
		t.Fatalf("want malformed, got %v", err)
	}
}

func TestVerify_Metrics(t *testing.T) {
	metrics.Reset()
	s := testSigner(t)
	prog := domain.ProgramID{7}
	v, _ := NewVerifier(prog, s.PublicKey())
	sub := principal(t, 1)
	h := domain.Handle{1}
	raw, _ := s.Sign(prog, sub, h)
	_ = v.Verify(h, raw, sub)
	_ = v.Verify(h, raw[:10], sub)
	dump := metrics.DumpProm()
	if !strings.Contains(dump, `proof_verify_total{result="ok"} 1`) { t.Fatalf("missing ok: %s", dump) }
	if !strings.Contains(dump, `proof_verify_total{result="malformed_proof"} 1`) { t.Fatalf("missing malformed: %s", dump) }
}

func TestNewVerifier_RejectsBadKey(t *testing.T) {
	if _, err := NewVerifier(domain.ProgramID{}, make([]byte, 48)); err == nil {
		t.Fatalf("want error for zero key")
	}
	if _, err := NewSigner([]byte("short")); err == nil {
		t.Fatalf("want error for short ikm")
	}
}
