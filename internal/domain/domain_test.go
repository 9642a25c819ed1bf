package domain

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
)

func TestParsePrincipal(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	p := PrincipalOf(pub)
	got, err := ParsePrincipal("0x" + string(p))
	if err != nil || got != p {
		t.Fatalf("parse: %v %q", err, got)
	}
	if _, err := ParsePrincipal("abcd"); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("short principal should fail, got %v", err)
	}
	k, err := p.PublicKey()
	if err != nil || !k.Equal(pub) {
		t.Fatalf("public key round trip failed")
	}
}

func TestParseCategory(t *testing.T) {
	for _, s := range []string{"health", "Financial", " identity "} {
		if _, err := ParseCategory(s); err != nil {
			t.Fatalf("%q: %v", s, err)
		}
	}
	if _, err := ParseCategory("sports"); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("want ErrInvalidCategory, got %v", err)
	}
}

func TestHandleText(t *testing.T) {
	var h Handle
	h[0], h[31] = 0xab, 0x01
	b, _ := h.MarshalText()
	var back Handle
	if err := back.UnmarshalText(b); err != nil || back != h {
		t.Fatalf("round trip: %v", err)
	}
	if _, err := ParseHandle("zz"); err == nil {
		t.Fatalf("want parse error")
	}
}

func TestCodeAndKind(t *testing.T) {
	wrapped := fmt.Errorf("purchase 7: %w", ErrOverPayment)
	if Code(wrapped) != "over_payment" || Kind(wrapped) != KindRejection {
		t.Fatalf("code=%s kind=%s", Code(wrapped), Kind(wrapped))
	}
	if Kind(ErrOracleUnavailable) != KindTransient {
		t.Fatalf("oracle unavailable should be transient")
	}
	if Kind(ErrOracleRejected) != KindFatal {
		t.Fatalf("oracle rejected should be fatal")
	}
	if Code(errors.New("x")) != "internal" || Code(nil) != "ok" {
		t.Fatalf("fallback codes wrong")
	}
	if FromCode("listing_gone") != ErrListingGone || FromCode("nope") != nil {
		t.Fatalf("FromCode mismatch")
	}
}

func TestFormatAmount(t *testing.T) {
	if s := FormatAmount(49900, 2); s != "499.00" {
		t.Fatalf("got %s", s)
	}
	if s := FormatAmount(5, 2); s != "0.05" {
		t.Fatalf("got %s", s)
	}
	v, err := ParseAmount("2199.50", 2)
	if err != nil || v != 219950 {
		t.Fatalf("got %d %v", v, err)
	}
	if _, err := ParseAmount("1.005", 2); err == nil {
		t.Fatalf("sub-unit precision should be rejected")
	}
	if _, err := ParseAmount("-1", 2); err == nil {
		t.Fatalf("negative should be rejected")
	}
}

func TestPlaintextWipe(t *testing.T) {
	p := Plaintext("secret")
	p.Wipe()
	for _, b := range p {
		if b != 0 {
			t.Fatalf("not wiped")
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		nil:                                      200,
		fmt.Errorf("wrap: %w", ErrDuplicateHandle): 409,
		ErrNotEntitled:                           403,
		ErrInsufficientPayment:                   402,
		ErrOracleUnavailable:                     503,
		ErrOracleRejected:                        502,
		errors.New("boom"):                       500,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want { t.Fatalf("%v: got %d want %d", err, got, want) }
	}
}
