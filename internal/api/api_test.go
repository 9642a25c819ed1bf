package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/ledger"
	"github.com/zmlAEQ/datachain/internal/proof"
	"github.com/zmlAEQ/datachain/internal/state"
	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

var program = domain.ProgramID{0xab}

func key(seed byte) ed25519.PrivateKey {
	var sd [32]byte
	sd[0] = seed
	return ed25519.NewKeyFromSeed(sd[:])
}

func who(k ed25519.PrivateKey) domain.Principal {
	return domain.PrincipalOf(k.Public().(ed25519.PublicKey))
}

type node struct {
	l      *ledger.Ledger
	srv    *httptest.Server
	signer *proof.Signer
}

func newNode(t *testing.T) *node {
	t.Helper()
	s, err := proof.NewSigner([]byte("api-test-input-verifier-ikm-0123456789ab"))
	if err != nil { t.Fatalf("signer: %v", err) }
	v, err := proof.NewVerifier(program, s.PublicKey())
	if err != nil { t.Fatalf("verifier: %v", err) }
	l, err := ledger.Open(context.Background(), ledger.Config{Store: state.NewMemoryStore(), Admitter: v})
	if err != nil { t.Fatalf("ledger: %v", err) }
	srv := httptest.NewServer(NewHandler(l).Routes())
	t.Cleanup(srv.Close)
	return &node{l: l, srv: srv, signer: s}
}

func (n *node) client(k ed25519.PrivateKey) *Client {
	return &Client{BaseURL: n.srv.URL, Key: k, Timeout: 5 * time.Second}
}

func (n *node) proof(t *testing.T, owner domain.Principal, h domain.Handle) []byte {
	t.Helper()
	raw, err := n.signer.Sign(program, owner, h)
	if err != nil { t.Fatalf("sign: %v", err) }
	return raw
}

func TestAPI_MarketplaceFlow(t *testing.T) {
	metrics.Reset()
	n := newNode(t)
	ctx := context.Background()
	sk, bk, tk := key(1), key(2), key(3)
	seller, buyer := n.client(sk), n.client(bk)
	h1 := domain.Handle{1}

	lst, err := seller.Submit(ctx, domain.CategoryHealth, h1, n.proof(t, who(sk), h1))
	if err != nil { t.Fatalf("submit: %v", err) }
	if lst.Owner != who(sk) || lst.Listed { t.Fatalf("listing: %+v", lst) }
	if _, err := seller.SetPrice(ctx, lst.ID, 500); err != nil { t.Fatalf("price: %v", err) }
	if lst, err = seller.List(ctx, lst.ID); err != nil || !lst.Listed || lst.Price != 500 { t.Fatalf("list: %+v %v", lst, err) }

	got, err := buyer.Listings(ctx, ledger.Filter{Category: domain.CategoryHealth, ListedOnly: true})
	if err != nil || len(got) != 1 || got[0].ID != lst.ID { t.Fatalf("browse: %+v %v", got, err) }

	rc, err := buyer.Purchase(ctx, lst.ID, 500)
	if err != nil { t.Fatalf("purchase: %v", err) }
	if rc.ID == "" || rc.Buyer != who(bk) || rc.Seller != who(sk) || rc.Amount != 500 { t.Fatalf("receipt: %+v", rc) }

	bal, err := buyer.Balance(ctx, who(sk))
	if err != nil || bal.Balance != 500 || bal.Display != "5.00" { t.Fatalf("balance: %+v %v", bal, err) }
	if ok, err := buyer.CheckEntitlement(ctx, h1, who(bk)); err != nil || !ok { t.Fatalf("buyer entitled: %v %v", ok, err) }
	if ok, err := buyer.CheckEntitlement(ctx, h1, who(tk)); err != nil || ok { t.Fatalf("third entitled: %v %v", ok, err) }
	if _, err := buyer.CheckEntitlement(ctx, domain.Handle{9}, who(bk)); !errors.Is(err, domain.ErrUnknownHandle) { t.Fatalf("unknown: %v", err) }
	ents, err := buyer.Entitlements(ctx, who(bk))
	if err != nil || len(ents) != 1 || ents[0].Handle != h1 { t.Fatalf("entitlements: %+v %v", ents, err) }

	if amt, err := seller.Claim(ctx); err != nil || amt != 500 { t.Fatalf("claim: %d %v", amt, err) }
	if amt, err := seller.Claim(ctx); err != nil || amt != 0 { t.Fatalf("second claim: %d %v", amt, err) }

	evs, err := buyer.AllEvents(ctx)
	if err != nil || uint64(len(evs)) != n.l.Seq() { t.Fatalf("events: %d of %d (%v)", len(evs), n.l.Seq(), err) }
	page, err := buyer.Events(ctx, 2, 2)
	if err != nil || len(page) != 2 || page[0].Seq != 3 { t.Fatalf("page: %+v %v", page, err) }

	if !strings.Contains(metrics.DumpProm(), `api_requests_total{code="201",method="POST",route="/v1/listings/{id}/purchase"} 1`) {
		t.Fatalf("metrics: %s", metrics.DumpProm())
	}
}

func TestAPI_ErrorStatuses(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()
	sk, bk := key(1), key(2)
	seller, buyer := n.client(sk), n.client(bk)
	h := domain.Handle{1}
	lst, err := seller.Submit(ctx, domain.CategoryFinancial, h, n.proof(t, who(sk), h))
	if err != nil { t.Fatalf("submit: %v", err) }

	check := func(name string, err, want error) {
		t.Helper()
		if !errors.Is(err, want) { t.Fatalf("%s: want %v, got %v", name, want, err) }
	}
	_, err = buyer.Purchase(ctx, lst.ID, 1)
	check("unlisted purchase", err, domain.ErrListingGone)
	_, err = buyer.SetPrice(ctx, lst.ID, 5)
	check("not owner", err, domain.ErrNotOwner)
	_, err = seller.Submit(ctx, domain.CategoryHealth, h, n.proof(t, who(sk), h))
	check("duplicate", err, domain.ErrDuplicateHandle)
	_, err = seller.Submit(ctx, "pets", domain.Handle{2}, n.proof(t, who(sk), domain.Handle{2}))
	check("bad category", err, domain.ErrInvalidCategory)
	_, err = buyer.Submit(ctx, domain.CategoryHealth, domain.Handle{3}, n.proof(t, who(sk), domain.Handle{3}))
	check("foreign proof", err, domain.ErrContextMismatch)
	_, err = buyer.Listing(ctx, 99)
	check("missing listing", err, domain.ErrNotFound)

	if _, err := seller.SetPrice(ctx, lst.ID, 100); err != nil { t.Fatalf("price: %v", err) }
	if _, err := seller.List(ctx, lst.ID); err != nil { t.Fatalf("list: %v", err) }
	for pay, want := range map[uint64]error{99: domain.ErrInsufficientPayment, 101: domain.ErrOverPayment} {
		if _, err := buyer.Purchase(ctx, lst.ID, pay); !errors.Is(err, want) { t.Fatalf("pay %d: %v", pay, err) }
	}
	if _, err := seller.Purchase(ctx, lst.ID, 100); !errors.Is(err, domain.ErrSelfPurchase) { t.Fatalf("self: %v", err) }

	resp, err := http.Get(n.srv.URL + "/v1/listings/99")
	if err != nil { t.Fatalf("get: %v", err) }
	defer resp.Body.Close()
	e := httpx.DecodeError(resp)
	if e.Status != http.StatusNotFound || e.Code != "not_found" || e.RequestID == "" { t.Fatalf("error body: %+v", e) }
}

func TestAPI_Authentication(t *testing.T) {
	n := newNode(t)
	k := key(1)
	body := []byte(`{}`)
	post := func(mut func(r *http.Request)) int {
		req, _ := http.NewRequest(http.MethodPost, n.srv.URL+"/v1/claim", bytes.NewReader(body))
		Sign(req, k, body, time.Now())
		mut(req)
		resp, err := http.DefaultClient.Do(req)
		if err != nil { t.Fatalf("do: %v", err) }
		resp.Body.Close()
		return resp.StatusCode
	}
	if c := post(func(*http.Request) {}); c != http.StatusOK { t.Fatalf("signed claim: %d", c) }
	cases := map[string]func(r *http.Request){
		"unsigned":     func(r *http.Request) { r.Header.Del(HeaderSignature) },
		"other key":    func(r *http.Request) { r.Header.Set(HeaderPrincipal, string(who(key(2)))) },
		"stale":        func(r *http.Request) { Sign(r, k, body, time.Now().Add(-10*time.Minute)) },
		"tampered":     func(r *http.Request) { Sign(r, k, []byte(`{"x":1}`), time.Now()) },
		"bad principal": func(r *http.Request) { r.Header.Set(HeaderPrincipal, "zz") },
	}
	for name, mut := range cases {
		if c := post(mut); c != http.StatusUnauthorized { t.Fatalf("%s: want 401, got %d", name, c) }
	}
	if _, err := (&Client{BaseURL: n.srv.URL}).Claim(context.Background()); err == nil { t.Fatalf("keyless client must not mutate") }
}

func TestAPI_ReplayedPurchaseSettlesOnce(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()
	sk, bk := key(1), key(2)
	seller := n.client(sk)
	h := domain.Handle{4}
	lst, err := seller.Submit(ctx, domain.CategoryHealth, h, n.proof(t, who(sk), h))
	if err != nil { t.Fatalf("submit: %v", err) }
	if _, err := seller.SetPrice(ctx, lst.ID, 100); err != nil { t.Fatalf("price: %v", err) }
	if _, err := seller.List(ctx, lst.ID); err != nil { t.Fatalf("list: %v", err) }

	url := n.srv.URL + listingPath(lst.ID, "/purchase")
	body := []byte(`{"payment":100,"nonce":"order-1"}`)
	signed, _ := http.NewRequest(http.MethodPost, url, nil)
	Sign(signed, bk, body, time.Now())
	send := func(body []byte, hdr http.Header) *httpx.Error {
		req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		req.Header = hdr.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil { t.Fatalf("do: %v", err) }
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusCreated { return nil }
		return httpx.DecodeError(resp)
	}
	if e := send(body, signed.Header); e != nil { t.Fatalf("first purchase: %+v", e) }
	e := send(body, signed.Header)
	if e == nil || e.Status != http.StatusConflict || e.Code != "replayed_purchase" { t.Fatalf("replay: %+v", e) }
	if b := n.l.Balance(who(sk)); b != 100 { t.Fatalf("seller credited twice: %d", b) }
	if s := n.l.Stats(); s.Purchases != 1 { t.Fatalf("purchases: %d", s.Purchases) }

	bare := []byte(`{"payment":100}`)
	noNonce, _ := http.NewRequest(http.MethodPost, url, nil)
	Sign(noNonce, bk, bare, time.Now())
	if e := send(bare, noNonce.Header); e == nil || e.Status != http.StatusBadRequest { t.Fatalf("missing nonce: %+v", e) }

	_, err = n.client(bk).PurchaseOnce(ctx, lst.ID, 100, "order-1")
	if !errors.Is(err, domain.ErrReplayedPurchase) { t.Fatalf("client replay: %v", err) }
	if _, err := n.client(bk).Purchase(ctx, lst.ID, 100); err != nil { t.Fatalf("fresh nonce: %v", err) }
	if b := n.l.Balance(who(sk)); b != 200 { t.Fatalf("balance after second purchase: %d", b) }
}

func TestSigningString_CoversQuery(t *testing.T) {
	a := SigningString("post", "/v1/listings?x=1", "1", nil)
	b := SigningString("POST", "/v1/listings?x=2", "1", nil)
	if bytes.Equal(a, b) { t.Fatalf("query not covered") }
	if !bytes.HasPrefix(a, []byte("POST\n")) { t.Fatalf("method not normalised: %q", a) }
}
