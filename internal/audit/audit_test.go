package audit

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/ledger"
	"github.com/zmlAEQ/datachain/internal/proof"
	"github.com/zmlAEQ/datachain/internal/state"
	"github.com/zmlAEQ/datachain/pkg/bus"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

var program = domain.ProgramID{0xa0}

func principal(seed byte) domain.Principal {
	var sd [32]byte
	sd[0] = seed
	return domain.PrincipalOf(ed25519.NewKeyFromSeed(sd[:]).Public().(ed25519.PublicKey))
}

var (
	alice = principal(1)
	bob   = principal(2)
	carol = principal(3)
)

// market drives a ledger through a realistic history.
type market struct {
	l      *ledger.Ledger
	store  *state.MemoryStore
	signer *proof.Signer
}

func newMarket(t *testing.T, b *bus.Bus) *market {
	t.Helper()
	s, err := proof.NewSigner([]byte("audit-test-input-verifier-ikm-0123456789"))
	if err != nil { t.Fatalf("signer: %v", err) }
	v, err := proof.NewVerifier(program, s.PublicKey())
	if err != nil { t.Fatalf("verifier: %v", err) }
	st := state.NewMemoryStore()
	l, err := ledger.Open(context.Background(), ledger.Config{Store: st, Admitter: v, Bus: b})
	if err != nil { t.Fatalf("open: %v", err) }
	return &market{l: l, store: st, signer: s}
}

func (m *market) sell(t *testing.T, owner domain.Principal, cat domain.Category, h domain.Handle, price uint64) domain.ListingID {
	t.Helper()
	ctx := context.Background()
	raw, err := m.signer.Sign(program, owner, h)
	if err != nil { t.Fatalf("sign: %v", err) }
	id, err := m.l.Submit(ctx, owner, cat, h, raw)
	if err != nil { t.Fatalf("submit: %v", err) }
	if err := m.l.SetPrice(ctx, owner, id, price); err != nil { t.Fatalf("price: %v", err) }
	if err := m.l.List(ctx, owner, id); err != nil { t.Fatalf("list: %v", err) }
	return id
}

func (m *market) history(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h1 := m.sell(t, alice, domain.CategoryHealth, domain.Handle{1}, 500)
	h2 := m.sell(t, alice, domain.CategoryFinancial, domain.Handle{2}, 120)
	c1 := m.sell(t, carol, domain.CategoryIdentity, domain.Handle{3}, 40)
	for _, p := range []struct {
		id    domain.ListingID
		buyer domain.Principal
		amt   uint64
	}{{h1, bob, 500}, {h2, bob, 120}, {c1, bob, 40}, {c1, alice, 40}, {h1, carol, 500}} {
		if _, err := m.l.Purchase(ctx, p.id, p.buyer, p.amt); err != nil { t.Fatalf("purchase: %v", err) }
	}
	if _, err := m.l.Claim(ctx, alice); err != nil { t.Fatalf("claim: %v", err) }
	// re-purchase after a reprice does not add a second grant
	if err := m.l.SetPrice(ctx, carol, c1, 60); err != nil { t.Fatalf("reprice: %v", err) }
	if _, err := m.l.Purchase(ctx, c1, bob, 60); err != nil { t.Fatalf("repurchase: %v", err) }
	// resubmitting supersedes the old listing
	if err := m.l.Unlist(ctx, alice, h1); err != nil { t.Fatalf("unlist: %v", err) }
	m.sell(t, alice, domain.CategoryHealth, domain.Handle{4}, 700)
}

func TestReplay_MatchesLedger(t *testing.T) {
	m := newMarket(t, nil)
	m.history(t)
	evs, err := m.l.Events(context.Background(), 0, 0)
	if err != nil { t.Fatalf("events: %v", err) }
	rc, err := Replay(evs)
	if err != nil { t.Fatalf("replay: %v", err) }
	if rc.Seq != m.l.Seq() { t.Fatalf("seq: %d vs %d", rc.Seq, m.l.Seq()) }
	if d := rc.Compare(m.l.Balances(), m.l.AllEntitlements()); len(d) != 0 { t.Fatalf("mismatch: %+v", d) }
	if rc.Balances[carol] != 140 || rc.Balances[alice] != 0 || rc.Claimed != 1120 { t.Fatalf("balances: %+v claimed %d", rc.Balances, rc.Claimed) }
	if !rc.IsEntitled(domain.Handle{1}, bob) || !rc.IsEntitled(domain.Handle{4}, alice) || rc.IsEntitled(domain.Handle{2}, carol) {
		t.Fatalf("entitlements: %+v", rc.Entitlements)
	}
	if rc.Purchases != 6 { t.Fatalf("purchases: %d", rc.Purchases) }
}

func TestReplay_DetectsDivergence(t *testing.T) {
	m := newMarket(t, nil)
	m.history(t)
	evs, _ := m.l.Events(context.Background(), 0, 0)
	rc, _ := Replay(evs)
	bal := m.l.Balances()
	bal[carol]++
	d := rc.Compare(bal, m.l.AllEntitlements())
	if len(d) != 2 || d[0].What != "balance" || d[1].What != "conservation" { t.Fatalf("want balance+conservation mismatch, got %+v", d) }
	if d := rc.Compare(m.l.Balances(), m.l.AllEntitlements()[1:]); len(d) == 0 { t.Fatalf("dropped grant not detected") }
}

func TestReplay_Gap(t *testing.T) {
	evs := []domain.Event{
		{Seq: 1, Type: domain.EventListingCreated, Owner: alice, Handle: domain.HandlePtr(domain.Handle{1})},
		{Seq: 3, Type: domain.EventListingListed},
	}
	if _, err := Replay(evs); !errors.Is(err, ErrGap) { t.Fatalf("want gap, got %v", err) }
	if _, err := Replay(evs[1:]); !errors.Is(err, ErrGap) { t.Fatalf("log must start at 1, got %v", err) }
}

func TestReplay_Inconsistent(t *testing.T) {
	h := domain.HandlePtr(domain.Handle{1})
	base := []domain.Event{
		{Seq: 1, Type: domain.EventListingCreated, Owner: alice, Handle: h},
		{Seq: 2, Type: domain.EventPurchased, Seller: alice, Buyer: bob, Handle: h, Price: 10, Amount: 10},
	}
	cases := map[string]domain.Event{
		"over claim":      {Seq: 3, Type: domain.EventClaimed, Seller: alice, Amount: 11},
		"foreign seller":  {Seq: 3, Type: domain.EventPurchased, Seller: carol, Buyer: bob, Handle: h, Price: 10, Amount: 10},
		"wrong payment":   {Seq: 3, Type: domain.EventPurchased, Seller: alice, Buyer: carol, Handle: h, Price: 10, Amount: 9},
		"double admit":    {Seq: 3, Type: domain.EventListingCreated, Owner: carol, Handle: h},
		"unknown handle":  {Seq: 3, Type: domain.EventPurchased, Seller: alice, Buyer: bob, Handle: domain.HandlePtr(domain.Handle{9}), Price: 1, Amount: 1},
	}
	for name, ev := range cases {
		if _, err := Replay(append(append([]domain.Event(nil), base...), ev)); !errors.Is(err, ErrInconsistent) {
			t.Fatalf("%s: want inconsistent, got %v", name, err)
		}
	}
}

func TestJournal_AppendReadAll(t *testing.T) {
	metrics.Reset()
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	j := NewJournal(path)
	for _, s := range []uint64{1, 2, 2, 3, 1} {
		if err := j.Append(domain.Event{Seq: s, Type: domain.EventListingListed}); err != nil { t.Fatalf("append %d: %v", s, err) }
	}
	evs, err := j.ReadAll()
	if err != nil || len(evs) != 3 || evs[2].Seq != 3 { t.Fatalf("read: %+v %v", evs, err) }
	dump := metrics.DumpProm()
	if !strings.Contains(dump, `audit_journal_appends_total{result="ok"} 3`) || !strings.Contains(dump, `audit_journal_appends_total{result="skipped"} 2`) {
		t.Fatalf("metrics: %s", dump)
	}
	if last, err := NewJournal(path).LastSeq(); err != nil || last != 3 { t.Fatalf("reopen last: %d %v", last, err) }
}

func TestJournal_TornTailAndCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := NewJournal(path)
	_ = j.Append(domain.Event{Seq: 1})
	_ = j.Append(domain.Event{Seq: 2})
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	_, _ = f.WriteString(`{"seq":3,"ty`)
	_ = f.Close()
	evs, err := ReadJournal(path)
	if err != nil || len(evs) != 2 { t.Fatalf("torn tail: %d %v", len(evs), err) }
	// reopening for append cuts the partial line
	j = NewJournal(path)
	if err := j.Append(domain.Event{Seq: 3}); err != nil { t.Fatalf("append after torn tail: %v", err) }
	if evs, err := ReadJournal(path); err != nil || len(evs) != 3 || evs[2].Seq != 3 { t.Fatalf("after repair: %d %v", len(evs), err) }

	raw, _ := os.ReadFile(path)
	_ = os.WriteFile(path, append([]byte("garbage\n"), raw...), 0o600)
	if _, err := ReadJournal(path); !errors.Is(err, ErrCorruptJournal) { t.Fatalf("want corrupt, got %v", err) }
	if last, err := NewJournal(filepath.Join(t.TempDir(), "none")).LastSeq(); err != nil || last != 0 { t.Fatalf("missing file: %d %v", last, err) }
}

type recordingSink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recordingSink) Publish(_ context.Context, env Envelope) {
	r.mu.Lock(); r.envs = append(r.envs, env); r.mu.Unlock()
}

func (r *recordingSink) seqs(kind bus.Kind) []uint64 {
	r.mu.Lock(); defer r.mu.Unlock()
	var out []uint64
	for _, e := range r.envs {
		if e.Kind == kind { out = append(out, e.Seq) }
	}
	return out
}

func TestExporter_FollowsBus(t *testing.T) {
	b := bus.New(1024)
	m := newMarket(t, b)
	sink := &recordingSink{}
	j := NewJournal(filepath.Join(t.TempDir(), "events.jsonl"))
	e := NewExporter(b, j, m.l, sink)
	if err := e.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
	defer e.Stop(context.Background())
	m.history(t)
	b.Publish(context.Background(), bus.Event{Kind: bus.KindDecrypt, Body: map[string]string{"result": "ok"}})

	deadline := time.Now().Add(3 * time.Second)
	for (e.Last() != m.l.Seq() || len(sink.seqs(bus.KindDecrypt)) == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Last() != m.l.Seq() { t.Fatalf("exported %d of %d", e.Last(), m.l.Seq()) }
	evs, err := j.ReadAll()
	if err != nil { t.Fatalf("journal: %v", err) }
	rc, err := Replay(evs)
	if err != nil { t.Fatalf("replay journal: %v", err) }
	if d := rc.Compare(m.l.Balances(), m.l.AllEntitlements()); len(d) != 0 { t.Fatalf("mismatch: %+v", d) }
	got := sink.seqs(bus.KindLedger)
	for i, s := range got {
		if s != uint64(i+1) { t.Fatalf("sink order: %v", got) }
	}
}

func TestExporter_BackfillsGapsAndResumes(t *testing.T) {
	m := newMarket(t, nil)
	m.history(t)
	dir := t.TempDir()
	j := NewJournal(filepath.Join(dir, "events.jsonl"))
	evs, _ := m.l.Events(context.Background(), 0, 0)
	for _, ev := range evs[:3] { _ = j.Append(ev) }

	// no bus: Start alone catches up from the committed log
	e := NewExporter(nil, j, m.l)
	if err := e.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
	if e.Last() != m.l.Seq() { t.Fatalf("catch-up: %d of %d", e.Last(), m.l.Seq()) }
	_ = e.Stop(context.Background())

	// a jump on the bus pulls the missing range from the source first
	metrics.Reset()
	m.sell(t, bob, domain.CategoryIdentity, domain.Handle{5}, 9)
	after, _ := m.l.Events(context.Background(), e.Last(), 0)
	if len(after) != 3 { t.Fatalf("want 3 new events, got %d", len(after)) }
	e.handle(context.Background(), bus.Event{Kind: bus.KindLedger, Seq: after[2].Seq, Body: after[2]})
	if e.Last() != m.l.Seq() { t.Fatalf("after gap: %d of %d", e.Last(), m.l.Seq()) }
	if !strings.Contains(metrics.DumpProm(), "audit_gaps_total 1") { t.Fatalf("metrics: %s", metrics.DumpProm()) }
	all, _ := j.ReadAll()
	if _, err := Replay(all); err != nil { t.Fatalf("journal replay: %v", err) }
}

func TestWebhookSink_Publish(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock(); got = append(got, r.Header.Get("Content-Type")); mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	ws := WebhookSink{URL: srv.URL, Timeout: 200 * time.Millisecond}
	ws.Publish(context.Background(), Envelope{Kind: bus.KindLedger, Seq: 1, Body: domain.Event{Seq: 1}})
	if len(got) != 1 || got[0] != "application/json" { t.Fatalf("calls: %v", got) }
}

func TestWebhookSink_Failures(t *testing.T) {
	metrics.Reset()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }))
	defer srv.Close()
	WebhookSink{URL: srv.URL}.Publish(context.Background(), Envelope{})
	WebhookSink{URL: "://bad"}.Publish(context.Background(), Envelope{})
	WebhookSink{}.Publish(context.Background(), Envelope{})
	dump := metrics.DumpProm()
	if !strings.Contains(dump, `audit_webhook_total{result="remote_error"} 1`) || !strings.Contains(dump, `audit_webhook_total{result="request_error"} 1`) {
		t.Fatalf("metrics: %s", dump)
	}
}

type skewedView struct {
	*ledger.Ledger
	extra domain.Principal
}

func (v skewedView) Balances() map[domain.Principal]uint64 {
	b := v.Ledger.Balances()
	b[v.extra] += 7
	return b
}

func TestVerify(t *testing.T) {
	m := newMarket(t, nil)
	m.history(t)
	j := NewJournal(filepath.Join(t.TempDir(), "events.jsonl"))
	evs, _ := m.l.Events(context.Background(), 0, 0)
	for _, ev := range evs[:len(evs)-1] { _ = j.Append(ev) }

	metrics.Reset()
	if _, err := Verify(j, m.l); !errors.Is(err, ErrLagging) { t.Fatalf("want lagging, got %v", err) }
	_ = j.Append(evs[len(evs)-1])
	d, err := Verify(j, m.l)
	if err != nil || len(d) != 0 { t.Fatalf("verify: %v %+v", err, d) }
	d, err = Verify(j, skewedView{Ledger: m.l, extra: bob})
	if err != nil || len(d) == 0 { t.Fatalf("skew not detected: %v", err) }
	dump := metrics.DumpProm()
	for _, want := range []string{`audit_verify_total{result="lagging"} 1`, `audit_verify_total{result="ok"} 1`, `audit_verify_total{result="mismatch"} 1`} {
		if !strings.Contains(dump, want) { t.Fatalf("missing %s in %s", want, dump) }
	}
}
