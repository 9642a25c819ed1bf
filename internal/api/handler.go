// Package api serves the ledger over HTTP. Mutations are authenticated by
// an ed25519 signature over the request; reads are public.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/ledger"
	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// Handler maps HTTP requests onto ledger operations.
type Handler struct {
	l        *ledger.Ledger
	now      func() time.Time
	skew     time.Duration
	decimals int32
}

func NewHandler(l *ledger.Ledger) *Handler {
	return &Handler{l: l, now: time.Now, skew: DefaultSkew, decimals: domain.DefaultDecimals}
}

// SetClock overrides the clock used for the signature window.
func (h *Handler) SetClock(now func() time.Time) { if now != nil { h.now = now } }

// SetSkew overrides the accepted timestamp drift.
func (h *Handler) SetSkew(d time.Duration) { if d > 0 { h.skew = d } }

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, trace.Middleware, observeRequests)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "seq": h.l.Seq()})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/listings", h.listListings)
		r.Get("/listings/{id}", h.getListing)
		r.Get("/balances/{principal}", h.getBalance)
		r.Get("/entitlements/{principal}", h.listEntitlements)
		r.Get("/entitlements/{handle}/{principal}", h.getEntitlement)
		r.Get("/events", h.listEvents)
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) { httpx.WriteJSON(w, http.StatusOK, h.l.Stats()) })

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Post("/listings", h.submit)
			r.Put("/listings/{id}/price", h.setPrice)
			r.Post("/listings/{id}/list", h.list)
			r.Post("/listings/{id}/unlist", h.unlist)
			r.Post("/listings/{id}/purchase", h.purchase)
			r.Post("/claim", h.claim)
		})
	})
	return r
}

// observeRequests counts responses per route pattern and status.
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" { route = "unmatched" }
		status := ww.Status()
		if status == 0 { status = http.StatusOK }
		metrics.Inc("api_requests_total", map[string]string{"route": route, "method": r.Method, "code": strconv.Itoa(status)})
		metrics.ObserveSummary("api_request_ms", map[string]string{"route": route}, float64(time.Since(start).Milliseconds()))
		if status >= 500 {
			logger.ErrorJ("api_request", map[string]any{"route": route, "method": r.Method, "code": status, "trace_id": trace.ID(r.Context())})
		}
	})
}

func writeErr(w http.ResponseWriter, err error) {
	httpx.WriteError(w, domain.HTTPStatus(err), domain.Code(err), err.Error(), map[string]any{"kind": string(domain.Kind(err))})
}

func badRequest(w http.ResponseWriter, err error) {
	httpx.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
}

func caller(r *http.Request) domain.Principal {
	p, _ := Caller(r.Context())
	return p
}

func listingID(r *http.Request) (domain.ListingID, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n == 0 { return 0, domain.ErrNotFound }
	return domain.ListingID(n), nil
}

// SubmitRequest admits a ciphertext handle under the caller's identity.
type SubmitRequest struct {
	Category domain.Category `json:"category"`
	Handle   domain.Handle   `json:"handle"`
	Proof    []byte          `json:"proof"`
}

type PriceRequest struct {
	Price uint64 `json:"price"`
}

// PurchaseRequest carries a fresh nonce per purchase; the ledger rejects a
// nonce the caller has spent before, so a replayed signed request settles
// nothing.
type PurchaseRequest struct {
	Payment uint64 `json:"payment"`
	Nonce   string `json:"nonce"`
}

const maxNonce = 128

type ClaimResponse struct {
	Amount  uint64 `json:"amount"`
	Display string `json:"display"`
}

type BalanceResponse struct {
	Principal domain.Principal `json:"principal"`
	Balance   uint64           `json:"balance"`
	Display   string           `json:"display"`
}

type EntitlementResponse struct {
	Handle      domain.Handle       `json:"handle"`
	Principal   domain.Principal    `json:"principal"`
	Entitled    bool                `json:"entitled"`
	Entitlement *domain.Entitlement `json:"entitlement,omitempty"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
	Next   uint64         `json:"next"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := httpx.ReadJSON(r, &req); err != nil { badRequest(w, err); return }
	id, err := h.l.Submit(r.Context(), caller(r), req.Category, req.Handle, req.Proof)
	if err != nil { writeErr(w, err); return }
	lst, _ := h.l.Listing(id)
	httpx.WriteJSON(w, http.StatusCreated, lst)
}

func (h *Handler) setPrice(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil { writeErr(w, err); return }
	var req PriceRequest
	if err := httpx.ReadJSON(r, &req); err != nil { badRequest(w, err); return }
	if err := h.l.SetPrice(r.Context(), caller(r), id, req.Price); err != nil { writeErr(w, err); return }
	h.writeListing(w, id)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil { writeErr(w, err); return }
	if err := h.l.List(r.Context(), caller(r), id); err != nil { writeErr(w, err); return }
	h.writeListing(w, id)
}

func (h *Handler) unlist(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil { writeErr(w, err); return }
	if err := h.l.Unlist(r.Context(), caller(r), id); err != nil { writeErr(w, err); return }
	h.writeListing(w, id)
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil { writeErr(w, err); return }
	var req PurchaseRequest
	if err := httpx.ReadJSON(r, &req); err != nil { badRequest(w, err); return }
	if req.Nonce == "" || len(req.Nonce) > maxNonce { badRequest(w, fmt.Errorf("nonce must be 1-%d bytes", maxNonce)); return }
	rc, err := h.l.PurchaseOnce(r.Context(), id, caller(r), req.Payment, req.Nonce)
	if err != nil { writeErr(w, err); return }
	httpx.WriteJSON(w, http.StatusCreated, rc)
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	amt, err := h.l.Claim(r.Context(), caller(r))
	if err != nil { writeErr(w, err); return }
	httpx.WriteJSON(w, http.StatusOK, ClaimResponse{Amount: amt, Display: domain.FormatAmount(amt, h.decimals)})
}

func (h *Handler) getListing(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil { writeErr(w, err); return }
	h.writeListing(w, id)
}

func (h *Handler) writeListing(w http.ResponseWriter, id domain.ListingID) {
	lst, ok := h.l.Listing(id)
	if !ok { writeErr(w, domain.ErrNotFound); return }
	httpx.WriteJSON(w, http.StatusOK, lst)
}

func (h *Handler) listListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{ListedOnly: q.Get("listed") == "true", History: q.Get("history") == "true"}
	if s := q.Get("owner"); s != "" {
		p, err := domain.ParsePrincipal(s)
		if err != nil { writeErr(w, err); return }
		f.Owner = p
	}
	if s := q.Get("category"); s != "" {
		c, err := domain.ParseCategory(s)
		if err != nil { writeErr(w, err); return }
		f.Category = c
	}
	out := h.l.Listings(f)
	if out == nil { out = []domain.Listing{} }
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"listings": out})
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil { writeErr(w, err); return }
	bal := h.l.Balance(p)
	httpx.WriteJSON(w, http.StatusOK, BalanceResponse{Principal: p, Balance: bal, Display: domain.FormatAmount(bal, h.decimals)})
}

func (h *Handler) getEntitlement(w http.ResponseWriter, r *http.Request) {
	hd, err := domain.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil { writeErr(w, domain.ErrUnknownHandle); return }
	p, err := domain.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil { writeErr(w, err); return }
	ok, err := h.l.IsEntitled(hd, p)
	if err != nil { writeErr(w, err); return }
	resp := EntitlementResponse{Handle: hd, Principal: p, Entitled: ok}
	if e, found := h.l.Entitlement(hd, p); found { resp.Entitlement = &e }
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) listEntitlements(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil { writeErr(w, err); return }
	out := h.l.Entitlements(p)
	if out == nil { out = []domain.Entitlement{} }
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entitlements": out})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, limit := uint64(0), defaultEventPage
	if s := q.Get("after"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil { badRequest(w, err); return }
		after = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 { badRequest(w, strconv.ErrSyntax); return }
		limit = min(n, maxEventPage)
	}
	evs, err := h.l.Events(r.Context(), after, limit)
	if err != nil { writeErr(w, err); return }
	if evs == nil { evs = []domain.Event{} }
	next := after
	if n := len(evs); n > 0 { next = evs[n-1].Seq }
	httpx.WriteJSON(w, http.StatusOK, EventsResponse{Events: evs, Next: next})
}
