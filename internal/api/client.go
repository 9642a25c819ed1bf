package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/ledger"
	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

// Client calls a ledger node. Key is only needed for mutations.
type Client struct {
	BaseURL string
	Key     ed25519.PrivateKey
	Timeout time.Duration
	HTTP    *http.Client
	Now     func() time.Time
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, signed bool) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil { return err }
		body = b
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil { return err }
	if in != nil { req.Header.Set("Content-Type", "application/json") }
	if id := trace.ID(ctx); id != "" { req.Header.Set(trace.Header, id) }
	if signed {
		if c.Key == nil { return fmt.Errorf("api client: signing key required for %s %s", method, path) }
		now := time.Now()
		if c.Now != nil { now = c.Now() }
		Sign(req, c.Key, body, now)
	}
	hc := c.HTTP
	if hc == nil { hc = http.DefaultClient }
	resp, err := hc.Do(req)
	if err != nil { return err }
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e := httpx.DecodeError(resp)
		if s := domain.FromCode(e.Code); s != nil { return fmt.Errorf("%w: %s", s, e.Message) }
		return e
	}
	if out == nil { return nil }
	return json.NewDecoder(resp.Body).Decode(out)
}

func listingPath(id domain.ListingID, suffix string) string {
	return "/v1/listings/" + strconv.FormatUint(uint64(id), 10) + suffix
}

func (c *Client) Submit(ctx context.Context, cat domain.Category, h domain.Handle, proof []byte) (domain.Listing, error) {
	var out domain.Listing
	err := c.do(ctx, http.MethodPost, "/v1/listings", SubmitRequest{Category: cat, Handle: h, Proof: proof}, &out, true)
	return out, err
}

func (c *Client) SetPrice(ctx context.Context, id domain.ListingID, price uint64) (domain.Listing, error) {
	var out domain.Listing
	err := c.do(ctx, http.MethodPut, listingPath(id, "/price"), PriceRequest{Price: price}, &out, true)
	return out, err
}

func (c *Client) List(ctx context.Context, id domain.ListingID) (domain.Listing, error) {
	var out domain.Listing
	err := c.do(ctx, http.MethodPost, listingPath(id, "/list"), nil, &out, true)
	return out, err
}

func (c *Client) Unlist(ctx context.Context, id domain.ListingID) (domain.Listing, error) {
	var out domain.Listing
	err := c.do(ctx, http.MethodPost, listingPath(id, "/unlist"), nil, &out, true)
	return out, err
}

// Purchase buys id with a fresh random nonce.
func (c *Client) Purchase(ctx context.Context, id domain.ListingID, payment uint64) (domain.Receipt, error) {
	return c.PurchaseOnce(ctx, id, payment, uuid.NewString())
}

// PurchaseOnce buys id under nonce. Retrying with the same nonce after a lost
// answer cannot charge twice.
func (c *Client) PurchaseOnce(ctx context.Context, id domain.ListingID, payment uint64, nonce string) (domain.Receipt, error) {
	var out domain.Receipt
	err := c.do(ctx, http.MethodPost, listingPath(id, "/purchase"), PurchaseRequest{Payment: payment, Nonce: nonce}, &out, true)
	return out, err
}

func (c *Client) Claim(ctx context.Context) (uint64, error) {
	var out ClaimResponse
	err := c.do(ctx, http.MethodPost, "/v1/claim", nil, &out, true)
	return out.Amount, err
}

func (c *Client) Listing(ctx context.Context, id domain.ListingID) (domain.Listing, error) {
	var out domain.Listing
	err := c.do(ctx, http.MethodGet, listingPath(id, ""), nil, &out, false)
	return out, err
}

func (c *Client) Listings(ctx context.Context, f ledger.Filter) ([]domain.Listing, error) {
	q := url.Values{}
	if f.Owner != "" { q.Set("owner", string(f.Owner)) }
	if f.Category != "" { q.Set("category", string(f.Category)) }
	if f.ListedOnly { q.Set("listed", "true") }
	if f.History { q.Set("history", "true") }
	path := "/v1/listings"
	if len(q) > 0 { path += "?" + q.Encode() }
	var out struct {
		Listings []domain.Listing `json:"listings"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out, false)
	return out.Listings, err
}

func (c *Client) Balance(ctx context.Context, p domain.Principal) (BalanceResponse, error) {
	var out BalanceResponse
	err := c.do(ctx, http.MethodGet, "/v1/balances/"+string(p), nil, &out, false)
	return out, err
}

func (c *Client) Entitlement(ctx context.Context, h domain.Handle, p domain.Principal) (EntitlementResponse, error) {
	var out EntitlementResponse
	err := c.do(ctx, http.MethodGet, "/v1/entitlements/"+h.String()+"/"+string(p), nil, &out, false)
	return out, err
}

// CheckEntitlement lets a relayer read entitlements from a remote node.
func (c *Client) CheckEntitlement(ctx context.Context, h domain.Handle, p domain.Principal) (bool, error) {
	e, err := c.Entitlement(ctx, h, p)
	if err != nil { return false, err }
	return e.Entitled, nil
}

func (c *Client) Entitlements(ctx context.Context, p domain.Principal) ([]domain.Entitlement, error) {
	var out struct {
		Entitlements []domain.Entitlement `json:"entitlements"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/entitlements/"+string(p), nil, &out, false)
	return out.Entitlements, err
}

func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	path := "/v1/events?after=" + strconv.FormatUint(after, 10)
	if limit > 0 { path += "&limit=" + strconv.Itoa(limit) }
	var out EventsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out, false)
	return out.Events, err
}

// AllEvents pages through the whole log.
func (c *Client) AllEvents(ctx context.Context) ([]domain.Event, error) {
	var all []domain.Event
	var after uint64
	for {
		evs, err := c.Events(ctx, after, maxEventPage)
		if err != nil { return all, err }
		if len(evs) == 0 { return all, nil }
		all = append(all, evs...)
		after = evs[len(evs)-1].Seq
	}
}

func (c *Client) Stats(ctx context.Context) (ledger.Stats, error) {
	var out ledger.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out, false)
	return out, err
}
