package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

// Handler exposes the coordinator over HTTP.
type Handler struct{ c *Coordinator }

func NewHandler(c *Coordinator) *Handler { return &Handler{c: c} }

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(trace.Middleware)
	r.Post("/v1/decrypt", h.decrypt)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { httpx.WriteJSON(w, 200, map[string]string{"status": "ok"}) })
	return r
}

func (h *Handler) decrypt(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	resp, err := h.c.Serve(r.Context(), req)
	if err != nil {
		details := map[string]any{"kind": string(domain.Kind(err))}
		httpx.WriteError(w, domain.HTTPStatus(err), domain.Code(err), err.Error(), details)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Client calls a remote relayer.
type Client struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

// Decrypt posts req and returns the sealed response. Error codes from the
// relayer come back wrapped around their domain sentinel.
func (c *Client) Decrypt(ctx context.Context, req Request) (Response, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	b, err := json.Marshal(req)
	if err != nil { return Response{}, err }
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/v1/decrypt", bytes.NewReader(b))
	if err != nil { return Response{}, err }
	hr.Header.Set("Content-Type", "application/json")
	if id := trace.ID(ctx); id != "" { hr.Header.Set(trace.Header, id) }
	hc := c.HTTP
	if hc == nil { hc = http.DefaultClient }
	resp, err := hc.Do(hr)
	if err != nil { return Response{}, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err) }
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e := httpx.DecodeError(resp)
		if s := domain.FromCode(e.Code); s != nil { return Response{}, fmt.Errorf("%w: %s", s, e.Message) }
		return Response{}, e
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil { return Response{}, err }
	return out, nil
}
