package scheme

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
	"github.com/zmlAEQ/datachain/pkg/trace"
)

type decryptRequest struct {
	Handle  domain.Handle  `json:"handle"`
	Context DecryptContext `json:"context"`
}

type decryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

type inputRequest struct {
	Submitter domain.Principal `json:"submitter"`
	Plaintext []byte           `json:"plaintext"`
}

// Info describes a remote oracle: its program and input verifier key.
type Info struct {
	Program       domain.ProgramID `json:"program"`
	InputVerifier string           `json:"input_verifier"`
}

// OracleHandler serves an Oracle (and optionally an InputService) over HTTP.
// Every request must carry "Authorization: Bearer <token>" when token is set.
type OracleHandler struct {
	oracle Oracle
	input  *InputService
	info   Info
	token  string
}

func NewOracleHandler(o Oracle, in *InputService, info Info, token string) *OracleHandler {
	return &OracleHandler{oracle: o, input: in, info: info, token: token}
}

func (h *OracleHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(trace.Middleware)
	r.Use(h.auth)
	r.Post("/v1/oracle/decrypt", h.decrypt)
	r.Post("/v1/oracle/inputs", h.inputs)
	r.Get("/v1/oracle/info", func(w http.ResponseWriter, r *http.Request) { httpx.WriteJSON(w, 200, h.info) })
	return r
}

func (h *OracleHandler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				httpx.WriteError(w, 401, "unauthorized", "bad oracle token", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *OracleHandler) decrypt(w http.ResponseWriter, r *http.Request) {
	var req decryptRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "bad_request", err.Error(), nil)
		return
	}
	pt, err := h.oracle.Decrypt(r.Context(), req.Handle, req.Context)
	res := oracleResult(err)
	metrics.Inc("scheme_oracle_requests_total", map[string]string{"result": res})
	switch res {
	case "ok":
		httpx.WriteJSON(w, 200, decryptResponse{Plaintext: pt})
		domain.Plaintext(pt).Wipe()
	case "unknown_handle":
		httpx.WriteError(w, 404, res, err.Error(), nil)
	case "integrity":
		logger.ErrorJ("scheme_oracle", map[string]any{"op": "decrypt", "result": res, "handle": req.Handle.String(), "err": err.Error(), "trace_id": trace.ID(r.Context())})
		httpx.WriteError(w, 422, res, err.Error(), nil)
	default:
		httpx.WriteError(w, 503, res, err.Error(), nil)
	}
}

func (h *OracleHandler) inputs(w http.ResponseWriter, r *http.Request) {
	if h.input == nil {
		httpx.WriteError(w, 404, "not_found", "input endpoint disabled", nil)
		return
	}
	var req inputRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "bad_request", err.Error(), nil)
		return
	}
	in, err := h.input.Encrypt(r.Context(), req.Submitter, req.Plaintext)
	if errors.Is(err, domain.ErrInvalidPrincipal) {
		httpx.WriteError(w, 422, domain.Code(err), err.Error(), nil)
		return
	}
	if err != nil {
		httpx.WriteError(w, 500, "internal", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, in)
}

func oracleResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownHandle):
		return "unknown_handle"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	default:
		return "unavailable"
	}
}

// HTTPOracle is the client side of OracleHandler. Transport failures,
// timeouts and 5xx answers map to ErrUnavailable; 422 to ErrIntegrity;
// 404 to ErrUnknownHandle.
type HTTPOracle struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

func (o *HTTPOracle) Decrypt(ctx context.Context, h domain.Handle, dc DecryptContext) (domain.Plaintext, error) {
	var out decryptResponse
	if err := o.post(ctx, "/v1/oracle/decrypt", decryptRequest{Handle: h, Context: dc}, &out); err != nil {
		return nil, err
	}
	return domain.Plaintext(out.Plaintext), nil
}

// Encrypt asks the remote input endpoint to encrypt plaintext for submitter.
func (o *HTTPOracle) Encrypt(ctx context.Context, submitter domain.Principal, plaintext []byte) (Input, error) {
	var out Input
	err := o.post(ctx, "/v1/oracle/inputs", inputRequest{Submitter: submitter, Plaintext: plaintext}, &out)
	return out, err
}

func (o *HTTPOracle) Info(ctx context.Context) (Info, error) {
	var out Info
	err := o.do(ctx, http.MethodGet, "/v1/oracle/info", nil, &out)
	return out, err
}

func (o *HTTPOracle) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil { return err }
	return o.do(ctx, http.MethodPost, path, b, out)
}

func (o *HTTPOracle) do(ctx context.Context, method, path string, body []byte, out any) error {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil { return err }
	req.Header.Set("Content-Type", "application/json")
	if o.Token != "" { req.Header.Set("Authorization", "Bearer "+o.Token) }
	if id := trace.ID(ctx); id != "" { req.Header.Set(trace.Header, id) }
	c := o.Client
	if c == nil { c = http.DefaultClient }
	resp, err := c.Do(req)
	if err != nil { return errors.Join(ErrUnavailable, err) }
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == 200:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil { return errors.Join(ErrUnavailable, err) }
		return nil
	case resp.StatusCode == 404:
		return fmt.Errorf("%w: %s", ErrUnknownHandle, httpx.DecodeError(resp).Message)
	case resp.StatusCode == 422:
		return fmt.Errorf("%w: %s", ErrIntegrity, httpx.DecodeError(resp).Message)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %v", ErrUnavailable, httpx.DecodeError(resp))
	default:
		return httpx.DecodeError(resp)
	}
}

var _ Oracle = (*HTTPOracle)(nil)
