package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// Caller identity headers. The signature is ed25519 over SigningString.
const (
	HeaderPrincipal = "X-Datachain-Principal"
	HeaderTimestamp = "X-Datachain-Timestamp"
	HeaderSignature = "X-Datachain-Signature"
)

// DefaultSkew bounds how far a request timestamp may drift from the server
// clock.
const DefaultSkew = 5 * time.Minute

// SigningString is METHOD\npath?query\nunix-ts\nhex(sha256(body)).
func SigningString(method, pathWithQuery, ts string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + "\n" + pathWithQuery + "\n" + ts + "\n" + hex.EncodeToString(sum[:]))
}

func pathWithQuery(r *http.Request) string {
	p := r.URL.EscapedPath()
	if r.URL.RawQuery != "" { p += "?" + r.URL.RawQuery }
	return p
}

// Sign sets the identity headers on req for body.
func Sign(req *http.Request, priv ed25519.PrivateKey, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ed25519.Sign(priv, SigningString(req.Method, pathWithQuery(req), ts, body))
	req.Header.Set(HeaderPrincipal, string(domain.PrincipalOf(priv.Public().(ed25519.PublicKey))))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
}

type callerKey struct{}

// Caller returns the authenticated principal set by the auth middleware.
func Caller(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(callerKey{}).(domain.Principal)
	return p, ok
}

var errAuth = errors.New("unauthenticated")

// verify checks the identity headers of r against body.
func verify(r *http.Request, body []byte, now time.Time, skew time.Duration) (domain.Principal, error) {
	p, err := domain.ParsePrincipal(r.Header.Get(HeaderPrincipal))
	if err != nil { return "", fmt.Errorf("%w: principal", errAuth) }
	ts := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil { return "", fmt.Errorf("%w: timestamp", errAuth) }
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew { return "", fmt.Errorf("%w: timestamp outside window", errAuth) }
	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil { return "", fmt.Errorf("%w: signature encoding", errAuth) }
	pub, err := p.PublicKey()
	if err != nil { return "", fmt.Errorf("%w: principal", errAuth) }
	if !ed25519.Verify(pub, SigningString(r.Method, pathWithQuery(r), ts, body), sig) {
		return "", fmt.Errorf("%w: signature", errAuth)
	}
	return p, nil
}

// authenticate buffers the body, verifies the identity headers and stores
// the caller in the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBody))
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		p, err := verify(r, body, h.now(), h.skew)
		if err != nil {
			metrics.Inc("api_auth_total", map[string]string{"result": "rejected"})
			httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", err.Error(), nil)
			return
		}
		metrics.Inc("api_auth_total", map[string]string{"result": "ok"})
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, p)))
	})
}
