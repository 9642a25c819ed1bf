// Package httpx holds the JSON request/response helpers shared by the
// ledger API, the relayer and the oracle endpoints.
package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// MaxBody caps request bodies read by ReadJSON.
const MaxBody = 4 << 20

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// Error is the decoded form of a WriteError body on the client side.
type Error struct {
	Status    int
	RequestID string
	Code      string
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// DecodeError reads an error body from resp. Bodies that are not in the
// WriteError shape still produce an *Error carrying the status.
func DecodeError(resp *http.Response) *Error {
	var body struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	out := &Error{Status: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		out.RequestID, out.Code, out.Message = body.RequestID, body.Error.Code, body.Error.Message
	}
	if out.Code == "" { out.Code = http.StatusText(resp.StatusCode) }
	return out
}
