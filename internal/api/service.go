package api

import (
	"time"

	"github.com/zmlAEQ/datachain/internal/ledger"
	"github.com/zmlAEQ/datachain/pkg/httpx"
)

// NewService serves the ledger API for l on addr.
func NewService(addr string, l *ledger.Ledger, skew time.Duration) *httpx.Server {
	h := NewHandler(l)
	h.SetSkew(skew)
	return httpx.NewServer("ledger-api", addr, h.Routes())
}
