package relayer

import "github.com/zmlAEQ/datachain/pkg/httpx"

// NewService serves the coordinator's HTTP handler on addr.
func NewService(addr string, c *Coordinator) *httpx.Server {
	return httpx.NewServer("relayer-http", addr, NewHandler(c).Routes())
}
