package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zmlAEQ/datachain/pkg/lifecycle"
	"github.com/zmlAEQ/datachain/pkg/logger"
)

// Server runs one handler under the lifecycle manager.
type Server struct {
	name string
	addr string
	h    http.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

var _ lifecycle.Service = (*Server)(nil)

func NewServer(name, addr string, h http.Handler) *Server {
	return &Server{name: name, addr: addr, h: h}
}

func (s *Server) Name() string { return s.name }

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock(); defer s.mu.Unlock()
	if s.ln == nil { return s.addr }
	return s.ln.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil { return err }
	srv := &http.Server{Handler: s.h, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("http_server", map[string]any{"service": s.name, "op": "serve", "result": "error", "err": err.Error()})
		}
	}()
	logger.InfoJ("http_server", map[string]any{"service": s.name, "op": "start", "result": "ok", "addr": ln.Addr().String()})
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil { return nil }
	return srv.Shutdown(ctx)
}
