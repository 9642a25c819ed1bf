// Package monitoring serves /metrics and health endpoints for a process.
package monitoring

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/lifecycle"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// Check reports whether one dependency is ready.
type Check func(ctx context.Context) error

// Service is the monitoring listener.
type Service struct {
	*httpx.Server

	mu     sync.RWMutex
	checks map[string]Check
}

var _ lifecycle.Service = (*Service)(nil)

func New(addr string) *Service {
	s := &Service{checks: map[string]Check{}}
	s.Server = httpx.NewServer("monitoring", addr, s.Routes())
	return s
}

// AddCheck registers a readiness check under name.
func (s *Service) AddCheck(name string, c Check) {
	s.mu.Lock(); defer s.mu.Unlock()
	s.checks[name] = c
}

func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.ready)
	return r
}

func (s *Service) ready(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for n := range s.checks { names = append(names, n) }
	checks := make(map[string]Check, len(s.checks))
	for n, c := range s.checks { checks[n] = c }
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	out := map[string]string{}
	status := http.StatusOK
	for _, n := range names {
		if err := checks[n](ctx); err != nil {
			out[n] = err.Error()
			status = http.StatusServiceUnavailable
			metrics.Inc("readiness_failures_total", map[string]string{"check": n})
			continue
		}
		out[n] = "ok"
	}
	httpx.WriteJSON(w, status, map[string]any{"checks": out})
}
