package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// Service is a long-running component owned by a Manager.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu      sync.Mutex
	svcs    []Service
	started []Service
}

func New() *Manager { return &Manager{} }

func (m *Manager) Add(s Service) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.svcs = append(m.svcs, s)
	m.mu.Unlock()
}

// StartAll starts every service. On the first failure the already started
// services are stopped again and the start error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	svcs := append([]Service(nil), m.svcs...)
	m.mu.Unlock()
	for _, s := range svcs {
		begin := time.Now()
		if err := s.Start(ctx); err != nil {
			logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "error", "err": err.Error()})
			metrics.Inc("service_op_total", map[string]string{"service": s.Name(), "op": "start", "result": "error"})
			_ = m.StopAll(context.Background())
			return err
		}
		dur := time.Since(begin).Milliseconds()
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "ok", "latency_ms": dur})
		metrics.Inc("service_op_total", map[string]string{"service": s.Name(), "op": "start", "result": "ok"})
		m.mu.Lock()
		m.started = append(m.started, s)
		m.mu.Unlock()
	}
	return nil
}

// StopAll stops started services in reverse order and returns every error.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()
	var errs error
	for i := len(started) - 1; i >= 0; i-- {
		s := started[i]
		if err := s.Stop(ctx); err != nil {
			logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "error", "err": err.Error()})
			errs = multierr.Append(errs, err)
			continue
		}
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "ok"})
	}
	return errs
}
