package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zmlAEQ/datachain/pkg/metrics"
)

func TestMonitoring_MetricsAndHealth(t *testing.T) {
	metrics.Reset()
	metrics.Inc("ledger_ops_total", map[string]string{"op": "submit", "result": "ok"})
	s := New("127.0.0.1:0")
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil { t.Fatalf("metrics: %v", err) }
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), `ledger_ops_total{op="submit",result="ok"} 1`) { t.Fatalf("scrape: %s", b) }

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK { t.Fatalf("healthz: %v %v", resp, err) }
	resp.Body.Close()
}

func TestMonitoring_Readiness(t *testing.T) {
	metrics.Reset()
	s := New("127.0.0.1:0")
	s.AddCheck("store", func(context.Context) error { return nil })
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	get := func() int {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil { t.Fatalf("readyz: %v", err) }
		resp.Body.Close()
		return resp.StatusCode
	}
	if c := get(); c != http.StatusOK { t.Fatalf("ready: %d", c) }
	s.AddCheck("oracle", func(context.Context) error { return errors.New("down") })
	if c := get(); c != http.StatusServiceUnavailable { t.Fatalf("not ready: %d", c) }
	if !strings.Contains(metrics.DumpProm(), `readiness_failures_total{check="oracle"} 1`) { t.Fatalf("metrics: %s", metrics.DumpProm()) }
}

func TestMonitoring_Lifecycle(t *testing.T) {
	s := New("127.0.0.1:0")
	if s.Name() != "monitoring" { t.Fatalf("name %q", s.Name()) }
	if err := s.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
	defer s.Stop(context.Background())
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil { t.Fatalf("get: %v", err) }
	resp.Body.Close()
}
