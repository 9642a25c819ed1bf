// Package metrics is a thin name-keyed facade over a prometheus registry.
// Call sites pass a metric name and a label map; the first use of a name
// fixes its label set. DumpProm renders the text exposition format, which
// tests grep directly.
package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

type family struct {
	labels  []string
	counter *prometheus.CounterVec
	gauge   *prometheus.GaugeVec
	summary *prometheus.SummaryVec
}

var (
	mu       sync.Mutex
	reg      = prometheus.NewRegistry()
	families = map[string]*family{}
)

func labelNames(l map[string]string) []string {
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func values(f *family, l map[string]string) []string {
	out := make([]string, len(f.labels))
	for i, n := range f.labels {
		out[i] = l[n]
	}
	return out
}

func lookup(name string, l map[string]string, mk func(names []string) *family) *family {
	mu.Lock()
	defer mu.Unlock()
	if f, ok := families[name]; ok {
		return f
	}
	f := mk(labelNames(l))
	families[name] = f
	return f
}

func counterFamily(name string, l map[string]string) *family {
	return lookup(name, l, func(names []string) *family {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, names)
		reg.MustRegister(v)
		return &family{labels: names, counter: v}
	})
}

func gaugeFamily(name string, l map[string]string) *family {
	return lookup(name, l, func(names []string) *family {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, names)
		reg.MustRegister(v)
		return &family{labels: names, gauge: v}
	})
}

func summaryFamily(name string, l map[string]string) *family {
	return lookup(name, l, func(names []string) *family {
		v := prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, names)
		reg.MustRegister(v)
		return &family{labels: names, summary: v}
	})
}

// Inc increments a counter by one.
func Inc(name string, labels map[string]string) { Add(name, labels, 1) }

// Add increments a counter by v (v must be >= 0).
func Add(name string, labels map[string]string, v float64) {
	f := counterFamily(name, labels)
	if f.counter == nil {
		return
	}
	f.counter.WithLabelValues(values(f, labels)...).Add(v)
}

// SetGauge sets a gauge to v.
func SetGauge(name string, labels map[string]string, v int64) {
	f := gaugeFamily(name, labels)
	if f.gauge == nil {
		return
	}
	f.gauge.WithLabelValues(values(f, labels)...).Set(float64(v))
}

// AddGauge adds delta (may be negative) to a gauge.
func AddGauge(name string, labels map[string]string, delta int64) {
	f := gaugeFamily(name, labels)
	if f.gauge == nil {
		return
	}
	f.gauge.WithLabelValues(values(f, labels)...).Add(float64(delta))
}

// ObserveSummary records one observation, typically a latency in ms.
func ObserveSummary(name string, labels map[string]string, v float64) {
	f := summaryFamily(name, labels)
	if f.summary == nil {
		return
	}
	f.summary.WithLabelValues(values(f, labels)...).Observe(v)
}

// DumpProm renders all registered families in prometheus text format.
func DumpProm() string {
	mu.Lock()
	r := reg
	mu.Unlock()
	mfs, err := r.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

// Value returns the current value of a counter or gauge series. Labels must
// match the series exactly.
func Value(name string, labels map[string]string) (float64, bool) {
	mu.Lock()
	r := reg
	mu.Unlock()
	mfs, err := r.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !sameLabels(m.GetLabel(), labels) {
				continue
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				return m.GetCounter().GetValue(), true
			case dto.MetricType_GAUGE:
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func sameLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

// Reset drops every family and starts a fresh registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	reg = prometheus.NewRegistry()
	families = map[string]*family{}
}

// Handler serves the current registry for scraping.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		r2 := reg
		mu.Unlock()
		promhttp.HandlerFor(r2, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
