package relayer

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// inflight caps concurrent oracle calls node-wide.
type inflight struct {
	max  int64
	open atomic.Int64
}

func newInflight(max int64) *inflight { return &inflight{max: max} }

// tryAcquire takes a slot, or reports saturation.
func (l *inflight) tryAcquire() bool {
	if l == nil || l.max <= 0 { return true }
	for {
		o := l.open.Load()
		if o >= l.max {
			metrics.Inc("relayer_rate_limited_total", map[string]string{"kind": "inflight"})
			return false
		}
		if l.open.CompareAndSwap(o, o+1) {
			metrics.AddGauge("relayer_inflight", nil, 1)
			return true
		}
	}
}

func (l *inflight) release() {
	if l == nil || l.max <= 0 { return }
	for {
		o := l.open.Load()
		if o <= 0 { return }
		if l.open.CompareAndSwap(o, o-1) {
			metrics.AddGauge("relayer_inflight", nil, -1)
			return
		}
	}
}

// requesterLimits keeps one token bucket per requester in a bounded LRU, so
// idle requesters age out. The cache lock is held only for the lookup.
type requesterLimits struct {
	cache *lru.Cache[domain.Principal, *rate.Limiter]
	r     rate.Limit
	burst int
}

func newRequesterLimits(size int, perSec float64, burst int) (*requesterLimits, error) {
	if perSec <= 0 { return nil, nil }
	if size <= 0 { size = 4096 }
	if burst <= 0 { burst = 1 }
	c, err := lru.New[domain.Principal, *rate.Limiter](size)
	if err != nil { return nil, err }
	return &requesterLimits{cache: c, r: rate.Limit(perSec), burst: burst}, nil
}

func (l *requesterLimits) allow(p domain.Principal) bool {
	if l == nil { return true }
	lim, ok := l.cache.Get(p)
	if !ok {
		fresh := rate.NewLimiter(l.r, l.burst)
		prev, found, _ := l.cache.PeekOrAdd(p, fresh)
		if found { lim = prev } else { lim = fresh }
	}
	if lim.Allow() { return true }
	metrics.Inc("relayer_rate_limited_total", map[string]string{"kind": "requester"})
	return false
}
