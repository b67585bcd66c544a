// Package metrics implements a rolling-window MetricsAggregator:
// per-(server[,model]) latency/TTFT percentiles over 1m/5m/15m/1h windows,
// decay-weighted by sample age, plus success/failure counts and a
// fleet-wide rollup for the analytics endpoint. The success and failure
// counts are cumulative since the key was first recorded; they are
// neither windowed nor decayed.
//
// The bounded-sample reservoir uses a reservoir-style percentile tracker;
// per-key state lives in an xsync-backed concurrent map, the same shape
// used for the other hot-path registries in this module.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
)

type keyMetrics struct {
	latency      *timedReservoir
	ttft         *timedReservoir
	successCount atomicFloat
	failureCount atomicFloat
	lifetimeReq  int64
	lifetimeFail int64
	tokensOut    int64
	tokensIn     int64
	mu           sync.Mutex
	lastUpdated  time.Time
}

// atomicFloat is a small mutex-guarded float64 counter. Increments are
// always 1 and Snapshot reports the raw totals; no decay is applied to
// these counters.
type atomicFloat struct {
	mu  sync.Mutex
	val float64
}

func (a *atomicFloat) add(v float64) {
	a.mu.Lock()
	a.val += v
	a.mu.Unlock()
}

func (a *atomicFloat) get() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

// Aggregator is the MetricsAggregator core component.
type Aggregator struct {
	cfg  config.MetricsConfig
	keys *xsync.Map[string, *keyMetrics]
}

// New creates an Aggregator using cfg for reservoir size and decay
// parameters.
func New(cfg config.MetricsConfig) *Aggregator {
	if cfg.ReservoirSize <= 0 {
		cfg.ReservoirSize = 1000
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 5 * time.Minute
	}
	if cfg.MinDecayFactor <= 0 {
		cfg.MinDecayFactor = 0.01
	}
	return &Aggregator{
		cfg:  cfg,
		keys: xsync.NewMap[string, *keyMetrics](),
	}
}

func (a *Aggregator) getOrCreate(key string) *keyMetrics {
	if km, ok := a.keys.Load(key); ok {
		return km
	}
	km, _ := a.keys.LoadOrStore(key, &keyMetrics{
		latency: newTimedReservoir(a.cfg.ReservoirSize),
		ttft:    newTimedReservoir(a.cfg.ReservoirSize),
	})
	return km
}

// Record ingests one completed request sample under both its server key
// and its server:model key, so callers can query either granularity.
func (a *Aggregator) Record(serverKey, modelKey string, s domain.RequestSample) {
	a.recordKey(serverKey, s)
	if modelKey != "" {
		a.recordKey(modelKey, s)
	}
}

func (a *Aggregator) recordKey(key string, s domain.RequestSample) {
	km := a.getOrCreate(key)
	now := s.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	km.latency.Add(float64(s.Latency.Milliseconds()), now)
	if s.Streaming && s.TTFT > 0 {
		km.ttft.Add(float64(s.TTFT.Milliseconds()), now)
	}
	if s.Success {
		km.successCount.add(1)
	} else {
		km.failureCount.add(1)
	}

	km.mu.Lock()
	km.lifetimeReq++
	if !s.Success {
		km.lifetimeFail++
	}
	km.tokensOut += s.TokensGenerated
	km.tokensIn += s.TokensPrompt
	km.lastUpdated = now
	km.mu.Unlock()
}

// Snapshot returns the full multi-window view for key, or nil if the key
// has never been recorded.
func (a *Aggregator) Snapshot(key string) *domain.KeyMetrics {
	km, ok := a.keys.Load(key)
	if !ok {
		return nil
	}
	now := time.Now()

	windows := make(map[domain.MetricsWindow]domain.WindowSnapshot, len(domain.AllMetricsWindows))
	for _, w := range domain.AllMetricsWindows {
		dur := windowDuration(w)
		p50, p95, p99 := km.latency.Percentiles(now, dur, a.cfg.HalfLife, a.cfg.MinDecayFactor)
		tp50, tp95, tp99 := km.ttft.Percentiles(now, dur, a.cfg.HalfLife, a.cfg.MinDecayFactor)

		succ := km.successCount.get()
		fail := km.failureCount.get()
		rate := 0.0
		if succ+fail > 0 {
			rate = succ / (succ + fail)
		}
		windows[w] = domain.WindowSnapshot{
			Window:       w,
			SampleCount:  km.latency.Count(),
			SuccessCount: succ,
			FailureCount: fail,
			SuccessRate:  rate,
			Latency:      domain.PercentileSet{P50: p50, P95: p95, P99: p99},
			TTFT:         domain.PercentileSet{P50: tp50, P95: tp95, P99: tp99},
			LastUpdated:  now,
		}
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	return &domain.KeyMetrics{
		Key:               key,
		Windows:           windows,
		LifetimeRequests:  km.lifetimeReq,
		LifetimeFailures:  km.lifetimeFail,
		LifetimeTokensOut: km.tokensOut,
		LifetimeTokensIn:  km.tokensIn,
	}
}

// Keys returns every key currently recorded, for a full snapshot walk.
func (a *Aggregator) Keys() []string {
	out := make([]string, 0, a.keys.Size())
	a.keys.Range(func(key string, _ *keyMetrics) bool {
		out = append(out, key)
		return true
	})
	return out
}

// SnapshotAll returns a Snapshot for every recorded key, keyed by key name.
func (a *Aggregator) SnapshotAll() map[string]domain.KeyMetrics {
	out := make(map[string]domain.KeyMetrics, a.keys.Size())
	for _, key := range a.Keys() {
		if snap := a.Snapshot(key); snap != nil {
			out[key] = *snap
		}
	}
	return out
}

// LoadSnapshot restores a previously persisted key's lifetime counters.
// Rolling-window reservoirs are not restored — they rebuild from live
// traffic — only the cumulative lifetime figures survive a restart.
func (a *Aggregator) LoadSnapshot(key string, snap domain.KeyMetrics) {
	km := a.getOrCreate(key)
	km.mu.Lock()
	km.lifetimeReq = snap.LifetimeRequests
	km.lifetimeFail = snap.LifetimeFailures
	km.tokensOut = snap.LifetimeTokensOut
	km.tokensIn = snap.LifetimeTokensIn
	km.mu.Unlock()
}

// Global rolls up every recorded key into a fleet-wide summary for the
// analytics endpoint.
func (a *Aggregator) Global() domain.GlobalMetrics {
	g := domain.GlobalMetrics{
		GeneratedAt:      time.Now(),
		RequestsByServer: map[string]int64{},
		RequestsByModel:  map[string]int64{},
	}
	a.keys.Range(func(key string, km *keyMetrics) bool {
		km.mu.Lock()
		g.TotalRequests += km.lifetimeReq
		g.TotalFailures += km.lifetimeFail
		km.mu.Unlock()
		return true
	})
	return g
}

func windowDuration(w domain.MetricsWindow) time.Duration {
	switch w {
	case domain.Window1m:
		return time.Minute
	case domain.Window5m:
		return 5 * time.Minute
	case domain.Window15m:
		return 15 * time.Minute
	case domain.Window1h:
		return time.Hour
	default:
		return time.Hour
	}
}

// Name/Start/Stop/Dependencies implement the ManagedService lifecycle.
// The aggregator has no background goroutine of its own — rollups are
// computed on demand in Snapshot/Global — so Start/Stop are no-ops
// beyond satisfying the interface.
func (a *Aggregator) Name() string                 { return "metrics-aggregator" }
func (a *Aggregator) Start(_ context.Context) error { return nil }
func (a *Aggregator) Stop(_ context.Context) error  { return nil }
func (a *Aggregator) Dependencies() []string        { return nil }
