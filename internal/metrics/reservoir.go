package metrics

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// timedReservoir is a reservoir sampler that also remembers, per slot,
// when the sample was taken, so callers can apply an age-decay policy
// (f(age) = max(minDecayFactor, 2^(-age/halfLifeMs))) when rolling it up.
// Extends a standard reservoir sampler with per-slot timestamps and
// decay-weighted percentile reporting; Count is the plain number of
// samples ever added.
type timedReservoir struct {
	mu         sync.Mutex
	values     []float64
	at         []time.Time
	sampleSize int
	count      int64
}

func newTimedReservoir(sampleSize int) *timedReservoir {
	if sampleSize <= 0 {
		sampleSize = 1000
	}
	return &timedReservoir{
		sampleSize: sampleSize,
		values:     make([]float64, 0, sampleSize),
		at:         make([]time.Time, 0, sampleSize),
	}
}

func (r *timedReservoir) Add(value float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	if len(r.values) < r.sampleSize {
		r.values = append(r.values, value)
		r.at = append(r.at, at)
		return
	}
	j := rand.Int64N(r.count)
	if j < int64(r.sampleSize) {
		r.values[j] = value
		r.at[j] = at
	}
}

// Percentiles returns decay-weighted p50/p95/p99 over samples observed
// within window, as of now. Each sample is weighted by its decay factor;
// a percentile is the first value, in sorted order, at which the
// cumulative weight reaches that share of the total weight.
func (r *timedReservoir) Percentiles(now time.Time, window time.Duration, halfLife time.Duration, minDecay float64) (p50, p95, p99 float64) {
	r.mu.Lock()
	vals := make([]float64, len(r.values))
	copy(vals, r.values)
	ats := make([]time.Time, len(r.at))
	copy(ats, r.at)
	r.mu.Unlock()

	type weighted struct {
		v float64
		w float64
	}
	var kept []weighted
	for i, v := range vals {
		age := now.Sub(ats[i])
		if window > 0 && age > window {
			continue
		}
		kept = append(kept, weighted{v: v, w: decayFactor(age, halfLife, minDecay)})
	}
	if len(kept) == 0 {
		return 0, 0, 0
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].v < kept[j].v })

	total := 0.0
	for _, k := range kept {
		total += k.w
	}
	cum := 0.0
	idx := map[float64]float64{0.50: 0, 0.95: 0, 0.99: 0}
	targets := []float64{0.50, 0.95, 0.99}
	ti := 0
	for _, k := range kept {
		cum += k.w
		for ti < len(targets) && cum >= targets[ti]*total {
			idx[targets[ti]] = k.v
			ti++
		}
	}
	for ti < len(targets) {
		idx[targets[ti]] = kept[len(kept)-1].v
		ti++
	}
	return idx[0.50], idx[0.95], idx[0.99]
}

// decayFactor implements f(age) = max(minDecayFactor, 2^(-age/halfLife)).
func decayFactor(age, halfLife time.Duration, minDecay float64) float64 {
	if halfLife <= 0 {
		return 1
	}
	f := math.Exp2(-float64(age) / float64(halfLife))
	if f < minDecay {
		return minDecay
	}
	return f
}

func (r *timedReservoir) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *timedReservoir) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = r.values[:0]
	r.at = r.at[:0]
	r.count = 0
}
