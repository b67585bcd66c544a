// Package breaker implements a two-level circuit breaker: one breaker per
// server key, and one per server:model key, so a single misbehaving model
// on an otherwise healthy server does not take the whole server offline.
//
// The state machine is a clean atomics-only three-state breaker (closed,
// open, half-open), with an adaptive threshold, error-category accounting
// and half-open probe gating layered on top.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
)

// Breaker is a single three-state breaker instance for one key (a server
// id, or a "server:model" compound key).
type Breaker struct {
	key string
	cfg config.BreakerConfig

	state atomic.Int32 // domain.BreakerState

	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	totalRequests        atomic.Int64
	blockedRequests      atomic.Int64

	retryableErrors    atomic.Int64
	nonRetryableErrors atomic.Int64
	transientErrors     atomic.Int64
	permanentErrors     atomic.Int64

	halfOpenAttempts            atomic.Int64
	activeTestsInProgress       atomic.Int32
	consecutiveFailedRecoveries atomic.Int64

	mu                sync.Mutex
	errorRate         float64
	lastFailureAt     time.Time
	lastSuccessAt     time.Time
	nextRetryAt       time.Time
	halfOpenStartedAt time.Time
	lastFailureReason string
	lastFailureCat    domain.ErrorCategory
	modelType         domain.ModelType
}

// New creates a breaker for key in the CLOSED state.
func New(key string, cfg config.BreakerConfig) *Breaker {
	b := &Breaker{key: key, cfg: cfg}
	b.state.Store(int32(domain.BreakerClosed))
	return b
}

// Allow reports whether regular (non-probe) traffic may use this key right
// now. OPEN always blocks; HALF_OPEN also blocks regular traffic — only
// the recovery coordinator's serialized probe is allowed through during
// HALF_OPEN, via AllowProbe.
func (b *Breaker) Allow() bool {
	b.totalRequests.Add(1)
	switch domain.BreakerState(b.state.Load()) {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		b.maybeExpireOpen()
		if domain.BreakerState(b.state.Load()) == domain.BreakerOpen {
			b.blockedRequests.Add(1)
			return false
		}
		// fallthrough: just transitioned to half-open, regular traffic still waits
		b.blockedRequests.Add(1)
		return false
	default: // half-open
		b.blockedRequests.Add(1)
		return false
	}
}

// AllowProbe reports whether the recovery coordinator may issue a single
// bypass probe against this key right now, and marks one test as active.
// Callers must call FinishProbe when the probe completes.
func (b *Breaker) AllowProbe() bool {
	state := domain.BreakerState(b.state.Load())
	if state == domain.BreakerOpen {
		b.maybeExpireOpen()
		state = domain.BreakerState(b.state.Load())
	}
	if state != domain.BreakerHalfOpen {
		return false
	}
	return b.activeTestsInProgress.CompareAndSwap(0, 1)
}

// FinishProbe releases the in-flight probe slot taken by AllowProbe.
func (b *Breaker) FinishProbe() {
	b.activeTestsInProgress.Store(0)
}

func (b *Breaker) maybeExpireOpen() {
	b.mu.Lock()
	due := !b.nextRetryAt.IsZero() && time.Now().After(b.nextRetryAt)
	b.mu.Unlock()
	if due {
		b.transitionToHalfOpen()
	}
}

// RecordSuccess accounts a successful request and advances the state
// machine (half-open requires SuccessThreshold consecutive successes to
// close).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.lastSuccessAt = time.Now()
	b.errorRate = smooth(b.errorRate, 0, b.cfg.ErrorRateSmoothing)
	b.mu.Unlock()

	b.consecutiveFailures.Store(0)
	succ := b.consecutiveSuccesses.Add(1)

	switch domain.BreakerState(b.state.Load()) {
	case domain.BreakerHalfOpen:
		if int(succ) >= max1(b.cfg.SuccessThreshold) {
			b.transitionToClosed()
		}
	case domain.BreakerOpen:
		// a probe succeeded while nominally open (race with expiry); close outright
		b.transitionToClosed()
	}
}

// RecordFailure accounts a failed request of the given category and
// advances the state machine. Client-misrouted errors never count as
// breaker failures.
func (b *Breaker) RecordFailure(cat domain.ErrorCategory, reason string) {
	if !cat.IsFailure() {
		return
	}

	b.mu.Lock()
	b.lastFailureAt = time.Now()
	b.lastFailureReason = reason
	b.lastFailureCat = cat
	b.errorRate = smooth(b.errorRate, 1, b.cfg.ErrorRateSmoothing)
	rate := b.errorRate
	b.mu.Unlock()

	switch cat {
	case domain.ErrorCategoryPermanent:
		b.permanentErrors.Add(1)
	case domain.ErrorCategoryNonRetryable:
		b.nonRetryableErrors.Add(1)
	case domain.ErrorCategoryTransient:
		b.transientErrors.Add(1)
	default:
		b.retryableErrors.Add(1)
	}

	b.consecutiveSuccesses.Store(0)
	fails := b.consecutiveFailures.Add(1)

	switch domain.BreakerState(b.state.Load()) {
	case domain.BreakerClosed:
		if fails >= int64(b.adaptiveThreshold(rate)) {
			b.transitionToOpen()
		}
	case domain.BreakerHalfOpen:
		// a single failure during half-open reopens immediately and backs off harder
		b.consecutiveFailedRecoveries.Add(1)
		b.transitionToOpen()
	}
}

// adaptiveThreshold lowers the failure threshold when the observed error
// mix skews towards non-retryable/permanent errors (definitively broken),
// raises it by half when the smoothed error rate is below 0.2, and
// otherwise keeps the configured baseline. Below MinRequestsForAdaptive
// samples it just returns the configured baseline.
func (b *Breaker) adaptiveThreshold(smoothedRate float64) int {
	base := b.cfg.FailureThreshold
	if base <= 0 {
		base = 5
	}
	total := b.nonRetryableErrors.Load() + b.permanentErrors.Load() + b.transientErrors.Load() + b.retryableErrors.Load()
	if int(total) < b.cfg.MinRequestsForAdaptive {
		return base
	}
	hardErrors := b.nonRetryableErrors.Load() + b.permanentErrors.Load()
	hardRatio := float64(hardErrors) / float64(total)
	switch {
	case hardRatio > 0.6:
		// mostly definitive failures — trip sooner
		if reduced := base - base/2; reduced >= 1 {
			return reduced
		}
		return 1
	case smoothedRate < 0.2:
		// error rate is low overall despite the raw consecutive-failure count
		return base + base/2
	default:
		return base
	}
}

func (b *Breaker) transitionToOpen() {
	b.state.Store(int32(domain.BreakerOpen))
	b.consecutiveSuccesses.Store(0)
	b.halfOpenAttempts.Store(0)
	b.activeTestsInProgress.Store(0)

	backoff := b.cfg.OpenDuration
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	if failed := b.consecutiveFailedRecoveries.Load(); failed > 0 {
		mult := failed + 1
		if mult > 8 {
			mult = 8
		}
		backoff *= time.Duration(mult)
	}
	if max := b.cfg.MaxOpenDuration; max > 0 && backoff > max {
		backoff = max
	}

	b.mu.Lock()
	b.nextRetryAt = time.Now().Add(backoff)
	b.mu.Unlock()
}

func (b *Breaker) transitionToHalfOpen() {
	b.state.Store(int32(domain.BreakerHalfOpen))
	b.consecutiveFailures.Store(0)
	b.consecutiveSuccesses.Store(0)
	b.halfOpenAttempts.Add(1)
	b.mu.Lock()
	b.halfOpenStartedAt = time.Now()
	b.mu.Unlock()
}

func (b *Breaker) transitionToClosed() {
	b.state.Store(int32(domain.BreakerClosed))
	b.consecutiveFailures.Store(0)
	b.consecutiveSuccesses.Store(0)
	b.halfOpenAttempts.Store(0)
	b.consecutiveFailedRecoveries.Store(0)
	b.activeTestsInProgress.Store(0)
}

// ForceOpen puts the breaker into OPEN with the configured backoff,
// bypassing the normal failure-count path. Used by the HealthCheckScheduler
// when a probe observes an outright connection failure.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	b.lastFailureReason = reason
	b.mu.Unlock()
	b.transitionToOpen()
}

// ForceClose resets the breaker to CLOSED unconditionally. Used when a
// health probe observes the server answering normally again.
func (b *Breaker) ForceClose() {
	b.transitionToClosed()
}

func (b *Breaker) State() domain.BreakerState {
	return domain.BreakerState(b.state.Load())
}

// SetModelType records whether this key has been observed to serve
// generation or embedding requests.
func (b *Breaker) SetModelType(t domain.ModelType) {
	b.mu.Lock()
	b.modelType = t
	b.mu.Unlock()
}

// LoadSnapshot restores what's worth trusting from a persisted snapshot
// after a restart. Counters and timing are not restored — they describe a
// process that no longer exists — but ModelType (expensive to relearn) is,
// and a breaker that was OPEN when the process stopped is force-opened
// again with a fresh backoff window rather than starting CLOSED against a
// server that may still be failing.
func (b *Breaker) LoadSnapshot(snap domain.BreakerSnapshot) {
	b.SetModelType(snap.ModelType)
	if snap.State == domain.BreakerOpen {
		b.ForceOpen("restored-open")
	}
}

// Snapshot returns the observable state for the admin surface and
// persistence.
func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BreakerSnapshot{
		Key:                         b.key,
		State:                       b.State(),
		ModelType:                   b.modelType,
		FailureCount:                b.consecutiveFailures.Load(),
		SuccessCount:                b.consecutiveSuccesses.Load(),
		ConsecutiveSuccesses:        b.consecutiveSuccesses.Load(),
		TotalRequestCount:           b.totalRequests.Load(),
		BlockedRequestCount:         b.blockedRequests.Load(),
		RetryableErrors:             b.retryableErrors.Load(),
		NonRetryableErrors:          b.nonRetryableErrors.Load(),
		TransientErrors:             b.transientErrors.Load(),
		PermanentErrors:             b.permanentErrors.Load(),
		ErrorRate:                   b.errorRate,
		HalfOpenAttempts:            b.halfOpenAttempts.Load(),
		ActiveTestsInProgress:       int64(b.activeTestsInProgress.Load()),
		ConsecutiveFailedRecoveries: b.consecutiveFailedRecoveries.Load(),
		LastFailureAt:               b.lastFailureAt,
		LastSuccessAt:               b.lastSuccessAt,
		NextRetryAt:                 b.nextRetryAt,
		HalfOpenStartedAt:           b.halfOpenStartedAt,
		LastFailureReason:           b.lastFailureReason,
		LastFailureCategory:         b.lastFailureCat,
	}
}

func smooth(prev, sample, alpha float64) float64 {
	if alpha <= 0 {
		alpha = 0.2
	}
	return alpha*sample + (1-alpha)*prev
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
