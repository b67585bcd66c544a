// Package orchestrator implements the request dispatcher: it glues the
// breaker registry, the load balancer and the request queue into the
// end-to-end failover-first dispatch flow.
//
// The three-phase retry loop follows a rank-once-try-each-candidate
// shape: two ranked failover passes across distinct servers, followed by
// a bounded same-server backoff phase.
package orchestrator

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/olla-router/olla/internal/breaker"
	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/logger"
	"github.com/olla-router/olla/internal/metrics"
	"github.com/olla-router/olla/internal/queue"
)

var (
	// ErrNoCandidates is returned when no backend in the fleet passes the
	// six-clause candidate filter for the requested model.
	ErrNoCandidates = errors.New("orchestrator: no admissible candidate for model")
	// ErrDraining is returned for any dispatch attempted after Drain has
	// been called and not yet completed.
	ErrDraining = errors.New("orchestrator: draining, not admitting new requests")
	// ErrDrainTimeout is returned by Drain when in-flight work does not
	// reach zero before the deadline.
	ErrDrainTimeout = errors.New("orchestrator: drain deadline exceeded")
	// ErrExhausted is returned when every phase of dispatch has been
	// tried against every candidate without success.
	ErrExhausted = errors.New("orchestrator: all candidates exhausted")
)

const (
	minAdaptiveTimeout = 15 * time.Second
	maxAdaptiveTimeout = 10 * time.Minute
)

// AttemptOutcome is what an attempted backend call reports back to the
// Orchestrator so it can update the breaker, cooldown/ban state, metrics
// and the adaptive timeout.
type AttemptOutcome struct {
	Err             error
	Category        domain.ErrorCategory
	StatusCode      int
	Latency         time.Duration
	TTFT            time.Duration
	TokensGenerated int64
	TokensPrompt    int64
	Streaming       bool
	// ServerWide marks a permanent error as a whole-server condition
	// (disk full, internal error) rather than a model-specific one — only
	// this kind of permanent failure clears the server's healthy bit.
	ServerWide bool
}

// AttemptFunc performs one outbound call to endpoint for model and reports
// the outcome. Supplied by the ProxyTransport; the Orchestrator never
// touches the network itself.
type AttemptFunc func(ctx context.Context, endpoint *domain.Endpoint, model string) AttemptOutcome

// Orchestrator is the request dispatcher.
type Orchestrator struct {
	repo       domain.EndpointRepository
	breakers   *breaker.Registry
	selector   domain.EndpointSelector
	aggregator *metrics.Aggregator
	queue      *queue.Queue
	logger     *logger.StyledLogger

	retryCfg   config.RetryConfig
	breakerCfg config.BreakerConfig

	state    *state
	draining atomic.Bool
}

// New creates an Orchestrator. q may be nil if the caller dispatches
// synchronously without an admission queue in front of it.
func New(
	repo domain.EndpointRepository,
	breakers *breaker.Registry,
	selector domain.EndpointSelector,
	aggregator *metrics.Aggregator,
	q *queue.Queue,
	retryCfg config.RetryConfig,
	breakerCfg config.BreakerConfig,
	log *logger.StyledLogger,
) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		breakers:   breakers,
		selector:   selector,
		aggregator: aggregator,
		queue:      q,
		logger:     log,
		retryCfg:   retryCfg,
		breakerCfg: breakerCfg,
		state:      newState(),
	}
}

// resolveModel applies the `:latest` tag rule: if m has no tag and
// "m:latest" is in the server's model list, route as that.
func resolveModel(e *domain.Endpoint, m string) (string, bool) {
	if e.HasModel(m) {
		return m, true
	}
	if !strings.Contains(m, ":") {
		tagged := m + ":latest"
		if e.HasModel(tagged) {
			return tagged, true
		}
	}
	return m, false
}

// capabilityMatches checks a server-level flag for generation, or the
// model type the breaker has learned for this server:model key from its
// embedding-detection probe.
func capabilityMatches(e *domain.Endpoint, mb *breaker.Breaker, want domain.ModelType) bool {
	switch want {
	case domain.ModelTypeUnknown:
		return true
	case domain.ModelTypeGeneration:
		if !e.SupportsGeneration {
			return false
		}
		return mb.Snapshot().ModelType != domain.ModelTypeEmbedding
	case domain.ModelTypeEmbedding:
		return mb.Snapshot().ModelType != domain.ModelTypeGeneration
	default:
		return true
	}
}

// admitBreaker reports whether regular traffic, or a single coordinated
// half-open probe, may use b right now. isProbe callers must call
// b.FinishProbe() once the attempt completes.
func admitBreaker(b *breaker.Breaker) (ok, isProbe bool) {
	if b.Allow() {
		return true, false
	}
	if b.AllowProbe() {
		return true, true
	}
	return false, false
}

// candidate pairs an admissible endpoint with the breaker probe flags
// discovered while filtering it, so Dispatch doesn't re-derive them.
type candidate struct {
	endpoint    *domain.Endpoint
	model       string // resolved per the :latest rule
	serverKey   string
	modelKey    string
	serverProbe bool
	modelProbe  bool
}

// candidates applies the full six-clause admission filter and returns
// every admissible endpoint for model under capability want.
func (o *Orchestrator) candidates(ctx context.Context, model string, want domain.ModelType) ([]candidate, error) {
	all, err := o.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(all))
	for _, e := range all {
		if !e.IsAdmissible() { // clause 1
			continue
		}
		resolved, ok := resolveModel(e, model) // clause 2
		if !ok {
			continue
		}

		serverKey := e.Key()
		modelKey := breaker.ModelKey(serverKey, resolved)

		mb := o.breakers.Model(serverKey, resolved)
		if !capabilityMatches(e, mb, want) { // clause 3
			continue
		}

		if o.state.isBanned(modelKey) || o.state.inCooldown(modelKey) { // clause 4
			continue
		}

		sb := o.breakers.Server(serverKey)
		serverOK, serverProbe := admitBreaker(sb)
		if !serverOK {
			continue
		}
		modelOK, modelProbe := admitBreaker(mb)
		if !modelOK {
			if serverProbe {
				sb.FinishProbe()
			}
			continue
		} // clause 5

		maxConcurrency := e.MaxConcurrency
		if maxConcurrency > 0 && o.state.getInFlight(modelKey) >= int64(maxConcurrency) { // clause 6
			if serverProbe {
				sb.FinishProbe()
			}
			if modelProbe {
				mb.FinishProbe()
			}
			continue
		}

		out = append(out, candidate{
			endpoint:    e,
			model:       resolved,
			serverKey:   serverKey,
			modelKey:    modelKey,
			serverProbe: serverProbe,
			modelProbe:  modelProbe,
		})
	}
	return out, nil
}

// toEndpoints extracts the *domain.Endpoint slice a domain.EndpointSelector
// expects, preserving candidates' index order.
func toEndpoints(cands []candidate) []*domain.Endpoint {
	out := make([]*domain.Endpoint, len(cands))
	for i, c := range cands {
		out[i] = c.endpoint
	}
	return out
}

func removeCandidate(cands []candidate, key string) []candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if c.serverKey != key {
			out = append(out, c)
		}
	}
	return out
}

func findCandidate(cands []candidate, e *domain.Endpoint) (candidate, bool) {
	for _, c := range cands {
		if c.endpoint == e {
			return c, true
		}
	}
	return candidate{}, false
}

// Dispatch runs the failover-first three-phase dispatch for model under
// capability want, calling attempt for every outbound try. It returns the
// endpoint that finally succeeded and its outcome, or
// ErrExhausted/ErrNoCandidates/ErrDraining.
func (o *Orchestrator) Dispatch(ctx context.Context, model string, want domain.ModelType, attempt AttemptFunc) (*domain.Endpoint, AttemptOutcome, error) {
	if o.draining.Load() {
		return nil, AttemptOutcome{}, ErrDraining
	}

	cands, err := o.candidates(ctx, model, want)
	if err != nil {
		return nil, AttemptOutcome{}, err
	}
	if len(cands) == 0 {
		return nil, AttemptOutcome{}, ErrNoCandidates
	}

	var initial *candidate
	var lastOutcome AttemptOutcome

	// Phase 1 and Phase 2: rank once via the selector, try each candidate
	// exactly once, two passes total, never retrying the same server
	// within a pass.
	for pass := 0; pass < 2; pass++ {
		working := append([]candidate(nil), cands...)
		for len(working) > 0 {
			pick, selErr := o.selector.Select(ctx, toEndpoints(working))
			if selErr != nil {
				break
			}
			c, found := findCandidate(working, pick)
			if !found {
				break
			}
			if pass == 0 && initial == nil {
				cc := c
				initial = &cc
			}

			outcome := o.attemptOne(ctx, c, attempt)
			lastOutcome = outcome
			if outcome.Err == nil {
				return c.endpoint, outcome, nil
			}
			working = removeCandidate(working, c.serverKey)
		}
	}

	// Phase 3: same-server retries against the initial candidate only.
	if initial != nil && isSameServerRetryable(lastOutcome.Category) && retryableStatus(o.retryCfg, lastOutcome.StatusCode) {
		delay := o.retryCfg.RetryDelay
		if delay <= 0 {
			delay = 200 * time.Millisecond
		}
		mult := o.retryCfg.BackoffMultiplier
		if mult <= 0 {
			mult = 2.0
		}
		maxDelay := o.retryCfg.MaxRetryDelay
		if maxDelay <= 0 {
			maxDelay = 5 * time.Second
		}

		for k := 0; k < o.retryCfg.MaxRetriesPerServer; k++ {
			backoff := time.Duration(float64(delay) * math.Pow(mult, float64(k)))
			if backoff > maxDelay {
				backoff = maxDelay
			}
			select {
			case <-ctx.Done():
				return nil, lastOutcome, ctx.Err()
			case <-time.After(backoff):
			}

			outcome := o.attemptOne(ctx, *initial, attempt)
			lastOutcome = outcome
			if outcome.Err == nil {
				return initial.endpoint, outcome, nil
			}
			if !isSameServerRetryable(outcome.Category) || !retryableStatus(o.retryCfg, outcome.StatusCode) {
				break
			}
		}
	}

	return nil, lastOutcome, ErrExhausted
}

func isSameServerRetryable(cat domain.ErrorCategory) bool {
	return cat == domain.ErrorCategoryTransient || cat == domain.ErrorCategoryRetryable
}

func retryableStatus(cfg config.RetryConfig, status int) bool {
	if status == 0 || len(cfg.RetryableStatusCodes) == 0 {
		return true
	}
	for _, s := range cfg.RetryableStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// attemptOne performs one in-flight-counted call and applies its outcome
// to the breaker, cooldown/ban state, metrics and adaptive timeout.
func (o *Orchestrator) attemptOne(ctx context.Context, c candidate, attempt AttemptFunc) AttemptOutcome {
	o.state.incrInFlight(c.modelKey)
	defer o.state.decrInFlight(c.modelKey)
	if c.serverProbe {
		defer o.breakers.Server(c.serverKey).FinishProbe()
	}
	if c.modelProbe {
		defer o.breakers.Model(c.serverKey, c.model).FinishProbe()
	}

	outcome := attempt(ctx, c.endpoint, c.model)
	o.applyOutcome(ctx, c, outcome)
	return outcome
}

// applyOutcome implements the error -> state table and the
// timeout-adaptation rule.
func (o *Orchestrator) applyOutcome(ctx context.Context, c candidate, outcome AttemptOutcome) {
	sb := o.breakers.Server(c.serverKey)
	mb := o.breakers.Model(c.serverKey, c.model)
	wasHalfOpen := mb.State() == domain.BreakerHalfOpen || sb.State() == domain.BreakerHalfOpen

	sample := domain.RequestSample{
		Timestamp:       time.Now(),
		ServerID:        c.serverKey,
		Model:           c.model,
		Latency:         outcome.Latency,
		TTFT:            outcome.TTFT,
		TokensGenerated: outcome.TokensGenerated,
		TokensPrompt:    outcome.TokensPrompt,
		Success:         outcome.Err == nil,
		Streaming:       outcome.Streaming,
		ErrorCategory:   outcome.Category,
	}
	if o.aggregator != nil {
		o.aggregator.Record(c.serverKey, c.modelKey, sample)
	}

	if outcome.Err == nil {
		sb.RecordSuccess()
		mb.RecordSuccess()
		o.adaptTimeout(c.modelKey, outcome.Latency, wasHalfOpen)
		return
	}

	reason := outcome.Err.Error()
	sb.RecordFailure(outcome.Category, reason)
	mb.RecordFailure(outcome.Category, reason)

	switch outcome.Category {
	case domain.ErrorCategoryPermanent:
		o.state.setCooldown(c.modelKey, reason, o.cooldownDuration())
		o.state.ban(c.modelKey, reason)
		if outcome.ServerWide {
			o.markUnhealthy(ctx, c.endpoint)
		}
	case domain.ErrorCategoryNonRetryable:
		o.state.setCooldown(c.modelKey, reason, o.cooldownDuration())
	case domain.ErrorCategoryTransient, domain.ErrorCategoryRetryable:
		o.state.setCooldown(c.modelKey, reason, o.cooldownDuration())
		if sb.State() == domain.BreakerOpen {
			o.markUnhealthy(ctx, c.endpoint)
		}
	case domain.ErrorCategoryClientMisrouted:
		mb.SetModelType(domain.ModelTypeEmbedding)
	}
}

func (o *Orchestrator) cooldownDuration() time.Duration {
	d := o.breakerCfg.OpenDuration
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

func (o *Orchestrator) markUnhealthy(ctx context.Context, e *domain.Endpoint) {
	if o.repo == nil {
		return
	}
	if err := o.repo.UpdateStatus(ctx, e.URL, domain.StatusUnhealthy); err != nil && o.logger != nil {
		o.logger.Debug("failed to mark endpoint unhealthy", "endpoint", e.Name, "error", err)
	}
}

// adaptTimeout applies the timeout-adaptation rule on a successful
// observation.
func (o *Orchestrator) adaptTimeout(key string, latency time.Duration, wasHalfOpen bool) {
	if wasHalfOpen {
		o.state.setTimeout(key, clampDuration(3*latency, minAdaptiveTimeout, maxAdaptiveTimeout))
		return
	}
	current := o.state.getTimeout(key, minAdaptiveTimeout)
	candidate := clampDuration(2*latency, minAdaptiveTimeout, maxAdaptiveTimeout)
	if candidate > current {
		o.state.setTimeout(key, candidate)
	}
}

// Timeout returns the learned per-key timeout to use on the next outbound
// call for serverID:model, falling back to def if nothing has been
// observed yet.
func (o *Orchestrator) Timeout(serverID, model string, def time.Duration) time.Duration {
	return o.state.getTimeout(breaker.ModelKey(serverID, model), def)
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Drain blocks until every in-flight counter reaches zero and the queue
// (if any) is empty, or timeout elapses. While draining, no new dispatch
// is admitted; in-flight requests complete normally.
func (o *Orchestrator) Drain(ctx context.Context, timeout time.Duration) error {
	o.draining.Store(true)
	if o.queue != nil {
		o.queue.Pause()
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if o.quiescent() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) quiescent() bool {
	if o.state.totalInFlight() != 0 {
		return false
	}
	if o.queue != nil && o.queue.Len() != 0 {
		return false
	}
	return true
}

// Undrain resumes admissions after a Drain that the caller decided not to
// follow through with a shutdown.
func (o *Orchestrator) Undrain() {
	o.draining.Store(false)
	if o.queue != nil {
		o.queue.Resume()
	}
}

// RemoveServer drops every breaker, cooldown, ban, in-flight and timeout
// entry scoped to serverID — called by the admin remove-server handler.
func (o *Orchestrator) RemoveServer(serverID string) {
	o.breakers.RemoveByPrefix(serverID)
	o.state.removeServerTree(serverID)
}

// Cooldowns/Bans/Timeouts expose read-only snapshots for the admin surface
// and for persistence.
func (o *Orchestrator) Cooldowns() []domain.Cooldown      { return o.state.allCooldowns() }
func (o *Orchestrator) Bans() []domain.BanEntry           { return o.state.allBans() }
func (o *Orchestrator) Timeouts() []domain.DynamicTimeout { return o.state.allTimeouts() }
func (o *Orchestrator) RemoveBan(key string)              { o.state.removeBan(key) }
func (o *Orchestrator) ClearBans()                        { o.state.clearBans() }

// LoadBans and LoadTimeouts restore a persisted snapshot at startup, before
// the orchestrator begins serving traffic.
func (o *Orchestrator) LoadBans(bans []domain.BanEntry) { o.state.loadBans(bans) }
func (o *Orchestrator) LoadTimeouts(timeouts []domain.DynamicTimeout) {
	o.state.loadTimeouts(timeouts)
}

// ManagedService implementation.
func (o *Orchestrator) Name() string { return "orchestrator" }

func (o *Orchestrator) Start(_ context.Context) error {
	o.draining.Store(false)
	return nil
}

func (o *Orchestrator) Stop(ctx context.Context) error {
	deadline := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			deadline = remaining
		}
	}
	return o.Drain(ctx, deadline)
}

func (o *Orchestrator) Dependencies() []string {
	return []string{"metrics-aggregator", "request-queue"}
}
