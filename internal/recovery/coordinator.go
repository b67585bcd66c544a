// Package recovery implements the RecoveryTestCoordinator: when a breaker
// is HALF_OPEN, it runs a single coordinated probe per server and per
// server:model key so that a flood of concurrent client requests doesn't
// all hammer a recovering backend at once. Probe concurrency is
// serialized through the same internal/breaker.Breaker.AllowProbe/FinishProbe
// gate the HealthCheckScheduler uses, and probe traffic bypasses the
// regular in-flight counters so a recovery test never competes with real
// requests for capacity.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olla-router/olla/internal/breaker"
	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/logger"
	"github.com/olla-router/olla/internal/metrics"
)

// HTTPClient abstracts *http.Client for testability, mirroring
// internal/adapter/health's HTTPClient shape.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// modelSizePattern extracts a number-plus-unit parameter count out of a
// model name (e.g. "llama3:70b" -> 70, "b").
var modelSizePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([BbMmKk])\b`)

// embeddingOnlyPatterns are substrings seen in error bodies/messages when a
// generation probe is sent to an embedding-only model. Exact upstream
// error text isn't guaranteed to be stable across backends, so this is a
// best-effort heuristic list rather than a parsed error code.
var embeddingOnlyPatterns = []string{
	"does not support generate",
	"does not support completion",
	"embedding model",
	"embedding-only",
	"cannot generate",
	"only supports embeddings",
}

// Coordinator is the RecoveryTestCoordinator core component.
type Coordinator struct {
	cfg        config.RecoveryConfig
	breakers   *breaker.Registry
	repository domain.EndpointRepository
	aggregator *metrics.Aggregator
	client     HTTPClient
	logger     *logger.StyledLogger

	bypass              sync.Map // key string -> *atomic.Int64
	consecutiveTimeouts sync.Map // key string -> *atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	probes  *errgroup.Group
}

// New creates a Coordinator. aggregator may be nil (historicalFactor then
// defaults to neutral).
func New(cfg config.RecoveryConfig, breakers *breaker.Registry, repository domain.EndpointRepository, aggregator *metrics.Aggregator, logger *logger.StyledLogger) *Coordinator {
	if cfg.BaseProbeTimeout <= 0 {
		cfg.BaseProbeTimeout = 2 * time.Second
	}
	if cfg.MinProbeTimeout <= 0 {
		cfg.MinProbeTimeout = 500 * time.Millisecond
	}
	if cfg.MaxProbeTimeout <= 0 {
		cfg.MaxProbeTimeout = 30 * time.Second
	}
	if cfg.ProgressiveBackoffCap <= 0 {
		cfg.ProgressiveBackoffCap = 5
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = 4
	}
	return &Coordinator{
		cfg:        cfg,
		breakers:   breakers,
		repository: repository,
		aggregator: aggregator,
		client:     &http.Client{},
		logger:     logger,
	}
}

// SetClient overrides the HTTP client (used by tests).
func (c *Coordinator) SetClient(client HTTPClient) { c.client = client }

func (c *Coordinator) bypassCounter(key string) *atomic.Int64 {
	v, _ := c.bypass.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (c *Coordinator) timeoutCounter(key string) *atomic.Int64 {
	v, _ := c.consecutiveTimeouts.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// TryRecoverServer issues a single lightweight model-listing probe against
// endpoint if its server-level breaker is HALF_OPEN and no other probe is
// already in flight. A no-op (nil error) if the breaker isn't HALF_OPEN or
// a probe is already running — callers should not treat that as failure.
func (c *Coordinator) TryRecoverServer(ctx context.Context, endpoint *domain.Endpoint) error {
	key := endpoint.Key()
	b := c.breakers.Server(key)
	if b.State() != domain.BreakerHalfOpen {
		return nil
	}
	if !b.AllowProbe() {
		return nil
	}
	defer b.FinishProbe()

	counter := c.bypassCounter(key)
	counter.Add(1)
	defer counter.Add(-1)

	timeout := c.cfg.MinProbeTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint.ModelUrl.String(), nil)
	if err != nil {
		b.RecordFailure(domain.ErrorCategoryTransient, err.Error())
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		b.RecordFailure(domain.ErrorCategoryTransient, err.Error())
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.RecordFailure(domain.ErrorCategoryTransient, fmt.Sprintf("status %d", resp.StatusCode))
		return fmt.Errorf("recovery probe: status %d", resp.StatusCode)
	}

	b.RecordSuccess()
	if b.State() == domain.BreakerClosed {
		c.breakers.ForceCloseTree(key)
	}
	return nil
}

// TryRecoverModel issues a single coordinated probe for the server:model
// breaker. Model type is detected on first use (generation tried first,
// falling back to embedding on an embedding-only rejection) and persisted
// on the breaker for subsequent probes.
func (c *Coordinator) TryRecoverModel(ctx context.Context, endpoint *domain.Endpoint, model string) error {
	key := breaker.ModelKey(endpoint.Key(), model)
	b := c.breakers.Model(endpoint.Key(), model)
	if b.State() != domain.BreakerHalfOpen {
		return nil
	}
	if !b.AllowProbe() {
		return nil
	}
	defer b.FinishProbe()

	counter := c.bypassCounter(key)
	counter.Add(1)
	defer counter.Add(-1)

	modelType := b.Snapshot().ModelType
	if modelType == domain.ModelTypeUnknown {
		detected, err := c.detectModelType(ctx, endpoint, model, b, key)
		if err != nil {
			return err
		}
		modelType = detected
	}

	timeout := c.adaptiveTimeout(endpoint, model, key)
	var misrouted bool
	var probeErr error
	switch modelType {
	case domain.ModelTypeEmbedding:
		misrouted, probeErr = c.probeEmbedding(ctx, endpoint, model, timeout)
	default:
		misrouted, probeErr = c.probeGeneration(ctx, endpoint, model, timeout)
	}

	return c.recordProbeOutcome(b, key, probeErr, misrouted)
}

// detectModelType runs a short generation probe; if it fails with an
// embedding-only rejection, falls back to an embedding probe. The winning
// (or assumed, on ambiguous failure) type is persisted on the breaker so
// future recoveries skip detection.
func (c *Coordinator) detectModelType(ctx context.Context, endpoint *domain.Endpoint, model string, b *breaker.Breaker, key string) (domain.ModelType, error) {
	detectTimeout := c.cfg.MinProbeTimeout
	if detectTimeout <= 0 {
		detectTimeout = 500 * time.Millisecond
	}

	misrouted, err := c.probeGeneration(ctx, endpoint, model, detectTimeout)
	if err == nil {
		b.SetModelType(domain.ModelTypeGeneration)
		b.RecordSuccess()
		return domain.ModelTypeGeneration, nil
	}
	if !misrouted {
		// a genuine failure, not a type mismatch: record it and leave type
		// unknown for next time.
		b.RecordFailure(domain.ErrorCategoryTransient, err.Error())
		return domain.ModelTypeUnknown, err
	}

	// generation was refused as embedding-only; confirm with an embedding probe.
	embMisrouted, embErr := c.probeEmbedding(ctx, endpoint, model, detectTimeout)
	b.SetModelType(domain.ModelTypeEmbedding)
	if embErr == nil {
		b.RecordSuccess()
		return domain.ModelTypeEmbedding, nil
	}
	if embMisrouted {
		// neither probe shape fit; classification is still embedding (the
		// generation rejection said so), the probe itself failing is not a
		// server-side breaker failure.
		return domain.ModelTypeEmbedding, nil
	}
	b.RecordFailure(domain.ErrorCategoryTransient, embErr.Error())
	return domain.ModelTypeEmbedding, embErr
}

func (c *Coordinator) recordProbeOutcome(b *breaker.Breaker, key string, probeErr error, misrouted bool) error {
	if probeErr == nil {
		b.RecordSuccess()
		c.timeoutCounter(key).Store(0)
		return nil
	}
	if misrouted {
		// an embedding-only (or generation-only) rejection after type
		// detection: the classification is still valid, the server isn't
		// broken, so this is treated as non-circuit-breaking.
		b.RecordFailure(domain.ErrorCategoryClientMisrouted, probeErr.Error())
		return nil
	}
	if isTimeoutErr(probeErr) {
		c.timeoutCounter(key).Add(1)
	}
	b.RecordFailure(domain.ErrorCategoryTransient, probeErr.Error())
	return probeErr
}

func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

// probeGeneration sends a minimal generation request. Returns misrouted=true
// if the failure looks like an embedding-only rejection rather than a real
// server failure.
func (c *Coordinator) probeGeneration(ctx context.Context, endpoint *domain.Endpoint, model string, timeout time.Duration) (misrouted bool, err error) {
	body, _ := json.Marshal(map[string]interface{}{
		"model":  model,
		"prompt": "",
		"stream": false,
	})
	return c.doProbe(ctx, endpoint.URL.String(), body, timeout)
}

// probeEmbedding sends a minimal embedding request.
func (c *Coordinator) probeEmbedding(ctx context.Context, endpoint *domain.Endpoint, model string, timeout time.Duration) (misrouted bool, err error) {
	body, _ := json.Marshal(map[string]interface{}{
		"model": model,
		"input": "",
	})
	return c.doProbe(ctx, endpoint.URL.String(), body, timeout)
}

func (c *Coordinator) doProbe(ctx context.Context, url string, body []byte, timeout time.Duration) (misrouted bool, err error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	if looksEmbeddingOnly(string(respBody)) {
		return true, fmt.Errorf("recovery probe: status %d (type mismatch)", resp.StatusCode)
	}
	return false, fmt.Errorf("recovery probe: status %d", resp.StatusCode)
}

func looksEmbeddingOnly(body string) bool {
	lower := strings.ToLower(body)
	for _, pattern := range embeddingOnlyPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// adaptiveTimeout implements the probe timeout formula:
// min(maxTimeout, max(minTimeout, baseTimeout * modelSizeFactor *
// historicalFactor * serverFactor * progressiveFactor)).
func (c *Coordinator) adaptiveTimeout(endpoint *domain.Endpoint, model, key string) time.Duration {
	factor := c.modelSizeFactor(endpoint, model) *
		c.historicalFactor(key) *
		c.serverFactor(endpoint) *
		c.progressiveFactor(key)

	timeout := time.Duration(float64(c.cfg.BaseProbeTimeout) * factor)
	if timeout < c.cfg.MinProbeTimeout {
		return c.cfg.MinProbeTimeout
	}
	if timeout > c.cfg.MaxProbeTimeout {
		return c.cfg.MaxProbeTimeout
	}
	return timeout
}

// modelSizeFactor prefers the discovered VRAM footprint from the hardware
// snapshot, falling back to parsing a parameter count out of the model
// name when no hardware sample exists yet. Normalized against an 8B-model/
// 8GB-card baseline of 1.0, clamped to [0.5, 3.0].
func (c *Coordinator) modelSizeFactor(endpoint *domain.Endpoint, model string) float64 {
	if endpoint.Hardware != nil {
		for _, lm := range endpoint.Hardware.LoadedModels {
			if lm.Name == model && lm.VRAMSize > 0 {
				gb := float64(lm.VRAMSize) / (1 << 30)
				return clamp(gb/8.0, 0.5, 3.0)
			}
		}
	}
	if billions := parseParameterBillions(model); billions > 0 {
		return clamp(billions/8.0, 0.5, 3.0)
	}
	return 1.0
}

func parseParameterBillions(model string) float64 {
	matches := modelSizePattern.FindStringSubmatch(model)
	if len(matches) < 3 {
		return 0
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(matches[2]) {
	case "k":
		return num / 1_000_000
	case "m":
		return num / 1_000
	default: // "b"
		return num
	}
}

// historicalFactor derives from the key's p95 latency over the 5m window
// relative to BaseProbeTimeout, clamped to [0.5, 2.5]. Returns 1.0 (neutral)
// when no aggregator is wired or no samples exist yet for key.
func (c *Coordinator) historicalFactor(key string) float64 {
	if c.aggregator == nil {
		return 1.0
	}
	snap := c.aggregator.Snapshot(key)
	if snap == nil {
		return 1.0
	}
	window, ok := snap.Windows[domain.Window5m]
	if !ok || window.Latency.P95 <= 0 {
		return 1.0
	}
	baseMs := float64(c.cfg.BaseProbeTimeout.Milliseconds())
	if baseMs <= 0 {
		return 1.0
	}
	return clamp(window.Latency.P95/baseMs, 0.5, 2.5)
}

// serverFactor derives from the endpoint's most recent health-probe
// latency relative to a 500ms baseline, clamped to [0.5, 2.0].
func (c *Coordinator) serverFactor(endpoint *domain.Endpoint) float64 {
	if endpoint.LastLatency <= 0 {
		return 1.0
	}
	const baselineMs = 500.0
	return clamp(float64(endpoint.LastLatency.Milliseconds())/baselineMs, 0.5, 2.0)
}

// progressiveFactor grows with consecutive probe timeouts for key, capped
// by ProgressiveBackoffCap, so a backend that keeps timing out gets longer
// (not shorter) probe windows rather than being hammered faster.
func (c *Coordinator) progressiveFactor(key string) float64 {
	count := c.timeoutCounter(key).Load()
	if count > int64(c.cfg.ProgressiveBackoffCap) {
		count = int64(c.cfg.ProgressiveBackoffCap)
	}
	return 1.0 + 0.5*float64(count)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// Start launches the periodic sweep that drives recovery probes for every
// HALF_OPEN breaker (server and server:model), bounded to
// cfg.MaxConcurrentProbes concurrent probes. Implements ManagedService.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.probes = &errgroup.Group{}
	c.probes.SetLimit(c.cfg.MaxConcurrentProbes)

	c.wg.Add(1)
	go c.sweepLoop(ctx)
	return nil
}

// Stop halts the sweep loop and waits for in-flight probes to drain.
func (c *Coordinator) Stop(_ context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	_ = c.probes.Wait()
	return nil
}

func (c *Coordinator) Name() string           { return "recovery-coordinator" }
func (c *Coordinator) Dependencies() []string { return []string{"health-check-scheduler"} }

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	endpoints, err := c.repository.GetAll(ctx)
	if err != nil {
		c.logger.Warn("recovery sweep: list endpoints failed", "error", err)
		return
	}

	for _, endpoint := range endpoints {
		endpoint := endpoint
		serverBreaker := c.breakers.Server(endpoint.Key())
		if serverBreaker.State() == domain.BreakerHalfOpen {
			c.runProbe(ctx, func() error { return c.TryRecoverServer(ctx, endpoint) })
		}
		for _, model := range endpoint.Models {
			model := model
			modelBreaker := c.breakers.Model(endpoint.Key(), model)
			if modelBreaker.State() == domain.BreakerHalfOpen {
				c.runProbe(ctx, func() error { return c.TryRecoverModel(ctx, endpoint, model) })
			}
		}
	}
}

// runProbe dispatches probe onto the coordinator's bounded errgroup, which
// blocks the caller once cfg.MaxConcurrentProbes are already in flight.
func (c *Coordinator) runProbe(_ context.Context, probe func() error) {
	c.probes.Go(func() error {
		if err := probe(); err != nil {
			c.logger.Debug("recovery probe failed", "error", err)
		}
		return nil
	})
}
