package health

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/olla-router/olla/internal/breaker"
	"github.com/olla-router/olla/internal/core/constants"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/logger"
)

const (
	DefaultHealthCheckerWorkerCount = 10
	BaseHealthCheckerQueueSize      = 100
	QueueScaleFactor                = 2 // Queue size = endpoints * factor

	DefaultHealthCheckerTimeout = 5 * time.Second
	SlowResponseThreshold       = 10 * time.Second
	VerySlowResponseThreshold   = 30 * time.Second

	HealthyEndpointStatusRangeStart = 200
	HealthyEndpointStatusRangeEnd   = 300

	BaseBackoffSeconds = 2

	CleanupInterval = 5 * time.Minute

	// DefaultSuccessThreshold is the consecutive-success count after which
	// an endpoint is marked healthy again, gated on the server-level
	// breaker not being OPEN.
	DefaultSuccessThreshold = 2
)

// ErrCircuitBreakerOpen is returned by Check when the server-level breaker
// (internal/breaker) is not admitting traffic for this endpoint.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// HTTPClient abstracts *http.Client for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// modelListResponse is the common shape returned by a model list probe.
// Capability discovery only needs the model names, not full upstream
// fidelity, so this shape is parsed directly rather than through a
// per-backend response converter.
type modelListResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type loadedModelsResponse struct {
	Models []struct {
		Name     string `json:"name"`
		VRAMSize int64  `json:"size_vram"`
	} `json:"models"`
}

// Heap-based scheduler for efficient health check timing
type scheduledCheck struct {
	endpoint *domain.Endpoint
	dueTime  time.Time
	ctx      context.Context
}

type checkHeap []*scheduledCheck

func (h checkHeap) Len() int           { return len(h) }
func (h checkHeap) Less(i, j int) bool { return h[i].dueTime.Before(h[j].dueTime) }
func (h checkHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *checkHeap) Push(x interface{}) {
	*h = append(*h, x.(*scheduledCheck))
}

func (h *checkHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

type healthCheckJob struct {
	endpoint *domain.Endpoint
	ctx      context.Context
}

// HTTPHealthChecker implements the HealthCheckScheduler: a heap-scheduled,
// worker-pooled liveness probe with capability discovery (model list,
// version, loaded models) that feeds the shared two-level breaker
// registry and the BackendRegistry's model index.
type HTTPHealthChecker struct {
	repository       domain.EndpointRepository
	client           HTTPClient
	breakers         *breaker.Registry
	statusTracker    *StatusTransitionTracker
	cleanupTicker    *time.Ticker
	stopCh           chan struct{}
	jobCh            chan healthCheckJob
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
	workerCount      int
	logger           *logger.StyledLogger
	recoveryCallback RecoveryCallback

	consecutiveSuccesses sync.Map // endpoint key -> int (for the successThreshold gate)

	// Heap-based scheduler
	schedulerHeap *checkHeap
	heapMu        sync.Mutex
}

func NewHTTPHealthChecker(repository domain.EndpointRepository, breakers *breaker.Registry, logger *logger.StyledLogger) *HTTPHealthChecker {
	heapInstance := &checkHeap{}
	heap.Init(heapInstance)

	return &HTTPHealthChecker{
		repository: repository,
		client: &http.Client{
			Timeout: DefaultHealthCheckerTimeout,
		},
		breakers:         breakers,
		statusTracker:    NewStatusTransitionTracker(),
		stopCh:           make(chan struct{}),
		workerCount:      DefaultHealthCheckerWorkerCount,
		logger:           logger,
		schedulerHeap:    heapInstance,
		recoveryCallback: NoOpRecoveryCallback{},
	}
}

// SetRecoveryCallback registers the hook invoked when an endpoint's
// breaker transitions back to CLOSED after a successful probe following
// an OPEN/HALF_OPEN period. The composition root wires this to the
// RecoveryTestCoordinator so it can stop treating the server as degraded.
func (c *HTTPHealthChecker) SetRecoveryCallback(cb RecoveryCallback) {
	if cb == nil {
		cb = NoOpRecoveryCallback{}
	}
	c.recoveryCallback = cb
}

// classifyError determines the type of error that occurred during health
// checking, including context deadline/cancellation.
func classifyError(err error) domain.HealthCheckErrorType {
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return domain.ErrorTypeCircuitOpen
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrorTypeTimeout
		}
		return domain.ErrorTypeNetwork
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrorTypeNetwork
	}

	return domain.ErrorTypeHTTPError
}

func errorTypeToCategory(t domain.HealthCheckErrorType) domain.ErrorCategory {
	switch t {
	case domain.ErrorTypeNetwork, domain.ErrorTypeTimeout:
		return domain.ErrorCategoryTransient
	case domain.ErrorTypeCircuitOpen:
		return domain.ErrorCategoryRetryable
	default:
		return domain.ErrorCategoryRetryable
	}
}

// Status logic: offline for network errors, busy for slow responses, healthy otherwise
func determineStatus(statusCode int, latency time.Duration, err error, errorType domain.HealthCheckErrorType) domain.EndpointStatus {
	if err != nil {
		switch errorType {
		case domain.ErrorTypeNetwork, domain.ErrorTypeTimeout, domain.ErrorTypeCircuitOpen:
			return domain.StatusOffline
		default:
			return domain.StatusUnhealthy
		}
	}

	if statusCode >= HealthyEndpointStatusRangeStart && statusCode < HealthyEndpointStatusRangeEnd {
		if latency > SlowResponseThreshold {
			return domain.StatusBusy
		}
		return domain.StatusHealthy
	}

	if latency > SlowResponseThreshold {
		return domain.StatusBusy
	}
	return domain.StatusUnhealthy
}

// calculateBackoff returns the interval to wait before the endpoint's next
// check, and the BackoffMultiplier to record for the following failure.
// The first failure keeps the normal interval (a single blip shouldn't
// slow down probing) and only starts doubling from the second failure on.
func calculateBackoff(endpoint *domain.Endpoint, success bool) (time.Duration, int) {
	if success {
		return endpoint.CheckInterval, 1
	}

	if endpoint.BackoffMultiplier <= 1 {
		return endpoint.CheckInterval, 2
	}

	multiplier := endpoint.BackoffMultiplier * 2
	if multiplier > constants.DefaultMaxBackoffMultiplier {
		multiplier = constants.DefaultMaxBackoffMultiplier
	}

	backoffInterval := endpoint.CheckInterval * time.Duration(endpoint.BackoffMultiplier)
	if backoffInterval > constants.DefaultMaxBackoffSeconds {
		backoffInterval = constants.DefaultMaxBackoffSeconds
	}
	return backoffInterval, multiplier
}

// Check runs a single liveness probe against endpoint and, on success, a
// capability-discovery pass (model list, version, loaded models). It
// records the outcome against the server-level breaker so that Allow()
// reflects health-check-observed liveness too, not just request-path
// failures — a server that fails its health probe shouldn't keep
// receiving traffic just because no request happened to hit it yet.
func (c *HTTPHealthChecker) Check(ctx context.Context, endpoint *domain.Endpoint) (domain.HealthCheckResult, error) {
	start := time.Now()
	healthCheckUrl := endpoint.GetHealthCheckURLString()

	result := domain.HealthCheckResult{
		Status: domain.StatusUnknown,
	}

	serverBreaker := c.breakers.Server(endpoint.Key())
	if !serverBreaker.Allow() && !serverBreaker.AllowProbe() {
		result.Status = domain.StatusOffline
		result.Error = ErrCircuitBreakerOpen
		result.ErrorType = domain.ErrorTypeCircuitOpen
		result.Latency = time.Since(start)
		return result, ErrCircuitBreakerOpen
	}

	checkCtx, cancel := context.WithTimeout(ctx, endpoint.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, healthCheckUrl, nil)
	if err != nil {
		result.Latency = time.Since(start)
		result.Error = err
		result.ErrorType = classifyError(err)
		result.Status = determineStatus(0, result.Latency, err, result.ErrorType)
		serverBreaker.RecordFailure(errorTypeToCategory(result.ErrorType), err.Error())
		return result, err
	}
	c.applyCredentials(req, endpoint)

	resp, err := c.client.Do(req)
	result.Latency = time.Since(start)

	if err != nil {
		result.Error = err
		result.ErrorType = classifyError(err)
		result.Status = determineStatus(0, result.Latency, err, result.ErrorType)
		serverBreaker.RecordFailure(errorTypeToCategory(result.ErrorType), err.Error())
		return result, err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	result.Status = determineStatus(resp.StatusCode, result.Latency, nil, domain.ErrorTypeNone)

	if result.Status == domain.StatusHealthy {
		wasOpen := serverBreaker.State() != domain.BreakerClosed
		serverBreaker.RecordSuccess()
		c.discoverCapabilities(ctx, endpoint)
		if wasOpen {
			if serverBreaker.State() == domain.BreakerClosed {
				// full recovery: give the server a clean slate, including
				// every server:model breaker nested under it, not just the
				// one the liveness probe happened to exercise.
				c.breakers.ForceCloseTree(endpoint.Key())
				if err := c.recoveryCallback.OnEndpointRecovered(ctx, endpoint); err != nil {
					c.logger.Warn("recovery callback failed", "endpoint", endpoint.Name, "error", err)
				}
			}
		}
	} else {
		serverBreaker.RecordFailure(domain.ErrorCategoryTransient, fmt.Sprintf("status %d", resp.StatusCode))
	}

	return result, nil
}

func (c *HTTPHealthChecker) applyCredentials(req *http.Request, endpoint *domain.Endpoint) {
	if endpoint.CredentialHeader != "" && endpoint.CredentialValue != "" {
		req.Header.Set(endpoint.CredentialHeader, endpoint.CredentialValue)
	}
}

// discoverCapabilities fetches the model-list, version, and loaded-models
// endpoints and updates the repository's model index and the endpoint's
// hardware snapshot. Failures here are logged, not treated as
// health-check failures: a server can be alive but briefly unable to list
// its models (e.g. mid-load).
func (c *HTTPHealthChecker) discoverCapabilities(ctx context.Context, endpoint *domain.Endpoint) {
	models, openAICompat := c.fetchModelList(ctx, endpoint)
	if models != nil {
		if err := c.repository.SetModels(ctx, endpoint.URL, models, openAICompat); err != nil {
			c.logger.Warn("failed to set discovered models", "endpoint", endpoint.Name, "error", err)
		}
	}

	if v := c.fetchVersion(ctx, endpoint); v != "" {
		endpoint.LastVersion = v
	}

	if snapshot := c.fetchLoadedModels(ctx, endpoint); snapshot != nil {
		endpoint.Hardware = snapshot
	}
}

func (c *HTTPHealthChecker) fetchModelList(ctx context.Context, endpoint *domain.Endpoint) ([]string, []string) {
	if endpoint.ModelUrl == nil {
		return nil, nil
	}
	body, err := c.getJSON(ctx, endpoint, endpoint.ModelUrl.String())
	if err != nil {
		return nil, nil
	}
	var parsed modelListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil
	}
	models := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

func (c *HTTPHealthChecker) fetchVersion(ctx context.Context, endpoint *domain.Endpoint) string {
	if endpoint.VersionURL == nil {
		return ""
	}
	body, err := c.getJSON(ctx, endpoint, endpoint.VersionURL.String())
	if err != nil {
		return ""
	}
	var parsed versionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Version
}

func (c *HTTPHealthChecker) fetchLoadedModels(ctx context.Context, endpoint *domain.Endpoint) *domain.HardwareSnapshot {
	if endpoint.LoadedModelsURL == nil {
		return nil
	}
	body, err := c.getJSON(ctx, endpoint, endpoint.LoadedModelsURL.String())
	if err != nil {
		return nil
	}
	var parsed loadedModelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	snapshot := &domain.HardwareSnapshot{ObservedAt: time.Now()}
	for _, m := range parsed.Models {
		snapshot.LoadedModels = append(snapshot.LoadedModels, domain.LoadedModel{Name: m.Name, VRAMSize: m.VRAMSize})
	}
	return snapshot
}

func (c *HTTPHealthChecker) getJSON(ctx context.Context, endpoint *domain.Endpoint, rawURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, endpoint.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.applyCredentials(req, endpoint)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < HealthyEndpointStatusRangeStart || resp.StatusCode >= HealthyEndpointStatusRangeEnd {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return io.ReadAll(resp.Body)
}

// Scale queue size based on endpoint count
func (c *HTTPHealthChecker) calculateQueueSize(endpointCount int) int {
	queueSize := endpointCount * QueueScaleFactor
	if queueSize < BaseHealthCheckerQueueSize {
		queueSize = BaseHealthCheckerQueueSize
	}
	return queueSize
}

func (c *HTTPHealthChecker) StartChecking(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	// Get endpoint count to scale queue size
	endpoints, err := c.repository.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to get endpoints for queue sizing: %w", err)
	}

	queueSize := c.calculateQueueSize(len(endpoints))
	c.stopCh = make(chan struct{})
	c.jobCh = make(chan healthCheckJob, queueSize)
	c.running = true

	c.logger.Info("Health checker starting",
		"workers", c.workerCount,
		"queue_size", queueSize,
		"endpoints", len(endpoints))

	// Start workers
	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	// Start heap-based scheduler
	c.wg.Add(1)
	go c.heapSchedulerLoop(ctx)

	c.cleanupTicker = time.NewTicker(CleanupInterval)
	c.wg.Add(1)
	go c.cleanupLoop()

	return nil
}

func (c *HTTPHealthChecker) StopChecking(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)

	if c.cleanupTicker != nil {
		c.cleanupTicker.Stop()
	}

	c.wg.Wait()
	c.running = false

	return nil
}

func (c *HTTPHealthChecker) cleanupLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.cleanupTicker.C:
			c.performCleanup()
		}
	}
}

// Clean up stale circuit breaker and status tracker entries
func (c *HTTPHealthChecker) performCleanup() {
	endpoints, err := c.repository.GetAll(context.Background())
	if err != nil {
		return
	}

	if len(endpoints) == 0 {
		return
	}

	currentEndpoints := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		currentEndpoints[endpoint.Key()] = struct{}{}
	}

	// Clean the server and server:model breakers belonging to endpoints
	// that no longer exist in the repository. A breaker key either IS a
	// live endpoint's key (server-level) or is prefixed by one followed
	// by ":" (a server:model key); anything else is orphaned.
	for key := range c.breakers.All() {
		if _, exists := currentEndpoints[key]; exists {
			continue
		}
		stale := true
		for liveKey := range currentEndpoints {
			if strings.HasPrefix(key, liveKey+":") {
				stale = false
				break
			}
		}
		if stale {
			c.breakers.RemoveByPrefix(key)
		}
	}

	// Clean status tracker
	statusEndpoints := c.statusTracker.GetActiveEndpoints()
	for _, url := range statusEndpoints {
		if _, exists := currentEndpoints[url]; !exists {
			c.statusTracker.CleanupEndpoint(url)
		}
	}
}

func (c *HTTPHealthChecker) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case job := <-c.jobCh:
			c.processHealthCheck(job)
		}
	}
}

func (c *HTTPHealthChecker) processHealthCheck(job healthCheckJob) {
	result, err := c.Check(job.ctx, job.endpoint)

	isSuccess := result.Status == domain.StatusHealthy
	wasUnhealthy := job.endpoint.Status == domain.StatusUnhealthy || job.endpoint.Status == domain.StatusOffline

	if isSuccess && wasUnhealthy {
		// Recovering from unhealthy: require DefaultSuccessThreshold
		// consecutive good probes, and the server breaker must not be
		// OPEN, before flipping the endpoint back to healthy.
		key := job.endpoint.Key()
		n, _ := c.consecutiveSuccesses.LoadOrStore(key, 0)
		count := n.(int) + 1
		c.consecutiveSuccesses.Store(key, count)

		breakerOpen := c.breakers.Server(key).State() == domain.BreakerOpen
		if count < DefaultSuccessThreshold || breakerOpen {
			job.endpoint.Status = domain.StatusWarming
		} else {
			job.endpoint.Status = result.Status
			c.consecutiveSuccesses.Delete(key)
		}
	} else {
		if isSuccess {
			c.consecutiveSuccesses.Delete(job.endpoint.Key())
		}
		job.endpoint.Status = result.Status
	}

	job.endpoint.LastChecked = time.Now()
	job.endpoint.LastLatency = result.Latency

	// Calculate backoff
	nextInterval, newMultiplier := calculateBackoff(job.endpoint, isSuccess)

	if !isSuccess {
		job.endpoint.ConsecutiveFailures++
		job.endpoint.BackoffMultiplier = newMultiplier
	} else {
		job.endpoint.ConsecutiveFailures = 0
		job.endpoint.BackoffMultiplier = 1
	}

	job.endpoint.NextCheckTime = time.Now().Add(nextInterval)

	// Reschedule in heap
	c.heapMu.Lock()
	heap.Push(c.schedulerHeap, &scheduledCheck{
		endpoint: job.endpoint,
		dueTime:  job.endpoint.NextCheckTime,
		ctx:      job.ctx,
	})
	c.heapMu.Unlock()

	if repoErr := c.repository.UpdateEndpoint(job.ctx, job.endpoint); repoErr != nil {
		c.logger.Error("Failed to update endpoint",
			"endpoint", job.endpoint.GetURLString(),
			"error", repoErr)
	}

	// Only log status changes and periodic error summaries
	shouldLog, errorCount := c.statusTracker.ShouldLog(
		job.endpoint.GetURLString(),
		result.Status,
		err != nil)

	if shouldLog {
		if errorCount > 0 ||
			(result.Status == domain.StatusOffline ||
				result.Status == domain.StatusBusy ||
				result.Status == domain.StatusUnhealthy) {
			c.logger.WarnWithEndpoint("Endpoint health issues for", job.endpoint.Name,
				"status", result.Status.String(),
				"consecutive_failures", errorCount,
				"latency", result.Latency,
				"next_check_in", nextInterval)
		} else {
			c.logger.InfoHealthStatus("Endpoint status changed for",
				job.endpoint.Name,
				result.Status,
				"latency", result.Latency,
				"next_check_in", nextInterval)
		}
	}
}

// Heap-based scheduler - much more efficient than linear scanning
func (c *HTTPHealthChecker) heapSchedulerLoop(ctx context.Context) {
	defer c.wg.Done()

	// Initial population of heap
	endpoints, err := c.repository.GetAll(ctx)
	if err == nil {
		c.heapMu.Lock()
		for _, endpoint := range endpoints {
			heap.Push(c.schedulerHeap, &scheduledCheck{
				endpoint: endpoint,
				dueTime:  endpoint.NextCheckTime,
				ctx:      ctx,
			})
		}
		c.heapMu.Unlock()
	}

	ticker := time.NewTicker(100 * time.Millisecond) // Check more frequently for heap
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.heapMu.Lock()

			// Process all due checks
			for c.schedulerHeap.Len() > 0 {
				next := (*c.schedulerHeap)[0]
				if now.Before(next.dueTime) {
					break // Next check isn't due yet
				}

				check := heap.Pop(c.schedulerHeap).(*scheduledCheck)

				job := healthCheckJob{
					endpoint: check.endpoint,
					ctx:      check.ctx,
				}

				select {
				case c.jobCh <- job:
					// Queued
				default:
					// Queue full, reschedule in 1 second
					check.dueTime = now.Add(time.Second)
					heap.Push(c.schedulerHeap, check)
				}
			}

			c.heapMu.Unlock()
		}
	}
}

func (c *HTTPHealthChecker) SetWorkerCount(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("Cannot change worker count while health checker is running")
		return
	}

	if count < 1 {
		count = 1
	}
	c.workerCount = count
}

func (c *HTTPHealthChecker) GetSchedulerStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return map[string]interface{}{
			"running": false,
		}
	}

	queueSize := len(c.jobCh)
	queueCap := cap(c.jobCh)

	c.heapMu.Lock()
	heapSize := c.schedulerHeap.Len()
	c.heapMu.Unlock()

	return map[string]interface{}{
		"running":          c.running,
		"worker_count":     c.workerCount,
		"queue_size":       queueSize,
		"queue_cap":        queueCap,
		"queue_usage":      float64(queueSize) / float64(queueCap),
		"scheduled_checks": heapSize,
	}
}

func (c *HTTPHealthChecker) ForceHealthCheck(ctx context.Context) error {
	if !c.running {
		return fmt.Errorf("health checker is not running")
	}

	endpoints, err := c.repository.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to get endpoints: %w", err)
	}

	for _, endpoint := range endpoints {
		job := healthCheckJob{
			endpoint: endpoint,
			ctx:      ctx,
		}

		select {
		case c.jobCh <- job:
			// Queued
		default:
			return fmt.Errorf("health check queue is full")
		}
	}

	return nil
}