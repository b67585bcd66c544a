package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
)

const (
	MinHealthCheckInterval = 1 * time.Second
	MaxHealthCheckTimeout  = 30 * time.Second
)

// StaticEndpointRepository is the authoritative fleet list plus a
// model→backend index, read-mostly behind a sync.RWMutex. It adds a
// model index (GetByModel/SetModels) on top of the plain endpoint map,
// along with the extra identity/capability fields the Endpoint record
// carries.
type StaticEndpointRepository struct {
	endpoints  map[string]*domain.Endpoint
	modelIndex map[string]map[string]struct{} // model -> set of endpoint keys
	mu         sync.RWMutex
}

func NewStaticEndpointRepository() *StaticEndpointRepository {
	return &StaticEndpointRepository{
		endpoints:  make(map[string]*domain.Endpoint),
		modelIndex: make(map[string]map[string]struct{}),
	}
}

// GetAll returns all registered endpoints with fresh copies for mutation safety.
func (r *StaticEndpointRepository) GetAll(ctx context.Context) ([]*domain.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]*domain.Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		endpointCopy := *endpoint
		endpoints = append(endpoints, &endpointCopy)
	}
	return endpoints, nil
}

func (r *StaticEndpointRepository) GetHealthy(ctx context.Context) ([]*domain.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	healthy := make([]*domain.Endpoint, 0)
	for _, endpoint := range r.endpoints {
		if endpoint.Status == domain.StatusHealthy {
			healthyCopy := *endpoint
			healthy = append(healthy, &healthyCopy)
		}
	}
	return healthy, nil
}

func (r *StaticEndpointRepository) GetRoutable(ctx context.Context) ([]*domain.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routable := make([]*domain.Endpoint, 0)
	for _, endpoint := range r.endpoints {
		if endpoint.Status.IsRoutable() {
			routableCopy := *endpoint
			routable = append(routable, &routableCopy)
		}
	}
	return routable, nil
}

// GetByModel returns every registered endpoint whose discovered model list
// (or OpenAI-compatible alias list) contains model, via the model index.
func (r *StaticEndpointRepository) GetByModel(ctx context.Context, model string) ([]*domain.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys, ok := r.modelIndex[model]
	if !ok {
		return []*domain.Endpoint{}, nil
	}
	out := make([]*domain.Endpoint, 0, len(keys))
	for key := range keys {
		if ep, exists := r.endpoints[key]; exists {
			epCopy := *ep
			out = append(out, &epCopy)
		}
	}
	return out, nil
}

// SetModels replaces the discovered model list for an endpoint and
// rebuilds the affected model-index entries. Called by the
// HealthCheckScheduler after a successful model-list probe.
func (r *StaticEndpointRepository) SetModels(ctx context.Context, endpointURL *url.URL, models, openAICompat []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := endpointURL.String()
	ep, exists := r.endpoints[key]
	if !exists {
		return &domain.ErrEndpointNotFound{URL: key}
	}

	for _, old := range ep.Models {
		r.unindexModel(old, key)
	}
	ep.Models = models
	ep.OpenAICompatModel = openAICompat
	for _, m := range models {
		r.indexModel(m, key)
	}
	for _, m := range openAICompat {
		r.indexModel(m, key)
	}
	return nil
}

func (r *StaticEndpointRepository) indexModel(model, key string) {
	set, ok := r.modelIndex[model]
	if !ok {
		set = make(map[string]struct{})
		r.modelIndex[model] = set
	}
	set[key] = struct{}{}
}

func (r *StaticEndpointRepository) unindexModel(model, key string) {
	set, ok := r.modelIndex[model]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(r.modelIndex, model)
	}
}

func (r *StaticEndpointRepository) UpdateStatus(ctx context.Context, endpointURL *url.URL, status domain.EndpointStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := endpointURL.String()
	endpoint, exists := r.endpoints[key]
	if !exists {
		return &domain.ErrEndpointNotFound{URL: key}
	}

	endpoint.Status = status
	endpoint.Healthy = status.IsRoutable()
	endpoint.LastChecked = time.Now()
	return nil
}

func (r *StaticEndpointRepository) UpdateEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := endpoint.URL.String()
	existing, exists := r.endpoints[key]
	if !exists {
		return &domain.ErrEndpointNotFound{URL: key}
	}

	existing.Status = endpoint.Status
	existing.Healthy = endpoint.Status.IsRoutable()
	existing.LastChecked = endpoint.LastChecked
	existing.ConsecutiveFailures = endpoint.ConsecutiveFailures
	existing.BackoffMultiplier = endpoint.BackoffMultiplier
	existing.NextCheckTime = endpoint.NextCheckTime
	existing.LastLatency = endpoint.LastLatency
	existing.Draining = endpoint.Draining
	existing.Maintenance = endpoint.Maintenance
	return nil
}

func (r *StaticEndpointRepository) Add(ctx context.Context, endpoint *domain.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := endpoint.URL.String()
	if endpoint.BackoffMultiplier == 0 {
		endpoint.BackoffMultiplier = 1
	}
	if endpoint.NextCheckTime.IsZero() {
		endpoint.NextCheckTime = time.Now()
	}
	if endpoint.ID == "" {
		endpoint.ID = key
	}
	r.endpoints[key] = endpoint
	for _, m := range endpoint.Models {
		r.indexModel(m, key)
	}
	return nil
}

func (r *StaticEndpointRepository) Remove(ctx context.Context, endpointURL *url.URL) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := endpointURL.String()
	ep, exists := r.endpoints[key]
	if !exists {
		return &domain.ErrEndpointNotFound{URL: key}
	}
	for _, m := range ep.Models {
		r.unindexModel(m, key)
	}
	delete(r.endpoints, key)
	return nil
}

func (r *StaticEndpointRepository) Exists(ctx context.Context, endpointURL *url.URL) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.endpoints[endpointURL.String()]
	return exists
}

func (r *StaticEndpointRepository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endpoints = make(map[string]*domain.Endpoint)
	r.modelIndex = make(map[string]map[string]struct{})
}

// UpsertFromConfig diffs configs against the current fleet and replaces it
// atomically, preserving runtime state (status, failure counters, model
// list) for endpoints whose config is unchanged.
func (r *StaticEndpointRepository) UpsertFromConfig(ctx context.Context, configs []config.EndpointConfig) (*domain.EndpointChangeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldEndpoints := make(map[string]*domain.Endpoint, len(r.endpoints))
	for key, ep := range r.endpoints {
		oldEndpoints[key] = ep
	}
	oldCount := len(r.endpoints)

	if len(configs) == 0 {
		r.endpoints = make(map[string]*domain.Endpoint)
		r.modelIndex = make(map[string]map[string]struct{})
		return &domain.EndpointChangeResult{
			Changed:  oldCount > 0,
			Removed:  r.getEndpointChanges(oldEndpoints),
			OldCount: oldCount,
			NewCount: 0,
		}, nil
	}

	newEndpoints := make(map[string]*domain.Endpoint, len(configs))
	newModelIndex := make(map[string]map[string]struct{})

	for _, cfg := range configs {
		if err := validateEndpointConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid endpoint config for %q: %w", cfg.Name, err)
		}

		endpointURL, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint URL %q: %w", cfg.URL, err)
		}
		healthCheckPath, err := url.Parse(cfg.HealthCheckURL)
		if err != nil {
			return nil, fmt.Errorf("invalid health check URL %q: %w", cfg.HealthCheckURL, err)
		}
		modelPath, err := url.Parse(cfg.ModelURL)
		if err != nil {
			return nil, fmt.Errorf("invalid model URL %q: %w", cfg.ModelURL, err)
		}

		healthCheckURL := endpointURL.ResolveReference(healthCheckPath)
		modelURL := endpointURL.ResolveReference(modelPath)
		key := endpointURL.String()

		var newEndpoint *domain.Endpoint
		if existing, exists := oldEndpoints[key]; exists && endpointConfigUnchanged(existing, cfg, healthCheckURL, modelURL) {
			newEndpoint = &domain.Endpoint{
				Name:                 cfg.Name,
				ID:                   key,
				URL:                  endpointURL,
				Priority:             cfg.Priority,
				MaxConcurrency:       cfg.MaxConcurrency,
				CredentialHeader:     cfg.CredentialHeader,
				CredentialValue:      cfg.CredentialValue,
				HealthCheckURL:       healthCheckURL,
				ModelUrl:             modelURL,
				CheckInterval:        cfg.CheckInterval,
				CheckTimeout:         cfg.CheckTimeout,
				URLString:            endpointURL.String(),
				HealthCheckURLString: healthCheckURL.String(),
				ModelURLString:       modelURL.String(),
				Status:               existing.Status,
				Healthy:              existing.Healthy,
				LastChecked:          existing.LastChecked,
				ConsecutiveFailures:  existing.ConsecutiveFailures,
				BackoffMultiplier:    existing.BackoffMultiplier,
				NextCheckTime:        existing.NextCheckTime,
				LastLatency:          existing.LastLatency,
				Models:               existing.Models,
				OpenAICompatModel:    existing.OpenAICompatModel,
				Hardware:             existing.Hardware,
			}
		} else {
			newEndpoint = &domain.Endpoint{
				Name:                 cfg.Name,
				ID:                   key,
				URL:                  endpointURL,
				Priority:             cfg.Priority,
				MaxConcurrency:       cfg.MaxConcurrency,
				CredentialHeader:     cfg.CredentialHeader,
				CredentialValue:      cfg.CredentialValue,
				HealthCheckURL:       healthCheckURL,
				ModelUrl:             modelURL,
				CheckInterval:        cfg.CheckInterval,
				CheckTimeout:         cfg.CheckTimeout,
				Status:               domain.StatusUnknown,
				URLString:            endpointURL.String(),
				HealthCheckURLString: healthCheckURL.String(),
				ModelURLString:       modelURL.String(),
				BackoffMultiplier:    1,
				NextCheckTime:        time.Now(),
			}
		}

		newEndpoints[key] = newEndpoint
		for _, m := range newEndpoint.Models {
			set, ok := newModelIndex[m]
			if !ok {
				set = make(map[string]struct{})
				newModelIndex[m] = set
			}
			set[key] = struct{}{}
		}
	}

	changeResult := r.detectChanges(oldEndpoints, newEndpoints)

	r.endpoints = newEndpoints
	r.modelIndex = newModelIndex

	return changeResult, nil
}

func (r *StaticEndpointRepository) detectChanges(oldEndpoints, newEndpoints map[string]*domain.Endpoint) *domain.EndpointChangeResult {
	result := &domain.EndpointChangeResult{
		OldCount: len(oldEndpoints),
		NewCount: len(newEndpoints),
	}

	for key, newEp := range newEndpoints {
		if _, exists := oldEndpoints[key]; !exists {
			result.Added = append(result.Added, &domain.EndpointChange{Name: newEp.Name, URL: key})
		}
	}
	for key, oldEp := range oldEndpoints {
		if _, exists := newEndpoints[key]; !exists {
			result.Removed = append(result.Removed, &domain.EndpointChange{Name: oldEp.Name, URL: key})
		}
	}
	for key, newEp := range newEndpoints {
		if oldEp, exists := oldEndpoints[key]; exists {
			if changes := getSpecificChanges(oldEp, newEp); len(changes) > 0 {
				result.Modified = append(result.Modified, &domain.EndpointChange{Name: newEp.Name, URL: key, Changes: changes})
			}
		}
	}

	result.Changed = len(result.Added) > 0 || len(result.Removed) > 0 || len(result.Modified) > 0
	return result
}

func getSpecificChanges(old, new *domain.Endpoint) []string {
	var changes []string
	if old.Name != new.Name {
		changes = append(changes, fmt.Sprintf("name: %s -> %s", old.Name, new.Name))
	}
	if old.Priority != new.Priority {
		changes = append(changes, fmt.Sprintf("priority: %d -> %d", old.Priority, new.Priority))
	}
	if old.HealthCheckURLString != new.HealthCheckURLString {
		changes = append(changes, fmt.Sprintf("health_url: %s -> %s", old.HealthCheckURLString, new.HealthCheckURLString))
	}
	if old.ModelURLString != new.ModelURLString {
		changes = append(changes, fmt.Sprintf("model_url: %s -> %s", old.ModelURLString, new.ModelURLString))
	}
	if old.CheckInterval != new.CheckInterval {
		changes = append(changes, fmt.Sprintf("check_interval: %v -> %v", old.CheckInterval, new.CheckInterval))
	}
	if old.CheckTimeout != new.CheckTimeout {
		changes = append(changes, fmt.Sprintf("check_timeout: %v -> %v", old.CheckTimeout, new.CheckTimeout))
	}
	if old.MaxConcurrency != new.MaxConcurrency {
		changes = append(changes, fmt.Sprintf("max_concurrency: %d -> %d", old.MaxConcurrency, new.MaxConcurrency))
	}
	return changes
}

// validateEndpointConfig lives in config.go alongside the rest of the
// StaticDiscoveryService config helpers; reused here unchanged.

func (r *StaticEndpointRepository) getEndpointChanges(endpoints map[string]*domain.Endpoint) []*domain.EndpointChange {
	changes := make([]*domain.EndpointChange, 0, len(endpoints))
	for key, ep := range endpoints {
		changes = append(changes, &domain.EndpointChange{Name: ep.Name, URL: key})
	}
	return changes
}

func endpointConfigUnchanged(existing *domain.Endpoint, cfg config.EndpointConfig, healthCheckURL, modelURL *url.URL) bool {
	return existing.Name == cfg.Name &&
		existing.Priority == cfg.Priority &&
		existing.HealthCheckURLString == healthCheckURL.String() &&
		existing.ModelURLString == modelURL.String() &&
		existing.CheckInterval == cfg.CheckInterval &&
		existing.CheckTimeout == cfg.CheckTimeout &&
		existing.MaxConcurrency == cfg.MaxConcurrency
}

// GetCacheStats returns repository statistics for the admin surface.
func (r *StaticEndpointRepository) GetCacheStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"total_endpoints": len(r.endpoints),
		"total_models":    len(r.modelIndex),
	}
}
