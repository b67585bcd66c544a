package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
)

var errNoEndpoints = errors.New("no endpoints")

// fakeRepository is a minimal in-memory domain.EndpointRepository for
// orchestrator tests — just enough to back GetAll/UpdateStatus, which is
// all Dispatch touches.
type fakeRepository struct {
	mu        sync.Mutex
	endpoints []*domain.Endpoint
}

func newFakeRepository(eps ...*domain.Endpoint) *fakeRepository {
	return &fakeRepository{endpoints: eps}
}

func (f *fakeRepository) GetAll(_ context.Context) ([]*domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Endpoint, len(f.endpoints))
	copy(out, f.endpoints)
	return out, nil
}

func (f *fakeRepository) GetHealthy(ctx context.Context) ([]*domain.Endpoint, error) {
	return f.GetAll(ctx)
}
func (f *fakeRepository) GetRoutable(ctx context.Context) ([]*domain.Endpoint, error) {
	return f.GetAll(ctx)
}
func (f *fakeRepository) GetByModel(ctx context.Context, _ string) ([]*domain.Endpoint, error) {
	return f.GetAll(ctx)
}
func (f *fakeRepository) SetModels(_ context.Context, _ *url.URL, _, _ []string) error { return nil }

func (f *fakeRepository) UpdateStatus(_ context.Context, endpointURL *url.URL, status domain.EndpointStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.endpoints {
		if e.URL.String() == endpointURL.String() {
			e.Status = status
			e.Healthy = status == domain.StatusHealthy || status == domain.StatusBusy || status == domain.StatusWarming
		}
	}
	return nil
}
func (f *fakeRepository) UpdateEndpoint(_ context.Context, _ *domain.Endpoint) error { return nil }
func (f *fakeRepository) UpsertFromConfig(_ context.Context, _ []config.EndpointConfig) (*domain.EndpointChangeResult, error) {
	return &domain.EndpointChangeResult{}, nil
}
func (f *fakeRepository) Add(_ context.Context, e *domain.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, e)
	return nil
}
func (f *fakeRepository) Remove(_ context.Context, _ *url.URL) error { return nil }
func (f *fakeRepository) Exists(_ context.Context, _ *url.URL) bool  { return true }
func (f *fakeRepository) GetCacheStats() map[string]interface{}     { return nil }

// firstAvailableSelector always returns endpoints[0], the simplest possible
// domain.EndpointSelector — deterministic ordering keeps the dispatch
// tests easy to reason about independent of any real balancing strategy.
type firstAvailableSelector struct{}

func (firstAvailableSelector) Select(_ context.Context, endpoints []*domain.Endpoint) (*domain.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errNoEndpoints
	}
	return endpoints[0], nil
}
func (firstAvailableSelector) Name() string                            { return "first-available" }
func (firstAvailableSelector) IncrementConnections(_ *domain.Endpoint) {}
func (firstAvailableSelector) DecrementConnections(_ *domain.Endpoint) {}

func newTestEndpoint(name string) *domain.Endpoint {
	u, _ := url.Parse("http://" + name + ".local")
	return &domain.Endpoint{
		URL:                u,
		URLString:          u.String(),
		Name:               name,
		ID:                 name,
		Models:             []string{"llama3"},
		MaxConcurrency:     10,
		SupportsGeneration: true,
		Healthy:            true,
		Status:             domain.StatusHealthy,
	}
}
