package domain

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/olla-router/olla/internal/config"
)

const (
	StatusStringHealthy   = "healthy"
	StatusStringBusy      = "busy"
	StatusStringOffline   = "offline"
	StatusStringWarming   = "warming"
	StatusStringUnhealthy = "unhealthy"
	StatusStringUnknown   = "unknown"
)

// Endpoint is the backend (server) record: identity, declared capacity,
// discovered capability flags and model inventory, and the
// routing-relevant lifecycle bits (healthy/draining/maintenance).
type Endpoint struct {
	URL                  *url.URL
	HealthCheckURL       *url.URL
	ModelUrl             *url.URL
	LoadedModelsURL      *url.URL
	VersionURL           *url.URL
	Name                 string
	ID                   string
	URLString            string
	HealthCheckURLString string
	ModelURLString       string
	CredentialHeader     string
	CredentialValue      string
	LastVersion          string

	Models            []string // discovered model list
	OpenAICompatModel []string // discovered OpenAI-compatible model aliases, if any

	Hardware *HardwareSnapshot

	Priority            int
	MaxConcurrency      int
	CheckInterval       time.Duration
	CheckTimeout        time.Duration
	ConsecutiveFailures int
	BackoffMultiplier   int

	Status        EndpointStatus
	LastChecked   time.Time
	NextCheckTime time.Time
	LastLatency   time.Duration

	SupportsGeneration       bool
	SupportsOpenAICompatible bool
	Draining                 bool
	Maintenance              bool
	Healthy                  bool
}

// HardwareSnapshot is the last-seen loaded-model inventory reported by a
// backend's loaded-models endpoint: model name, VRAM footprint, and when
// it was observed. Used by the recovery coordinator's adaptive timeout to
// derive modelSizeFactor.
type HardwareSnapshot struct {
	ObservedAt   time.Time
	LoadedModels []LoadedModel
}

type LoadedModel struct {
	Name     string
	VRAMSize int64 // bytes
}

func (e *Endpoint) GetURLString() string            { return e.URLString }
func (e *Endpoint) GetHealthCheckURLString() string { return e.HealthCheckURLString }

// Key returns the registry-wide unique identity of this backend.
func (e *Endpoint) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.URLString
}

// IsAdmissible reports whether this endpoint is a candidate for dispatch:
// known, healthy, not draining, not in maintenance.
func (e *Endpoint) IsAdmissible() bool {
	return e.Healthy && !e.Draining && !e.Maintenance
}

// HasModel reports whether m (resolved via the :latest rule by the caller)
// is present in the discovered model list.
func (e *Endpoint) HasModel(m string) bool {
	for _, model := range e.Models {
		if model == m {
			return true
		}
	}
	return false
}

func (e *ErrEndpointNotFound) Error() string {
	return fmt.Sprintf("endpoint not found: %s", e.URL)
}

type EndpointStatus string

const (
	StatusHealthy   EndpointStatus = StatusStringHealthy
	StatusBusy      EndpointStatus = StatusStringBusy
	StatusOffline   EndpointStatus = StatusStringOffline
	StatusWarming   EndpointStatus = StatusStringWarming
	StatusUnhealthy EndpointStatus = StatusStringUnhealthy
	StatusUnknown   EndpointStatus = StatusStringUnknown
)

func (s EndpointStatus) IsRoutable() bool {
	switch s {
	case StatusHealthy, StatusBusy, StatusWarming:
		return true
	default:
		return false
	}
}

func (s EndpointStatus) GetTrafficWeight() float64 {
	switch s {
	case StatusHealthy:
		return 1.0
	case StatusBusy:
		return 0.3
	case StatusWarming:
		return 0.1
	default:
		return 0.0
	}
}

func (s EndpointStatus) String() string { return string(s) }

type EndpointChangeResult struct {
	Changed  bool
	Added    []*EndpointChange
	Removed  []*EndpointChange
	Modified []*EndpointChange
	OldCount int
	NewCount int
}

type EndpointChange struct {
	Name    string
	URL     string
	Changes []string
}

type ErrEndpointNotFound struct {
	URL string
}

// EndpointRepository is the read-mostly fleet store. Reads take a shared
// lock (or a lock-free snapshot); writes (Add/Remove/UpdateEndpoint/
// UpsertFromConfig) take the writer lock and rebuild the model index.
type EndpointRepository interface {
	GetAll(ctx context.Context) ([]*Endpoint, error)
	GetHealthy(ctx context.Context) ([]*Endpoint, error)
	GetRoutable(ctx context.Context) ([]*Endpoint, error)
	GetByModel(ctx context.Context, model string) ([]*Endpoint, error)
	SetModels(ctx context.Context, endpointURL *url.URL, models, openAICompat []string) error
	UpdateStatus(ctx context.Context, endpointURL *url.URL, status EndpointStatus) error
	UpdateEndpoint(ctx context.Context, endpoint *Endpoint) error
	UpsertFromConfig(ctx context.Context, configs []config.EndpointConfig) (*EndpointChangeResult, error)
	Add(ctx context.Context, endpoint *Endpoint) error
	Remove(ctx context.Context, endpointURL *url.URL) error
	Exists(ctx context.Context, endpointURL *url.URL) bool
	GetCacheStats() map[string]interface{}
}

// EndpointSelector is the LoadBalancer's per-algorithm selection strategy.
type EndpointSelector interface {
	Select(ctx context.Context, endpoints []*Endpoint) (*Endpoint, error)
	Name() string
	IncrementConnections(endpoint *Endpoint)
	DecrementConnections(endpoint *Endpoint)
}
