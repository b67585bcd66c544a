package balancer

import (
	"context"
	"fmt"

	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/core/ports"
)

// LeastConnectionsSelector implements a load balancer that selects the
// endpoint with the least number of active connections, reading connection
// counts from the shared statsCollector.
type LeastConnectionsSelector struct {
	statsCollector ports.StatsCollector
}

func NewLeastConnectionsSelector(statsCollector ports.StatsCollector) *LeastConnectionsSelector {
	return &LeastConnectionsSelector{
		statsCollector: statsCollector,
	}
}

func (l *LeastConnectionsSelector) Name() string {
	return DefaultBalancerLeastConnections
}

func (l *LeastConnectionsSelector) Select(ctx context.Context, endpoints []*domain.Endpoint) (*domain.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}

	routable := make([]*domain.Endpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if endpoint.Status.IsRoutable() {
			routable = append(routable, endpoint)
		}
	}

	if len(routable) == 0 {
		return nil, fmt.Errorf("no routable endpoints available")
	}

	stats := l.statsCollector.GetConnectionStats()

	// Find endpoint with least number of connections
	var selected *domain.Endpoint
	minConnections := int64(-1)

	for _, endpoint := range routable {
		connections := stats[endpoint.URL.String()]

		if minConnections == -1 || connections < minConnections {
			minConnections = connections
			selected = endpoint
		}
	}

	return selected, nil
}

func (l *LeastConnectionsSelector) IncrementConnections(endpoint *domain.Endpoint) {
	l.statsCollector.RecordConnection(endpoint, 1)
}

func (l *LeastConnectionsSelector) DecrementConnections(endpoint *domain.Endpoint) {
	l.statsCollector.RecordConnection(endpoint, -1)
}

func (l *LeastConnectionsSelector) GetConnectionCount(endpoint *domain.Endpoint) int64 {
	return l.statsCollector.GetConnectionStats()[endpoint.URL.String()]
}

func (l *LeastConnectionsSelector) GetConnectionStats() map[string]int64 {
	return l.statsCollector.GetConnectionStats()
}
