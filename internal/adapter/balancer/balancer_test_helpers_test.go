package balancer

import "github.com/olla-router/olla/internal/core/ports"

// NewTestStatsCollector gives the selector tests a fresh, isolated
// connection-tracking backend without reaching into the real stats package.
func NewTestStatsCollector() ports.StatsCollector {
	return ports.NewMockStatsCollector()
}
