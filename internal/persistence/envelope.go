package persistence

import (
	"time"

	"github.com/olla-router/olla/internal/core/domain"
)

// snapshotVersion is bumped whenever a persisted file's shape changes in a
// way that isn't backward compatible. A reader only checks that it isn't
// ahead of what this build understands; it doesn't try to migrate.
const snapshotVersion = 1

// envelope wraps every persisted blob with a version and a save timestamp,
// so a reader can recognise a file it doesn't understand instead of
// decoding it into structures that quietly don't mean what they used to.
type envelope[T any] struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Data    T         `json:"data"`
}

// serverRecord is the restorable subset of a domain.Endpoint: the fields a
// health probe discovers over time, not the fields a config reload would
// already re-derive from the endpoint list.
type serverRecord struct {
	Key                 string                   `json:"key"`
	Models              []string                 `json:"models"`
	OpenAICompatModel   []string                 `json:"open_ai_compat_model"`
	Hardware            *domain.HardwareSnapshot `json:"hardware,omitempty"`
	Status              domain.EndpointStatus    `json:"status"`
	Healthy             bool                     `json:"healthy"`
	Draining            bool                     `json:"draining"`
	Maintenance         bool                     `json:"maintenance"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	BackoffMultiplier   int                      `json:"backoff_multiplier"`
	LastLatency         time.Duration            `json:"last_latency"`
	LastChecked         time.Time                `json:"last_checked"`
	NextCheckTime       time.Time                `json:"next_check_time"`
}

type serversSnapshot struct {
	Servers []serverRecord `json:"servers"`
}

type breakersSnapshot struct {
	Breakers map[string]domain.BreakerSnapshot `json:"breakers"`
}

type metricsSnapshot struct {
	Keys map[string]domain.KeyMetrics `json:"keys"`
}

type bansSnapshot struct {
	Bans []domain.BanEntry `json:"bans"`
}

type timeoutsSnapshot struct {
	Timeouts []domain.DynamicTimeout `json:"timeouts"`
}

type decisionHistorySnapshot struct {
	Entries []domain.DecisionLogEntry `json:"entries"`
}

type requestHistorySnapshot struct {
	ByServer map[string][]domain.RequestHistoryEntry `json:"by_server"`
}

const (
	fileServers         = "servers.json"
	fileBreakers        = "breakers.json"
	fileMetrics         = "metrics.json"
	fileBans            = "bans.json"
	fileTimeouts        = "timeouts.json"
	fileDecisionHistory = "decisions.json"
	fileRequestHistory  = "requests.json"
)
