// Package persistence implements best-effort snapshot/restore of fleet and
// routing state across restarts: the server list's discovered bits,
// breaker state, metrics, bans, learned timeouts, and the decision/request
// history rings. Each concern is an independent file; a missing file is
// skipped and a corrupt one is logged and skipped, rather than failing
// startup, so a damaged
// snapshot never blocks the process from coming up with a clean slate.
//
// Writes are coalesced through a debounced writer (see debounce.go) so a
// burst of state changes — several breaker trips, a round of health
// checks — produces one write, not dozens.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/olla-router/olla/internal/adapter/discovery"
	"github.com/olla-router/olla/internal/breaker"
	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/logger"
	"github.com/olla-router/olla/internal/metrics"
	"github.com/olla-router/olla/internal/orchestrator"
)

// Store owns the debounced writer and the restore-on-startup path for
// every persisted concern.
type Store struct {
	cfg config.PersistenceConfig
	log *logger.StyledLogger

	repository *discovery.StaticEndpointRepository
	breakers   *breaker.Registry
	agg        *metrics.Aggregator
	decisions  *metrics.DecisionHistory
	requests   *metrics.RequestHistory
	orch       *orchestrator.Orchestrator

	debounce *debouncer
}

// New creates a Store. Deps may be nil in tests that only exercise a
// subset of the persisted concerns; a nil dep's snapshot is skipped on
// both save and load.
func New(
	cfg config.PersistenceConfig,
	repository *discovery.StaticEndpointRepository,
	breakers *breaker.Registry,
	agg *metrics.Aggregator,
	decisions *metrics.DecisionHistory,
	requests *metrics.RequestHistory,
	orch *orchestrator.Orchestrator,
	log *logger.StyledLogger,
) *Store {
	s := &Store{
		cfg:        cfg,
		log:        log,
		repository: repository,
		breakers:   breakers,
		agg:        agg,
		decisions:  decisions,
		requests:   requests,
		orch:       orch,
	}
	s.debounce = newDebouncer(cfg.DebounceWait, 0, func() {
		if err := s.Save(context.Background()); err != nil {
			s.log.Warn("persistence save failed", "error", err)
		}
	})
	return s
}

// MarkDirty schedules a debounced save. Cheap to call from a hot path —
// callers should call it after every state change worth persisting rather
// than trying to batch it themselves.
func (s *Store) MarkDirty() {
	if !s.cfg.Enabled {
		return
	}
	s.debounce.trigger()
}

// Save writes every persisted concern to its own file under cfg.Directory,
// best-effort: a single concern's write failure is logged but doesn't stop
// the others from being attempted.
func (s *Store) Save(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(s.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("create persistence directory: %w", err)
	}

	var errs []error
	if s.repository != nil {
		if err := s.saveServers(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.breakers != nil {
		if err := s.saveBreakers(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.agg != nil {
		if err := s.saveMetrics(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.orch != nil {
		if err := s.saveBans(); err != nil {
			errs = append(errs, err)
		}
		if err := s.saveTimeouts(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.decisions != nil {
		if err := s.saveDecisionHistory(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.requests != nil {
		if err := s.saveRequestHistory(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("persistence save encountered %d error(s): %w", len(errs), errs[0])
	}
	return nil
}

func (s *Store) saveServers(ctx context.Context) error {
	endpoints, err := s.repository.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	records := make([]serverRecord, 0, len(endpoints))
	for _, e := range endpoints {
		records = append(records, serverRecord{
			Key:                 e.Key(),
			Models:              e.Models,
			OpenAICompatModel:   e.OpenAICompatModel,
			Hardware:            e.Hardware,
			Status:              e.Status,
			Healthy:             e.Healthy,
			Draining:            e.Draining,
			Maintenance:         e.Maintenance,
			ConsecutiveFailures: e.ConsecutiveFailures,
			BackoffMultiplier:   e.BackoffMultiplier,
			LastLatency:         e.LastLatency,
			LastChecked:         e.LastChecked,
			NextCheckTime:       e.NextCheckTime,
		})
	}
	return writeSnapshot(s.cfg.Directory, fileServers, serversSnapshot{Servers: records})
}

func (s *Store) saveBreakers() error {
	out := make(map[string]domain.BreakerSnapshot)
	for key, b := range s.breakers.All() {
		out[key] = b.Snapshot()
	}
	return writeSnapshot(s.cfg.Directory, fileBreakers, breakersSnapshot{Breakers: out})
}

func (s *Store) saveMetrics() error {
	return writeSnapshot(s.cfg.Directory, fileMetrics, metricsSnapshot{Keys: s.agg.SnapshotAll()})
}

func (s *Store) saveBans() error {
	return writeSnapshot(s.cfg.Directory, fileBans, bansSnapshot{Bans: s.orch.Bans()})
}

func (s *Store) saveTimeouts() error {
	return writeSnapshot(s.cfg.Directory, fileTimeouts, timeoutsSnapshot{Timeouts: s.orch.Timeouts()})
}

func (s *Store) saveDecisionHistory() error {
	return writeSnapshot(s.cfg.Directory, fileDecisionHistory, decisionHistorySnapshot{Entries: s.decisions.All()})
}

func (s *Store) saveRequestHistory() error {
	return writeSnapshot(s.cfg.Directory, fileRequestHistory, requestHistorySnapshot{ByServer: s.requests.All()})
}

// Load restores every persisted concern found under cfg.Directory. A
// missing file is silent (nothing was ever saved, or this is a fresh
// deploy); a corrupt file is logged and skipped, leaving that concern to
// start fresh — restore never fails the caller.
func (s *Store) Load(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	if s.repository != nil {
		var snap serversSnapshot
		if s.readSnapshot(fileServers, &snap) {
			s.restoreServers(ctx, snap)
		}
	}
	if s.breakers != nil {
		var snap breakersSnapshot
		if s.readSnapshot(fileBreakers, &snap) {
			for key, bs := range snap.Breakers {
				s.breakers.Restore(key).LoadSnapshot(bs)
			}
		}
	}
	if s.agg != nil {
		var snap metricsSnapshot
		if s.readSnapshot(fileMetrics, &snap) {
			for key, km := range snap.Keys {
				s.agg.LoadSnapshot(key, km)
			}
		}
	}
	if s.orch != nil {
		var bans bansSnapshot
		if s.readSnapshot(fileBans, &bans) {
			s.orch.LoadBans(bans.Bans)
		}
		var timeouts timeoutsSnapshot
		if s.readSnapshot(fileTimeouts, &timeouts) {
			s.orch.LoadTimeouts(timeouts.Timeouts)
		}
	}
	if s.decisions != nil {
		var snap decisionHistorySnapshot
		if s.readSnapshot(fileDecisionHistory, &snap) {
			s.decisions.LoadAll(snap.Entries)
		}
	}
	if s.requests != nil {
		var snap requestHistorySnapshot
		if s.readSnapshot(fileRequestHistory, &snap) {
			s.requests.LoadAll(snap.ByServer)
		}
	}
}

func (s *Store) restoreServers(ctx context.Context, snap serversSnapshot) {
	for _, rec := range snap.Servers {
		endpointURL, err := url.Parse(rec.Key)
		if err != nil {
			s.log.Warn("skipping persisted server with unparseable key", "key", rec.Key, "error", err)
			continue
		}
		if !s.repository.Exists(ctx, endpointURL) {
			continue // server no longer in the configured fleet
		}
		err = s.repository.UpdateEndpoint(ctx, &domain.Endpoint{
			URL:                 endpointURL,
			Status:              rec.Status,
			LastChecked:         rec.LastChecked,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			BackoffMultiplier:   rec.BackoffMultiplier,
			NextCheckTime:       rec.NextCheckTime,
			LastLatency:         rec.LastLatency,
			Draining:            rec.Draining,
			Maintenance:         rec.Maintenance,
		})
		if err != nil {
			s.log.Warn("failed to restore persisted server state", "key", rec.Key, "error", err)
			continue
		}
		if err := s.repository.SetModels(ctx, endpointURL, rec.Models, rec.OpenAICompatModel); err != nil {
			s.log.Warn("failed to restore persisted server models", "key", rec.Key, "error", err)
		}
	}
}

// envelopeHeader decodes just the envelope wrapper, leaving Data as raw
// bytes so the version can be checked before the payload is unmarshalled.
type envelopeHeader struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// readSnapshot decodes file's envelope-wrapped payload into out, returning
// false (and logging) if the file is missing, unreadable, corrupt, or from
// a snapshot version this build doesn't understand.
func (s *Store) readSnapshot(name string, out interface{}) bool {
	path := filepath.Join(s.cfg.Directory, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read persisted snapshot, starting fresh", "file", name, "error", err)
		}
		return false
	}

	var header envelopeHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		s.log.Warn("persisted snapshot is corrupt, starting fresh", "file", name, "error", err)
		return false
	}
	if header.Version > snapshotVersion {
		s.log.Warn("persisted snapshot is from a newer version, starting fresh", "file", name, "version", header.Version)
		return false
	}
	if err := json.Unmarshal(header.Data, out); err != nil {
		s.log.Warn("persisted snapshot payload is corrupt, starting fresh", "file", name, "error", err)
		return false
	}
	return true
}

func writeSnapshot[T any](dir, name string, data T) error {
	env := envelope[T]{Version: snapshotVersion, SavedAt: time.Now().UTC(), Data: data}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// ManagedService implementation.
func (s *Store) Name() string { return "persistence" }

func (s *Store) Start(ctx context.Context) error {
	s.Load(ctx)
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	s.debounce.stop()
	return s.Save(ctx)
}

func (s *Store) Dependencies() []string {
	// health-check-scheduler's Start seeds the repository from config
	// (RefreshEndpoints) before Load runs restoreServers, which skips any
	// persisted server no longer present in the live fleet.
	return []string{"metrics-aggregator", "orchestrator", "health-check-scheduler"}
}
