package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/olla-router/olla/internal/core/domain"
)

// state owns the dispatch-time bookkeeping that sits alongside the breaker
// but outside its state machine: per-(server,model) in-flight counters,
// temporary cooldowns, permanent bans and learned adaptive timeouts. The
// in-flight counters use the same xsync.Map lock-free get/create pattern as
// breaker.Registry; cooldowns, bans and timeouts are plain maps guarded by
// one RWMutex.
type state struct {
	inFlight *xsync.Map[string, *atomic.Int64]

	mu        sync.RWMutex
	cooldowns map[string]domain.Cooldown
	bans      map[string]domain.BanEntry
	timeouts  map[string]domain.DynamicTimeout
}

func newState() *state {
	return &state{
		inFlight:  xsync.NewMap[string, *atomic.Int64](),
		cooldowns: make(map[string]domain.Cooldown),
		bans:      make(map[string]domain.BanEntry),
		timeouts:  make(map[string]domain.DynamicTimeout),
	}
}

func (s *state) counter(key string) *atomic.Int64 {
	v, _ := s.inFlight.LoadOrCompute(key, func() (*atomic.Int64, bool) {
		return &atomic.Int64{}, false
	})
	return v
}

// incrInFlight atomically bumps the in-flight count for key and returns the
// new value. Paired with decrInFlight on every exit path.
func (s *state) incrInFlight(key string) int64 {
	return s.counter(key).Add(1)
}

func (s *state) decrInFlight(key string) int64 {
	c := s.counter(key)
	v := c.Add(-1)
	if v < 0 {
		c.Add(1) // never let accounting go negative on a double-decrement bug
		return 0
	}
	return v
}

func (s *state) getInFlight(key string) int64 {
	v, ok := s.inFlight.Load(key)
	if !ok {
		return 0
	}
	return v.Load()
}

// totalInFlight sums every tracked key, used by Drain to detect quiescence.
func (s *state) totalInFlight() int64 {
	var total int64
	s.inFlight.Range(func(_ string, v *atomic.Int64) bool {
		total += v.Load()
		return true
	})
	return total
}

// setCooldown marks key ineligible for selection until ttl elapses.
func (s *state) setCooldown(key, reason string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[key] = domain.Cooldown{Key: key, Reason: reason, ExpiresAt: time.Now().Add(ttl)}
}

// inCooldown reports whether key is presently in cooldown, lazily
// evicting an expired entry.
func (s *state) inCooldown(key string) bool {
	s.mu.RLock()
	c, ok := s.cooldowns[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(c.ExpiresAt) {
		s.mu.Lock()
		delete(s.cooldowns, key)
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *state) allCooldowns() []domain.Cooldown {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Cooldown, 0, len(s.cooldowns))
	for _, c := range s.cooldowns {
		out = append(out, c)
	}
	return out
}

func (s *state) ban(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[key] = domain.BanEntry{Key: key, Reason: reason, BannedAt: time.Now()}
}

func (s *state) isBanned(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bans[key]
	return ok
}

func (s *state) removeBan(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, key)
}

func (s *state) clearBans() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans = make(map[string]domain.BanEntry)
}

func (s *state) allBans() []domain.BanEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BanEntry, 0, len(s.bans))
	for _, b := range s.bans {
		out = append(out, b)
	}
	return out
}

func (s *state) setTimeout(key string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.timeouts[key]
	existing.Key = key
	existing.Timeout = d
	existing.UpdatedAt = time.Now()
	existing.Samples++
	s.timeouts[key] = existing
}

func (s *state) getTimeout(key string, fallback time.Duration) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timeouts[key]
	if !ok {
		return fallback
	}
	return t.Timeout
}

func (s *state) allTimeouts() []domain.DynamicTimeout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DynamicTimeout, 0, len(s.timeouts))
	for _, t := range s.timeouts {
		out = append(out, t)
	}
	return out
}

// loadBans adds every given ban to the ban set, overwriting an entry with
// the same key; used to restore a persisted snapshot at startup.
func (s *state) loadBans(bans []domain.BanEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bans {
		s.bans[b.Key] = b
	}
}

// loadTimeouts adds every given timeout to the learned-timeout map,
// overwriting an entry with the same key; used to restore a persisted
// snapshot at startup.
func (s *state) loadTimeouts(timeouts []domain.DynamicTimeout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range timeouts {
		s.timeouts[t.Key] = t
	}
}

// removeServerTree drops every in-flight/cooldown/ban/timeout entry scoped
// to serverID or "serverID:model", mirroring breaker.Registry.RemoveByPrefix
// for when a backend is removed from the fleet.
func (s *state) removeServerTree(serverID string) {
	prefix := serverID + ":"

	s.inFlight.Delete(serverID)
	var staleInFlight []string
	s.inFlight.Range(func(key string, _ *atomic.Int64) bool {
		if hasPrefix(key, prefix) {
			staleInFlight = append(staleInFlight, key)
		}
		return true
	})
	for _, key := range staleInFlight {
		s.inFlight.Delete(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldowns, serverID)
	delete(s.bans, serverID)
	delete(s.timeouts, serverID)
	for key := range s.cooldowns {
		if hasPrefix(key, prefix) {
			delete(s.cooldowns, key)
		}
	}
	for key := range s.bans {
		if hasPrefix(key, prefix) {
			delete(s.bans, key)
		}
	}
	for key := range s.timeouts {
		if hasPrefix(key, prefix) {
			delete(s.timeouts, key)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
