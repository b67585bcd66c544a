package breaker

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/olla-router/olla/internal/config"
)

// ModelKey builds the compound "server:model" breaker key.
func ModelKey(serverID, model string) string {
	return serverID + ":" + model
}

// Registry owns every live Breaker, keyed by server id or by the
// compound "server:model" id, backed by xsync.Map for a lock-free
// get/create path under heavy fan-out.
type Registry struct {
	breakers *xsync.Map[string, *Breaker]
	cfg      config.BreakerConfig
}

// NewRegistry creates an empty registry using cfg as the baseline
// configuration for every breaker it creates.
func NewRegistry(cfg config.BreakerConfig) *Registry {
	return &Registry{
		breakers: xsync.NewMap[string, *Breaker](),
		cfg:      cfg,
	}
}

// UpdateConfig swaps the baseline configuration used for breakers created
// from now on (existing breakers keep the config they were created with —
// only their lifetime counters matter for adaptive behaviour, so an
// in-flight breaker isn't disrupted mid-measurement by a reload).
func (r *Registry) UpdateConfig(cfg config.BreakerConfig) {
	r.cfg = cfg
}

// Server returns (creating if necessary) the server-level breaker.
func (r *Registry) Server(serverID string) *Breaker {
	return r.getOrCreate(serverID)
}

// Model returns (creating if necessary) the server:model-level breaker.
func (r *Registry) Model(serverID, model string) *Breaker {
	return r.getOrCreate(ModelKey(serverID, model))
}

func (r *Registry) getOrCreate(key string) *Breaker {
	if b, ok := r.breakers.Load(key); ok {
		return b
	}
	b, _ := r.breakers.LoadOrStore(key, New(key, r.cfg))
	return b
}

// RemoveByPrefix removes the server breaker and every server:model
// breaker under it — called when a backend is removed from the fleet
// during a config reconciliation diff.
func (r *Registry) RemoveByPrefix(serverID string) {
	prefix := serverID + ":"
	r.breakers.Delete(serverID)
	var toDelete []string
	r.breakers.Range(func(key string, _ *Breaker) bool {
		if strings.HasPrefix(key, prefix) {
			toDelete = append(toDelete, key)
		}
		return true
	})
	for _, key := range toDelete {
		r.breakers.Delete(key)
	}
}

// All returns every live breaker, keyed by breaker key, for the admin
// surface and persistence snapshot.
func (r *Registry) All() map[string]*Breaker {
	out := make(map[string]*Breaker)
	r.breakers.Range(func(key string, b *Breaker) bool {
		out[key] = b
		return true
	})
	return out
}

// ForceCloseTree force-closes the server breaker and every server:model
// breaker nested under it, giving a recovered server a clean slate: a
// health probe succeeding while the server breaker is OPEN force-closes
// the server and all its model breakers, not just the one that happened
// to answer the probe.
func (r *Registry) ForceCloseTree(serverID string) {
	prefix := serverID + ":"
	if b, ok := r.breakers.Load(serverID); ok {
		b.ForceClose()
	}
	r.breakers.Range(func(key string, b *Breaker) bool {
		if strings.HasPrefix(key, prefix) {
			b.ForceClose()
		}
		return true
	})
}

// Restore returns (creating if necessary) the breaker for key, for loading
// a persisted snapshot at startup before any live traffic touches it.
func (r *Registry) Restore(key string) *Breaker {
	return r.getOrCreate(key)
}

// Reset removes a single breaker entirely, so it starts CLOSED with a
// fresh counters next time it is touched. Used by the admin
// "clear breaker" endpoint.
func (r *Registry) Reset(key string) {
	r.breakers.Delete(key)
}
