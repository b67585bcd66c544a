package metrics

import (
	"sync"

	"github.com/olla-router/olla/internal/core/domain"
)

// DecisionHistory is a fixed-capacity ring of the most recent dispatch
// decisions, oldest entries evicted first, for the decision-history
// endpoint and for persistence snapshots.
type DecisionHistory struct {
	mu      sync.Mutex
	entries []domain.DecisionLogEntry
	cap     int
	next    int
	filled  bool
}

// NewDecisionHistory creates a ring holding up to capacity entries.
func NewDecisionHistory(capacity int) *DecisionHistory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DecisionHistory{
		entries: make([]domain.DecisionLogEntry, capacity),
		cap:     capacity,
	}
}

// Record appends entry, evicting the oldest if the ring is full.
func (h *DecisionHistory) Record(entry domain.DecisionLogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = entry
	h.next = (h.next + 1) % h.cap
	if h.next == 0 {
		h.filled = true
	}
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (h *DecisionHistory) Recent(limit int) []domain.DecisionLogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.orderedLocked()
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// All returns every held entry in insertion order, oldest first — used by
// the persistence snapshot writer.
func (h *DecisionHistory) All() []domain.DecisionLogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.orderedLocked()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// orderedLocked returns entries newest first. Caller must hold h.mu.
func (h *DecisionHistory) orderedLocked() []domain.DecisionLogEntry {
	if !h.filled {
		out := make([]domain.DecisionLogEntry, h.next)
		for i := range out {
			out[i] = h.entries[h.next-1-i]
		}
		return out
	}
	out := make([]domain.DecisionLogEntry, h.cap)
	for i := range out {
		idx := (h.next - 1 - i + h.cap) % h.cap
		out[i] = h.entries[idx]
	}
	return out
}

// LoadAll replaces the ring's contents with entries restored from a
// persisted snapshot, oldest first, truncating to the ring's capacity if
// the snapshot holds more than it can keep.
func (h *DecisionHistory) LoadAll(entries []domain.DecisionLogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.filled = false
	if len(entries) > h.cap {
		entries = entries[len(entries)-h.cap:]
	}
	for _, e := range entries {
		h.entries[h.next] = e
		h.next = (h.next + 1) % h.cap
		if h.next == 0 {
			h.filled = true
		}
	}
}

// serverRing is a single server's bounded request-history ring.
type serverRing struct {
	mu      sync.Mutex
	entries []domain.RequestHistoryEntry
	cap     int
	next    int
	filled  bool
}

func newServerRing(capacity int) *serverRing {
	return &serverRing{
		entries: make([]domain.RequestHistoryEntry, capacity),
		cap:     capacity,
	}
}

func (r *serverRing) record(entry domain.RequestHistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.filled = true
	}
}

func (r *serverRing) all() []domain.RequestHistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]domain.RequestHistoryEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]domain.RequestHistoryEntry, r.cap)
	for i := range out {
		idx := (r.next + i) % r.cap
		out[i] = r.entries[idx]
	}
	return out
}

// RequestHistory holds one bounded ring per server, so a noisy server's
// traffic can't crowd another server's entries out of the window.
type RequestHistory struct {
	capacity int
	mu       sync.Mutex
	byServer map[string]*serverRing
}

// NewRequestHistory creates a RequestHistory where each server's ring holds
// up to capacity entries.
func NewRequestHistory(capacity int) *RequestHistory {
	if capacity <= 0 {
		capacity = 500
	}
	return &RequestHistory{
		capacity: capacity,
		byServer: make(map[string]*serverRing),
	}
}

func (h *RequestHistory) ringFor(serverID string) *serverRing {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.byServer[serverID]
	if !ok {
		r = newServerRing(h.capacity)
		h.byServer[serverID] = r
	}
	return r
}

// Record appends entry to its server's ring.
func (h *RequestHistory) Record(entry domain.RequestHistoryEntry) {
	h.ringFor(entry.ServerID).record(entry)
}

// Server returns a server's ring entries, oldest first.
func (h *RequestHistory) Server(serverID string) []domain.RequestHistoryEntry {
	h.mu.Lock()
	r, ok := h.byServer[serverID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return r.all()
}

// All returns every server's ring entries, keyed by server id, for the
// persistence snapshot writer.
func (h *RequestHistory) All() map[string][]domain.RequestHistoryEntry {
	h.mu.Lock()
	servers := make([]string, 0, len(h.byServer))
	for id := range h.byServer {
		servers = append(servers, id)
	}
	h.mu.Unlock()

	out := make(map[string][]domain.RequestHistoryEntry, len(servers))
	for _, id := range servers {
		out[id] = h.Server(id)
	}
	return out
}

// LoadAll restores every server's ring from a persisted snapshot.
func (h *RequestHistory) LoadAll(byServer map[string][]domain.RequestHistoryEntry) {
	for serverID, entries := range byServer {
		ring := h.ringFor(serverID)
		ring.mu.Lock()
		ring.next = 0
		ring.filled = false
		ring.mu.Unlock()
		if len(entries) > h.capacity {
			entries = entries[len(entries)-h.capacity:]
		}
		for _, e := range entries {
			ring.record(e)
		}
	}
}
