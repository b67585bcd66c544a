// Package queue implements a bounded priority RequestQueue: a
// capacity-bounded buffer for requests that arrive when no candidate
// backend currently has free capacity, with aging to prevent starvation,
// per-item timeouts, and a pause/resume gate that the orchestrator's
// drain() uses to stop admitting new dispatches without discarding work
// already queued.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/logger"
)

// ErrQueueFull is returned by Enqueue when the queue is already at
// capacity.
var ErrQueueFull = errors.New("queue: at capacity")

// ErrQueueTimeout is delivered on QueueItem.Done when an item waits longer
// than its deadline without being popped.
var ErrQueueTimeout = errors.New("queue: item timed out waiting for a candidate")

// ErrQueueStopped is delivered on QueueItem.Done for items still resident
// when the queue is stopped.
var ErrQueueStopped = errors.New("queue: stopped")

// Queue is a bounded, priority-ordered, FIFO-within-priority buffer of
// domain.QueueItem, aged over time so long-waiting items aren't starved by
// a steady stream of higher-priority arrivals.
type Queue struct {
	cfg    config.QueueConfig
	logger *logger.StyledLogger

	mu     sync.Mutex
	items  itemHeap
	paused bool
	seq    uint64

	stopCh chan struct{}
	wg     sync.WaitGroup

	sweepInterval time.Duration
}

// New creates a Queue using cfg for capacity, timeout and aging tuning.
func New(cfg config.QueueConfig, log *logger.StyledLogger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = 60 * time.Second
	}
	if cfg.AgingInterval <= 0 {
		cfg.AgingInterval = time.Second
	}
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = float64(domain.QueuePriorityCritical) + 10
	}

	q := &Queue{
		cfg:           cfg,
		logger:        log,
		items:         make(itemHeap, 0),
		stopCh:        make(chan struct{}),
		sweepInterval: cfg.AgingInterval,
	}
	heap.Init(&q.items)
	return q
}

// Enqueue admits item, stamping EnqueuedAt/Deadline/Sequence, failing with
// ErrQueueFull once the queue is at capacity. Enqueues are accepted even
// while paused: pause only halts dequeuing.
func (q *Queue) Enqueue(item *domain.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cfg.Capacity {
		return ErrQueueFull
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.Deadline.IsZero() {
		item.Deadline = item.EnqueuedAt.Add(q.cfg.DefaultWait)
	}
	item.EffectivePriority = float64(item.Priority)
	q.seq++
	item.Sequence = q.seq

	heap.Push(&q.items, item)
	return nil
}

// Pop removes and returns the highest-priority, longest-waiting-within-tier
// item. It returns false if the queue is empty or paused.
func (q *Queue) Pop() (*domain.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*domain.QueueItem)
	return item, true
}

// Pause halts Pop; Enqueue keeps admitting up to capacity.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables Pop without reordering anything queued during the
// pause: pause/resume with no intervening enqueues is observationally a
// no-op on queue order.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot copy of every resident item for the admin
// surface's "list queue items" endpoint. It never mutates queue state.
func (q *Queue) Items() []*domain.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.QueueItem, len(q.items))
	copy(out, q.items)
	return out
}

// Stats reports a point-in-time snapshot for the admin surface.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := domain.QueueStats{
		Depth:      len(q.items),
		ByPriority: make(map[string]int),
		Paused:     q.paused,
		Capacity:   q.cfg.Capacity,
	}

	now := time.Now()
	for _, item := range q.items {
		stats.ByPriority[item.Priority.String()]++
		if age := now.Sub(item.EnqueuedAt); age > stats.OldestWaitAge {
			stats.OldestWaitAge = age
		}
	}
	return stats
}

// sweepOnce boosts the priority of every item older than one aging
// interval and evicts items past their deadline, delivering
// ErrQueueTimeout on their Done channel.
func (q *Queue) sweepOnce() {
	q.mu.Lock()

	now := time.Now()
	var evicted []*domain.QueueItem
	boosted := false

	for _, item := range q.items {
		if now.After(item.Deadline) {
			evicted = append(evicted, item)
			continue
		}
		if now.Sub(item.EnqueuedAt) >= q.cfg.AgingInterval {
			newPriority := item.EffectivePriority + q.cfg.AgingBoost
			if newPriority > q.cfg.MaxPriority {
				newPriority = q.cfg.MaxPriority
			}
			if newPriority != item.EffectivePriority {
				item.EffectivePriority = newPriority
				boosted = true
			}
		}
	}

	for _, item := range evicted {
		q.removeLocked(item)
	}
	if boosted {
		heap.Init(&q.items)
	}

	q.mu.Unlock()

	for _, item := range evicted {
		if q.logger != nil {
			q.logger.Debug("queue item timed out", "id", item.ID, "model", item.Model)
		}
		q.deliver(item, QueueResultTimeout())
	}
}

// removeLocked removes item from the heap by its tracked index. Callers
// must hold q.mu.
func (q *Queue) removeLocked(item *domain.QueueItem) {
	if item.QueueIndex < 0 || item.QueueIndex >= len(q.items) {
		return
	}
	heap.Remove(&q.items, item.QueueIndex)
}

func (q *Queue) deliver(item *domain.QueueItem, result domain.QueueResult) {
	if item.Done == nil {
		return
	}
	select {
	case item.Done <- result:
	default:
	}
}

// QueueResultTimeout is the result delivered to an item evicted for
// exceeding its deadline.
func QueueResultTimeout() domain.QueueResult {
	return domain.QueueResult{Err: ErrQueueTimeout, Evicted: true}
}

// Name/Start/Stop/Dependencies implement ManagedService. The sweep loop
// drives aging and timeout eviction on cfg.AgingInterval.
func (q *Queue) Name() string { return "request-queue" }

func (q *Queue) Start(ctx context.Context) error {
	q.wg.Add(1)
	go q.sweepLoop(ctx)
	return nil
}

func (q *Queue) Stop(ctx context.Context) error {
	close(q.stopCh)
	q.wg.Wait()

	q.mu.Lock()
	remaining := make([]*domain.QueueItem, len(q.items))
	copy(remaining, q.items)
	q.items = q.items[:0]
	q.mu.Unlock()

	for _, item := range remaining {
		q.deliver(item, domain.QueueResult{Err: ErrQueueStopped, Evicted: true})
	}
	return nil
}

func (q *Queue) Dependencies() []string { return nil }

func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepOnce()
		}
	}
}
