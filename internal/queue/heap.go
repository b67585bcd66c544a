package queue

import "github.com/olla-router/olla/internal/core/domain"

// itemHeap orders domain.QueueItem by EffectivePriority descending, with
// Sequence ascending as the FIFO-within-priority tiebreak. It implements
// container/heap.Interface, the same due-time-heap shape used by the
// health-check scheduler, generalized from a single dueTime ordering to
// a (priority, sequence) ordering.
type itemHeap []*domain.QueueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].EffectivePriority != h[j].EffectivePriority {
		return h[i].EffectivePriority > h[j].EffectivePriority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].QueueIndex = i
	h[j].QueueIndex = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*domain.QueueItem)
	item.QueueIndex = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.QueueIndex = -1
	*h = old[:n-1]
	return item
}
