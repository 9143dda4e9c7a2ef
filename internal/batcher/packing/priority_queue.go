package packing

import (
	"container/heap"

	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

type entry struct {
	item *models.PendingItem
	seq  uint64
}

type itemHeap []entry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i].item, h[j].item
	if a.Less(b) {
		return true
	}
	if b.Less(a) {
		return false
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// PriorityQueue hands out items by priority (highest first), then by enqueue
// time, then by insertion order. It is not safe for concurrent use; the
// coordinator guards each queue with its batch type's lock.
type PriorityQueue struct {
	items    itemHeap
	seq      uint64
	capacity int
}

// NewPriorityQueue bounds the queue at capacity items; zero or less is
// unbounded.
func NewPriorityQueue(capacity int) *PriorityQueue {
	return &PriorityQueue{capacity: capacity}
}

func (pq *PriorityQueue) Submit(item *models.PendingItem) error {
	if item == nil {
		return models.ErrInvalidItem
	}
	if pq.capacity > 0 && len(pq.items) >= pq.capacity {
		return models.ErrQueueFull
	}
	pq.seq++
	heap.Push(&pq.items, entry{item: item, seq: pq.seq})
	return nil
}

func (pq *PriorityQueue) TryReceive() (*models.PendingItem, bool) {
	if len(pq.items) == 0 {
		return nil, false
	}
	e := heap.Pop(&pq.items).(entry)
	return e.item, true
}

// ReceiveN pops up to n items in order.
func (pq *PriorityQueue) ReceiveN(n int) []*models.PendingItem {
	if n > len(pq.items) {
		n = len(pq.items)
	}
	if n <= 0 {
		return nil
	}
	out := make([]*models.PendingItem, 0, n)
	for len(out) < n {
		item, _ := pq.TryReceive()
		out = append(out, item)
	}
	return out
}

func (pq *PriorityQueue) Peek() (*models.PendingItem, bool) {
	if len(pq.items) == 0 {
		return nil, false
	}
	return pq.items[0].item, true
}

func (pq *PriorityQueue) Depth() int {
	return len(pq.items)
}

func (pq *PriorityQueue) Capacity() int {
	return pq.capacity
}
