package batcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher/packing"
	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher/window"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

// slot is the result cell for one item id. done is closed exactly once, after
// result is written, so readers that observed the close may read result
// without the lock.
type slot struct {
	item        *models.PendingItem
	state       models.ItemState
	done        chan struct{}
	result      models.Result
	refs        int
	publishedAt time.Time
}

func newSlot(item *models.PendingItem) *slot {
	return &slot{
		item:  item,
		state: models.StateQueued,
		done:  make(chan struct{}),
		refs:  1,
	}
}

// Handle is a caller's claim on an item's result. Callers that will never
// Await should Release it.
type Handle struct {
	ID        string
	BatchType string
	// Joined is set when the submission attached to an item that was already
	// queued or in flight under the same id.
	Joined bool

	slot     *slot
	ts       *typeState
	released atomic.Bool
}

// Done is closed once the result is published.
func (h *Handle) Done() <-chan struct{} {
	return h.slot.done
}

func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.ts.release(h.slot)
	}
}

// typeState is everything the coordinator keeps for one batch type. queue,
// slots and inFlight are guarded by mu.
type typeState struct {
	name string

	mu       sync.Mutex
	queue    *packing.PriorityQueue
	slots    map[string]*slot
	inFlight map[string]struct{}

	signal chan struct{}
	target atomic.Int64
	window *window.Window

	batches  atomic.Int64
	items    atomic.Int64
	failures atomic.Int64
}

func newTypeState(name string, queueCapacity, windowSize, initialTarget int) *typeState {
	ts := &typeState{
		name:     name,
		queue:    packing.NewPriorityQueue(queueCapacity),
		slots:    make(map[string]*slot),
		inFlight: make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
		window:   window.New(windowSize),
	}
	ts.target.Store(int64(initialTarget))
	return ts
}

// notify wakes one formation routine without blocking.
func (ts *typeState) notify() {
	select {
	case ts.signal <- struct{}{}:
	default:
	}
}

func (ts *typeState) clearSignal() {
	select {
	case <-ts.signal:
	default:
	}
}

func (ts *typeState) release(s *slot) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	s.refs--
	if s.refs <= 0 && s.state == models.StateCompleted {
		ts.dropLocked(s)
	}
}

// dropLocked forgets s unless its id has since been reused by a newer slot.
func (ts *typeState) dropLocked(s *slot) {
	if cur, ok := ts.slots[s.item.ID]; ok && cur == s {
		delete(ts.slots, s.item.ID)
	}
}

// purgeLocked drops completed slots published at or before cutoff.
func (ts *typeState) purgeLocked(cutoff time.Time) int {
	purged := 0
	for id, s := range ts.slots {
		if s.state == models.StateCompleted && !s.publishedAt.After(cutoff) {
			delete(ts.slots, id)
			purged++
		}
	}
	return purged
}

func (ts *typeState) gauges() (queueDepth, inFlight, target int) {
	ts.mu.Lock()
	queueDepth, inFlight = ts.queue.Depth(), len(ts.inFlight)
	ts.mu.Unlock()
	return queueDepth, inFlight, int(ts.target.Load())
}
