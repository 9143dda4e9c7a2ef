// Package window keeps bounded histories of completed batches so sizing
// decisions look at recent behavior only.
package window

import (
	"sync"
	"time"
)

const DefaultCapacity = 1000

// Ring is a fixed-capacity buffer of the most recent values. It is not safe
// for concurrent use.
type Ring struct {
	values []float64
	next   int
	full   bool
	sum    float64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{values: make([]float64, capacity)}
}

// Push appends v, overwriting the oldest value once full.
func (r *Ring) Push(v float64) {
	if r.full {
		r.sum -= r.values[r.next]
	}
	r.values[r.next] = v
	r.sum += v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.full = true
	}
}

func (r *Ring) Len() int {
	if r.full {
		return len(r.values)
	}
	return r.next
}

func (r *Ring) Cap() int {
	return len(r.values)
}

// Mean is zero for an empty ring.
func (r *Ring) Mean() float64 {
	n := r.Len()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

// resum rebuilds the running sum from the buffer to shed float drift.
func (r *Ring) resum() {
	r.sum = 0
	for _, v := range r.values[:r.Len()] {
		r.sum += v
	}
}

// Sample is what one completed batch contributes to the window.
type Sample struct {
	BatchSize  int
	Processing time.Duration
	Wait       time.Duration
	QueueLen   int
}

// Snapshot holds the window means at one point in time.
type Snapshot struct {
	AvgBatchSize  float64
	AvgProcessing time.Duration
	AvgWait       time.Duration
	AvgQueueLen   float64
	Samples       int
}

// Window tracks batch size, processing time, waiting time and queue length
// in four rings of equal capacity.
type Window struct {
	mu         sync.Mutex
	batchSize  *Ring
	processing *Ring
	wait       *Ring
	queueLen   *Ring
}

func New(capacity int) *Window {
	return &Window{
		batchSize:  NewRing(capacity),
		processing: NewRing(capacity),
		wait:       NewRing(capacity),
		queueLen:   NewRing(capacity),
	}
}

func (w *Window) Record(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batchSize.Push(float64(s.BatchSize))
	w.processing.Push(s.Processing.Seconds())
	w.wait.Push(s.Wait.Seconds())
	w.queueLen.Push(float64(s.QueueLen))

	if w.batchSize.next == 0 {
		w.batchSize.resum()
		w.processing.resum()
		w.wait.resum()
		w.queueLen.resum()
	}
}

func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Snapshot{
		AvgBatchSize:  w.batchSize.Mean(),
		AvgProcessing: seconds(w.processing.Mean()),
		AvgWait:       seconds(w.wait.Mean()),
		AvgQueueLen:   w.queueLen.Mean(),
		Samples:       w.batchSize.Len(),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
