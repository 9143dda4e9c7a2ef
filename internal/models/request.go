package models

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders items inside one batch type; higher values are served first.
// Any int is valid, the named levels are conveniences.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ItemState tracks an item through Queued -> InFlight -> Completed.
type ItemState int

const (
	StateQueued ItemState = iota
	StateInFlight
	StateCompleted
)

func (s ItemState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in_flight"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// PendingItem is one unit of work waiting for a batch.
type PendingItem struct {
	ID          string    `json:"id"`
	BatchType   string    `json:"batch_type"`
	Priority    Priority  `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Payload     any       `json:"payload"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// NewPendingItem builds an item with a generated id when id is empty.
func NewPendingItem(id, batchType string, payload any, priority Priority) *PendingItem {
	if id == "" {
		id = uuid.New().String()
	}
	return &PendingItem{
		ID:        id,
		BatchType: batchType,
		Priority:  priority,
		Payload:   payload,
	}
}

// WaitedAt returns how long the item sat in the queue as of now.
func (p *PendingItem) WaitedAt(now time.Time) time.Duration {
	if p.EnqueuedAt.IsZero() {
		return 0
	}
	return now.Sub(p.EnqueuedAt)
}

// Less reports whether p should be dequeued before other.
func (p *PendingItem) Less(other *PendingItem) bool {
	if p.Priority != other.Priority {
		return p.Priority > other.Priority
	}
	return p.EnqueuedAt.Before(other.EnqueuedAt)
}

type Result struct {
	ID          string    `json:"id"`
	Value       any       `json:"value"`
	Err         error     `json:"-"`
	CompletedAt time.Time `json:"completed_at"`
}
