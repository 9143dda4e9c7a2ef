package models

import (
	"time"

	"github.com/google/uuid"
)

type Batch struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Items        []*PendingItem `json:"items"`
	CreatedAt    time.Time      `json:"created_at"`
	StrategyUsed string         `json:"strategy_used"`
}

func NewBatch(batchType string, items []*PendingItem, strategy string, now time.Time) *Batch {
	return &Batch{
		ID:           uuid.New().String(),
		Type:         batchType,
		Items:        items,
		CreatedAt:    now,
		StrategyUsed: strategy,
	}
}

func (b *Batch) Size() int {
	return len(b.Items)
}

func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Items))
	for i, item := range b.Items {
		ids[i] = item.ID
	}
	return ids
}

func (b *Batch) MaxPriority() Priority {
	if len(b.Items) == 0 {
		return PriorityNormal
	}
	max := b.Items[0].Priority
	for _, item := range b.Items[1:] {
		if item.Priority > max {
			max = item.Priority
		}
	}
	return max
}

// MeanWait is the average time the batch's items spent queued before now.
func (b *Batch) MeanWait(now time.Time) time.Duration {
	if len(b.Items) == 0 {
		return 0
	}
	var total time.Duration
	for _, item := range b.Items {
		total += item.WaitedAt(now)
	}
	return total / time.Duration(len(b.Items))
}
