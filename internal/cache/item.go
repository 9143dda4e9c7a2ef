package cache

import (
	"math"
	"time"
)

// Item is one cached value plus the bookkeeping eviction needs.
type Item[V any] struct {
	Key         string     `json:"key"`
	Value       V          `json:"value"`
	Expiry      *time.Time `json:"expiry,omitempty"`
	AccessCount int64      `json:"access_count"`
	LastAccess  time.Time  `json:"last_access"`
	CreatedAt   time.Time  `json:"created_at"`
	SizeBytes   int64      `json:"size_bytes"`
}

func (it *Item[V]) expired(now time.Time) bool {
	return it.Expiry != nil && !now.Before(*it.Expiry)
}

// score ranks eviction candidates: higher goes first. Stale, large and
// rarely read entries score high; an entry never read scores +Inf.
func score(now, lastAccess time.Time, accessCount, sizeBytes int64) float64 {
	freq := math.Log1p(float64(accessCount))
	if freq == 0 {
		return math.Inf(1)
	}
	idle := now.Sub(lastAccess).Seconds()
	if idle < 0 {
		idle = 0
	}
	return idle * (float64(sizeBytes) / 1024) / freq
}

type candidate struct {
	key        string
	score      float64
	lastAccess time.Time
}

func compareCandidates(a, b candidate) int {
	switch {
	case a.score > b.score:
		return -1
	case a.score < b.score:
		return 1
	}
	return a.lastAccess.Compare(b.lastAccess)
}
