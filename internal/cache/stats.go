package cache

type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Items       int
	MemoryBytes int64
}

// HitRatio is hits over lookups, zero before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
