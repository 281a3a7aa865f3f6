package fpcache

import "sync/atomic"

// Stats is a point-in-time snapshot. Hits/misses/evictions come from live
// counters; Entries and TotalBytes from a fresh store query, so the two
// halves may be skewed by writes in flight.
type Stats struct {
	Hits              uint64
	Misses            uint64
	HitRate           float64 // hits / (hits + misses); 0 when no lookups yet
	Entries           int64
	TotalBytes        int64
	Evictions         uint64
	BytesEvicted      uint64
	AccessUpdateDrops uint64
}

// counters is the injected statistics component: plain atomics, no ambient
// global state.
type counters struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	evictions    atomic.Uint64
	bytesEvicted atomic.Uint64
	touchDrops   atomic.Uint64
}

func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

func (c *counters) evicted(n uint64, bytes int64) {
	c.evictions.Add(n)
	if bytes > 0 {
		c.bytesEvicted.Add(uint64(bytes))
	}
}

func (c *counters) touchDropped() { c.touchDrops.Add(1) }

// reset zeroes every counter. Called under the mutation lock by Clear.
func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.bytesEvicted.Store(0)
	c.touchDrops.Store(0)
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Evictions:         c.evictions.Load(),
		BytesEvicted:      c.bytesEvicted.Load(),
		AccessUpdateDrops: c.touchDrops.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
