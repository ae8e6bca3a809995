package memory

// Stats is a snapshot of lookup counters.
type Stats struct {
	Lookups    uint64 `json:"lookups"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Collisions uint64 `json:"collisions"`
	Inserts    uint64 `json:"inserts"`
	Evictions  uint64 `json:"evictions"`
}

// HitRate is hits over lookups, or 0 with no lookups.
func (s Stats) HitRate() float64 { return ratio(s.Hits, s.Lookups) }

// MissRate is misses over lookups, or 0 with no lookups.
func (s Stats) MissRate() float64 { return ratio(s.Misses, s.Lookups) }

// CollisionRate is collisions over lookups, or 0 with no lookups.
func (s Stats) CollisionRate() float64 { return ratio(s.Collisions, s.Lookups) }

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Lookups:    c.lookups.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Collisions: c.collisions.Load(),
		Inserts:    c.inserts.Load(),
		Evictions:  c.evictions.Load(),
	}
}

func (c *counters) reset() {
	c.lookups.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
	c.collisions.Store(0)
	c.inserts.Store(0)
	c.evictions.Store(0)
}

// Window returns the counters accumulated since the last ResetWindow. The
// fields are read one at a time, so a snapshot taken under load may be off by
// the few lookups that landed mid-read.
func (m *Memory) Window() Stats { return m.window.snapshot() }

// ResetWindow starts a new rolling window.
func (m *Memory) ResetWindow() { m.window.reset() }

// Totals returns lifetime counters.
func (m *Memory) Totals() Stats { return m.totals.snapshot() }
