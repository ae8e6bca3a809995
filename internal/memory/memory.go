// Package memory implements the associative memory: a concurrent index from
// sector key to the reflexes anchored in that sector.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

const (
	shardCount = 64

	// DefaultCapacity is the default maximum number of sectors held.
	DefaultCapacity = 1 << 16
)

// Memory maps sector keys to candidate reflex ids.
//
// Lookups take a read lock on a single shard and never wait for writers of
// other shards. When a shard is full, inserting a new sector evicts the
// least-recently-written sector of that shard; lookups do not refresh
// recency, so sectors that are only read age out before sectors still being
// learned.
type Memory struct {
	res      *spatial.Resolution
	capacity int
	log      zerolog.Logger

	table atomic.Pointer[table]
	// writeMu orders writers against Rebuild. Writers share it; Rebuild takes
	// it exclusively so that no insert lands in a table about to be replaced.
	writeMu sync.RWMutex

	window counters
	totals counters
}

type table struct {
	generation uint64
	shards     [shardCount]shard
}

type shard struct {
	mu  sync.RWMutex
	lru *simplelru.LRU[spatial.SectorKey, Candidates]
}

type counters struct {
	lookups    atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
	collisions atomic.Uint64
	inserts    atomic.Uint64
	evictions  atomic.Uint64
}

// Option configures a Memory.
type Option func(*Memory)

// WithCapacity bounds the number of sectors held. Values below the shard count
// are raised to one sector per shard.
func WithCapacity(n int) Option {
	return func(m *Memory) { m.capacity = n }
}

// WithLogger sets the logger used for rebuild and eviction events.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Memory) { m.log = l }
}

// New creates an empty memory whose keys are computed under res.
func New(res *spatial.Resolution, opts ...Option) (*Memory, error) {
	if res == nil {
		return nil, fmt.Errorf("memory: resolution is required")
	}
	m := &Memory{
		res:      res,
		capacity: DefaultCapacity,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.capacity <= 0 {
		return nil, fmt.Errorf("memory: capacity must be positive, got %d", m.capacity)
	}
	t, err := m.newTable(res.Load().Generation())
	if err != nil {
		return nil, err
	}
	m.table.Store(t)
	return m, nil
}

func (m *Memory) newTable(generation uint64) (*table, error) {
	per := m.capacity / shardCount
	if per < 1 {
		per = 1
	}
	t := &table{generation: generation}
	for i := range t.shards {
		lru, err := simplelru.NewLRU[spatial.SectorKey, Candidates](per, nil)
		if err != nil {
			return nil, fmt.Errorf("memory: create shard: %w", err)
		}
		t.shards[i].lru = lru
	}
	return t, nil
}

func (t *table) shard(key spatial.SectorKey) *shard {
	// Keys are already avalanched, so the top bits are as good as any.
	return &t.shards[key>>58]
}

// Resolution returns the resolution keys are computed under.
func (m *Memory) Resolution() *spatial.Resolution { return m.res }

// Key hashes s under the current resolution.
func (m *Memory) Key(s spatial.StateVector) spatial.SectorKey { return m.res.Key(s) }

// Lookup returns the candidates stored under key, possibly none. Every call
// counts as a hit or a miss; more than one candidate also counts a collision.
func (m *Memory) Lookup(key spatial.SectorKey) Candidates {
	sh := m.table.Load().shard(key)
	sh.mu.RLock()
	c, ok := sh.lru.Peek(key)
	sh.mu.RUnlock()

	m.window.lookups.Add(1)
	m.totals.lookups.Add(1)
	if !ok || c.n == 0 {
		m.window.misses.Add(1)
		m.totals.misses.Add(1)
		return Candidates{}
	}
	m.window.hits.Add(1)
	m.totals.hits.Add(1)
	if c.n > 1 {
		m.window.collisions.Add(1)
		m.totals.collisions.Add(1)
	}
	return c
}

// Peek returns the candidates stored under key without touching any counter.
// Writers use it so that learning does not skew the lookup statistics.
func (m *Memory) Peek(key spatial.SectorKey) Candidates {
	sh := m.table.Load().shard(key)
	sh.mu.RLock()
	c, _ := sh.lru.Peek(key)
	sh.mu.RUnlock()
	return c
}

// Insert appends id to the candidates of key. Inserting an id already present
// only refreshes the sector's recency.
func (m *Memory) Insert(key spatial.SectorKey, id reflex.ID) {
	m.writeMu.RLock()
	defer m.writeMu.RUnlock()
	m.insert(m.table.Load(), key, id)
}

// Index computes the sector of s under the current resolution and inserts id
// there. Key computation and insertion are atomic with respect to Rebuild.
func (m *Memory) Index(s spatial.StateVector, id reflex.ID) spatial.SectorKey {
	m.writeMu.RLock()
	defer m.writeMu.RUnlock()
	key := m.res.Key(s)
	m.insert(m.table.Load(), key, id)
	return key
}

func (m *Memory) insert(t *table, key spatial.SectorKey, id reflex.ID) {
	sh := t.shard(key)
	sh.mu.Lock()
	cur, _ := sh.lru.Peek(key)
	next := cur
	if !cur.Contains(id) {
		next = cur.with(id)
	}
	evicted := sh.lru.Add(key, next)
	sh.mu.Unlock()

	m.window.inserts.Add(1)
	m.totals.inserts.Add(1)
	if evicted {
		m.window.evictions.Add(1)
		m.totals.evictions.Add(1)
	}
}

// Remove deletes id from the candidates of key. It reports whether id was
// present. An emptied sector is dropped.
func (m *Memory) Remove(key spatial.SectorKey, id reflex.ID) bool {
	m.writeMu.RLock()
	defer m.writeMu.RUnlock()

	sh := m.table.Load().shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.lru.Peek(key)
	if !ok || !cur.Contains(id) {
		return false
	}
	next := cur.without(id)
	if next.n == 0 {
		sh.lru.Remove(key)
		return true
	}
	// Replacing the value moves the sector to the front, which is acceptable:
	// a removal is a write.
	sh.lru.Add(key, next)
	return true
}

// Unindex removes id from the sector s falls in under the current resolution.
func (m *Memory) Unindex(s spatial.StateVector, id reflex.ID) bool {
	return m.Remove(m.res.Key(s), id)
}

// Rebuild replaces the whole table with one built from the reflexes yielded
// by each, keyed under the current resolution. Readers keep using the old
// table until the new one is published.
func (m *Memory) Rebuild(each func(fn func(r *reflex.Reflex) bool)) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cfg := m.res.Load()
	t, err := m.newTable(cfg.Generation())
	if err != nil {
		return err
	}
	n := 0
	each(func(r *reflex.Reflex) bool {
		m.insert(t, spatial.Hash(r.Anchor, cfg), r.ID)
		n++
		return true
	})
	m.table.Store(t)

	m.log.Debug().
		Uint64("generation", cfg.Generation()).
		Uint8("shift", cfg.Default()).
		Int("reflexes", n).
		Msg("memory rebuilt")
	return nil
}

// Generation returns the resolution generation the current table was built
// under.
func (m *Memory) Generation() uint64 { return m.table.Load().generation }

// Len returns the number of sectors held.
func (m *Memory) Len() int {
	t := m.table.Load()
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += sh.lru.Len()
		sh.mu.RUnlock()
	}
	return n
}
