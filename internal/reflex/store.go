package reflex

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const storeShards = 32

// Store is the concurrent set of reflexes. Reads are lock-sharded and return
// shared immutable snapshots; every mutation replaces the snapshot under the
// shard's write lock, so concurrent updates to one reflex are never lost.
type Store struct {
	shards [storeShards]storeShard
	nextID atomic.Uint64
	tiers  [len(Tiers)]atomic.Int64
	now    func() time.Time
}

type storeShard struct {
	mu sync.RWMutex
	m  map[ID]*Reflex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i].m = make(map[ID]*Reflex)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shard(id ID) *storeShard {
	return &s.shards[uint64(id)%storeShards]
}

// Add stores a new reflex and returns the stored snapshot. The ID and
// timestamps are assigned by the store.
func (s *Store) Add(r Reflex) *Reflex {
	r.Rates.check()
	invariant(int(r.Tier) < len(Tiers), "unknown tier %d", r.Tier)

	now := s.now()
	r.ID = ID(s.nextID.Add(1))
	r.CreatedAt = now
	r.UpdatedAt = now
	stored := &r

	sh := s.shard(r.ID)
	sh.mu.Lock()
	sh.m[r.ID] = stored
	sh.mu.Unlock()
	s.tiers[r.Tier].Add(1)
	return stored
}

// Restore stores a previously persisted reflex, keeping its timestamps so
// that quiescence survives a restart. A fresh ID is assigned.
func (s *Store) Restore(r Reflex) *Reflex {
	r.Rates.check()
	invariant(int(r.Tier) < len(Tiers), "unknown tier %d", r.Tier)
	r.ID = ID(s.nextID.Add(1))
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	stored := &r

	sh := s.shard(r.ID)
	sh.mu.Lock()
	sh.m[r.ID] = stored
	sh.mu.Unlock()
	s.tiers[r.Tier].Add(1)
	return stored
}

// Get returns the current snapshot of a reflex.
func (s *Store) Get(id ID) (*Reflex, bool) {
	sh := s.shard(id)
	sh.mu.RLock()
	r, ok := sh.m[id]
	sh.mu.RUnlock()
	return r, ok
}

// Update applies fn to a private copy of a mutable reflex and publishes the
// copy. Immutable reflexes are rejected with ErrImmutable and left unchanged.
// If fn returns an error nothing is published.
func (s *Store) Update(id ID, fn func(r *Reflex) error) (*Reflex, error) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[id]
	if !ok {
		return nil, fmt.Errorf("update %d: %w", id, ErrNotFound)
	}
	if !cur.Mutable() {
		return cur, fmt.Errorf("update %d: %w", id, ErrImmutable)
	}

	next := *cur
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	next.Rates.check()
	invariant(next.Tier == cur.Tier || (cur.Tier == Hypothesis && next.Tier == Learnable),
		"illegal tier transition %s -> %s", cur.Tier, next.Tier)

	sh.m[id] = &next
	if next.Tier != cur.Tier {
		s.tiers[cur.Tier].Add(-1)
		s.tiers[next.Tier].Add(1)
	}
	return &next, nil
}

// Reinforce records one success: confidence moves toward 1 and evidence grows.
func (s *Store) Reinforce(id ID) (*Reflex, error) {
	return s.Update(id, func(r *Reflex) error {
		r.Confidence = r.Confidence.Raise(r.Rates.Learning)
		if r.Evidence < math.MaxUint16 {
			r.Evidence++
		}
		return nil
	})
}

// Weaken records one failure: confidence moves toward 0 by half a step.
func (s *Store) Weaken(id ID) (*Reflex, error) {
	return s.Update(id, func(r *Reflex) error {
		r.Confidence = r.Confidence.Lower(r.Rates.Learning)
		return nil
	})
}

// Promote moves a Hypothesis to Learnable with the given rates. Learnable
// reflexes are left alone and reported as not promoted. Promoting an Immutable
// reflex is a logic bug and panics.
func (s *Store) Promote(id ID, rates Rates) (*Reflex, bool, error) {
	if r, ok := s.Get(id); ok {
		invariant(r.Tier != Immutable, "tier transition requested on immutable reflex %d", id)
	}
	promoted := false
	r, err := s.Update(id, func(r *Reflex) error {
		if r.Tier != Hypothesis {
			return nil
		}
		r.Tier = Learnable
		r.Rates = rates
		promoted = true
		return nil
	})
	return r, promoted, err
}

// Decay applies one multiplicative decay tick to a Hypothesis. The update
// timestamp is kept so that an idle reflex keeps decaying.
func (s *Store) Decay(id ID) (*Reflex, error) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[id]
	if !ok {
		return nil, fmt.Errorf("decay %d: %w", id, ErrNotFound)
	}
	if cur.Tier != Hypothesis {
		return cur, nil
	}
	next := *cur
	next.Confidence = cur.Confidence.Decay(cur.Rates.Decay)
	sh.m[id] = &next
	return &next, nil
}

// Remove deletes a reflex. Immutable reflexes cannot be removed.
func (s *Store) Remove(id ID) (*Reflex, error) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[id]
	if !ok {
		return nil, fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}
	if !cur.Mutable() {
		return cur, fmt.Errorf("remove %d: %w", id, ErrImmutable)
	}
	delete(sh.m, id)
	s.tiers[cur.Tier].Add(-1)
	return cur, nil
}

// Range calls fn for every reflex until fn returns false. Snapshots are
// collected per shard so fn may call back into the store.
func (s *Store) Range(fn func(r *Reflex) bool) {
	var batch []*Reflex
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		batch = batch[:0]
		for _, r := range sh.m {
			batch = append(batch, r)
		}
		sh.mu.RUnlock()
		for _, r := range batch {
			if !fn(r) {
				return
			}
		}
	}
}

// Len returns the number of stored reflexes.
func (s *Store) Len() int {
	var n int64
	for i := range s.tiers {
		n += s.tiers[i].Load()
	}
	return int(n)
}

// TierCounts is the number of reflexes per tier.
type TierCounts struct {
	Immutable  int `json:"immutable"`
	Learnable  int `json:"learnable"`
	Hypothesis int `json:"hypothesis"`
}

// Counts returns the number of reflexes per tier.
func (s *Store) Counts() TierCounts {
	return TierCounts{
		Immutable:  int(s.tiers[Immutable].Load()),
		Learnable:  int(s.tiers[Learnable].Load()),
		Hypothesis: int(s.tiers[Hypothesis].Load()),
	}
}
