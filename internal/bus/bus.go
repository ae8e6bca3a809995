// Package bus fans decision records out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the record and the drop is
// counted.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/normanking/cortex-reflex/internal/router"
)

const (
	// DefaultHistorySize is the number of recent records retained for replay.
	DefaultHistorySize = 256

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 64
)

// Errors
var (
	ErrClosed   = errors.New("bus is closed")
	ErrNotFound = errors.New("subscription not found")
)

// SubscriptionID identifies a subscription.
type SubscriptionID string

// subscription is one registered consumer. A nil sources set matches every
// decision source.
type subscription struct {
	id      SubscriptionID
	sources map[router.Source]struct{}
	ch      chan router.DecisionRecord
	handler func(router.DecisionRecord)
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) matches(src router.Source) bool {
	if s.sources == nil {
		return true
	}
	_, ok := s.sources[src]
	return ok
}

// stop closes the subscriber side exactly once.
func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		if s.handler == nil {
			close(s.ch)
		}
	})
}

// Bus is a thread-safe decision stream with bounded history.
type Bus struct {
	mu         sync.RWMutex
	subs       map[SubscriptionID]*subscription
	subCounter uint64

	historyMu   sync.RWMutex
	history     []router.DecisionRecord
	historySize int

	published atomic.Uint64
	dropped   atomic.Uint64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a bus with the default history size.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a bus retaining the last historySize records.
func NewWithHistory(historySize int) *Bus {
	if historySize < 0 {
		historySize = 0
	}
	return &Bus{
		subs:        make(map[SubscriptionID]*subscription),
		history:     make([]router.DecisionRecord, 0, historySize),
		historySize: historySize,
	}
}

func (b *Bus) register(sub *subscription, sources []router.Source) (SubscriptionID, error) {
	if len(sources) > 0 {
		sub.sources = make(map[router.Source]struct{}, len(sources))
		for _, s := range sources {
			sub.sources[s] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return "", ErrClosed
	}
	b.subCounter++
	sub.id = SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter))
	b.subs[sub.id] = sub
	return sub.id, nil
}

// Subscribe returns a channel receiving every future decision whose source is
// in sources (all sources when none are given) and a cancel func that closes
// it. The channel is also closed when the bus closes.
func (b *Bus) Subscribe(buffer int, sources ...router.Source) (<-chan router.DecisionRecord, func(), error) {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	sub := &subscription{
		ch:   make(chan router.DecisionRecord, buffer),
		done: make(chan struct{}),
	}
	id, err := b.register(sub, sources)
	if err != nil {
		return nil, nil, err
	}
	return sub.ch, func() { _ = b.Unsubscribe(id) }, nil
}

// SubscribeFunc runs handler on its own goroutine for every matching decision.
func (b *Bus) SubscribeFunc(handler func(router.DecisionRecord), sources ...router.Source) (SubscriptionID, error) {
	sub := &subscription{
		ch:      make(chan router.DecisionRecord, DefaultChannelBuffer),
		handler: handler,
		done:    make(chan struct{}),
	}
	id, err := b.register(sub, sources)
	if err != nil {
		return "", err
	}
	b.wg.Add(1)
	go b.handle(sub)
	return id, nil
}

func (b *Bus) handle(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case rec := <-sub.ch:
			sub.handler(rec)
		case <-sub.done:
			return
		}
	}
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", id, ErrNotFound)
	}
	sub.stop()
	return nil
}

// Publish delivers rec to every matching subscriber without blocking.
func (b *Bus) Publish(rec router.DecisionRecord) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.addToHistory(rec)
	b.published.Add(1)

	// Holding the read lock keeps channels open while sending.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(rec.Source) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Record implements router.Recorder.
func (b *Bus) Record(rec router.DecisionRecord) { _ = b.Publish(rec) }

func (b *Bus) addToHistory(rec router.DecisionRecord) {
	if b.historySize == 0 {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, rec)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns up to the last n records, oldest first. n <= 0 returns all.
func (b *Bus) History(n int) []router.DecisionRecord {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]router.DecisionRecord, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns how many records were published.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops every subscription and waits for handler goroutines to exit.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
	return nil
}
