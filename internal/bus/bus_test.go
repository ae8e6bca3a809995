package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
)

func record(id string, src router.Source) router.DecisionRecord {
	return router.DecisionRecord{ID: id, Source: src, Action: reflex.Action{Name: "noop"}}
}

func TestSubscribeAndPublish(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New()

	ch, cancel, err := b.Subscribe(4)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(record("a", router.SourceReflex)))
	select {
	case got := <-ch:
		assert.Equal(t, "a", got.ID)
	case <-time.After(time.Second):
		t.Fatal("no record delivered")
	}
	require.NoError(t, b.Close())
}

func TestSubscribe_SourceFilter(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel, err := b.Subscribe(4, router.SourceFailsafe)
	require.NoError(t, err)
	defer cancel()

	b.Record(record("r", router.SourceReflex))
	b.Record(record("f", router.SourceFailsafe))

	got := <-ch
	assert.Equal(t, "f", got.ID)
	assert.Len(t, ch, 0)
}

func TestPublish_FullSubscriberDrops(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel, err := b.Subscribe(1)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(record("x", router.SourceDeliberate)))
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(2), b.Dropped())
	assert.Equal(t, uint64(3), b.Published())
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel, err := b.Subscribe(1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel() // idempotent
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers())

	assert.ErrorIs(t, b.Unsubscribe("sub_99"), ErrNotFound)
}

func TestSubscribeFunc(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New()

	var n atomic.Int32
	_, err := b.SubscribeFunc(func(router.DecisionRecord) { n.Add(1) }, router.SourceReflex)
	require.NoError(t, err)

	b.Record(record("1", router.SourceReflex))
	b.Record(record("2", router.SourceDeliberate))
	b.Record(record("3", router.SourceReflex))

	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, b.Close())
}

func TestHistory(t *testing.T) {
	b := NewWithHistory(3)
	defer b.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		b.Record(record(id, router.SourceReflex))
	}
	ids := func(recs []router.DecisionRecord) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids(b.History(0)))
	assert.Equal(t, []string{"c", "d"}, ids(b.History(2)))
	assert.Empty(t, NewWithHistory(0).History(5))
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New()
	ch, _, err := b.Subscribe(1)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, open := <-ch
	assert.False(t, open)

	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.ErrorIs(t, b.Publish(record("late", router.SourceReflex)), ErrClosed)
	_, _, err = b.Subscribe(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Record(record("x", router.SourceReflex))
			}
		}()
	}
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ch, cancel, err := b.Subscribe(2)
				if err != nil {
					return
				}
				select {
				case <-ch:
				default:
				}
				cancel()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.Close())
	assert.Equal(t, uint64(2000), b.Published())
}
