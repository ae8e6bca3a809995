package data

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var day = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func decision(id string, src router.Source, offset time.Duration) router.DecisionRecord {
	return router.DecisionRecord{
		ID:          id,
		State:       spatial.StateVector{0.1, -0.2, 0.3},
		Action:      reflex.Action{Name: "brake", Params: []float64{0.5}},
		Source:      src,
		Confidence:  0.8,
		ReflexID:    7,
		Sector:      spatial.SectorKey(math.MaxUint64 - 3),
		FastLatency: 2 * time.Microsecond,
		Latency:     4 * time.Millisecond,
		DecidedAt:   day.Add(offset),
	}
}

func TestOpen(t *testing.T) {
	t.Run("creates database in nested directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "deep", "nested")
		s, err := Open(dir)
		require.NoError(t, err)
		defer s.Close()

		_, err = os.Stat(filepath.Join(dir, DefaultFileName))
		assert.NoError(t, err)
		assert.NoError(t, s.Health(context.Background()))
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		dir := t.TempDir()
		s1, err := Open(dir)
		require.NoError(t, err)
		require.NoError(t, s1.Close())

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()
		assert.NoError(t, s2.Migrate())
	})

	t.Run("double close", func(t *testing.T) {
		s, err := Open(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Close(), ErrClosed)
	})
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL(`
-- comment
CREATE TABLE a (x INTEGER);

CREATE INDEX i ON a(x);
SELECT 1`)
	assert.Equal(t, []string{"CREATE TABLE a (x INTEGER);", "CREATE INDEX i ON a(x);", "SELECT 1"}, stmts)
}

func TestDecisions_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	failsafe := decision("c", router.SourceFailsafe, 2*time.Second)
	failsafe.Reason = router.ReasonSlowComputeTimeout
	failsafe.Action = reflex.Action{Name: "noop"}
	failsafe.ReflexID = 0

	recs := []router.DecisionRecord{
		decision("a", router.SourceReflex, 0),
		decision("b", router.SourceDeliberate, time.Second),
		failsafe,
	}
	require.NoError(t, s.InsertDecisions(ctx, recs))

	got, err := s.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, failsafe, got[0])
	assert.Equal(t, recs[0], got[2])

	n, err := s.CountDecisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	limited, err := s.RecentDecisions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDecisions_DuplicatesIgnored(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := decision("dup", router.SourceReflex, 0)
	require.NoError(t, s.InsertDecisions(ctx, []router.DecisionRecord{rec}))
	require.NoError(t, s.InsertDecisions(ctx, []router.DecisionRecord{rec}))

	n, err := s.CountDecisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := s.DailyStats(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestDecisions_NonFiniteValuesStored(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := decision("nan", router.SourceDeliberate, 0)
	rec.State[4] = math.NaN()
	rec.Action.Params = []float64{math.Inf(1)}
	require.NoError(t, s.InsertDecisions(ctx, []router.DecisionRecord{rec}))
	assert.True(t, math.IsInf(rec.Action.Params[0], 1), "caller's record untouched")

	got, err := s.RecentDecisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].State[4])
	assert.Equal(t, []float64{0}, got[0].Action.Params)
}

func TestDailyStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertDecisions(ctx, []router.DecisionRecord{
		decision("1", router.SourceReflex, 0),
		decision("2", router.SourceReflex, time.Minute),
		decision("3", router.SourceDeliberate, time.Minute),
		decision("4", router.SourceFailsafe, time.Minute),
		decision("5", router.SourceReflex, 24*time.Hour),
	}))

	stats, err := s.DailyStats(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Reflex)
	assert.Equal(t, int64(1), stats.Deliberate)
	assert.Equal(t, int64(1), stats.Failsafe)
	assert.InDelta(t, 4.0, stats.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 0.5, stats.ReflexRate(), 1e-9)

	empty, err := s.DailyStats(ctx, "1999-01-01")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.ReflexRate())
}

func TestPruneDecisions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDecisions(ctx, []router.DecisionRecord{
		decision("old", router.SourceReflex, -time.Hour),
		decision("new", router.SourceReflex, time.Hour),
	}))

	n, err := s.PruneDecisions(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestReflexes_SaveAndLoad(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rs := []reflex.Reflex{
		{
			ID:         1,
			Anchor:     spatial.StateVector{0.5, 0.5},
			Action:     reflex.Action{Name: "brake"},
			Confidence: 200,
			Evidence:   12,
			Tier:       reflex.Immutable,
			CreatedAt:  day,
			UpdatedAt:  day,
		},
		{
			ID:         2,
			Anchor:     spatial.StateVector{-0.1, 0, 0, 0, 0, 0, 0, 0.9},
			Action:     reflex.Action{Name: "steer", Params: []float64{-0.25, 1}},
			Confidence: 153,
			Evidence:   1,
			Tier:       reflex.Hypothesis,
			Rates:      reflex.Rates{Learning: 0.3, Decay: 0.1},
			CreatedAt:  day,
			UpdatedAt:  day.Add(time.Minute),
		},
	}
	require.NoError(t, s.SaveReflexes(ctx, rs))

	got, err := s.LoadReflexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, rs, got)

	// A later snapshot replaces the earlier one.
	require.NoError(t, s.SaveReflexes(ctx, rs[1:]))
	got, err = s.LoadReflexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, rs[1:], got)
}

func TestReflexes_LoadRejectsCorruptRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reflexes (id, anchor, action_name, action_params, confidence, evidence,
			tier, learning_rate, decay_rate, created_at, updated_at)
		VALUES (1, '[0,0,0,0,0,0,0,0]', 'x', '[]', 10, 1, 'hypothesis', 1.5, 0.1, 0, 0)`)
	require.NoError(t, err)
	_, err = s.LoadReflexes(ctx)
	assert.Error(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE reflexes SET learning_rate = 0.3, tier = 'bogus'`)
	require.NoError(t, err)
	_, err = s.LoadReflexes(ctx)
	assert.Error(t, err)
}
