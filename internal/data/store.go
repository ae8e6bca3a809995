package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION LOG
// ═══════════════════════════════════════════════════════════════════════════════

// DailyStats aggregates the decisions of one UTC day.
type DailyStats struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	Total        int64   `json:"total"`
	Reflex       int64   `json:"reflex"`
	Deliberate   int64   `json:"deliberate"`
	Failsafe     int64   `json:"failsafe"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ReflexRate returns the share of decisions served by reflexes.
func (d DailyStats) ReflexRate() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Reflex) / float64(d.Total)
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

// InsertDecisions appends a batch of decision records and updates the daily
// aggregates in one transaction. Records already logged are ignored.
func (s *Store) InsertDecisions(ctx context.Context, recs []router.DecisionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO decisions (id, source, reason, action_name, action_params, state,
				confidence, reflex_id, sector, fast_ns, slow_ns, total_ns, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare decision insert: %w", err)
		}
		defer ins.Close()

		daily, err := tx.PrepareContext(ctx, `
			INSERT INTO decision_daily (date, total, reflex, deliberate, failsafe, total_ns)
			VALUES (?, 1, ?, ?, ?, ?)
			ON CONFLICT(date) DO UPDATE SET
				total = total + 1,
				reflex = reflex + excluded.reflex,
				deliberate = deliberate + excluded.deliberate,
				failsafe = failsafe + excluded.failsafe,
				total_ns = total_ns + excluded.total_ns`)
		if err != nil {
			return fmt.Errorf("prepare daily upsert: %w", err)
		}
		defer daily.Close()

		for _, rec := range recs {
			params, err := json.Marshal(finite(nonNil(rec.Action.Params)))
			if err != nil {
				return fmt.Errorf("encode params of %s: %w", rec.ID, err)
			}
			state, err := json.Marshal(finite(rec.State[:]))
			if err != nil {
				return fmt.Errorf("encode state of %s: %w", rec.ID, err)
			}
			res, err := ins.ExecContext(ctx,
				rec.ID, rec.Source.String(), rec.Reason.String(), rec.Action.Name, string(params), string(state),
				rec.Confidence, int64(rec.ReflexID), int64(rec.Sector),
				int64(rec.FastLatency), int64(rec.SlowLatency), int64(rec.Latency), rec.DecidedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("insert decision %s: %w", rec.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			_, err = daily.ExecContext(ctx, dayOf(rec.DecidedAt),
				boolToInt(rec.Source == router.SourceReflex),
				boolToInt(rec.Source == router.SourceDeliberate),
				boolToInt(rec.Source == router.SourceFailsafe),
				int64(rec.Latency))
			if err != nil {
				return fmt.Errorf("update daily stats: %w", err)
			}
		}
		return nil
	})
}

// RecentDecisions returns the most recent decisions, newest first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]router.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, reason, action_name, action_params, state, confidence,
		       reflex_id, sector, fast_ns, slow_ns, total_ns, decided_at
		FROM decisions
		ORDER BY decided_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []router.DecisionRecord
	for rows.Next() {
		var (
			rec                        router.DecisionRecord
			source, reason             string
			params, state              string
			reflexID, sector           int64
			fast, slow, total, decided int64
		)
		if err := rows.Scan(&rec.ID, &source, &reason, &rec.Action.Name, &params, &state,
			&rec.Confidence, &reflexID, &sector, &fast, &slow, &total, &decided); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if err := rec.Source.UnmarshalText([]byte(source)); err != nil {
			return nil, fmt.Errorf("decision %s: %w", rec.ID, err)
		}
		if err := rec.Reason.UnmarshalText([]byte(reason)); err != nil {
			return nil, fmt.Errorf("decision %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(params), &rec.Action.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", rec.ID, err)
		}
		if len(rec.Action.Params) == 0 {
			rec.Action.Params = nil
		}
		if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
			return nil, fmt.Errorf("decode state of %s: %w", rec.ID, err)
		}
		rec.ReflexID = reflex.ID(reflexID)
		rec.Sector = spatial.SectorKey(uint64(sector))
		rec.FastLatency = time.Duration(fast)
		rec.SlowLatency = time.Duration(slow)
		rec.Latency = time.Duration(total)
		rec.DecidedAt = time.Unix(0, decided).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountDecisions returns the number of logged decisions.
func (s *Store) CountDecisions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}

// DailyStats returns the aggregates for date (YYYY-MM-DD). A day without
// decisions yields zero stats.
func (s *Store) DailyStats(ctx context.Context, date string) (DailyStats, error) {
	stats := DailyStats{Date: date}
	var totalNs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT total, reflex, deliberate, failsafe, total_ns
		FROM decision_daily WHERE date = ?`, date).
		Scan(&stats.Total, &stats.Reflex, &stats.Deliberate, &stats.Failsafe, &totalNs)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("query daily stats: %w", err)
	}
	if stats.Total > 0 {
		stats.AvgLatencyMs = float64(totalNs) / float64(stats.Total) / float64(time.Millisecond)
	}
	return stats, nil
}

// PruneDecisions deletes decisions older than before and returns how many.
func (s *Store) PruneDecisions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM decisions WHERE decided_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return res.RowsAffected()
}

// ═══════════════════════════════════════════════════════════════════════════════
// REFLEX SNAPSHOTS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveReflexes replaces the stored snapshot with rs.
func (s *Store) SaveReflexes(ctx context.Context, rs []reflex.Reflex) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM reflexes"); err != nil {
			return fmt.Errorf("clear reflexes: %w", err)
		}
		ins, err := tx.PrepareContext(ctx, `
			INSERT INTO reflexes (id, anchor, action_name, action_params, confidence, evidence,
				tier, learning_rate, decay_rate, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare reflex insert: %w", err)
		}
		defer ins.Close()

		for _, r := range rs {
			anchor, err := json.Marshal(finite(r.Anchor[:]))
			if err != nil {
				return fmt.Errorf("encode anchor of %d: %w", r.ID, err)
			}
			params, err := json.Marshal(finite(nonNil(r.Action.Params)))
			if err != nil {
				return fmt.Errorf("encode params of %d: %w", r.ID, err)
			}
			if _, err := ins.ExecContext(ctx, int64(r.ID), string(anchor), r.Action.Name, string(params),
				int(r.Confidence), int(r.Evidence), r.Tier.String(), r.Rates.Learning, r.Rates.Decay,
				r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano()); err != nil {
				return fmt.Errorf("insert reflex %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

// LoadReflexes reads the stored snapshot. Rows that would violate reflex
// invariants are rejected with an error rather than restored.
func (s *Store) LoadReflexes(ctx context.Context) ([]reflex.Reflex, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anchor, action_name, action_params, confidence, evidence, tier,
		       learning_rate, decay_rate, created_at, updated_at
		FROM reflexes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query reflexes: %w", err)
	}
	defer rows.Close()

	var out []reflex.Reflex
	for rows.Next() {
		var (
			r                reflex.Reflex
			id               int64
			anchor, params   string
			tier             string
			conf, evidence   int64
			created, updated int64
		)
		if err := rows.Scan(&id, &anchor, &r.Action.Name, &params, &conf, &evidence, &tier,
			&r.Rates.Learning, &r.Rates.Decay, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan reflex: %w", err)
		}
		if err := json.Unmarshal([]byte(anchor), &r.Anchor); err != nil {
			return nil, fmt.Errorf("decode anchor of %d: %w", id, err)
		}
		if err := json.Unmarshal([]byte(params), &r.Action.Params); err != nil {
			return nil, fmt.Errorf("decode params of %d: %w", id, err)
		}
		if len(r.Action.Params) == 0 {
			r.Action.Params = nil
		}
		if r.Tier, err = reflex.ParseTier(tier); err != nil {
			return nil, fmt.Errorf("reflex %d: %w", id, err)
		}
		if conf < 0 || conf > int64(reflex.MaxConfidence) || evidence < 0 || evidence > math.MaxUint16 {
			return nil, fmt.Errorf("reflex %d: confidence %d or evidence %d out of range", id, conf, evidence)
		}
		if !unit(r.Rates.Learning) || !unit(r.Rates.Decay) {
			return nil, fmt.Errorf("reflex %d: rates %+v outside [0,1]", id, r.Rates)
		}
		r.ID = reflex.ID(id)
		r.Confidence = reflex.Confidence(conf)
		r.Evidence = uint16(evidence)
		r.CreatedAt = time.Unix(0, created).UTC()
		r.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(p []float64) []float64 {
	if p == nil {
		return []float64{}
	}
	return p
}

// finite returns v with NaN and infinite components zeroed, since JSON cannot
// encode them. v itself is never modified.
func finite(v []float64) []float64 {
	var out []float64
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			if out == nil {
				out = append([]float64(nil), v...)
			}
			out[i] = 0
		}
	}
	if out == nil {
		return v
	}
	return out
}

func unit(v float64) bool { return !math.IsNaN(v) && v >= 0 && v <= 1 }
