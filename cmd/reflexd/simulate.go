package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/cortex-reflex/internal/config"
	"github.com/normanking/cortex-reflex/internal/policy"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
	"github.com/normanking/cortex-reflex/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIMULATE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

// simOptions describes a synthetic workload: a fixed set of situations, each
// with one correct action, visited repeatedly with a little noise.
type simOptions struct {
	Situations int
	Rounds     int
	PerRound   int
	// Jitter is the noise amplitude as a fraction of one sector width.
	Jitter  float64
	Latency time.Duration
	Seed    uint64
	Tune    bool
}

func defaultSimOptions() simOptions {
	return simOptions{
		Situations: 16,
		Rounds:     8,
		PerRound:   200,
		Jitter:     0.2,
		Latency:    2 * time.Millisecond,
		Seed:       1,
	}
}

// roundStats is the learning curve at the end of one round.
type roundStats struct {
	Round     int
	Decisions int
	Reflex    int
	Correct   int
	Failsafe  int
	HitRate   float64
	FastAvg   time.Duration
	SlowAvg   time.Duration
	Reflexes  int
}

func (r roundStats) ReflexShare() float64 {
	if r.Decisions == 0 {
		return 0
	}
	return float64(r.Reflex) / float64(r.Decisions)
}

func simulateCmd() *cobra.Command {
	o := defaultSimOptions()
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic workload and print the learning curve",
		RunE: func(cmd *cobra.Command, args []string) error {
			rounds, err := simulate(cmd.Context(), cfg, o, log)
			if err != nil {
				return err
			}
			printRounds(cmd.OutOrStdout(), rounds)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.Situations, "situations", o.Situations, "distinct situations in the workload")
	f.IntVar(&o.Rounds, "rounds", o.Rounds, "number of rounds")
	f.IntVar(&o.PerRound, "per-round", o.PerRound, "decisions per round")
	f.Float64Var(&o.Jitter, "jitter", o.Jitter, "state noise as a fraction of a sector width, in [0,0.5)")
	f.DurationVar(&o.Latency, "latency", o.Latency, "simulated deliberation latency")
	f.Uint64Var(&o.Seed, "seed", o.Seed, "workload seed")
	f.BoolVar(&o.Tune, "tune", o.Tune, "let the tuner adjust the hash resolution")
	return cmd
}

type situation struct {
	center spatial.StateVector
	action string
}

// situations places n centers on sector midpoints of the first four
// dimensions so that jitter below half a sector never crosses a boundary.
func situations(rng *rand.Rand, n int, shift uint8) []situation {
	buckets := (1 << 16) >> shift
	width := float64(uint(1)<<shift) / 32767.5
	seen := make(map[spatial.StateVector]bool, n)
	out := make([]situation, 0, n)
	for len(out) < n {
		var c spatial.StateVector
		for d := range 4 {
			c[d] = (float64(rng.IntN(buckets))+0.5)*width - 1
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, situation{center: c, action: fmt.Sprintf("act-%d", len(out))})
	}
	return out
}

func simulate(ctx context.Context, base *config.Config, o simOptions, logger zerolog.Logger) ([]roundStats, error) {
	if o.Situations <= 0 || o.Rounds <= 0 || o.PerRound <= 0 {
		return nil, fmt.Errorf("situations, rounds and per-round must be positive")
	}
	if o.Jitter < 0 || o.Jitter >= 0.5 {
		return nil, fmt.Errorf("jitter %v outside [0,0.5)", o.Jitter)
	}

	c := *base
	c.Storage.Enabled = false
	c.Tuner.Enabled = o.Tune
	c.Seeds = nil

	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9E3779B97F4A7C15))
	shift := c.Hash.DefaultShift
	width := float64(uint(1)<<shift) / 32767.5
	sits := situations(rng, o.Situations, shift)

	entries := make([]policy.Entry, len(sits))
	for i, s := range sits {
		entries[i] = policy.Entry{Center: s.center, Radius: width, Distribution: policy.Certain(s.action)}
	}
	c.Policy = config.PolicyConfig{Mode: "table", Latency: o.Latency, Table: entries, Fallback: "hold"}

	eng, err := engine.New(&c, engine.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	defer eng.Close()

	out := make([]roundStats, 0, o.Rounds)
	prev := eng.Stats().Memory
	for round := 1; round <= o.Rounds; round++ {
		rs := roundStats{Round: round}
		var fast, slow time.Duration
		var nSlow int
		for range o.PerRound {
			s := sits[rng.IntN(len(sits))]
			state := s.center
			for d := range 4 {
				state[d] += (rng.Float64()*2 - 1) * o.Jitter * width
			}
			d := eng.Decide(ctx, state)
			ok := d.Action.Name == s.action
			if d.Source != router.SourceFailsafe {
				if err := eng.Report(d.ID, ok); err != nil {
					logger.Debug().Err(err).Str("decision", d.ID).Msg("report dropped")
				}
			}

			rs.Decisions++
			if ok {
				rs.Correct++
			}
			switch d.Source {
			case router.SourceReflex:
				rs.Reflex++
				fast += d.Latency
			case router.SourceFailsafe:
				rs.Failsafe++
			default:
				nSlow++
				slow += d.Latency
			}
		}
		settle(ctx, eng)

		st := eng.Stats()
		if n := st.Memory.Lookups - prev.Lookups; n > 0 {
			rs.HitRate = float64(st.Memory.Hits-prev.Hits) / float64(n)
		}
		prev = st.Memory
		if rs.Reflex > 0 {
			rs.FastAvg = fast / time.Duration(rs.Reflex)
		}
		if nSlow > 0 {
			rs.SlowAvg = slow / time.Duration(nSlow)
		}
		rs.Reflexes = st.Reflexes.Immutable + st.Reflexes.Learnable + st.Reflexes.Hypothesis
		out = append(out, rs)
	}
	return out, nil
}

// settle waits for the consolidation queue to empty so the next round sees
// what this one taught.
func settle(ctx context.Context, eng *engine.Engine) {
	deadline := time.Now().Add(2 * time.Second)
	for eng.Stats().Consolidation.Queued > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
}

func printRounds(w io.Writer, rounds []roundStats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "round\tdecisions\treflex\tcorrect\tfailsafe\thit rate\tfast avg\tslow avg\treflexes\t")
	for _, r := range rounds {
		fmt.Fprintf(tw, "%d\t%d\t%.1f%%\t%d\t%d\t%.1f%%\t%s\t%s\t%d\t\n",
			r.Round, r.Decisions, 100*r.ReflexShare(), r.Correct, r.Failsafe,
			100*r.HitRate, r.FastAvg, r.SlowAvg, r.Reflexes)
	}
	_ = tw.Flush()
}
