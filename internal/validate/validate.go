// Package validate provides the intent validators used by the arbiter: a cheap
// bounds check for the fast path and a rule set with hard vetoes for the slow
// path.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Errors
var (
	ErrRejected = errors.New("intent rejected")
)

// Veto is one failed check.
type Veto struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Rejection is returned when one or more checks veto an intent. It matches
// ErrRejected under errors.Is.
type Rejection struct {
	Vetoes []Veto
}

func (r *Rejection) Error() string {
	parts := make([]string, len(r.Vetoes))
	for i, v := range r.Vetoes {
		parts[i] = v.Rule + ": " + v.Reason
	}
	return "intent rejected: " + strings.Join(parts, "; ")
}

// Unwrap exposes ErrRejected.
func (r *Rejection) Unwrap() error { return ErrRejected }

func reject(rule, format string, args ...any) error {
	return &Rejection{Vetoes: []Veto{{Rule: rule, Reason: fmt.Sprintf(format, args...)}}}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BOUNDS (fast path)
// ═══════════════════════════════════════════════════════════════════════════════

// BoundsConfig configures a Bounds validator. Zero values disable a check.
type BoundsConfig struct {
	AllowedActions    []string `mapstructure:"allowed_actions" yaml:"allowed_actions"`
	MaxParams         int      `mapstructure:"max_params" yaml:"max_params"`
	MaxParamMagnitude float64  `mapstructure:"max_param_magnitude" yaml:"max_param_magnitude"`
}

// Bounds checks the action name against an allow list and its parameters
// against count and magnitude caps. It does no I/O.
type Bounds struct {
	allowed  map[string]struct{}
	maxN     int
	maxParam float64
}

// NewBounds builds a Bounds validator.
func NewBounds(cfg BoundsConfig) (*Bounds, error) {
	if cfg.MaxParams < 0 || cfg.MaxParamMagnitude < 0 || math.IsNaN(cfg.MaxParamMagnitude) {
		return nil, fmt.Errorf("invalid bounds config: max_params %d, max_param_magnitude %v",
			cfg.MaxParams, cfg.MaxParamMagnitude)
	}
	b := &Bounds{maxN: cfg.MaxParams, maxParam: cfg.MaxParamMagnitude}
	if len(cfg.AllowedActions) > 0 {
		b.allowed = make(map[string]struct{}, len(cfg.AllowedActions))
		for _, a := range cfg.AllowedActions {
			b.allowed[a] = struct{}{}
		}
	}
	return b, nil
}

// Validate implements router.Validator.
func (b *Bounds) Validate(_ context.Context, in router.Intent) error {
	if b.allowed != nil {
		if _, ok := b.allowed[in.Action.Name]; !ok {
			return reject("allowed_actions", "action %q not allowed", in.Action.Name)
		}
	}
	if b.maxN > 0 && len(in.Action.Params) > b.maxN {
		return reject("max_params", "%d params exceed cap %d", len(in.Action.Params), b.maxN)
	}
	for i, p := range in.Action.Params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return reject("finite_params", "param %d is %v", i, p)
		}
		if b.maxParam > 0 && math.Abs(p) > b.maxParam {
			return reject("max_param_magnitude", "param %d magnitude %.4f exceeds cap %.4f", i, math.Abs(p), b.maxParam)
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RULES (slow path)
// ═══════════════════════════════════════════════════════════════════════════════

// Rule is one named hard veto.
type Rule struct {
	Name  string
	Check func(ctx context.Context, in router.Intent) error
}

// Rules runs every rule and rejects if any vetoes. All vetoes are reported.
type Rules struct {
	rules []Rule
}

// NewRules builds a rule set.
func NewRules(rules ...Rule) *Rules {
	return &Rules{rules: rules}
}

// Add appends a rule.
func (r *Rules) Add(rule Rule) { r.rules = append(r.rules, rule) }

// Len returns the number of rules.
func (r *Rules) Len() int { return len(r.rules) }

// Validate implements router.Validator.
func (r *Rules) Validate(ctx context.Context, in router.Intent) error {
	var vetoes []Veto
	for _, rule := range r.rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rule.Check(ctx, in); err != nil {
			vetoes = append(vetoes, Veto{Rule: rule.Name, Reason: err.Error()})
		}
	}
	if len(vetoes) > 0 {
		return &Rejection{Vetoes: vetoes}
	}
	return nil
}

// MinConfidence vetoes intents chosen with confidence below floor.
func MinConfidence(floor float64) Rule {
	return Rule{
		Name: "min_confidence",
		Check: func(_ context.Context, in router.Intent) error {
			if in.Confidence < floor {
				return fmt.Errorf("confidence %.4f below %.4f", in.Confidence, floor)
			}
			return nil
		},
	}
}

// ForbidInRegion vetoes action whenever state component dim lies in [lo, hi].
func ForbidInRegion(action string, dim int, lo, hi float64) Rule {
	return Rule{
		Name: "forbid_" + action,
		Check: func(_ context.Context, in router.Intent) error {
			if in.Action.Name != action || dim < 0 || dim >= spatial.Dim {
				return nil
			}
			if v := in.State[dim]; v >= lo && v <= hi {
				return fmt.Errorf("%q forbidden while state[%d]=%.4f in [%.4f, %.4f]", action, dim, v, lo, hi)
			}
			return nil
		},
	}
}

// RuleConfig describes a rule in configuration.
type RuleConfig struct {
	Kind          string  `mapstructure:"kind" yaml:"kind"`
	Action        string  `mapstructure:"action,omitempty" yaml:"action,omitempty"`
	Dim           int     `mapstructure:"dim,omitempty" yaml:"dim,omitempty"`
	Lo            float64 `mapstructure:"lo,omitempty" yaml:"lo,omitempty"`
	Hi            float64 `mapstructure:"hi,omitempty" yaml:"hi,omitempty"`
	MinConfidence float64 `mapstructure:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// FromConfig builds a rule set from configuration entries.
func FromConfig(cfgs []RuleConfig) (*Rules, error) {
	r := NewRules()
	for i, c := range cfgs {
		switch c.Kind {
		case "min_confidence":
			r.Add(MinConfidence(c.MinConfidence))
		case "forbid_region":
			if c.Action == "" || c.Dim < 0 || c.Dim >= spatial.Dim || c.Lo > c.Hi {
				return nil, fmt.Errorf("rule %d: invalid forbid_region %+v", i, c)
			}
			r.Add(ForbidInRegion(c.Action, c.Dim, c.Lo, c.Hi))
		default:
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, c.Kind)
		}
	}
	return r, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAIN
// ═══════════════════════════════════════════════════════════════════════════════

type chain []router.Validator

// Chain runs validators in order and stops at the first rejection. Nil
// validators are skipped.
func Chain(vs ...router.Validator) router.Validator {
	out := make(chain, 0, len(vs))
	for _, v := range vs {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

func (c chain) Validate(ctx context.Context, in router.Intent) error {
	for _, v := range c {
		if err := v.Validate(ctx, in); err != nil {
			return err
		}
	}
	return nil
}
