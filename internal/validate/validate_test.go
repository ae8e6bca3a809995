package validate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

func intent(name string, params ...float64) router.Intent {
	return router.Intent{Action: reflex.Action{Name: name, Params: params}, Confidence: 0.9}
}

func TestBounds(t *testing.T) {
	b, err := NewBounds(BoundsConfig{
		AllowedActions:    []string{"brake", "steer"},
		MaxParams:         2,
		MaxParamMagnitude: 1,
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   router.Intent
		rule string
	}{
		{"allowed", intent("brake"), ""},
		{"params within caps", intent("steer", 0.5, -1), ""},
		{"unknown action", intent("jump"), "allowed_actions"},
		{"too many params", intent("steer", 0, 0, 0), "max_params"},
		{"param too large", intent("steer", 1.5), "max_param_magnitude"},
		{"NaN param", intent("steer", math.NaN()), "finite_params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Validate(context.Background(), tt.in)
			if tt.rule == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrRejected)
			var rej *Rejection
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.rule, rej.Vetoes[0].Rule)
		})
	}
}

func TestBounds_ZeroConfigAllowsAnything(t *testing.T) {
	b, err := NewBounds(BoundsConfig{})
	require.NoError(t, err)
	assert.NoError(t, b.Validate(context.Background(), intent("anything", 1e9)))

	_, err = NewBounds(BoundsConfig{MaxParams: -1})
	assert.Error(t, err)
}

func TestRules_ReportsEveryVeto(t *testing.T) {
	r := NewRules(MinConfidence(0.95), ForbidInRegion("accelerate", 0, 0.5, 1))

	in := intent("accelerate")
	in.State = spatial.StateVector{0.7}
	err := r.Validate(context.Background(), in)
	require.ErrorIs(t, err, ErrRejected)

	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	require.Len(t, rej.Vetoes, 2)
	assert.Equal(t, "min_confidence", rej.Vetoes[0].Rule)
	assert.Equal(t, "forbid_accelerate", rej.Vetoes[1].Rule)
	assert.Contains(t, err.Error(), "forbid_accelerate")

	in.State[0] = 0.2
	in.Confidence = 0.99
	assert.NoError(t, r.Validate(context.Background(), in))
}

func TestRules_StopsOnCancelledContext(t *testing.T) {
	r := NewRules(MinConfidence(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Validate(ctx, intent("x")), context.Canceled)
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig([]RuleConfig{
		{Kind: "min_confidence", MinConfidence: 0.5},
		{Kind: "forbid_region", Action: "brake", Dim: 2, Lo: -1, Hi: -0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = FromConfig([]RuleConfig{{Kind: "bogus"}})
	assert.Error(t, err)
	_, err = FromConfig([]RuleConfig{{Kind: "forbid_region", Action: "x", Dim: spatial.Dim}})
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	var calls []string
	v := func(name string, err error) router.Validator {
		return router.ValidatorFunc(func(context.Context, router.Intent) error {
			calls = append(calls, name)
			return err
		})
	}
	boom := errors.New("boom")

	c := Chain(v("a", nil), nil, v("b", boom), v("c", nil))
	assert.ErrorIs(t, c.Validate(context.Background(), intent("x")), boom)
	assert.Equal(t, []string{"a", "b"}, calls)

	assert.NoError(t, Chain().Validate(context.Background(), intent("x")))
}
