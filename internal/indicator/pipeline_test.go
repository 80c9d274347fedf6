package indicator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"universe-state/internal/domain"
)

func constant(v float64) Func {
	return func(Window) domain.Value { return domain.DefinedValue(v) }
}

func TestNewPipeline_RejectsCycle(t *testing.T) {
	_, err := NewPipeline(
		Spec{Name: "a", Reads: []string{"b"}, Lookback: 1, Compute: constant(1)},
		Spec{Name: "b", Reads: []string{"c"}, Lookback: 1, Compute: constant(1)},
		Spec{Name: "c", Reads: []string{"a", "close"}, Lookback: 1, Compute: constant(1)},
	)

	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
	assert.Contains(t, cfgErr.Reason, "cycle")
}

func TestNewPipeline_ConfigurationErrors(t *testing.T) {
	cases := map[string][]Spec{
		"unknown read": {{Name: "a", Reads: []string{"nope"}, Lookback: 1, Compute: constant(1)}},
		"duplicate": {
			{Name: "a", Lookback: 1, Compute: constant(1)},
			{Name: "a", Lookback: 1, Compute: constant(2)},
		},
		"zero lookback":           {{Name: "a", Lookback: 0, Compute: constant(1)}},
		"self read not recursive": {{Name: "a", Reads: []string{"a"}, Lookback: 1, Compute: constant(1)}},
		"shadows raw field":       {{Name: "close", Lookback: 1, Compute: constant(1)}},
		"no compute":              {{Name: "a", Lookback: 1}},
	}
	for name, specs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPipeline(specs...)
			var cfgErr *domain.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
		})
	}
}

func TestNewPipeline_DependencyOrder(t *testing.T) {
	p, err := NewPipeline(
		ETopSpec(),
		OneOneHighSpec(),
		OneOneDotSpec(),
		ADVSpec(2),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{OneOneDot, OneOneHigh, ETop, ADV}, p.Names())
	assert.Equal(t, 3, p.PriorNeeded(), "etop looks back four periods")
}

func state(i int, h, l, c, v float64) *domain.State {
	end := time.Date(2025, 1, 1, 21, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	return &domain.State{
		UniverseID:   1,
		InstrumentID: 1,
		Duration:     "1d",
		PeriodEnd:    end,
		Open:         c,
		High:         h,
		Low:          l,
		Close:        c,
		Volume:       v,
		Status:       domain.StatusOK,
	}
}

// run folds states through the pipeline the way the builder does.
func run(t *testing.T, p *Pipeline, states []*domain.State) {
	t.Helper()
	for i, s := range states {
		lo := i - p.PriorNeeded()
		if lo < 0 {
			lo = 0
		}
		p.Compute(s, states[lo:i])
	}
}

func TestDefaults_WarmupIsUndefinedNotZero(t *testing.T) {
	p, err := DefaultPipeline(3, 3)
	require.NoError(t, err)

	states := []*domain.State{
		state(0, 0, 0, 0, 0),
		state(1, 0, 0, 0, 0),
		state(2, 0, 0, 0, 0),
		state(3, 0, 0, 0, 0),
	}
	run(t, p, states)

	first := states[0].Indicators
	assert.Equal(t, domain.DefinedValue(0), first[OneOneDot], "computed zero must stay defined")
	assert.False(t, first[PLDot].Defined)
	assert.False(t, first[ADV].Defined)
	assert.False(t, first[EMAClose].Defined)

	third := states[2].Indicators
	assert.True(t, third[PLDot].Defined)
	assert.True(t, third[EMAClose].Defined)
	assert.False(t, third[ETop].Defined, "etop needs the period before its three")
	assert.False(t, third[EBot].Defined)

	fourth := states[3].Indicators
	assert.Equal(t, domain.DefinedValue(0), fourth[ETop])
	assert.Equal(t, domain.DefinedValue(0), fourth[EBot])
}

func TestETop_NeedsOKPeriodBeforeItsThree(t *testing.T) {
	p, err := DefaultPipeline(2, 2)
	require.NoError(t, err)

	states := []*domain.State{
		state(0, 12, 9, 9, 100),
		state(1, 14, 11, 11, 200),
		state(2, 16, 13, 13, 300),
		state(3, 18, 15, 15, 400),
		state(4, 20, 17, 17, 500),
	}
	states[0].Status = domain.StatusStale
	run(t, p, states)

	assert.True(t, states[3].Indicators[PLDot].Defined)
	assert.False(t, states[3].Indicators[ETop].Defined, "fourth row back is stale")
	assert.False(t, states[3].Indicators[EBot].Defined)
	assert.InDelta(t, 17.0, states[4].Indicators[ETop].V, 1e-9) // mean(15, 17, 19)
	assert.InDelta(t, 14.0, states[4].Indicators[EBot].V, 1e-9) // mean(12, 14, 16)
}

func TestDefaults_Values(t *testing.T) {
	p, err := DefaultPipeline(3, 3)
	require.NoError(t, err)

	states := []*domain.State{
		state(0, 12, 9, 9, 100),   // dot 10
		state(1, 14, 11, 11, 200), // dot 12
		state(2, 16, 13, 13, 300), // dot 14
		state(3, 18, 15, 15, 400), // dot 16
	}
	run(t, p, states)

	got := states[2].Indicators
	assert.InDelta(t, 14.0, got[OneOneDot].V, 1e-9)
	assert.InDelta(t, 15.0, got[OneOneHigh].V, 1e-9) // 2*14 - 13
	assert.InDelta(t, 12.0, got[OneOneLow].V, 1e-9)  // 2*14 - 16
	assert.InDelta(t, 12.0, got[PLDot].V, 1e-9)
	assert.False(t, got[ETop].Defined)
	assert.False(t, got[EBot].Defined)
	assert.InDelta(t, 200.0, got[ADV].V, 1e-9)
	assert.InDelta(t, 11.0, got[EMAClose].V, 1e-9) // seed = SMA(9, 11, 13)

	last := states[3].Indicators
	assert.InDelta(t, 15.0, last[ETop].V, 1e-9) // mean(13, 15, 17)
	assert.InDelta(t, 12.0, last[EBot].V, 1e-9) // mean(10, 12, 14)
	// alpha = 0.5: 0.5*15 + 0.5*11
	assert.InDelta(t, 13.0, last[EMAClose].V, 1e-9)
}

func TestDefaults_NonOKWindowIsUndefined(t *testing.T) {
	p, err := DefaultPipeline(2, 2)
	require.NoError(t, err)

	states := []*domain.State{
		state(0, 12, 9, 9, 100),
		state(1, 14, 11, 11, 200),
		state(2, 16, 13, 13, 300),
		state(3, 18, 15, 15, 400),
		state(4, 20, 17, 17, 500),
	}
	states[2].Status = domain.StatusStale
	run(t, p, states)

	assert.True(t, states[1].Indicators[EMAClose].Defined)
	assert.False(t, states[2].Indicators[OneOneDot].Defined)
	assert.False(t, states[2].Indicators[EMAClose].Defined)
	assert.False(t, states[3].Indicators[ADV].Defined, "window still holds the stale period")
	assert.False(t, states[3].Indicators[EMAClose].Defined, "re-seed needs a full OK window")
	assert.InDelta(t, 16.0, states[4].Indicators[EMAClose].V, 1e-9) // re-seeded with SMA(15, 17)
	assert.InDelta(t, 450.0, states[4].Indicators[ADV].V, 1e-9)
}

func TestCompute_IsDeterministic(t *testing.T) {
	p, err := DefaultPipeline(DefaultADVPeriod, DefaultEMAPeriod)
	require.NoError(t, err)

	mk := func() []*domain.State {
		var out []*domain.State
		for i := 0; i < 30; i++ {
			f := float64(i)
			out = append(out, state(i, 10+f*1.1, 9+f*0.9, 9.5+f, 1000+f*7))
		}
		return out
	}
	a, b := mk(), mk()
	run(t, p, a)
	run(t, p, b)

	for i := range a {
		assert.Equal(t, a[i].Indicators, b[i].Indicators, "period %d", i)
	}
	assert.True(t, a[29].Indicators[ADV].Defined)
}
