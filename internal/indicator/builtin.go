package indicator

import (
	"fmt"

	"universe-state/internal/domain"
)

// Built-in indicator names.
const (
	OneOneDot  = "oneonedot"
	OneOneHigh = "oneonehigh"
	OneOneLow  = "oneonelow"
	PLDot      = "pldot"
	ETop       = "etop"
	EBot       = "ebot"
	ADV        = "adv"
	EMAClose   = "ema_close"
)

// Default periods.
const (
	DefaultADVPeriod = 20
	DefaultEMAPeriod = 10
	dotPeriod        = 3
)

func typicalPrice(w Window, i int) float64 {
	return (w.Value(domain.FieldHigh, i).V + w.Value(domain.FieldLow, i).V + w.Value(domain.FieldClose, i).V) / 3
}

// OneOneDotSpec is the typical price (H+L+C)/3 of the period.
func OneOneDotSpec() Spec {
	return Spec{
		Name:     OneOneDot,
		Reads:    []string{domain.FieldHigh, domain.FieldLow, domain.FieldClose},
		Lookback: 1,
		Compute: func(w Window) domain.Value {
			return domain.DefinedValue(typicalPrice(w, 0))
		},
	}
}

// OneOneHighSpec is 2*dot - low.
func OneOneHighSpec() Spec {
	return Spec{
		Name:     OneOneHigh,
		Reads:    []string{OneOneDot, domain.FieldLow},
		Lookback: 1,
		Compute: func(w Window) domain.Value {
			return domain.DefinedValue(2*w.Current(OneOneDot).V - w.Current(domain.FieldLow).V)
		},
	}
}

// OneOneLowSpec is 2*dot - high.
func OneOneLowSpec() Spec {
	return Spec{
		Name:     OneOneLow,
		Reads:    []string{OneOneDot, domain.FieldHigh},
		Lookback: 1,
		Compute: func(w Window) domain.Value {
			return domain.DefinedValue(2*w.Current(OneOneDot).V - w.Current(domain.FieldHigh).V)
		},
	}
}

// PLDotSpec is the mean typical price over the last three periods.
func PLDotSpec() Spec {
	return Spec{
		Name:     PLDot,
		Reads:    []string{domain.FieldHigh, domain.FieldLow, domain.FieldClose},
		Lookback: dotPeriod,
		Compute: func(w Window) domain.Value {
			var sum float64
			for i := 0; i < w.Len(); i++ {
				sum += typicalPrice(w, i)
			}
			return domain.DefinedValue(sum / float64(w.Len()))
		},
	}
}

// ETopSpec is the mean of oneonehigh over the last three periods. The
// period before those three must be OK too, so etop is first defined on the
// fourth period of a lineage.
func ETopSpec() Spec {
	return Spec{
		Name:     ETop,
		Reads:    []string{OneOneHigh},
		Lookback: dotPeriod + 1,
		Compute:  func(w Window) domain.Value { return w.MeanLast(OneOneHigh, dotPeriod) },
	}
}

// EBotSpec is the mean of oneonelow over the last three periods, with the
// same fourth-period warm-up as etop.
func EBotSpec() Spec {
	return Spec{
		Name:     EBot,
		Reads:    []string{OneOneLow},
		Lookback: dotPeriod + 1,
		Compute:  func(w Window) domain.Value { return w.MeanLast(OneOneLow, dotPeriod) },
	}
}

// ADVSpec is the average volume over the last n periods.
func ADVSpec(n int) Spec {
	return Spec{
		Name:     ADV,
		Reads:    []string{domain.FieldVolume},
		Lookback: n,
		Compute:  func(w Window) domain.Value { return w.Mean(domain.FieldVolume) },
	}
}

// EMACloseSpec is an exponential moving average of close with alpha 2/(n+1).
// It is seeded with the simple average of the first n OK closes and then
// folds in each period's close. A non-OK period is Undefined and the next
// one has to re-seed from a full OK window.
func EMACloseSpec(n int) Spec {
	alpha := 2 / float64(n+1)
	return Spec{
		Name:      EMAClose,
		Reads:     []string{domain.FieldClose, EMAClose},
		Lookback:  n,
		Recursive: true,
		Compute: func(w Window) domain.Value {
			if !w.CurrentOK() {
				return domain.Undefined()
			}
			if prev := w.Prev(); prev.Defined {
				return domain.DefinedValue(alpha*w.Current(domain.FieldClose).V + (1-alpha)*prev.V)
			}
			if w.Len() < n || !w.AllOK() {
				return domain.Undefined()
			}
			return w.Mean(domain.FieldClose)
		},
	}
}

// Defaults returns the built-in indicator set.
func Defaults(advPeriod, emaPeriod int) []Spec {
	return []Spec{
		OneOneDotSpec(),
		OneOneHighSpec(),
		OneOneLowSpec(),
		PLDotSpec(),
		ETopSpec(),
		EBotSpec(),
		ADVSpec(advPeriod),
		EMACloseSpec(emaPeriod),
	}
}

// DefaultPipeline builds the built-in pipeline.
func DefaultPipeline(advPeriod, emaPeriod int) (*Pipeline, error) {
	if advPeriod < 1 || emaPeriod < 1 {
		return nil, domain.NewConfigurationError("indicator periods must be >= 1 (adv=%d ema=%d)", advPeriod, emaPeriod)
	}
	p, err := NewPipeline(Defaults(advPeriod, emaPeriod)...)
	if err != nil {
		return nil, fmt.Errorf("default pipeline: %w", err)
	}
	return p, nil
}
