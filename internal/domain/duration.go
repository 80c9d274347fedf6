package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DurationKind is the boundary-alignment rule of a duration.
type DurationKind string

const (
	// KindBase is the finest duration, sourced directly from the bar source.
	KindBase DurationKind = "base"
	// KindMultiple is a fixed number of consecutive base periods.
	KindMultiple DurationKind = "multiple"
	// KindCalendar is aligned to a calendar unit (week, month, quarter, year).
	KindCalendar DurationKind = "calendar"
)

// CalendarUnit is the alignment unit of a calendar duration.
type CalendarUnit string

const (
	UnitDay     CalendarUnit = "day"
	UnitWeek    CalendarUnit = "week"
	UnitMonth   CalendarUnit = "month"
	UnitQuarter CalendarUnit = "quarter"
	UnitYear    CalendarUnit = "year"
)

// Duration is an aggregation duration with its alignment rule.
type Duration struct {
	Name string
	Kind DurationKind
	// Step is the fixed length of base and multiple periods.
	// Daily bases use UnitDay and a zero Step.
	Step time.Duration
	// Multiple is the number of base periods per period (1 for the base).
	Multiple int
	// Unit is set for calendar durations and daily bases.
	Unit CalendarUnit
	// FinalizeOpen allows the period containing "now" to be finalized.
	FinalizeOpen bool
}

// Intraday reports whether periods are shorter than a trading day.
func (d Duration) Intraday() bool {
	return d.Step > 0
}

// String returns the duration name.
func (d Duration) String() string {
	return d.Name
}

// Durations is an ordered set of durations, finest first.
type Durations []Duration

// Names returns the duration names in order.
func (ds Durations) Names() []string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return names
}

var fixedDurationRe = regexp.MustCompile(`^(\d+)(m|h|d)$`)

var calendarUnits = map[string]CalendarUnit{
	"1w":  UnitWeek,
	"1mo": UnitMonth,
	"1M":  UnitMonth,
	"1q":  UnitQuarter,
	"1y":  UnitYear,
}

// ParseBaseDuration parses the finest duration: "Nm", "Nh" or "1d".
func ParseBaseDuration(name string) (Duration, error) {
	name = strings.TrimSpace(name)
	if name == "1d" {
		return Duration{Name: name, Kind: KindBase, Multiple: 1, Unit: UnitDay}, nil
	}
	step, err := parseFixed(name)
	if err != nil {
		return Duration{}, err
	}
	if step <= 0 || step >= 24*time.Hour {
		return Duration{}, NewConfigurationError("base duration %q must be intraday or 1d", name)
	}
	return Duration{Name: name, Kind: KindBase, Step: step, Multiple: 1}, nil
}

// ParseDuration parses a target duration relative to the base duration.
// Unknown names and durations not expressible on the base are configuration errors.
func ParseDuration(name string, base Duration) (Duration, error) {
	name = strings.TrimSpace(name)
	if name == base.Name {
		return base, nil
	}
	if unit, ok := calendarUnits[name]; ok {
		return Duration{Name: name, Kind: KindCalendar, Multiple: 0, Unit: unit}, nil
	}
	if name == "1d" {
		if !base.Intraday() {
			return base, nil
		}
		return Duration{Name: name, Kind: KindCalendar, Unit: UnitDay}, nil
	}
	step, err := parseFixed(name)
	if err != nil {
		return Duration{}, err
	}
	if !base.Intraday() {
		return Duration{}, NewConfigurationError("duration %q needs an intraday base, base is %s", name, base.Name)
	}
	if step%base.Step != 0 || step <= base.Step {
		return Duration{}, NewConfigurationError("duration %q is not a coarser multiple of base %s", name, base.Name)
	}
	return Duration{
		Name:     name,
		Kind:     KindMultiple,
		Step:     step,
		Multiple: int(step / base.Step),
	}, nil
}

// ParseDurations parses a list of target durations, de-duplicated and
// ordered finest first with the base duration leading when present.
func ParseDurations(names []string, base Duration) (Durations, error) {
	seen := make(map[string]struct{}, len(names))
	var out Durations
	for _, n := range names {
		d, err := ParseDuration(n, base)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[d.Name]; dup {
			continue
		}
		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	sortDurations(out)
	return out, nil
}

func parseFixed(name string) (time.Duration, error) {
	m := fixedDurationRe.FindStringSubmatch(name)
	if m == nil {
		return 0, NewConfigurationError("unknown duration %q", name)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, NewConfigurationError("unknown duration %q", name)
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, NewConfigurationError("duration %q: only 1d is supported as a day duration", name)
	}
}

// rank orders durations from finest to coarsest.
func (d Duration) rank() int64 {
	if d.Step > 0 {
		return int64(d.Step)
	}
	switch d.Unit {
	case UnitDay:
		return int64(24 * time.Hour)
	case UnitWeek:
		return int64(7 * 24 * time.Hour)
	case UnitMonth:
		return int64(31 * 24 * time.Hour)
	case UnitQuarter:
		return int64(92 * 24 * time.Hour)
	default:
		return int64(366 * 24 * time.Hour)
	}
}

func sortDurations(ds Durations) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].rank() < ds[j].rank()
	})
}

// ConfigurationError is a fatal setup error detected before any work starts,
// such as an unknown duration or a cyclic indicator dependency.
type ConfigurationError struct {
	Reason string
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}
