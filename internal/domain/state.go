package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Value is an indicator value that may be Undefined, which is distinct from zero.
// Undefined marks insufficient lookback or an untrusted input window.
type Value struct {
	Defined bool
	V       float64
}

// DefinedValue returns a defined value.
func DefinedValue(v float64) Value {
	return Value{Defined: true, V: v}
}

// Undefined returns the undefined value.
func Undefined() Value {
	return Value{}
}

// MarshalJSON encodes Undefined as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// UnmarshalJSON decodes null as Undefined.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Undefined()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = DefinedValue(f)
	return nil
}

// Raw field names carried on every State.
const (
	FieldOpen   = "open"
	FieldHigh   = "high"
	FieldLow    = "low"
	FieldClose  = "close"
	FieldVolume = "volume"
)

// RawFields lists the raw OHLCV fields in canonical order.
var RawFields = []string{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// IsRawField reports whether name is a raw OHLCV field.
func IsRawField(name string) bool {
	switch name {
	case FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume:
		return true
	}
	return false
}

// State is the persisted per-instrument, per-duration, per-period record.
// It is keyed by (UniverseID, InstrumentID, Duration, PeriodEnd) and carries
// no identity beyond that key.
type State struct {
	UniverseID   UniverseID       `json:"universe_id"`
	InstrumentID InstrumentID     `json:"instrument_id"`
	Duration     string           `json:"duration"`
	PeriodStart  time.Time        `json:"period_start"`
	PeriodEnd    time.Time        `json:"period_end"`
	Open         float64          `json:"open"`
	High         float64          `json:"high"`
	Low          float64          `json:"low"`
	Close        float64          `json:"close"`
	Volume       float64          `json:"volume"`
	Status       BarStatus        `json:"status"`
	Indicators   map[string]Value `json:"indicators"`
}

// NewState builds the raw part of a State from an aggregated bar.
func NewState(universeID UniverseID, bar *Bar) *State {
	return &State{
		UniverseID:   universeID,
		InstrumentID: bar.InstrumentID,
		Duration:     bar.Duration,
		PeriodStart:  bar.PeriodStart,
		PeriodEnd:    bar.PeriodEnd,
		Open:         bar.Open,
		High:         bar.High,
		Low:          bar.Low,
		Close:        bar.Close,
		Volume:       bar.Volume,
		Status:       bar.Provenance.Status,
		Indicators:   make(map[string]Value),
	}
}

// OK reports whether the underlying bar had status OK.
func (s *State) OK() bool {
	return s.Status == StatusOK
}

// Field returns a raw or indicator field. ok is false when the name is unknown
// to this State.
func (s *State) Field(name string) (Value, bool) {
	switch name {
	case FieldOpen:
		return DefinedValue(s.Open), true
	case FieldHigh:
		return DefinedValue(s.High), true
	case FieldLow:
		return DefinedValue(s.Low), true
	case FieldClose:
		return DefinedValue(s.Close), true
	case FieldVolume:
		return DefinedValue(s.Volume), true
	}
	v, ok := s.Indicators[name]
	return v, ok
}

// Select returns the requested fields. Unknown names are returned separately.
// An empty request selects every field.
func (s *State) Select(fields []string) (map[string]Value, []string) {
	if len(fields) == 0 {
		fields = s.FieldNames()
	}
	out := make(map[string]Value, len(fields))
	var unknown []string
	for _, f := range fields {
		v, ok := s.Field(f)
		if !ok {
			unknown = append(unknown, f)
			continue
		}
		out[f] = v
	}
	return out, unknown
}

// FieldNames returns raw fields followed by indicator names in sorted order.
func (s *State) FieldNames() []string {
	names := make([]string, 0, len(RawFields)+len(s.Indicators))
	names = append(names, RawFields...)
	ind := make([]string, 0, len(s.Indicators))
	for k := range s.Indicators {
		ind = append(ind, k)
	}
	sort.Strings(ind)
	return append(names, ind...)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Indicators = make(map[string]Value, len(s.Indicators))
	for k, v := range s.Indicators {
		c.Indicators[k] = v
	}
	return &c
}
