package domain

import "time"

// InstrumentID is the canonical, immutable identity of an instrument.
// Vendor symbols map onto it through aliases; a symbol alone is not stable.
type InstrumentID int64

// UniverseID identifies a named instrument universe.
type UniverseID int64

// Alias is a vendor symbol valid for an instrument over [Start, End).
// A nil End means the alias is still current.
type Alias struct {
	Symbol string
	Vendor string
	Start  time.Time
	End    *time.Time
}

// Instrument is the cross-vendor identity of a tradable instrument.
type Instrument struct {
	ID      InstrumentID
	Symbol  string // latest known symbol, informational only
	Aliases []Alias
}

// SymbolAt returns the symbol valid at t for the given vendor.
// An empty vendor matches any vendor.
func (i *Instrument) SymbolAt(vendor string, t time.Time) (string, bool) {
	for _, a := range i.Aliases {
		if vendor != "" && a.Vendor != vendor {
			continue
		}
		if t.Before(a.Start) {
			continue
		}
		if a.End != nil && !t.Before(*a.End) {
			continue
		}
		return a.Symbol, true
	}
	return "", false
}

// Universe is a named, described collection of instruments.
type Universe struct {
	ID          UniverseID
	Name        string
	Description string
}
