package domain

import (
	"strings"
	"time"
)

// BarStatus marks the quality of a bar. Gap periods are stored as rows
// with a non-OK status instead of being omitted.
type BarStatus string

// Bar statuses, from best to worst.
const (
	StatusOK      BarStatus = "OK"
	StatusStale   BarStatus = "STALE"
	StatusHalted  BarStatus = "HALTED"
	StatusNoData  BarStatus = "NO_DATA"
	StatusMissing BarStatus = "MISSING"
)

var statusSeverity = map[BarStatus]int{
	StatusOK:      0,
	StatusStale:   1,
	StatusHalted:  2,
	StatusNoData:  3,
	StatusMissing: 4,
}

// ParseBarStatus maps a vendor status string onto a BarStatus.
// Unknown values are treated as MISSING.
func ParseBarStatus(s string) BarStatus {
	st := BarStatus(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := statusSeverity[st]; ok {
		return st
	}
	return StatusMissing
}

// Severity returns the rank of the status; higher is worse.
func (s BarStatus) Severity() int {
	if v, ok := statusSeverity[s]; ok {
		return v
	}
	return statusSeverity[StatusMissing]
}

// WorstStatus returns the more severe of two statuses.
func WorstStatus(a, b BarStatus) BarStatus {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Provenance describes where a bar came from and how trustworthy it is.
type Provenance struct {
	Source string    `json:"source"`
	Status BarStatus `json:"status"`
	Note   string    `json:"note,omitempty"`
}

// Bar is a canonical OHLCV bar for one instrument and duration.
// PeriodStart is inclusive, PeriodEnd exclusive.
type Bar struct {
	InstrumentID InstrumentID `json:"instrument_id"`
	Duration     string       `json:"duration"`
	PeriodStart  time.Time    `json:"period_start"`
	PeriodEnd    time.Time    `json:"period_end"`
	Open         float64      `json:"open"`
	High         float64      `json:"high"`
	Low          float64      `json:"low"`
	Close        float64      `json:"close"`
	Volume       float64      `json:"volume"`
	Provenance   Provenance   `json:"provenance"`
	RevisedAt    *time.Time   `json:"revised_at,omitempty"`
}

// OK reports whether the bar can be trusted for indicator computation.
func (b *Bar) OK() bool {
	return b.Provenance.Status == StatusOK
}
