// Package revision applies vendor bar revisions: it stores the revised bars
// and rebuilds every affected lineage from the earliest revised period.
package revision

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"universe-state/internal/domain"
)

// ErrInvalidEvent marks a message that can never be applied. Consumers
// commit it without retrying.
var ErrInvalidEvent = errors.New("invalid revision event")

// Event is a batch of revised base-duration bars for one instrument.
type Event struct {
	InstrumentID domain.InstrumentID `json:"instrument_id"`
	Bars         []*domain.Bar       `json:"bars"`
	// Universes restricts the rebuild. Empty means every configured universe.
	Universes []domain.UniverseID `json:"universes,omitempty"`
	RevisedAt time.Time           `json:"revised_at"`
}

// Decode parses and validates an event.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Encode serializes an event.
func Encode(ev *Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// Validate checks that the event names an instrument and carries bars
// belonging to it.
func (ev *Event) Validate() error {
	if ev.InstrumentID == 0 {
		return fmt.Errorf("%w: missing instrument_id", ErrInvalidEvent)
	}
	if len(ev.Bars) == 0 {
		return fmt.Errorf("%w: no bars", ErrInvalidEvent)
	}
	for i, b := range ev.Bars {
		switch {
		case b == nil:
			return fmt.Errorf("%w: bar %d is null", ErrInvalidEvent, i)
		case b.InstrumentID != ev.InstrumentID:
			return fmt.Errorf("%w: bar %d belongs to instrument %d", ErrInvalidEvent, i, b.InstrumentID)
		case b.PeriodEnd.IsZero() || !b.PeriodStart.Before(b.PeriodEnd):
			return fmt.Errorf("%w: bar %d has an empty period", ErrInvalidEvent, i)
		}
	}
	return nil
}

// Earliest returns the smallest period_end among the revised bars.
func (ev *Event) Earliest() time.Time {
	earliest := ev.Bars[0].PeriodEnd
	for _, b := range ev.Bars[1:] {
		if b.PeriodEnd.Before(earliest) {
			earliest = b.PeriodEnd
		}
	}
	return earliest.UTC()
}

// stamp fills defaults: bar duration, revision time, and OK status for
// bars without provenance.
func (ev *Event) stamp(base string, now time.Time) {
	if ev.RevisedAt.IsZero() {
		ev.RevisedAt = now
	}
	at := ev.RevisedAt.UTC()
	for _, b := range ev.Bars {
		if b.Duration == "" {
			b.Duration = base
		}
		if b.Provenance.Status == "" {
			b.Provenance.Status = domain.StatusOK
		} else {
			b.Provenance.Status = domain.ParseBarStatus(string(b.Provenance.Status))
		}
		b.PeriodStart = b.PeriodStart.UTC()
		b.PeriodEnd = b.PeriodEnd.UTC()
		b.RevisedAt = &at
	}
}
