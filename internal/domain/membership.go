package domain

import "time"

// MembershipInterval records that an instrument belonged to a universe
// over the half-open range [StartAt, EndAt). A nil EndAt is open-ended.
type MembershipInterval struct {
	ID           int64
	UniverseID   UniverseID
	InstrumentID InstrumentID
	StartAt      time.Time
	EndAt        *time.Time
	Metadata     map[string]string
}

// Contains reports whether t falls inside the interval.
func (m *MembershipInterval) Contains(t time.Time) bool {
	if t.Before(m.StartAt) {
		return false
	}
	return m.EndAt == nil || t.Before(*m.EndAt)
}

// IsOpen reports whether the interval has no end.
func (m *MembershipInterval) IsOpen() bool {
	return m.EndAt == nil
}

// Valid reports whether StartAt does not come after EndAt.
func (m *MembershipInterval) Valid() bool {
	return m.EndAt == nil || !m.StartAt.After(*m.EndAt)
}

// Overlaps reports whether two half-open intervals share any instant.
// Empty intervals (StartAt == EndAt) overlap nothing.
func (m *MembershipInterval) Overlaps(o *MembershipInterval) bool {
	if m.EndAt != nil && !m.StartAt.Before(*m.EndAt) {
		return false
	}
	if o.EndAt != nil && !o.StartAt.Before(*o.EndAt) {
		return false
	}
	aEndsBeforeB := m.EndAt != nil && !m.EndAt.After(o.StartAt)
	bEndsBeforeA := o.EndAt != nil && !o.EndAt.After(m.StartAt)
	return !aEndsBeforeB && !bEndsBeforeA
}
