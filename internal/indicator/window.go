package indicator

import "universe-state/internal/domain"

// Window is the slice of States an indicator sees: up to Lookback rows,
// oldest first, the last being the period being computed.
type Window struct {
	name string
	rows []*domain.State
	prev *domain.State
}

func newWindow(s Spec, rows []*domain.State) Window {
	w := Window{name: s.Name}
	n := s.Lookback
	if n > len(rows) {
		n = len(rows)
	}
	w.rows = rows[len(rows)-n:]
	if len(rows) > 1 {
		w.prev = rows[len(rows)-2]
	}
	return w
}

// usable reports whether a non-recursive indicator can be computed: the
// window is full, every row is OK and every read is defined.
func (w Window) usable(s Spec) bool {
	if len(w.rows) < s.Lookback || !w.AllOK() {
		return false
	}
	for _, r := range s.Reads {
		for i := range w.rows {
			if !w.Value(r, i).Defined {
				return false
			}
		}
	}
	return true
}

// Len returns the number of rows.
func (w Window) Len() int {
	return len(w.rows)
}

// AllOK reports whether every row has status OK.
func (w Window) AllOK() bool {
	for _, r := range w.rows {
		if !r.OK() {
			return false
		}
	}
	return true
}

// Value returns field at row i (0 is oldest). Missing fields are Undefined.
func (w Window) Value(field string, i int) domain.Value {
	v, ok := w.rows[i].Field(field)
	if !ok {
		return domain.Undefined()
	}
	return v
}

// Current returns field of the period being computed.
func (w Window) Current(field string) domain.Value {
	return w.Value(field, len(w.rows)-1)
}

// CurrentOK reports whether the period being computed has status OK.
func (w Window) CurrentOK() bool {
	return w.rows[len(w.rows)-1].OK()
}

// Prev returns the indicator's own value in the immediately preceding State.
func (w Window) Prev() domain.Value {
	if w.prev == nil {
		return domain.Undefined()
	}
	v, ok := w.prev.Indicators[w.name]
	if !ok {
		return domain.Undefined()
	}
	return v
}

// Mean returns the mean of field over the window, Undefined if any value is.
func (w Window) Mean(field string) domain.Value {
	return w.MeanLast(field, len(w.rows))
}

// MeanLast returns the mean of field over the newest n rows. It is Undefined
// when the window holds fewer than n rows or any of those values is Undefined.
func (w Window) MeanLast(field string, n int) domain.Value {
	if n <= 0 || n > len(w.rows) {
		return domain.Undefined()
	}
	var sum float64
	for i := len(w.rows) - n; i < len(w.rows); i++ {
		v := w.Value(field, i)
		if !v.Defined {
			return domain.Undefined()
		}
		sum += v.V
	}
	return domain.DefinedValue(sum / float64(n))
}
