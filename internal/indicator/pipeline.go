// Package indicator computes derived per-period fields from the current
// State and a bounded window of prior States.
package indicator

import (
	"fmt"
	"sort"
	"strings"

	"universe-state/internal/domain"
)

// Func computes one indicator value from its window.
type Func func(w Window) domain.Value

// Spec declares an indicator and its inputs.
type Spec struct {
	Name string
	// Reads lists raw fields or other indicators read for the same periods.
	Reads []string
	// Lookback is the number of periods in the window, current included.
	Lookback int
	// Recursive indicators also read their own value from the prior State.
	// They receive every window, even short or non-OK ones, and decide themselves.
	Recursive bool
	Compute   Func
}

// Pipeline is a validated, dependency-ordered set of indicators.
type Pipeline struct {
	specs []Spec // topological order
	index map[string]int
}

// NewPipeline validates specs and orders them by dependency. Duplicate names,
// unknown reads, non-positive lookbacks and dependency cycles are
// configuration errors.
func NewPipeline(specs ...Spec) (*Pipeline, error) {
	byName := make(map[string]int, len(specs))
	for i, s := range specs {
		if s.Name == "" || s.Compute == nil {
			return nil, domain.NewConfigurationError("indicator #%d needs a name and a compute func", i)
		}
		if domain.IsRawField(s.Name) {
			return nil, domain.NewConfigurationError("indicator %q shadows a raw field", s.Name)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, domain.NewConfigurationError("duplicate indicator %q", s.Name)
		}
		if s.Lookback < 1 {
			return nil, domain.NewConfigurationError("indicator %q: lookback must be >= 1", s.Name)
		}
		byName[s.Name] = i
	}

	// dependents[j] lists the indicators reading j for the same period_end
	indegree := make([]int, len(specs))
	dependents := make([][]int, len(specs))
	for i, s := range specs {
		for _, r := range s.Reads {
			if domain.IsRawField(r) {
				continue
			}
			j, ok := byName[r]
			if !ok {
				return nil, domain.NewConfigurationError("indicator %q reads unknown field %q", s.Name, r)
			}
			if j == i {
				if !s.Recursive {
					return nil, domain.NewConfigurationError("indicator %q reads itself but is not recursive", s.Name)
				}
				continue // own prior value, not a same-period dependency
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm, ties broken by declaration order for a stable order.
	var ready []int
	for i := range specs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	ordered := make([]Spec, 0, len(specs))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, specs[i])
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(ordered) != len(specs) {
		var cyclic []string
		for i, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, specs[i].Name)
			}
		}
		return nil, domain.NewConfigurationError("indicator dependency cycle among %s", strings.Join(cyclic, ", "))
	}

	p := &Pipeline{specs: ordered, index: make(map[string]int, len(ordered))}
	for i, s := range ordered {
		p.index[s.Name] = i
	}
	return p, nil
}

// Names returns indicator names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.specs))
	for i, s := range p.specs {
		names[i] = s.Name
	}
	return names
}

// Has reports whether name is an indicator of the pipeline.
func (p *Pipeline) Has(name string) bool {
	_, ok := p.index[name]
	return ok
}

// PriorNeeded returns how many prior States Compute needs to see.
func (p *Pipeline) PriorNeeded() int {
	n := 0
	for _, s := range p.specs {
		need := s.Lookback - 1
		if s.Recursive && need < 1 {
			need = 1
		}
		if need > n {
			n = need
		}
	}
	return n
}

// Compute fills current.Indicators with every indicator value.
// prior holds the States of the periods immediately preceding current in the
// same lineage, oldest first, with no missing period in between; callers cut
// it at a gap. Extra older entries are ignored. Compute is pure apart from
// writing into current.
func (p *Pipeline) Compute(current *domain.State, prior []*domain.State) map[string]domain.Value {
	if current.Indicators == nil {
		current.Indicators = make(map[string]domain.Value, len(p.specs))
	}
	if need := p.PriorNeeded(); len(prior) > need {
		prior = prior[len(prior)-need:]
	}
	rows := make([]*domain.State, 0, len(prior)+1)
	rows = append(rows, prior...)
	rows = append(rows, current)

	for _, s := range p.specs {
		w := newWindow(s, rows)
		var v domain.Value
		if s.Recursive || w.usable(s) {
			v = s.Compute(w)
		}
		current.Indicators[s.Name] = v
	}
	return current.Indicators
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(lookback=%d reads=%v recursive=%t)", s.Name, s.Lookback, s.Reads, s.Recursive)
}
