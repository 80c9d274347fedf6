package membership

import (
	"math"
	"sort"

	"universe-state/internal/domain"
)

const openEnd = int64(math.MaxInt64)

type span struct {
	start, end int64 // unix nanos, [start, end)
	iv         *domain.MembershipInterval
}

// node holds every span containing center. Spans ending at or before
// center live in left, spans starting after it in right.
type node struct {
	center  int64
	byStart []span // ascending start
	byEnd   []span // descending end
	left    *node
	right   *node
}

// intervalTree is a static centered interval tree. A point query visits
// O(log n) nodes plus the spans it reports.
type intervalTree struct {
	root *node
	size int
}

func newIntervalTree(intervals []*domain.MembershipInterval) *intervalTree {
	spans := make([]span, 0, len(intervals))
	for _, iv := range intervals {
		s := toSpan(iv)
		if s.start >= s.end {
			continue // empty intervals contain no instant
		}
		spans = append(spans, s)
	}
	return &intervalTree{root: build(spans), size: len(spans)}
}

func toSpan(iv *domain.MembershipInterval) span {
	end := openEnd
	if iv.EndAt != nil {
		end = iv.EndAt.UnixNano()
	}
	return span{start: iv.StartAt.UnixNano(), end: end, iv: iv}
}

func build(spans []span) *node {
	if len(spans) == 0 {
		return nil
	}

	starts := make([]int64, len(spans))
	for i, s := range spans {
		starts[i] = s.start
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	// A span starting at the center always contains it, so every node is non-empty.
	center := starts[len(starts)/2]

	n := &node{center: center}
	var left, right []span
	for _, s := range spans {
		switch {
		case s.end <= center:
			left = append(left, s)
		case s.start > center:
			right = append(right, s)
		default:
			n.byStart = append(n.byStart, s)
		}
	}

	n.byEnd = append([]span(nil), n.byStart...)
	sort.Slice(n.byStart, func(i, j int) bool { return n.byStart[i].start < n.byStart[j].start })
	sort.Slice(n.byEnd, func(i, j int) bool { return n.byEnd[i].end > n.byEnd[j].end })

	n.left = build(left)
	n.right = build(right)
	return n
}

// stab calls fn for every span containing t.
func (tr *intervalTree) stab(t int64, fn func(*domain.MembershipInterval)) {
	for n := tr.root; n != nil; {
		if t < n.center {
			for _, s := range n.byStart {
				if s.start > t {
					break
				}
				fn(s.iv)
			}
			n = n.left
			continue
		}
		for _, s := range n.byEnd {
			if s.end <= t {
				break
			}
			fn(s.iv)
		}
		n = n.right
	}
}
