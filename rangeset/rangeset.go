// Package rangeset implements a mergeable set of half-open position ranges
// (component G), used by the controller to schedule catch-up replies for a
// peer that reports missing data.
package rangeset

import (
	"sort"
	"sync"

	"github.com/quorumkv/raftlog/types"
)

// Range is a half-open interval [Start, End).
type Range struct {
	Start, End types.Position
}

func (r Range) Len() types.Position { return r.End - r.Start }

func (r Range) overlapsOrAdjoins(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Set is a synchronized, coalescing collection of half-open ranges.
type Set struct {
	mu     sync.Mutex
	ranges []Range // sorted, non-overlapping, non-adjacent
}

// New returns an empty range set.
func New() *Set { return &Set{} }

// Add merges [start, end) into the set, coalescing with any overlapping or
// adjacent ranges already present.
func (s *Set) Add(start, end types.Position) {
	if end <= start {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = merge(s.ranges, Range{Start: start, End: end})
}

func merge(ranges []Range, r Range) []Range {
	out := make([]Range, 0, len(ranges)+1)
	inserted := false
	for _, cur := range ranges {
		if !inserted && r.overlapsOrAdjoins(cur) {
			if cur.Start < r.Start {
				r.Start = cur.Start
			}
			if cur.End > r.End {
				r.End = cur.End
			}
			continue
		}
		if !inserted && cur.Start > r.End {
			out = append(out, r)
			inserted = true
		}
		out = append(out, cur)
	}
	if !inserted {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return coalesce(out)
}

// coalesce collapses any ranges left overlapping or adjacent after a sort,
// which can happen when the newly merged range bridges two previously
// disjoint ones.
func coalesce(sorted []Range) []Range {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, cur := range sorted[1:] {
		last := &out[len(out)-1]
		if cur.Start <= last.End {
			if cur.End > last.End {
				last.End = cur.End
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}

// Remove subtracts [start, end) from every range in the set, splitting
// ranges as needed. Used once a requested range has been serviced.
func (s *Set) Remove(start, end types.Position) {
	if end <= start {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Range, 0, len(s.ranges))
	for _, cur := range s.ranges {
		if end <= cur.Start || start >= cur.End {
			out = append(out, cur)
			continue
		}
		if start > cur.Start {
			out = append(out, Range{Start: cur.Start, End: start})
		}
		if end < cur.End {
			out = append(out, Range{Start: end, End: cur.End})
		}
	}
	s.ranges = out
}

// Next returns the lowest-start range still pending, and whether one exists.
func (s *Set) Next() (Range, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) == 0 {
		return Range{}, false
	}
	return s.ranges[0], true
}

// Ranges returns a sorted snapshot of all pending ranges.
func (s *Set) Ranges() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Empty reports whether the set holds no pending ranges.
func (s *Set) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ranges) == 0
}

// Clear removes every pending range.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = nil
}
