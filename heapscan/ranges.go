// ABOUTME: Sorted index of in-use memory ranges
// ABOUTME: Answers which live range, if any, contains an address

package heapscan

import (
	"sort"

	"github.com/prateek/cyclelens/introspect"
)

// RangeIndex locates the in-use range containing an address
type RangeIndex struct {
	ranges []introspect.Range
	sorted bool
}

// Add records an in-use range
func (ix *RangeIndex) Add(r introspect.Range) {
	if r.Length == 0 {
		return
	}
	ix.ranges = append(ix.ranges, r)
	ix.sorted = false
}

// Len returns the number of ranges recorded
func (ix *RangeIndex) Len() int {
	return len(ix.ranges)
}

// Ranges returns the recorded ranges in address order
func (ix *RangeIndex) Ranges() []introspect.Range {
	ix.sort()
	return ix.ranges
}

func (ix *RangeIndex) sort() {
	if ix.sorted {
		return
	}
	sort.Slice(ix.ranges, func(i, j int) bool {
		return ix.ranges[i].Base < ix.ranges[j].Base
	})
	ix.sorted = true
}

// Find returns the range containing addr. Overlapping ranges resolve to
// the one with the highest base not above addr.
func (ix *RangeIndex) Find(addr introspect.Address) (introspect.Range, bool) {
	ix.sort()
	i := sort.Search(len(ix.ranges), func(i int) bool {
		return ix.ranges[i].Base > addr
	})
	if i == 0 {
		return introspect.Range{}, false
	}
	r := ix.ranges[i-1]
	if !r.Contains(addr) {
		return introspect.Range{}, false
	}
	return r, true
}
