// ABOUTME: Decides whether a memory range is a legitimate managed object
// ABOUTME: Reads raw words only and never calls behaviour on a candidate

package heapscan

import (
	"github.com/prateek/cyclelens/introspect"
)

// RecognizeStats counts recognizer outcomes
type RecognizeStats struct {
	Recognized   int
	Unrecognized int
	Unreadable   int
}

// Recognizer validates candidate ranges against a class table
type Recognizer struct {
	mem   introspect.Memory
	table *ClassTable
	index *RangeIndex
	// isaMask is applied to the first word before the class lookup.
	isaMask uint64
	stats   RecognizeStats
}

// NewRecognizer creates a recognizer. A zero isaMask keeps every bit.
func NewRecognizer(mem introspect.Memory, table *ClassTable, index *RangeIndex, isaMask uint64) *Recognizer {
	if isaMask == 0 {
		isaMask = ^uint64(0)
	}
	return &Recognizer{mem: mem, table: table, index: index, isaMask: isaMask}
}

// Stats returns the outcome counters
func (r *Recognizer) Stats() RecognizeStats {
	return r.stats
}

// Table returns the class table the recognizer resolves against
func (r *Recognizer) Table() *ClassTable {
	return r.table
}

// Recognize resolves the class of the object starting at rng.Base. Checks
// run in order: the first word names a known class, the range is large
// enough for it, the range lies inside an in-use range, and both the
// object and class pointers are word-aligned.
func (r *Recognizer) Recognize(rng introspect.Range) (introspect.Class, bool) {
	cls, ok := r.recognize(rng)
	if ok {
		r.stats.Recognized++
	} else {
		r.stats.Unrecognized++
	}
	return cls, ok
}

func (r *Recognizer) recognize(rng introspect.Range) (introspect.Class, bool) {
	word, err := r.mem.ReadWord(rng.Base)
	if err != nil {
		r.stats.Unreadable++
		return 0, false
	}
	cls := introspect.Class(word & r.isaMask)

	info, ok := r.table.Lookup(cls)
	if !ok {
		return 0, false
	}
	if rng.Length < info.Size {
		return 0, false
	}
	live, ok := r.index.Find(rng.Base)
	if !ok || rng.End() > live.End() {
		return 0, false
	}

	align := uint64(r.mem.PointerSize())
	if uint64(rng.Base)%align != 0 || uint64(cls)%align != 0 {
		return 0, false
	}
	return cls, true
}

// RecognizeAddress resolves the class of an edge target. The candidate
// extends from addr to the end of the in-use range containing it.
func (r *Recognizer) RecognizeAddress(addr introspect.Address) (introspect.Class, introspect.Range, bool) {
	live, ok := r.index.Find(addr)
	if !ok {
		r.stats.Unrecognized++
		return 0, introspect.Range{}, false
	}
	rng := introspect.Range{Base: addr, Length: uint64(live.End() - addr)}
	cls, ok := r.Recognize(rng)
	return cls, rng, ok
}
