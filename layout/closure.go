// ABOUTME: Computes the strong capture layout of a closure from its descriptor
// ABOUTME: Resolves captures held through forwarding cells with one extra hop

package layout

import (
	"fmt"
	"strconv"

	"github.com/prateek/cyclelens/introspect"
)

// byrefHasCopyDispose is set in a forwarding cell's flags when the cell
// carries copy and dispose helpers ahead of the variable.
const byrefHasCopyDispose = 1 << 25

// closureLayout returns the strong capture slots of the closure at addr
func (x *Extractor) closureLayout(addr introspect.Address) ([]Slot, error) {
	if x.closures == nil {
		return nil, nil
	}
	desc, err := x.closures.Descriptor(addr)
	if err != nil {
		return nil, fmt.Errorf("closure descriptor at %#x: %w", uint64(addr), err)
	}

	id := desc.ID
	if id == 0 {
		id = addr
	}
	if x.opts.CacheLayouts {
		if e, ok := x.cache.closure(id); ok {
			x.countClosure(id, e)
			return e.slots, nil
		}
	}

	// Without copy and dispose helpers a closure owns none of its captures.
	var slots []Slot
	nonStrong := 0
	if desc.HasCopyDispose && !desc.IsGlobal {
		for i, cp := range desc.Captures {
			name := cp.Name
			if name == "" {
				name = "capture[" + strconv.Itoa(i) + "]"
			}
			slot := Slot{Path: []string{name}, Offset: cp.Offset}
			switch cp.Kind {
			case introspect.CaptureObject:
				slot.Kind = RefCapture
			case introspect.CaptureClosure:
				slot.Kind = RefClosure
			case introspect.CaptureByRef:
				slot.Kind = RefByRef
			case introspect.CaptureWeak:
				nonStrong++
				continue
			default:
				continue
			}
			slots = append(slots, slot)
		}
	}

	x.cache.update(func(s *Stats) {
		s.ClosureLayouts++
		s.NonStrongFields += nonStrong
	})
	e := entry{slots: slots, nonStrong: nonStrong}
	x.countClosure(id, e)
	if x.opts.CacheLayouts {
		x.cache.storeClosure(id, e)
	}
	return slots, nil
}

// readByRef follows a forwarding cell to the captured variable. The cell
// points at its current copy; the variable sits after the cell header
// (isa, forwarding, flags and size) and the optional helper pair.
func (x *Extractor) readByRef(cell introspect.Address) (introspect.Address, error) {
	ptr := introspect.Address(x.mem.PointerSize())

	fwd, err := x.mem.ReadWord(cell + ptr)
	if err != nil {
		return 0, fmt.Errorf("forwarding pointer of cell %#x: %w", uint64(cell), err)
	}
	forwarding := introspect.Address(fwd)
	if forwarding == 0 {
		forwarding = cell
	}

	flags, err := x.mem.ReadWord(forwarding + 2*ptr)
	if err != nil {
		return 0, fmt.Errorf("flags of cell %#x: %w", uint64(forwarding), err)
	}
	offset := 2*ptr + 8
	if uint32(flags)&byrefHasCopyDispose != 0 {
		offset += 2 * ptr
	}

	v, err := x.mem.ReadWord(forwarding + offset)
	if err != nil {
		return 0, fmt.Errorf("variable of cell %#x: %w", uint64(forwarding), err)
	}
	return introspect.Address(v), nil
}
