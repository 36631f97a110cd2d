// ABOUTME: Host capability contracts consumed by the heap graph engine
// ABOUTME: Allocator, memory, object-model, closure, timer and association introspection

// Package introspect declares what the engine needs from the environment
// hosting the inspected process. Nothing here is implemented by the engine;
// heapimage and remote provide implementations.
package introspect

import "errors"

// ErrUnreadable is returned by Memory when an address cannot be read
var ErrUnreadable = errors.New("memory not readable")

// Address is a location in the inspected process
type Address uint64

// Range is an in-use memory range reported by an allocator zone
type Range struct {
	Base   Address
	Length uint64
}

// End returns the first address past the range
func (r Range) End() Address {
	return r.Base + Address(r.Length)
}

// Contains reports whether addr lies inside the range
func (r Range) Contains(addr Address) bool {
	return addr >= r.Base && addr < r.End()
}

// Zone identifies one allocator zone
type Zone struct {
	Name string
	ID   Address
	// Scratch marks the zone reserved for the engine's own bookkeeping.
	Scratch bool
}

// Allocator enumerates allocator zones and their in-use ranges
type Allocator interface {
	// Zones lists every zone known to the process
	Zones() ([]Zone, error)

	// EnumerateRanges calls visit once per in-use range of the zone
	EnumerateRanges(z Zone, visit func(Range)) error
}

// Memory reads raw words from the inspected process
type Memory interface {
	// PointerSize returns the machine word size in bytes (4 or 8)
	PointerSize() int

	// ReadWord reads one machine word at addr
	ReadWord(addr Address) (uint64, error)
}

// Class is the runtime identity of a class: the address of its class object
type Class Address

// ClassKind tells the engine how to extract references from instances
type ClassKind int

const (
	// KindObject instances are walked through their field layout
	KindObject ClassKind = iota
	// KindClosure instances are walked through their closure descriptor
	KindClosure
	// KindTimer instances are walked through their layout plus TimerInspector
	KindTimer
)

func (k ClassKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindClosure:
		return "closure"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Ownership is the qualifier of a field; only Strong fields become edges
type Ownership int

const (
	Strong Ownership = iota
	Weak
	Unretained
)

func (o Ownership) String() string {
	switch o {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	case Unretained:
		return "unretained"
	default:
		return "unknown"
	}
}

// Ivar describes one field declared directly on a class
type Ivar struct {
	Name      string
	Offset    uint64
	Encoding  string
	Ownership Ownership
}

// ObjectModel exposes class metadata of the inspected runtime
type ObjectModel interface {
	// Classes lists every class known to the runtime
	Classes() ([]Class, error)

	// ClassName returns the name of a class
	ClassName(c Class) string

	// Superclass returns the parent class, or false for a root class
	Superclass(c Class) (Class, bool)

	// InstanceSize returns the minimum instance size of a class
	InstanceSize(c Class) uint64

	// Kind classifies instances of the class
	Kind(c Class) ClassKind

	// Ivars returns the fields declared on c itself, not inherited ones
	Ivars(c Class) ([]Ivar, error)
}

// CaptureKind classifies one captured slot of a closure
type CaptureKind int

const (
	// CaptureObject is a strongly captured object
	CaptureObject CaptureKind = iota
	// CaptureClosure is a captured closure
	CaptureClosure
	// CaptureByRef points at a forwarding cell holding the real value
	CaptureByRef
	// CaptureWeak is a weakly captured object
	CaptureWeak
	// CaptureScalar holds no reference
	CaptureScalar
)

// Capture is one captured slot, at Offset from the closure start
type Capture struct {
	Name   string
	Offset uint64
	Kind   CaptureKind
}

// ClosureDescriptor is the metadata of a closure value
type ClosureDescriptor struct {
	// ID identifies the descriptor; closures sharing it share a layout.
	ID             Address
	Size           uint64
	HasCopyDispose bool
	IsGlobal       bool
	Captures       []Capture
}

// ClosureInspector reads closure descriptors
type ClosureInspector interface {
	Descriptor(addr Address) (ClosureDescriptor, error)
}

// TimerInspector exposes what a timer holds outside its field layout
type TimerInspector interface {
	TimerReferences(addr Address) (target, userInfo Address, err error)
}

// AssociationSource reports objects strongly attached to an object through
// a side-channel key-value mechanism
type AssociationSource interface {
	Associations(addr Address) []Address
}
