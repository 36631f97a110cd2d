// ABOUTME: Core data types for the strong reference graph
// ABOUTME: Defines Object, Ref, ObjID, and Roots structures

package graph

// ObjID identifies a heap object by its address in the inspected process
type ObjID uint64

// NodeKind tells what kind of heap value a node is
type NodeKind int

const (
	KindObject NodeKind = iota
	KindClosure
	KindTimer
)

func (k NodeKind) String() string {
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

// Ref is one admitted strong reference
type Ref struct {
	Label  string // Dotted name-path of the holding field
	Target ObjID
}

// Object represents a single heap object. It holds the object's address,
// never a reference to the object itself.
type Object struct {
	ID         ObjID    // Address of the object
	Type       string   // Class name
	Class      uint64   // Class identity
	Kind       NodeKind // Object, closure or timer
	Size       uint64   // Size in bytes
	Path       []string // Labels by which the node was first reached from a seed
	Generation uint64   // Pass that produced the node
	Refs       []Ref    // Outgoing strong references
}

// Targets returns the target of every outgoing reference
func (o *Object) Targets() []ObjID {
	out := make([]ObjID, len(o.Refs))
	for i, r := range o.Refs {
		out[i] = r.Target
	}
	return out
}

// Roots represents the set of root candidates
type Roots struct {
	IDs []ObjID // Object IDs that are roots
}
