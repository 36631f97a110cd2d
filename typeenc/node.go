// ABOUTME: Field tree produced by the type-encoding parser
// ABOUTME: Struct, primitive, object and closure nodes with name-paths and natural layout

package typeenc

import (
	"strconv"
	"strings"
)

// Kind classifies a parsed node
type Kind int

const (
	// KindPrimitive holds no owning reference (scalars, pointers, unions, bitfields)
	KindPrimitive Kind = iota
	// KindObject is an object reference
	KindObject
	// KindClosure is a closure reference
	KindClosure
	// KindStruct is a struct with ordered children
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindObject:
		return "object"
	case KindClosure:
		return "closure"
	case KindStruct:
		return "struct"
	default:
		return "unknown"
	}
}

// Node is one parsed type. Struct nodes hold their fields in declaration order.
type Node struct {
	Kind Kind
	// Name is the field name, empty when the encoding carries none.
	Name string
	// TypeName is the struct tag for structs and the class name for objects.
	TypeName string
	// Encoding is the raw encoding this node was parsed from.
	Encoding string
	// Path is the name-path from the root to this node.
	Path []string
	// Offset is the byte offset of this node from the start of the root.
	Offset uint64
	Size   uint64
	Align  uint64
	// Bits is the width of a bitfield. Adjacent bitfields share bytes.
	Bits   uint64
	Fields []*Node
}

// Label joins the name-path with dots
func (n *Node) Label() string {
	return strings.Join(n.Path, ".")
}

// Leaves returns every non-struct node in declaration order
func (n *Node) Leaves() []*Node {
	if n.Kind != KindStruct {
		return []*Node{n}
	}
	var out []*Node
	for _, f := range n.Fields {
		out = append(out, f.Leaves()...)
	}
	return out
}

// References returns the object and closure leaves
func (n *Node) References() []*Node {
	var out []*Node
	for _, leaf := range n.Leaves() {
		if leaf.Kind == KindObject || leaf.Kind == KindClosure {
			out = append(out, leaf)
		}
	}
	return out
}

func (n *Node) clone(name string) *Node {
	c := *n
	c.Name = name
	c.Path = nil
	if n.Fields != nil {
		c.Fields = make([]*Node, len(n.Fields))
		for i, f := range n.Fields {
			c.Fields[i] = f.clone(f.Name)
		}
	}
	return &c
}

// layout assigns offsets with natural alignment. Sizes of leaves are
// already set by the parser.
func (n *Node) layout(base uint64) {
	n.Offset = base
	if n.Kind == KindStruct {
		n.arrange(base, true)
	}
}

// measure computes size and alignment of a struct without assigning offsets
func (n *Node) measure() {
	if n.Kind == KindStruct {
		n.arrange(0, false)
	}
}

// arrange places the fields of a struct one after another. A run of
// bitfields is packed bit by bit and rounded up to whole bytes before the
// next field. Offsets are only written when assign is set.
func (n *Node) arrange(base uint64, assign bool) {
	off, bits := uint64(0), uint64(0)
	maxAlign := uint64(1)
	for _, f := range n.Fields {
		if f.Bits > 0 {
			if assign {
				f.layout(base + off + bits/8)
			}
			bits += f.Bits
			continue
		}
		off += (bits + 7) / 8
		bits = 0

		f.measure()
		off = alignUp(off, f.Align)
		if assign {
			f.layout(base + off)
		}
		off += f.Size
		if f.Align > maxAlign {
			maxAlign = f.Align
		}
	}
	off += (bits + 7) / 8
	n.Align = maxAlign
	n.Size = alignUp(off, maxAlign)
}

func (n *Node) assignPaths(parent []string, label string) {
	n.Path = make([]string, 0, len(parent)+1)
	n.Path = append(n.Path, parent...)
	if label != "" {
		n.Path = append(n.Path, label)
	}
	for i, f := range n.Fields {
		f.assignPaths(n.Path, f.label(i))
	}
}

func (n *Node) label(index int) string {
	switch {
	case n.Name != "":
		return n.Name
	case n.Kind == KindStruct && n.TypeName != "" && n.TypeName != "?":
		return n.TypeName
	default:
		return "[" + strconv.Itoa(index) + "]"
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + align - rem
	}
	return v
}
