// ABOUTME: Recursive-descent parser for structural type-encoding strings
// ABOUTME: Produces a Node tree; malformed input yields the partial tree plus a scoped ParseError

// Package typeenc parses the type encodings the runtime attaches to fields.
//
// Grammar accepted:
//
//	type    := qualifier* ( struct | union | array | pointer | object | bitfield | primitive )
//	struct  := '{' tag ( '}' | '=' field* '}' )
//	union   := '(' tag ( ')' | '=' field* ')' )
//	field   := [ '"' name '"' ] type
//	array   := '[' digits ( type | array ) ']'
//	pointer := '^' ( '?' | type )
//	object  := '@' [ '?' [ '<' ... '>' ] | '"' class '"' ]
//
// Struct and union bodies either name every field or none.
package typeenc

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrMalformedEncoding is wrapped by every ParseError
var ErrMalformedEncoding = errors.New("malformed type encoding")

// maxArrayExpansion bounds how many entries an array expands into.
// Larger arrays of primitives collapse into one opaque leaf.
const maxArrayExpansion = 1 << 12

// ParseError reports where an encoding stopped making sense
type ParseError struct {
	Encoding string
	Offset   int
	Msg      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed type encoding %q at offset %d: %s", e.Encoding, e.Offset, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformedEncoding
}

// Parser parses encodings for a given pointer size
type Parser struct {
	PointerSize uint64
}

// DefaultParser assumes a 64-bit target
var DefaultParser = Parser{PointerSize: 8}

// Parse parses enc with the default 64-bit parser
func Parse(enc string) (*Node, error) {
	return DefaultParser.ParseNamed(enc, "")
}

// ParseNamed parses enc with the default parser, naming the root node
func ParseNamed(enc, name string) (*Node, error) {
	return DefaultParser.ParseNamed(enc, name)
}

// Parse parses a single type encoding
func (ps Parser) Parse(enc string) (*Node, error) {
	return ps.ParseNamed(enc, "")
}

// ParseNamed parses a single type encoding whose root is called name (for
// example the field holding the struct). On malformed input the returned
// node holds every field parsed before the failure and err is a *ParseError.
// The returned node is nil only when nothing could be parsed at all.
func (ps Parser) ParseNamed(enc, name string) (*Node, error) {
	ptr := ps.PointerSize
	if ptr == 0 {
		ptr = 8
	}
	p := &parser{src: enc, ptr: ptr}

	var root *Node
	var err error
	label := name
	if strings.HasPrefix(enc, "[") {
		// Entries of a top-level array carry the field name themselves.
		root = &Node{Kind: KindStruct, Name: name}
		var entries []*Node
		entries, err = p.parseArray(name, false)
		root.Fields = entries
		label = ""
	} else {
		root, err = p.parseType(name, false)
	}
	if err == nil && p.pos != len(p.src) {
		err = p.errorf("trailing characters %q", p.src[p.pos:])
	}
	if root == nil {
		return nil, err
	}

	root.Encoding = enc
	if label == "" && root.Name == "" {
		label = root.TypeName
	}
	root.assignPaths(nil, label)
	root.measure()
	root.layout(0)
	return root, err
}

type parser struct {
	src string
	pos int
	ptr uint64
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &ParseError{Encoding: p.src, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

// skipQualifiers consumes const/in/out/byref/oneway/atomic/complex markers
func (p *parser) skipQualifiers() {
	for !p.eof() && strings.IndexByte("rnNoORVAj", p.src[p.pos]) >= 0 {
		p.pos++
	}
}

// parseType parses one type. named tells whether the enclosing aggregate
// names its fields, which decides how a quoted string after '@' is read.
func (p *parser) parseType(name string, named bool) (*Node, error) {
	start := p.pos
	p.skipQualifiers()
	if p.eof() {
		return nil, p.errorf("unexpected end of encoding")
	}

	switch c := p.src[p.pos]; c {
	case '{':
		return p.parseAggregate(name, '{', '}')
	case '(':
		return p.parseAggregate(name, '(', ')')
	case '[':
		return nil, p.errorf("array not allowed here")
	case '^':
		p.pos++
		switch p.peek() {
		case '?':
			p.pos++
		case '[':
			if _, err := p.parseArray("", false); err != nil {
				return nil, err
			}
		default:
			if _, err := p.parseType("", false); err != nil {
				return nil, err
			}
		}
		return p.leaf(KindPrimitive, name, start, p.ptr, p.ptr), nil
	case '@':
		p.pos++
		if p.peek() == '?' {
			p.pos++
			if p.peek() == '<' {
				if err := p.skipSignature(); err != nil {
					return nil, err
				}
			}
			return p.leaf(KindClosure, name, start, p.ptr, p.ptr), nil
		}
		node := p.leaf(KindObject, name, start, p.ptr, p.ptr)
		if p.peek() == '"' && p.quotedIsClassName(named) {
			cls, err := p.quoted()
			if err != nil {
				return nil, err
			}
			node.TypeName = cls
			node.Encoding = p.src[start:p.pos]
		}
		return node, nil
	case 'b':
		p.pos++
		bits, err := p.digits("bitfield without width")
		if err != nil {
			return nil, err
		}
		// A zero-width bitfield only ends the current run.
		node := p.leaf(KindPrimitive, name, start, (bits+7)/8, 1)
		node.Bits = bits
		return node, nil
	default:
		size, ok := p.primitiveSize(c)
		if !ok {
			return nil, p.errorf("unknown type code %q", c)
		}
		p.pos++
		return p.leaf(KindPrimitive, name, start, size, maxU(size, 1)), nil
	}
}

func (p *parser) leaf(kind Kind, name string, start int, size, align uint64) *Node {
	return &Node{
		Kind:     kind,
		Name:     name,
		Encoding: p.src[start:p.pos],
		Size:     size,
		Align:    align,
	}
}

func (p *parser) primitiveSize(c byte) (uint64, bool) {
	switch c {
	case 'c', 'C', 'B':
		return 1, true
	case 's', 'S':
		return 2, true
	case 'i', 'I', 'f', 'l', 'L':
		return 4, true
	case 'q', 'Q', 'd':
		return 8, true
	case 'D', 't', 'T':
		return 16, true
	case 'v':
		return 0, true
	case '*', '#', ':', '?':
		return p.ptr, true
	default:
		return 0, false
	}
}

// parseAggregate parses a struct or union body. A union is parsed fully so
// that its extent is known, then collapsed into one opaque leaf.
func (p *parser) parseAggregate(name string, open, close byte) (*Node, error) {
	start := p.pos
	p.pos++

	tagStart := p.pos
	for !p.eof() && p.src[p.pos] != '=' && p.src[p.pos] != close {
		if p.src[p.pos] == open || p.src[p.pos] == '"' {
			return nil, p.errorf("unexpected %q in aggregate tag", p.src[p.pos])
		}
		p.pos++
	}
	node := &Node{Kind: KindStruct, Name: name, TypeName: p.src[tagStart:p.pos]}
	if p.eof() {
		return node, p.errorf("unterminated aggregate %q", node.TypeName)
	}
	if p.src[p.pos] == close {
		p.pos++
		node.Encoding = p.src[start:p.pos]
		return p.finishAggregate(node, open), nil
	}
	p.pos++ // '='

	named := p.peek() == '"'
	for {
		if p.eof() {
			return node, p.errorf("unterminated aggregate %q", node.TypeName)
		}
		if p.src[p.pos] == close {
			p.pos++
			break
		}

		fieldName := ""
		if named {
			if p.peek() != '"' {
				return node, p.errorf("expected field name in %q", node.TypeName)
			}
			var err error
			if fieldName, err = p.quoted(); err != nil {
				return node, err
			}
		}

		if p.peek() == '[' {
			entries, err := p.parseArray(fieldName, named)
			if err != nil {
				return node, err
			}
			node.Fields = append(node.Fields, entries...)
			continue
		}

		child, err := p.parseType(fieldName, named)
		if err != nil {
			return node, err
		}
		node.Fields = append(node.Fields, child)
	}

	node.Encoding = p.src[start:p.pos]
	return p.finishAggregate(node, open), nil
}

func (p *parser) finishAggregate(node *Node, open byte) *Node {
	if open != '(' {
		return node
	}
	// Objects inside a union are never owned by the enclosing instance.
	var size, align uint64 = 0, 1
	for _, f := range node.Fields {
		f.measure()
		size = maxU(size, f.Size)
		align = maxU(align, f.Align)
	}
	node.Kind = KindPrimitive
	node.Fields = nil
	node.Size = alignUp(size, align)
	node.Align = align
	return node
}

// parseArray parses '[' count type ']' into count entries named name[i].
// Nested arrays are flattened, so entries of [2[3@]] are named name[i][j].
func (p *parser) parseArray(name string, named bool) ([]*Node, error) {
	start := p.pos
	p.pos++ // '['
	count, err := p.digits("array without element count")
	if err != nil {
		return nil, err
	}

	var elems []*Node
	if p.peek() == '[' {
		if elems, err = p.parseArray("", named); err != nil {
			return nil, err
		}
	} else {
		elem, err := p.parseType("", named)
		if err != nil {
			return nil, err
		}
		elems = []*Node{elem}
	}
	if p.peek() != ']' {
		return nil, p.errorf("unterminated array")
	}
	p.pos++
	if count == 0 || len(elems) == 0 {
		return nil, nil
	}

	elem := &Node{Kind: KindStruct, Fields: elems}
	elem.measure()

	if count > maxArrayExpansion/uint64(len(elems)) {
		if len(elem.References()) > 0 {
			return nil, p.errorf("array of %d references too large to expand", count)
		}
		if elem.Size > 0 && count > math.MaxUint64/elem.Size {
			return nil, p.errorf("array of %d entries overflows", count)
		}
		return []*Node{{
			Kind:     KindPrimitive,
			Name:     name,
			Encoding: p.src[start:p.pos],
			Size:     count * elem.Size,
			Align:    elem.Align,
		}}, nil
	}

	entries := make([]*Node, 0, count*uint64(len(elems)))
	for i := uint64(0); i < count; i++ {
		for _, e := range elems {
			entries = append(entries, e.clone(fmt.Sprintf("%s[%d]%s", name, i, e.Name)))
		}
	}
	return entries, nil
}

// digits reads a decimal number; missing is the error message when there is none
func (p *parser) digits(missing string) (uint64, error) {
	start := p.pos
	var n uint64
	for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		d := uint64(p.src[p.pos] - '0')
		if n > (math.MaxUint64-d)/10 {
			return 0, p.errorf("number overflows 64 bits")
		}
		n = n*10 + d
		p.pos++
	}
	if p.pos == start {
		return 0, p.errorf("%s", missing)
	}
	return n, nil
}

func (p *parser) quoted() (string, error) {
	p.pos++ // opening quote
	end := strings.IndexByte(p.src[p.pos:], '"')
	if end < 0 {
		return "", p.errorf("unterminated quoted name")
	}
	s := p.src[p.pos : p.pos+end]
	p.pos += end + 1
	return s, nil
}

// quotedIsClassName resolves `@"X"`: in a named aggregate the quoted string
// may instead be the name of the next field. It is a class name only when
// followed by the end of input, a closing bracket or another quote.
func (p *parser) quotedIsClassName(named bool) bool {
	if !named {
		return true
	}
	end := strings.IndexByte(p.src[p.pos+1:], '"')
	if end < 0 {
		return false
	}
	after := p.pos + 1 + end + 1
	if after >= len(p.src) {
		return true
	}
	switch p.src[after] {
	case '}', ')', '"':
		return true
	}
	return false
}

func (p *parser) skipSignature() error {
	depth := 0
	for !p.eof() {
		switch p.src[p.pos] {
		case '<':
			depth++
		case '>':
			depth--
			if depth == 0 {
				p.pos++
				return nil
			}
		}
		p.pos++
	}
	return p.errorf("unterminated closure signature")
}

func maxU(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
