// ABOUTME: Declarative edge filters and the ordered chain that applies them
// ABOUTME: Suppresses syntactically strong edges that are known never to leak

// Package filter decides which extracted references are admitted to the
// reference graph.
package filter

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidFilter is wrapped by every validation failure
var ErrInvalidFilter = errors.New("invalid edge filter")

// Kind selects the shape of a filter
type Kind string

const (
	// KindField rejects one field of a class
	KindField Kind = "field"
	// KindFields rejects a set of fields of a class
	KindFields Kind = "fields"
	// KindFieldTarget rejects one field of a class when it points at a target class
	KindFieldTarget Kind = "field_target"
	// KindPredicate rejects whatever Predicate returns true for
	KindPredicate Kind = "predicate"
)

// Edge is what a filter sees of a candidate reference. Class lists are
// most derived first, so a filter on a class also matches its subclasses.
type Edge struct {
	SourceClasses []string
	// Field is the top-level field name, Label the full dotted name-path.
	Field         string
	Label         string
	TargetClasses []string
}

// Filter is one declarative rejection rule
type Filter struct {
	Kind        Kind     `yaml:"kind" json:"kind"`
	Class       string   `yaml:"class,omitempty" json:"class,omitempty"`
	Field       string   `yaml:"field,omitempty" json:"field,omitempty"`
	Fields      []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	TargetClass string   `yaml:"target_class,omitempty" json:"target_class,omitempty"`
	// Predicate is the escape hatch for rules that are not expressible as data.
	Predicate func(Edge) bool `yaml:"-" json:"-"`
}

// Field builds a filter rejecting cls.field
func Field(cls, field string) Filter {
	return Filter{Kind: KindField, Class: cls, Field: field}
}

// Fields builds a filter rejecting any of cls.fields
func Fields(cls string, fields ...string) Filter {
	return Filter{Kind: KindFields, Class: cls, Fields: fields}
}

// FieldTarget builds a filter rejecting cls.field when it points at target
func FieldTarget(cls, field, target string) Filter {
	return Filter{Kind: KindFieldTarget, Class: cls, Field: field, TargetClass: target}
}

// Predicate wraps an opaque rejection predicate
func Predicate(fn func(Edge) bool) Filter {
	return Filter{Kind: KindPredicate, Predicate: fn}
}

// Validate checks the filter is well formed
func (f Filter) Validate() error {
	switch f.Kind {
	case KindField:
		if f.Class == "" || f.Field == "" {
			return fmt.Errorf("%w: field filter needs class and field", ErrInvalidFilter)
		}
	case KindFields:
		if f.Class == "" || len(f.Fields) == 0 {
			return fmt.Errorf("%w: fields filter needs class and fields", ErrInvalidFilter)
		}
	case KindFieldTarget:
		if f.Class == "" || f.Field == "" || f.TargetClass == "" {
			return fmt.Errorf("%w: field_target filter needs class, field and target_class", ErrInvalidFilter)
		}
	case KindPredicate:
		if f.Predicate == nil {
			return fmt.Errorf("%w: predicate filter without predicate", ErrInvalidFilter)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, f.Kind)
	}
	return nil
}

// Rejects reports whether the filter rejects e
func (f Filter) Rejects(e Edge) bool {
	switch f.Kind {
	case KindField:
		return contains(e.SourceClasses, f.Class) && matchField(e, f.Field)
	case KindFields:
		if !contains(e.SourceClasses, f.Class) {
			return false
		}
		for _, field := range f.Fields {
			if matchField(e, field) {
				return true
			}
		}
		return false
	case KindFieldTarget:
		return contains(e.SourceClasses, f.Class) && matchField(e, f.Field) && contains(e.TargetClasses, f.TargetClass)
	case KindPredicate:
		return f.Predicate != nil && f.Predicate(e)
	default:
		return false
	}
}

func (f Filter) String() string {
	switch f.Kind {
	case KindField:
		return fmt.Sprintf("%s(%s.%s)", f.Kind, f.Class, f.Field)
	case KindFields:
		return fmt.Sprintf("%s(%s.%v)", f.Kind, f.Class, f.Fields)
	case KindFieldTarget:
		return fmt.Sprintf("%s(%s.%s -> %s)", f.Kind, f.Class, f.Field, f.TargetClass)
	default:
		return string(f.Kind)
	}
}

func matchField(e Edge, field string) bool {
	return e.Field == field || e.Label == field
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Chain applies filters in order; the first rejecting filter wins
type Chain struct {
	mu       sync.Mutex
	filters  []Filter
	rejected map[int]int
}

// NewChain validates filters and builds a chain
func NewChain(filters []Filter) (*Chain, error) {
	for i, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return &Chain{
		filters:  append([]Filter(nil), filters...),
		rejected: make(map[int]int),
	}, nil
}

// Len returns the number of filters
func (c *Chain) Len() int {
	return len(c.filters)
}

// Admit reports whether e may enter the graph
func (c *Chain) Admit(e Edge) bool {
	for i, f := range c.filters {
		if f.Rejects(e) {
			c.mu.Lock()
			c.rejected[i]++
			c.mu.Unlock()
			return false
		}
	}
	return true
}

// Rejected returns how many edges the chain has rejected
func (c *Chain) Rejected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.rejected {
		total += n
	}
	return total
}

// RejectedBy returns per-filter rejection counts keyed by filter description
func (c *Chain) RejectedBy() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.rejected))
	for i, n := range c.rejected {
		out[c.filters[i].String()] += n
	}
	return out
}
