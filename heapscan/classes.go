// ABOUTME: Table of every class known to the runtime, built once per pass
// ABOUTME: Answers class membership, names, sizes and ancestor chains without querying the host

package heapscan

import (
	"fmt"

	"github.com/prateek/cyclelens/introspect"
)

// ClassInfo is the snapshot of one class taken when the table is built
type ClassInfo struct {
	Class    introspect.Class
	Name     string
	Super    introspect.Class
	HasSuper bool
	Size     uint64
	Kind     introspect.ClassKind
}

// ClassTable holds every class of the runtime
type ClassTable struct {
	classes map[introspect.Class]*ClassInfo
}

// NewClassTable snapshots the classes exposed by model
func NewClassTable(model introspect.ObjectModel) (*ClassTable, error) {
	classes, err := model.Classes()
	if err != nil {
		return nil, fmt.Errorf("listing classes: %w", err)
	}

	t := &ClassTable{classes: make(map[introspect.Class]*ClassInfo, len(classes))}
	for _, c := range classes {
		info := &ClassInfo{
			Class: c,
			Name:  model.ClassName(c),
			Size:  model.InstanceSize(c),
			Kind:  model.Kind(c),
		}
		info.Super, info.HasSuper = model.Superclass(c)
		t.classes[c] = info
	}
	return t, nil
}

// Len returns the number of classes
func (t *ClassTable) Len() int {
	return len(t.classes)
}

// Lookup returns the snapshot of c
func (t *ClassTable) Lookup(c introspect.Class) (*ClassInfo, bool) {
	info, ok := t.classes[c]
	return info, ok
}

// Name returns the name of c, or "" when c is unknown
func (t *ClassTable) Name(c introspect.Class) string {
	if info, ok := t.classes[c]; ok {
		return info.Name
	}
	return ""
}

// Chain returns c followed by its known ancestors, most derived first
func (t *ClassTable) Chain(c introspect.Class) []introspect.Class {
	var chain []introspect.Class
	for info, ok := t.classes[c]; ok; info, ok = t.classes[info.Super] {
		chain = append(chain, info.Class)
		// A malformed hierarchy must not loop forever.
		if !info.HasSuper || len(chain) > len(t.classes) {
			break
		}
	}
	return chain
}

// ChainNames returns the names of Chain(c)
func (t *ClassTable) ChainNames(c introspect.Class) []string {
	chain := t.Chain(c)
	names := make([]string, len(chain))
	for i, cls := range chain {
		names[i] = t.classes[cls].Name
	}
	return names
}
