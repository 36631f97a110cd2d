// ABOUTME: Computes the strong field layout of a class and its ancestors
// ABOUTME: Unpacks embedded structs and drops weak and unretained fields

package layout

import (
	"fmt"

	"github.com/prateek/cyclelens/introspect"
	"github.com/prateek/cyclelens/typeenc"
)

// classLayout returns the strong slots of cls, most derived class first
func (x *Extractor) classLayout(cls introspect.Class) ([]Slot, error) {
	if x.opts.CacheLayouts {
		if e, ok := x.cache.class(cls); ok {
			x.countClass(cls, e)
			return e.slots, nil
		}
	}

	var slots []Slot
	var skipped, nonStrong int
	for _, c := range x.table.Chain(cls) {
		ivars, err := x.model.Ivars(c)
		if err != nil {
			x.cache.update(func(s *Stats) { s.FailedClasses++ })
			return nil, fmt.Errorf("ivars of %s: %w", x.table.Name(c), err)
		}
		for _, iv := range ivars {
			if iv.Ownership != introspect.Strong {
				nonStrong++
				continue
			}
			fieldSlots, err := x.ivarSlots(iv)
			if err != nil {
				skipped++
				x.logger.Debug("layout.field_skipped",
					"class", x.table.Name(c), "ivar", iv.Name, "error", err)
			}
			slots = append(slots, fieldSlots...)
		}
	}

	x.cache.update(func(s *Stats) {
		s.ClassLayouts++
		s.SkippedFields += skipped
		s.NonStrongFields += nonStrong
	})
	e := entry{slots: slots, skipped: skipped, nonStrong: nonStrong}
	x.countClass(cls, e)
	if x.opts.CacheLayouts {
		x.cache.storeClass(cls, e)
	}
	return slots, nil
}

// ivarSlots parses one ivar encoding. On a malformed encoding the
// references parsed before the failure are still returned.
func (x *Extractor) ivarSlots(iv introspect.Ivar) ([]Slot, error) {
	node, err := x.parser.ParseNamed(iv.Encoding, iv.Name)
	if node == nil {
		return nil, err
	}

	var slots []Slot
	for _, ref := range node.References() {
		kind := RefIvar
		if ref.Kind == typeenc.KindClosure {
			kind = RefClosure
		}
		slots = append(slots, Slot{
			Path:   ref.Path,
			Offset: iv.Offset + ref.Offset,
			Kind:   kind,
		})
	}
	return slots, err
}
