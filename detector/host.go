// ABOUTME: Host capability bundle consumed by the detector
// ABOUTME: Required allocator, memory and object model plus optional closure, timer and association sources

package detector

import (
	"fmt"

	"github.com/prateek/cyclelens/introspect"
)

// Host bundles the introspection capabilities of the inspected process
type Host struct {
	Allocator introspect.Allocator
	Memory    introspect.Memory
	Model     introspect.ObjectModel

	// Optional; a nil source contributes no references.
	Closures     introspect.ClosureInspector
	Timers       introspect.TimerInspector
	Associations introspect.AssociationSource
}

// HostOf builds a Host from a value implementing the required interfaces,
// picking up whichever optional ones it also implements
func HostOf(v interface{}) (Host, error) {
	var h Host
	var ok bool
	if h.Allocator, ok = v.(introspect.Allocator); !ok {
		return Host{}, fmt.Errorf("%w: %T does not enumerate allocator zones", ErrInvalidConfiguration, v)
	}
	if h.Memory, ok = v.(introspect.Memory); !ok {
		return Host{}, fmt.Errorf("%w: %T does not read memory", ErrInvalidConfiguration, v)
	}
	if h.Model, ok = v.(introspect.ObjectModel); !ok {
		return Host{}, fmt.Errorf("%w: %T does not expose an object model", ErrInvalidConfiguration, v)
	}
	h.Closures, _ = v.(introspect.ClosureInspector)
	h.Timers, _ = v.(introspect.TimerInspector)
	h.Associations, _ = v.(introspect.AssociationSource)
	return h, nil
}

func (h Host) validate() error {
	switch {
	case h.Allocator == nil:
		return fmt.Errorf("%w: host has no allocator", ErrInvalidConfiguration)
	case h.Memory == nil:
		return fmt.Errorf("%w: host has no memory reader", ErrInvalidConfiguration)
	case h.Model == nil:
		return fmt.Errorf("%w: host has no object model", ErrInvalidConfiguration)
	}
	if ps := h.Memory.PointerSize(); ps != 4 && ps != 8 {
		return fmt.Errorf("%w: unsupported pointer size %d", ErrInvalidConfiguration, ps)
	}
	return nil
}
