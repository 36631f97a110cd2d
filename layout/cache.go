// ABOUTME: Per-class and per-closure-shape strong layout cache
// ABOUTME: Entries are immutable once stored and only dropped by Reset

// Package layout computes the strong outgoing references of objects,
// closures and timers, caching the field templates per class and per
// closure descriptor.
package layout

import (
	"strings"
	"sync"

	"github.com/prateek/cyclelens/introspect"
)

// RefKind tells how a reference was found
type RefKind int

const (
	// RefIvar is an object field, directly or inside an embedded struct
	RefIvar RefKind = iota
	// RefClosure is a field or capture holding a closure
	RefClosure
	// RefCapture is an object captured by a closure
	RefCapture
	// RefByRef is an object captured through a forwarding cell
	RefByRef
	// RefTimer is held by a timer outside its field layout
	RefTimer
	// RefAssociation is attached through the association side channel
	RefAssociation
)

func (k RefKind) String() string {
	switch k {
	case RefIvar:
		return "ivar"
	case RefClosure:
		return "closure"
	case RefCapture:
		return "capture"
	case RefByRef:
		return "byref"
	case RefTimer:
		return "timer"
	case RefAssociation:
		return "association"
	default:
		return "unknown"
	}
}

// Slot is one strong reference position in a layout template
type Slot struct {
	Path   []string
	Offset uint64
	Kind   RefKind
}

// Label joins the slot's name-path with dots
func (s Slot) Label() string {
	return strings.Join(s.Path, ".")
}

// Stats counts layout computations
type Stats struct {
	ClassLayouts   int
	ClosureLayouts int
	Hits           int
	Misses         int
	// SkippedFields counts fields dropped because their encoding was malformed.
	SkippedFields int
	// NonStrongFields counts weak and unretained fields classified and dropped.
	NonStrongFields int
	// FailedClasses counts layouts that could not be computed and were not cached.
	FailedClasses int
}

// entry is a cached layout with the field counts seen while computing it
type entry struct {
	slots     []Slot
	skipped   int
	nonStrong int
}

// Cache holds strong layouts keyed by class and by closure descriptor
type Cache struct {
	mu       sync.RWMutex
	classes  map[introspect.Class]entry
	closures map[introspect.Address]entry
	stats    Stats
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		classes:  make(map[introspect.Class]entry),
		closures: make(map[introspect.Address]entry),
	}
}

// Reset drops every cached layout and zeroes the counters
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classes = make(map[introspect.Class]entry)
	c.closures = make(map[introspect.Address]entry)
	c.stats = Stats{}
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Len returns the number of cached class and closure layouts
func (c *Cache) Len() (classes, closures int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.classes), len(c.closures)
}

func (c *Cache) class(cls introspect.Class) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.classes[cls]
	c.count(ok)
	return e, ok
}

func (c *Cache) closure(id introspect.Address) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.closures[id]
	c.count(ok)
	return e, ok
}

func (c *Cache) count(hit bool) {
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}

// storeClass keeps the first layout stored for a class
func (c *Cache) storeClass(cls introspect.Class, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.classes[cls]; !exists {
		c.classes[cls] = e
	}
}

func (c *Cache) storeClosure(id introspect.Address, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.closures[id]; !exists {
		c.closures[id] = e
	}
}

func (c *Cache) update(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}
