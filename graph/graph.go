// ABOUTME: Graph interface and in-memory implementation
// ABOUTME: Provides methods for storing and querying strong reference graphs

package graph

import (
	"sort"
	"sync"
)

// Graph represents a strong reference graph
type Graph interface {
	// AddObject adds an object to the graph
	AddObject(obj *Object)

	// GetObject retrieves an object by ID
	GetObject(id ObjID) *Object

	// NumObjects returns the total number of objects
	NumObjects() int

	// ForEachObject iterates over all objects
	ForEachObject(fn func(*Object))

	// SetRoots sets the root candidates
	SetRoots(roots Roots)

	// GetRoots returns the root candidates
	GetRoots() Roots
}

// MemGraph is an in-memory implementation of Graph
type MemGraph struct {
	mu      sync.RWMutex
	objects map[ObjID]*Object
	roots   Roots
}

// NewMemGraph creates a new in-memory graph
func NewMemGraph() *MemGraph {
	return &MemGraph{
		objects: make(map[ObjID]*Object),
	}
}

// AddObject adds an object to the graph
func (g *MemGraph) AddObject(obj *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[obj.ID] = obj
}

// GetObject retrieves an object by ID
func (g *MemGraph) GetObject(id ObjID) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[id]
}

// NumObjects returns the total number of objects
func (g *MemGraph) NumObjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

// ForEachObject iterates over all objects
func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, obj := range g.objects {
		fn(obj)
	}
}

// SetRoots sets the root candidates
func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = roots
}

// GetRoots returns the root candidates
func (g *MemGraph) GetRoots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots
}

// SortedIDs returns every object ID in ascending address order
func SortedIDs(g Graph) []ObjID {
	ids := make([]ObjID, 0, g.NumObjects())
	g.ForEachObject(func(obj *Object) {
		ids = append(ids, obj.ID)
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// adjacency returns the edges between objects present in g, keeping only
// the first edge per target
func adjacency(g Graph) map[ObjID][]ObjID {
	objects := make([]*Object, 0, g.NumObjects())
	g.ForEachObject(func(obj *Object) {
		objects = append(objects, obj)
	})
	present := make(map[ObjID]bool, len(objects))
	for _, obj := range objects {
		present[obj.ID] = true
	}

	adj := make(map[ObjID][]ObjID, len(objects))
	for _, obj := range objects {
		var out []ObjID
		seen := make(map[ObjID]bool, len(obj.Refs))
		for _, r := range obj.Refs {
			if seen[r.Target] || !present[r.Target] {
				continue
			}
			seen[r.Target] = true
			out = append(out, r.Target)
		}
		adj[obj.ID] = out
	}
	return adj
}
