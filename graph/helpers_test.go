// ABOUTME: Shared helpers for graph tests
// ABOUTME: Builds references labelled after their target

package graph

import "strconv"

// ref builds a reference labelled "_<target>"
func ref(target ObjID) Ref {
	return Ref{Label: "_" + strconv.FormatUint(uint64(target), 10), Target: target}
}

func refs(targets ...ObjID) []Ref {
	if len(targets) == 0 {
		return nil
	}
	out := make([]Ref, len(targets))
	for i, id := range targets {
		out[i] = ref(id)
	}
	return out
}

// graphOf builds a graph where each listed edge is one reference
func graphOf(edges map[ObjID][]ObjID) *MemGraph {
	g := NewMemGraph()
	for id, targets := range edges {
		g.AddObject(&Object{ID: id, Size: 16, Refs: refs(targets...)})
	}
	return g
}
