// ABOUTME: Calculates retained memory sizes using dominator tree analysis
// ABOUTME: Covers single objects and whole cycles collapsed into one node
package graph

// setNode stands in for a collapsed set of objects
const setNode = ^ObjID(0)

// RetainedSize computes the retained size for each reachable object in the graph.
// The retained size of an object is the total size of all objects that would be
// released if that object were removed. This is computed using the
// dominator tree: an object retains all objects it dominates.
// Returns a map from object ID to its retained size in bytes.
func RetainedSize(g Graph) map[ObjID]uint64 {
	tree := DominatorTree(Dominators(g))
	sizes := objectSizes(g)

	retained := make(map[ObjID]uint64)
	for nodeID := range tree {
		retainedOf(nodeID, tree, sizes, retained)
	}
	delete(retained, superRoot)

	return retained
}

// RetainedSizeSubsets computes retained sizes for a specific subset of objects.
// This is more efficient than computing all retained sizes when you only need
// a few specific objects.
func RetainedSizeSubsets(g Graph, targetIDs []ObjID) map[ObjID]uint64 {
	if len(targetIDs) == 0 {
		return make(map[ObjID]uint64)
	}

	tree := DominatorTree(Dominators(g))
	sizes := objectSizes(g)

	result := make(map[ObjID]uint64)
	computed := make(map[ObjID]uint64)
	for _, targetID := range targetIDs {
		if _, exists := sizes[targetID]; exists && targetID != superRoot {
			result[targetID] = retainedOf(targetID, tree, sizes, computed)
		}
	}

	return result
}

// RetainedBySet computes the bytes kept alive solely by members as a whole:
// the members themselves plus everything only reachable through them. The
// members are collapsed into one node that is treated as a root next to the
// graph's own roots.
func RetainedBySet(g Graph, members []ObjID) uint64 {
	tree, sizes, ok := collapsedTree(g, members)
	if !ok {
		return 0
	}
	return retainedOf(setNode, tree, sizes, make(map[ObjID]uint64))
}

// KeptAliveBySet returns the objects outside members that are only
// reachable through them
func KeptAliveBySet(g Graph, members []ObjID) []ObjID {
	tree, _, ok := collapsedTree(g, members)
	if !ok {
		return nil
	}
	kept := DominatedBy(tree, setNode)
	return kept[:len(kept)-1] // setNode sorts last
}

// collapsedTree builds the dominator tree of g with members merged into
// setNode
func collapsedTree(g Graph, members []ObjID) (map[ObjID][]ObjID, map[ObjID]uint64, bool) {
	inSet := make(map[ObjID]bool, len(members))
	for _, id := range members {
		if g.GetObject(id) != nil {
			inSet[id] = true
		}
	}
	if len(inSet) == 0 {
		return nil, nil, false
	}
	collapse := func(id ObjID) ObjID {
		if inSet[id] {
			return setNode
		}
		return id
	}

	adj := make(map[ObjID][]ObjID)
	for from, targets := range adjacency(g) {
		src := collapse(from)
		for _, to := range targets {
			if dst := collapse(to); dst != src {
				adj[src] = append(adj[src], dst)
			}
		}
	}

	roots := []ObjID{setNode}
	for _, id := range g.GetRoots().IDs {
		if r := collapse(id); r != setNode {
			roots = append(roots, r)
		}
	}

	sizes := objectSizes(g)
	var setSize uint64
	for id := range inSet {
		setSize += sizes[id]
	}
	sizes[setNode] = setSize

	return DominatorTree(dominatorsOf(adj, roots)), sizes, true
}

func objectSizes(g Graph) map[ObjID]uint64 {
	sizes := make(map[ObjID]uint64)
	g.ForEachObject(func(obj *Object) {
		sizes[obj.ID] = obj.Size
	})
	sizes[superRoot] = 0
	return sizes
}

// retainedOf sums a node's own size and the retained sizes of the nodes it
// immediately dominates, memoized in computed
func retainedOf(nodeID ObjID, tree map[ObjID][]ObjID, sizes, computed map[ObjID]uint64) uint64 {
	if size, ok := computed[nodeID]; ok {
		return size
	}

	size := sizes[nodeID]
	for _, child := range tree[nodeID] {
		size += retainedOf(child, tree, sizes, computed)
	}

	computed[nodeID] = size
	return size
}
