// ABOUTME: Utility functions for working with dominator trees
// ABOUTME: Provides subtree collection and dominance queries
package graph

import "sort"

// DominatedBy returns node and every node below it in the dominator tree,
// sorted by ID.
func DominatedBy(tree map[ObjID][]ObjID, node ObjID) []ObjID {
	var out []ObjID
	stack := []ObjID{node}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, current)
		stack = append(stack, tree[current]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsDominated returns true if node is dominated by dominator.
func IsDominated(idom map[ObjID]ObjID, node, dominator ObjID) bool {
	if node == dominator {
		return true // A node dominates itself
	}

	current := node
	for {
		dom, exists := idom[current]
		if !exists {
			return false // Reached root without finding dominator
		}
		if dom == dominator {
			return true
		}
		if dom == superRoot {
			return dominator == superRoot
		}
		current = dom
	}
}
