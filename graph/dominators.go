// ABOUTME: Implements Lengauer-Tarjan algorithm for computing dominators in directed graphs
// ABOUTME: Provides O(E α(E,V)) time complexity for finding immediate dominators
package graph

// superRoot is the synthetic node pointing at every root
const superRoot ObjID = 0

// Dominators computes the immediate dominator for each object reachable from
// the roots of g. Returns a map from object ID to its immediate dominator ID.
// The super-root (ID 0) dominates all roots and has no dominator itself.
func Dominators(g Graph) map[ObjID]ObjID {
	return dominatorsOf(adjacency(g), g.GetRoots().IDs)
}

// dominatorsOf runs Lengauer-Tarjan over an adjacency list
func dominatorsOf(adj map[ObjID][]ObjID, roots []ObjID) map[ObjID]ObjID {
	if len(roots) == 0 {
		return map[ObjID]ObjID{}
	}
	succ := func(v ObjID) []ObjID {
		if v == superRoot {
			return roots
		}
		return adj[v]
	}

	// Number nodes in DFS order and build the spanning tree
	var dfsNum int
	vertex := make([]ObjID, 0, len(adj)+1) // DFS number -> vertex ID
	parent := make(map[ObjID]int)          // vertex -> DFS number of parent in spanning tree
	dfnum := make(map[ObjID]int)           // vertex -> DFS number
	semi := make(map[ObjID]int)            // vertex -> DFS number of semidominator
	ancestor := make(map[ObjID]int)        // for link-eval forest
	idom := make(map[ObjID]ObjID)          // vertex -> immediate dominator
	samedom := make(map[ObjID]ObjID)       // for link-eval forest
	best := make(map[ObjID]ObjID)          // for link-eval forest
	bucket := make(map[int][]ObjID)        // semidominator -> list of vertices
	preds := make(map[ObjID][]ObjID)       // vertex -> reachable predecessors

	var dfs func(v ObjID, p int)
	dfs = func(v ObjID, p int) {
		if _, visited := dfnum[v]; visited {
			return
		}

		dfnum[v] = dfsNum
		vertex = append(vertex, v)
		parent[v] = p
		semi[v] = dfsNum
		ancestor[v] = -1
		best[v] = v
		samedom[v] = v
		dfsNum++

		for _, w := range succ(v) {
			preds[w] = append(preds[w], v)
			dfs(w, dfnum[v])
		}
	}

	dfs(superRoot, -1)

	// Link-eval functions for path compression
	var compress func(v ObjID)
	compress = func(v ObjID) {
		anc := ancestor[v]
		if anc == -1 {
			return
		}
		ancID := vertex[anc]
		if ancestor[ancID] != -1 {
			compress(ancID)
			if semi[best[ancID]] < semi[best[v]] {
				best[v] = best[ancID]
			}
			ancestor[v] = ancestor[ancID]
		}
	}

	eval := func(v ObjID) ObjID {
		if ancestor[v] == -1 {
			return v
		}
		compress(v)
		return best[v]
	}

	// Process vertices in reverse DFS order
	for i := dfsNum - 1; i > 0; i-- {
		w := vertex[i]

		// Semidominator from every predecessor
		for _, v := range preds[w] {
			var u ObjID
			if dfnum[v] <= dfnum[w] {
				u = v
			} else {
				u = eval(v)
			}
			if semi[u] < semi[w] {
				semi[w] = semi[u]
			}
		}

		bucket[semi[w]] = append(bucket[semi[w]], w)
		ancestor[w] = parent[w]

		// Implicitly compute immediate dominators
		for _, v := range bucket[parent[w]] {
			u := eval(v)
			if semi[u] == semi[v] {
				idom[v] = vertex[parent[w]]
			} else {
				samedom[v] = u
			}
		}
		bucket[parent[w]] = nil
	}

	// Explicitly compute immediate dominators
	for i := 1; i < dfsNum; i++ {
		w := vertex[i]
		if samedom[w] != w {
			idom[w] = idom[samedom[w]]
		}
	}

	delete(idom, superRoot)
	return idom
}

// DominatorTree builds a tree structure from immediate dominators.
// Returns a map from each node to its list of immediately dominated nodes.
func DominatorTree(idom map[ObjID]ObjID) map[ObjID][]ObjID {
	tree := make(map[ObjID][]ObjID)

	for node := range idom {
		tree[node] = []ObjID{}
	}
	tree[superRoot] = []ObjID{}

	for node, dom := range idom {
		tree[dom] = append(tree[dom], node)
	}

	return tree
}
