// ABOUTME: Kosaraju strongly connected components over the reference graph
// ABOUTME: First pass records DFS finish order, second pass walks the transpose

package graph

import "sort"

// StronglyConnected returns every strongly connected component of g. Each
// component is sorted by address; components are ordered by their lowest
// member.
func StronglyConnected(g Graph) [][]ObjID {
	adj := adjacency(g)
	ids := SortedIDs(g)

	order := finishOrder(ids, adj)
	transpose := transposeOf(adj)

	visited := make(map[ObjID]bool, len(ids))
	var components [][]ObjID
	for i := len(order) - 1; i >= 0; i-- {
		start := order[i]
		if visited[start] {
			continue
		}
		var component []ObjID
		stack := []ObjID{start}
		visited[start] = true
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, v)
			for _, w := range transpose[v] {
				if !visited[w] {
					visited[w] = true
					stack = append(stack, w)
				}
			}
		}
		sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })
		components = append(components, component)
	}

	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	return components
}

// finishOrder returns nodes in the order an iterative DFS finishes them
func finishOrder(ids []ObjID, adj map[ObjID][]ObjID) []ObjID {
	type frame struct {
		id   ObjID
		next int
	}

	visited := make(map[ObjID]bool, len(ids))
	order := make([]ObjID, 0, len(ids))
	for _, root := range ids {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := adj[top.id]
			if top.next < len(succ) {
				w := succ[top.next]
				top.next++
				if !visited[w] {
					visited[w] = true
					stack = append(stack, frame{id: w})
				}
				continue
			}
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}

func transposeOf(adj map[ObjID][]ObjID) map[ObjID][]ObjID {
	out := make(map[ObjID][]ObjID, len(adj))
	for from, targets := range adj {
		for _, to := range targets {
			out[to] = append(out[to], from)
		}
	}
	return out
}
