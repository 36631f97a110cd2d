// ABOUTME: BFS algorithm for finding retaining paths from objects to root candidates
// ABOUTME: Implements K-shortest paths with cycle detection

package graph

// Path represents a path from an object to a root
type Path struct {
	IDs    []ObjID  // Sequence of object IDs from target to root
	Labels []string // Labels[i] names the reference from IDs[i+1] to IDs[i]
}

// PathsToRoots finds paths from an object to root candidates using BFS
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 {
		return nil
	}

	reverse := BuildReverseEdges(g)

	rootSet := make(map[ObjID]bool)
	for _, id := range g.GetRoots().IDs {
		rootSet[id] = true
	}

	if rootSet[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	type searchNode struct {
		id     ObjID
		path   []ObjID
		labels []string
	}

	var result []Path
	queue := []searchNode{{id: from, path: []ObjID{from}}}

	for len(queue) > 0 && len(result) < maxPaths {
		node := queue[0]
		queue = queue[1:]

		for _, ref := range reverse[node.id] {
			// Avoid cycles by checking if we've already visited this node in this path
			inPath := false
			for _, id := range node.path {
				if id == ref.From {
					inPath = true
					break
				}
			}
			if inPath {
				continue
			}

			newPath := make([]ObjID, len(node.path)+1)
			copy(newPath, node.path)
			newPath[len(node.path)] = ref.From
			newLabels := make([]string, len(node.labels)+1)
			copy(newLabels, node.labels)
			newLabels[len(node.labels)] = ref.Label

			if rootSet[ref.From] {
				result = append(result, Path{IDs: newPath, Labels: newLabels})
				if len(result) >= maxPaths {
					break
				}
			} else {
				queue = append(queue, searchNode{
					id:     ref.From,
					path:   newPath,
					labels: newLabels,
				})
			}
		}
	}

	return result
}
