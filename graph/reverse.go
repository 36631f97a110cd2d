// ABOUTME: Builds reverse edges for graph traversal
// ABOUTME: Maps objects to their referrers for retaining paths and incoming references

package graph

import "sort"

// Referrer is one incoming reference
type Referrer struct {
	From  ObjID
	Label string
}

// ReverseEdges maps each object to the references that point to it
type ReverseEdges map[ObjID][]Referrer

// BuildReverseEdges creates a map of reverse edges
func BuildReverseEdges(g Graph) ReverseEdges {
	reverse := make(ReverseEdges)

	g.ForEachObject(func(obj *Object) {
		for _, ref := range obj.Refs {
			reverse[ref.Target] = append(reverse[ref.Target], Referrer{From: obj.ID, Label: ref.Label})
		}
	})

	for _, refs := range reverse {
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].From != refs[j].From {
				return refs[i].From < refs[j].From
			}
			return refs[i].Label < refs[j].Label
		})
	}

	return reverse
}
