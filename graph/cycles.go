// ABOUTME: Retain cycle search over the reference graph
// ABOUTME: Rooted bounded search, SCC cycle regions, canonical rotation and deduplication

package graph

import (
	"encoding/binary"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Cycle is a closed walk of strong references. Labels[i] names the
// reference from Nodes[i] to Nodes[(i+1)%len(Nodes)].
type Cycle struct {
	Nodes  []ObjID
	Labels []string
	// Region lists every member of the strongly connected component the
	// cycle was found in. It is empty for rooted searches.
	Region []ObjID
}

// Len returns the number of nodes in the cycle
func (c Cycle) Len() int {
	return len(c.Nodes)
}

// Key is the canonical identity of the cycle: its node sequence
func (c Cycle) Key() string {
	var b strings.Builder
	for i, id := range c.Nodes {
		if i > 0 {
			b.WriteByte('>')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 16))
	}
	return b.String()
}

// Fingerprint is a stable hash of the canonical node sequence
func (c Cycle) Fingerprint() uint64 {
	h := xxh3.New()
	var buf [8]byte
	for _, id := range c.Nodes {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// Canonical rotates the cycle to start at its lowest address, keeping the
// traversal direction
func (c Cycle) Canonical() Cycle {
	if len(c.Nodes) == 0 {
		return c
	}
	low := 0
	for i, id := range c.Nodes {
		if id < c.Nodes[low] {
			low = i
		}
	}
	out := Cycle{
		Nodes:  make([]ObjID, len(c.Nodes)),
		Labels: make([]string, len(c.Nodes)),
		Region: c.Region,
	}
	for i := range c.Nodes {
		j := (low + i) % len(c.Nodes)
		out.Nodes[i] = c.Nodes[j]
		if j < len(c.Labels) {
			out.Labels[i] = c.Labels[j]
		}
	}
	return out
}

// CycleSet deduplicates cycles by canonical form; the first one added wins
type CycleSet struct {
	seen   map[string]bool
	cycles []Cycle
}

// NewCycleSet creates an empty set
func NewCycleSet() *CycleSet {
	return &CycleSet{seen: make(map[string]bool)}
}

// Add canonicalizes c and records it unless an equal cycle is present
func (s *CycleSet) Add(c Cycle) bool {
	c = c.Canonical()
	key := c.Key()
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.cycles = append(s.cycles, c)
	return true
}

// Len returns the number of distinct cycles
func (s *CycleSet) Len() int {
	return len(s.cycles)
}

// Cycles returns the cycles ordered by length, then by node sequence
func (s *CycleSet) Cycles() []Cycle {
	out := append([]Cycle(nil), s.cycles...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Nodes, out[j].Nodes
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// FindCycles enumerates, for each root, the simple cycles of at most
// maxLen nodes that pass through that root. Cycles shared by several roots
// are reported once.
func FindCycles(g Graph, roots []ObjID, maxLen int) []Cycle {
	set := NewCycleSet()
	if maxLen <= 0 {
		return nil
	}

	for _, root := range roots {
		if g.GetObject(root) == nil {
			continue
		}

		onPath := map[ObjID]bool{root: true}
		nodes := []ObjID{root}
		var labels []string

		var walk func(id ObjID)
		walk = func(id ObjID) {
			obj := g.GetObject(id)
			for _, ref := range obj.Refs {
				if ref.Target == root {
					set.Add(Cycle{
						Nodes:  append([]ObjID(nil), nodes...),
						Labels: append(append([]string(nil), labels...), ref.Label),
					})
					continue
				}
				if onPath[ref.Target] || len(nodes) >= maxLen || g.GetObject(ref.Target) == nil {
					continue
				}
				onPath[ref.Target] = true
				nodes = append(nodes, ref.Target)
				labels = append(labels, ref.Label)
				walk(ref.Target)
				nodes = nodes[:len(nodes)-1]
				labels = labels[:len(labels)-1]
				delete(onPath, ref.Target)
			}
		}
		walk(root)
	}

	return set.Cycles()
}

// CycleRegions reports every strongly connected component that holds a
// cycle: more than one member, or a single member referencing itself.
// Each region is represented by the shortest cycle through its lowest
// member.
func CycleRegions(g Graph) []Cycle {
	set := NewCycleSet()
	for _, component := range StronglyConnected(g) {
		members := make(map[ObjID]bool, len(component))
		for _, id := range component {
			members[id] = true
		}

		c, ok := shortestCycle(g, component[0], members)
		if !ok {
			continue
		}
		c.Region = component
		set.Add(c)
	}
	return set.Cycles()
}

// shortestCycle runs a BFS from start restricted to members and closes the
// first walk that returns to start
func shortestCycle(g Graph, start ObjID, members map[ObjID]bool) (Cycle, bool) {
	type step struct {
		from  ObjID
		label string
	}
	prev := map[ObjID]step{}
	queue := []ObjID{start}
	seen := map[ObjID]bool{start: true}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, ref := range g.GetObject(id).Refs {
			if ref.Target == start {
				var nodes []ObjID
				var labels []string
				closing := ref.Label
				for cur := id; ; {
					nodes = append(nodes, cur)
					if cur == start {
						break
					}
					st := prev[cur]
					labels = append(labels, st.label)
					cur = st.from
				}
				reverseIDs(nodes)
				reverseStrings(labels)
				return Cycle{Nodes: nodes, Labels: append(labels, closing)}, true
			}
			if !members[ref.Target] || seen[ref.Target] {
				continue
			}
			seen[ref.Target] = true
			prev[ref.Target] = step{from: id, label: ref.Label}
			queue = append(queue, ref.Target)
		}
	}
	return Cycle{}, false
}

func reverseIDs(s []ObjID) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
