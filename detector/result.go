// ABOUTME: Structured output of a detection pass
// ABOUTME: Cycles with member classes and edge labels, pass statistics and leak sizes

package detector

import (
	"strconv"
	"time"

	"github.com/prateek/cyclelens/graph"
	"github.com/prateek/cyclelens/introspect"
)

// Mode names the kind of pass that produced a result
type Mode string

const (
	ModeRooted Mode = "rooted"
	ModeGlobal Mode = "global"
)

// Member is one node of a reported cycle
type Member struct {
	Address introspect.Address `json:"address"`
	Class   string             `json:"class"`
	Kind    string             `json:"kind"`
	// Field labels the reference from this member to the next one.
	Field string `json:"field"`
}

// Cycle is one reported retain cycle
type Cycle struct {
	Members []Member `json:"members"`
	// Region lists every member of the strongly connected component in
	// global mode.
	Region      []introspect.Address `json:"region,omitempty"`
	Fingerprint string               `json:"fingerprint"`
	// LeakedBytes is the size of the cycle plus everything only it keeps alive.
	LeakedBytes uint64 `json:"leaked_bytes"`
	// KeptAlive counts objects outside the cycle that only it keeps alive.
	KeptAlive int `json:"kept_alive"`
}

// Len returns the number of members
func (c Cycle) Len() int {
	return len(c.Members)
}

// Addresses returns the member addresses in cycle order
func (c Cycle) Addresses() []introspect.Address {
	out := make([]introspect.Address, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Address
	}
	return out
}

// Stats counts what a pass saw, skipped and filtered
type Stats struct {
	Zones           int           `json:"zones"`
	SkippedZones    int           `json:"skipped_zones"`
	Ranges          int           `json:"ranges"`
	Recognized      int           `json:"recognized"`
	Unrecognized    int           `json:"unrecognized"`
	UnreadableWords int           `json:"unreadable_words"`
	Nodes           int           `json:"nodes"`
	Edges           int           `json:"edges"`
	FilteredEdges   int           `json:"filtered_edges"`
	DanglingEdges   int           `json:"dangling_edges"`
	Associations    int           `json:"associations"`
	SkippedFields   int           `json:"skipped_fields"`
	NonStrongFields int           `json:"non_strong_fields"`
	FailedLayouts   int           `json:"failed_layouts"`
	Duration        time.Duration `json:"duration"`
}

// Result is the output of one pass
type Result struct {
	Mode        Mode    `json:"mode"`
	Generation  uint64  `json:"generation"`
	Cycles      []Cycle `json:"cycles"`
	LeakedBytes uint64  `json:"leaked_bytes"`
	Stats       Stats   `json:"stats"`
	// Graph is the reference graph the cycles were found in.
	Graph *graph.MemGraph `json:"-"`
}

func newCycle(g graph.Graph, c graph.Cycle) Cycle {
	out := Cycle{
		Members:     make([]Member, len(c.Nodes)),
		Fingerprint: strconv.FormatUint(c.Fingerprint(), 16),
	}
	for i, id := range c.Nodes {
		m := Member{Address: introspect.Address(id)}
		if obj := g.GetObject(id); obj != nil {
			m.Class = obj.Type
			m.Kind = obj.Kind.String()
		}
		if i < len(c.Labels) {
			m.Field = c.Labels[i]
		}
		out.Members[i] = m
	}
	for _, id := range c.Region {
		out.Region = append(out.Region, introspect.Address(id))
	}

	members := c.Region
	if len(members) == 0 {
		members = c.Nodes
	}
	out.LeakedBytes = graph.RetainedBySet(g, members)
	out.KeptAlive = len(graph.KeptAliveBySet(g, members))
	return out
}
