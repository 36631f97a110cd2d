// ABOUTME: Tests for rooted and global retain cycle detection
// ABOUTME: Builds synthetic heaps and checks cycles, filters, closures, bounds and pass statistics

package detector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/prateek/cyclelens/filter"
	"github.com/prateek/cyclelens/graph"
	"github.com/prateek/cyclelens/heapimage"
	"github.com/prateek/cyclelens/introspect"
)

// nodeClass defines Node { _next, _other } with 24-byte instances
func nodeClass(im *heapimage.Image) introspect.Class {
	return im.DefineClass(heapimage.ClassDef{Name: "Node", Size: 24, Ivars: []introspect.Ivar{
		{Name: "_next", Offset: 8, Encoding: "@"},
		{Name: "_other", Offset: 16, Encoding: "@"},
	}})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDetector(t *testing.T, im *heapimage.Image, cfg Config) *Detector {
	t.Helper()
	host, err := HostOf(im)
	if err != nil {
		t.Fatalf("HostOf failed: %v", err)
	}
	d, err := New(host, cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func addrSet(addrs []introspect.Address) map[introspect.Address]bool {
	out := make(map[introspect.Address]bool, len(addrs))
	for _, a := range addrs {
		out[a] = true
	}
	return out
}

func fields(c Cycle) []string {
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Field
	}
	return out
}

func TestGlobalFindsSingleCycle(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	a := im.Alloc("default", node, 0)
	b := im.Alloc("default", node, 0)
	c := im.Alloc("default", node, 0)
	kept := im.Alloc("default", node, 0)
	im.SetField(a, 8, b)
	im.SetField(b, 8, a)
	im.SetField(c, 8, a)
	im.SetField(a, 16, kept)

	d := newDetector(t, im, DefaultConfig())
	res, err := d.FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}

	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(res.Cycles))
	}
	cycle := res.Cycles[0]
	if got := cycle.Addresses(); !reflect.DeepEqual(got, []introspect.Address{a, b}) {
		t.Errorf("Expected cycle [%#x %#x], got %v", uint64(a), uint64(b), got)
	}
	if addrSet(cycle.Addresses())[c] {
		t.Error("Expected C to stay outside the cycle")
	}
	if got := fields(cycle); !reflect.DeepEqual(got, []string{"_next", "_next"}) {
		t.Errorf("Expected fields [_next _next], got %v", got)
	}
	if cycle.Members[0].Class != "Node" || cycle.Members[0].Kind != "object" {
		t.Errorf("Unexpected member %+v", cycle.Members[0])
	}
	if !reflect.DeepEqual(cycle.Region, []introspect.Address{a, b}) {
		t.Errorf("Expected region [a b], got %v", cycle.Region)
	}
	if cycle.LeakedBytes != 72 {
		t.Errorf("Expected 72 leaked bytes (cycle plus kept object), got %d", cycle.LeakedBytes)
	}
	if cycle.KeptAlive != 1 {
		t.Errorf("Expected 1 object kept alive, got %d", cycle.KeptAlive)
	}
	if res.LeakedBytes != cycle.LeakedBytes {
		t.Errorf("Expected result leak %d, got %d", cycle.LeakedBytes, res.LeakedBytes)
	}

	if res.Mode != ModeGlobal {
		t.Errorf("Expected global mode, got %s", res.Mode)
	}
	if res.Stats.Nodes != 4 || res.Stats.Edges != 4 {
		t.Errorf("Expected 4 nodes and 4 edges, got %d and %d", res.Stats.Nodes, res.Stats.Edges)
	}
	if res.Stats.Recognized != 4 {
		t.Errorf("Expected 4 recognized ranges, got %d", res.Stats.Recognized)
	}
}

func TestGlobalPassIsIdempotent(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	var ring []introspect.Address
	for i := 0; i < 3; i++ {
		ring = append(ring, im.Alloc("default", node, 0))
	}
	for i, n := range ring {
		im.SetField(n, 8, ring[(i+1)%len(ring)])
	}
	self := im.Alloc("default", node, 0)
	im.SetField(self, 16, self)

	d := newDetector(t, im, DefaultConfig())
	first, err := d.FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	second, err := d.FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	if len(first.Cycles) != 2 {
		t.Fatalf("Expected ring and self loop, got %d cycles", len(first.Cycles))
	}
	if first.Cycles[0].Len() != 1 || first.Cycles[0].Members[0].Field != "_other" {
		t.Errorf("Expected the self loop first, got %+v", first.Cycles[0])
	}
	if !reflect.DeepEqual(first.Cycles, second.Cycles) {
		t.Errorf("Expected identical cycles across passes\nfirst:  %+v\nsecond: %+v", first.Cycles, second.Cycles)
	}
	if second.Generation != first.Generation+1 {
		t.Errorf("Expected generation to advance, got %d then %d", first.Generation, second.Generation)
	}
	if second.Graph.GetObject(0) != nil {
		t.Error("Expected no node at address 0")
	}
	for _, id := range []introspect.Address{ring[0], self} {
		if obj := second.Graph.GetObject(graph.ObjID(id)); obj == nil || obj.Generation != second.Generation {
			t.Errorf("Expected node %#x tagged with generation %d", uint64(id), second.Generation)
		}
	}
}

func TestRootedCyclesAreDeduplicated(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	a := im.Alloc("default", node, 0)
	b := im.Alloc("default", node, 0)
	im.SetField(a, 8, b)
	im.SetField(b, 8, a)

	d := newDetector(t, im, DefaultConfig())
	d.AddCandidate(b)
	d.AddCandidate(a)
	d.AddCandidate(b)
	if len(d.Candidates()) != 2 {
		t.Errorf("Expected duplicate candidate to be ignored, got %v", d.Candidates())
	}

	res, err := d.FindRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle reported once, got %d", len(res.Cycles))
	}
	if got := res.Cycles[0].Addresses(); !reflect.DeepEqual(got, []introspect.Address{a, b}) {
		t.Errorf("Expected rotation starting at the lowest address, got %v", got)
	}
	if res.Cycles[0].Region != nil {
		t.Errorf("Expected no region in rooted mode, got %v", res.Cycles[0].Region)
	}
	if res.Mode != ModeRooted {
		t.Errorf("Expected rooted mode, got %s", res.Mode)
	}
}

func TestRootedIgnoresUnreachableCycles(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	root := im.Alloc("default", node, 0)
	x := im.Alloc("default", node, 0)
	y := im.Alloc("default", node, 0)
	im.SetField(x, 8, y)
	im.SetField(y, 8, x)

	d := newDetector(t, im, DefaultConfig())
	d.AddCandidate(root)
	res, err := d.FindRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 0 {
		t.Errorf("Expected no cycle through the root, got %d", len(res.Cycles))
	}
	if res.Stats.Nodes != 1 {
		t.Errorf("Expected only the root in the graph, got %d nodes", res.Stats.Nodes)
	}
}

func TestRootedMaxLength(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	var ring []introspect.Address
	for i := 0; i < 4; i++ {
		ring = append(ring, im.Alloc("default", node, 0))
	}
	for i, n := range ring {
		im.SetField(n, 8, ring[(i+1)%len(ring)])
	}

	tests := []struct {
		maxLen int
		want   int
	}{
		{1, 0},
		{3, 0},
		{4, 1},
		{10, 1},
	}

	for _, tt := range tests {
		d := newDetector(t, im, DefaultConfig())
		d.AddCandidate(ring[0])
		res, err := d.FindRetainCyclesWithMaxLength(context.Background(), tt.maxLen)
		if err != nil {
			t.Fatalf("maxLen %d: %v", tt.maxLen, err)
		}
		if len(res.Cycles) != tt.want {
			t.Errorf("maxLen %d: expected %d cycles, got %d", tt.maxLen, tt.want, len(res.Cycles))
		}
		for _, c := range res.Cycles {
			if c.Len() > tt.maxLen {
				t.Errorf("maxLen %d: cycle of length %d", tt.maxLen, c.Len())
			}
		}
	}

	d := newDetector(t, im, DefaultConfig())
	for _, n := range []int{0, -1, MaxCycleLengthLimit + 1} {
		if _, err := d.FindRetainCyclesWithMaxLength(context.Background(), n); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("maxLen %d: expected ErrInvalidConfiguration, got %v", n, err)
		}
	}
}

func TestSelfLoopWithMaxLengthOne(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	n := im.Alloc("default", node, 0)
	im.SetField(n, 16, n)

	d := newDetector(t, im, DefaultConfig())
	d.AddCandidate(n)
	res, err := d.FindRetainCyclesWithMaxLength(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindRetainCyclesWithMaxLength failed: %v", err)
	}
	if len(res.Cycles) != 1 || res.Cycles[0].Members[0].Field != "_other" {
		t.Errorf("Expected self loop through _other, got %+v", res.Cycles)
	}
}

// delegateHeap builds Owner._delegate -> Delegate and Delegate._owner -> Owner,
// where Owner inherits _delegate from Base.
func delegateHeap() (im *heapimage.Image, owner, delegate introspect.Address) {
	im = heapimage.New(8)
	base := im.DefineClass(heapimage.ClassDef{Name: "Base", Size: 16, Ivars: []introspect.Ivar{
		{Name: "_delegate", Offset: 8, Encoding: "@"},
	}})
	ownerCls := im.DefineClass(heapimage.ClassDef{Name: "Owner", Super: base, Size: 24, Ivars: []introspect.Ivar{
		{Name: "_model", Offset: 16, Encoding: "@"},
	}})
	delegateCls := im.DefineClass(heapimage.ClassDef{Name: "Delegate", Size: 16, Ivars: []introspect.Ivar{
		{Name: "_owner", Offset: 8, Encoding: "@"},
	}})
	owner = im.Alloc("default", ownerCls, 0)
	delegate = im.Alloc("default", delegateCls, 0)
	model := im.Alloc("default", delegateCls, 0)
	im.SetField(owner, 8, delegate)
	im.SetField(owner, 16, model)
	im.SetField(delegate, 8, owner)
	return im, owner, delegate
}

func TestFilterRemovesEdge(t *testing.T) {
	tests := []struct {
		name    string
		filters []filter.Filter
		cycles  int
	}{
		{"no filters", []filter.Filter{}, 1},
		{"field target on superclass", []filter.Filter{filter.FieldTarget("Base", "_delegate", "Delegate")}, 0},
		{"field target other class", []filter.Filter{filter.FieldTarget("Owner", "_delegate", "Owner")}, 1},
		{"field", []filter.Filter{filter.Field("Delegate", "_owner")}, 0},
		{"predicate", []filter.Filter{filter.Predicate(func(e filter.Edge) bool { return e.Label == "_owner" })}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im, owner, _ := delegateHeap()
			cfg := DefaultConfig()
			cfg.Filters = tt.filters
			d := newDetector(t, im, cfg)

			res, err := d.FindAllRetainCycles(context.Background())
			if err != nil {
				t.Fatalf("FindAllRetainCycles failed: %v", err)
			}
			if len(res.Cycles) != tt.cycles {
				t.Fatalf("Expected %d cycles, got %d", tt.cycles, len(res.Cycles))
			}
			if tt.cycles == 0 && res.Stats.FilteredEdges != 1 {
				t.Errorf("Expected 1 filtered edge, got %d", res.Stats.FilteredEdges)
			}

			// The filtered node keeps its other edges.
			obj := res.Graph.GetObject(graph.ObjID(owner))
			if obj == nil {
				t.Fatal("Expected owner in graph")
			}
			found := false
			for _, r := range obj.Refs {
				if r.Label == "_model" {
					found = true
				}
			}
			if !found {
				t.Error("Expected owner to keep its _model edge")
			}
		})
	}
}

func TestNestedArrayFieldCycle(t *testing.T) {
	tests := []struct {
		name     string
		filters  []filter.Filter
		cycles   int
		filtered int
	}{
		{"no filters", []filter.Filter{}, 1, 0},
		{"field filter covers every entry", []filter.Filter{filter.Field("Grid", "_cells")}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := heapimage.New(8)
			grid := im.DefineClass(heapimage.ClassDef{Name: "Grid", Size: 40, Ivars: []introspect.Ivar{
				{Name: "_cells", Offset: 8, Encoding: "[2[2@]]"},
			}})
			node := nodeClass(im)
			g := im.Alloc("default", grid, 0)
			cell := im.Alloc("default", node, 0)
			im.SetField(g, 32, cell)
			im.SetField(cell, 8, g)

			cfg := DefaultConfig()
			cfg.Filters = tt.filters
			res, err := newDetector(t, im, cfg).FindAllRetainCycles(context.Background())
			if err != nil {
				t.Fatalf("FindAllRetainCycles failed: %v", err)
			}
			if len(res.Cycles) != tt.cycles {
				t.Fatalf("Expected %d cycles, got %d", tt.cycles, len(res.Cycles))
			}
			if res.Stats.FilteredEdges != tt.filtered {
				t.Errorf("Expected %d filtered edges, got %d", tt.filtered, res.Stats.FilteredEdges)
			}
			if tt.cycles == 1 {
				want := []string{"_cells[1][1]", "_next"}
				if got := fields(res.Cycles[0]); !reflect.DeepEqual(got, want) {
					t.Errorf("Expected fields %v, got %v", want, got)
				}
			}
		})
	}
}

func TestStandardFiltersAreApplied(t *testing.T) {
	im := heapimage.New(8)
	view := im.DefineClass(heapimage.ClassDef{Name: "UIView", Size: 24, Ivars: []introspect.Ivar{
		{Name: "_subviewCache", Offset: 8, Encoding: "@"},
		{Name: "_superview", Offset: 16, Encoding: "@"},
	}})
	parent := im.Alloc("default", view, 0)
	child := im.Alloc("default", view, 0)
	im.SetField(parent, 8, child)
	im.SetField(child, 16, parent)

	cfg := DefaultConfig()
	res, err := newDetector(t, im, cfg).FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected cycle without standard filters, got %d", len(res.Cycles))
	}

	cfg.StandardFilters = true
	res, err = newDetector(t, im, cfg).FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 0 {
		t.Errorf("Expected _subviewCache to be filtered, got %d cycles", len(res.Cycles))
	}
}

func closureHeap() (im *heapimage.Image, owner, closure introspect.Address) {
	im = heapimage.New(8)
	ownerCls := im.DefineClass(heapimage.ClassDef{Name: "Owner", Size: 16, Ivars: []introspect.Ivar{
		{Name: "_handler", Offset: 8, Encoding: "@?"},
	}})
	blockCls := im.DefineClass(heapimage.ClassDef{Name: "__NSMallocBlock__", Size: 32, Kind: introspect.KindClosure})
	owner = im.Alloc("default", ownerCls, 0)
	closure = im.Alloc("default", blockCls, 40)
	im.SetClosure(closure, introspect.ClosureDescriptor{
		ID:             0xd00d,
		Size:           40,
		HasCopyDispose: true,
		Captures:       []introspect.Capture{{Name: "self", Offset: 32, Kind: introspect.CaptureObject}},
	})
	im.SetField(owner, 8, closure)
	im.SetField(closure, 32, owner)
	return im, owner, closure
}

func TestClosureCycle(t *testing.T) {
	im, owner, closure := closureHeap()

	d := newDetector(t, im, DefaultConfig())
	d.AddCandidate(owner)
	res, err := d.FindRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(res.Cycles))
	}

	members := res.Cycles[0].Members
	want := []Member{
		{Address: owner, Class: "Owner", Kind: "object", Field: "_handler"},
		{Address: closure, Class: "__NSMallocBlock__", Kind: "closure", Field: "self"},
	}
	if !reflect.DeepEqual(members, want) {
		t.Errorf("Expected members %+v, got %+v", want, members)
	}

	cfg := DefaultConfig()
	cfg.InspectClosures = false
	d = newDetector(t, im, cfg)
	d.AddCandidate(owner)
	res, err = d.FindRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 0 {
		t.Errorf("Expected no cycle with closure inspection off, got %d", len(res.Cycles))
	}
}

func TestByRefClosureCycle(t *testing.T) {
	im := heapimage.New(8)
	ownerCls := im.DefineClass(heapimage.ClassDef{Name: "Owner", Size: 16, Ivars: []introspect.Ivar{
		{Name: "_handler", Offset: 8, Encoding: "@?"},
	}})
	blockCls := im.DefineClass(heapimage.ClassDef{Name: "__NSMallocBlock__", Size: 32, Kind: introspect.KindClosure})
	owner := im.Alloc("default", ownerCls, 0)
	closure := im.Alloc("default", blockCls, 40)
	cell := im.Reserve("default", 32)
	im.SetClosure(closure, introspect.ClosureDescriptor{
		HasCopyDispose: true,
		Captures:       []introspect.Capture{{Name: "box", Offset: 32, Kind: introspect.CaptureByRef}},
	})
	im.SetField(owner, 8, closure)
	im.SetField(closure, 32, cell)
	im.SetField(cell, 8, cell)
	im.SetWord(cell+16, 32<<32)
	im.SetField(cell, 24, owner)

	res, err := newDetector(t, im, DefaultConfig()).FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(res.Cycles))
	}
	if got := fields(res.Cycles[0]); !reflect.DeepEqual(got, []string{"_handler", "box"}) {
		t.Errorf("Expected fields [_handler box], got %v", got)
	}
}

func TestTimerCycle(t *testing.T) {
	im := heapimage.New(8)
	ownerCls := im.DefineClass(heapimage.ClassDef{Name: "Poller", Size: 16, Ivars: []introspect.Ivar{
		{Name: "_timer", Offset: 8, Encoding: "@"},
	}})
	timerCls := im.DefineClass(heapimage.ClassDef{Name: "NSTimer", Size: 16, Kind: introspect.KindTimer})
	owner := im.Alloc("default", ownerCls, 0)
	tm := im.Alloc("default", timerCls, 0)
	im.SetField(owner, 8, tm)
	im.SetTimer(tm, owner, 0)

	tests := []struct {
		name    string
		inspect bool
		cycles  int
	}{
		{"inspected", true, 1},
		{"not inspected", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.InspectTimers = tt.inspect
			res, err := newDetector(t, im, cfg).FindAllRetainCycles(context.Background())
			if err != nil {
				t.Fatalf("FindAllRetainCycles failed: %v", err)
			}
			if len(res.Cycles) != tt.cycles {
				t.Fatalf("Expected %d cycles, got %d", tt.cycles, len(res.Cycles))
			}
			if tt.cycles == 1 {
				want := []string{"_timer", "target"}
				if got := fields(res.Cycles[0]); !reflect.DeepEqual(got, want) {
					t.Errorf("Expected fields %v, got %v", want, got)
				}
				if res.Cycles[0].Members[1].Kind != "timer" {
					t.Errorf("Expected timer member, got %s", res.Cycles[0].Members[1].Kind)
				}
			}
		})
	}
}

func TestAssociationCycle(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	a := im.Alloc("default", node, 0)
	b := im.Alloc("default", node, 0)
	im.SetField(b, 8, a)
	im.Associate(a, b)

	cfg := DefaultConfig()
	res, err := newDetector(t, im, cfg).FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(res.Cycles))
	}
	if got := fields(res.Cycles[0]); !reflect.DeepEqual(got, []string{associationLabel, "_next"}) {
		t.Errorf("Expected association label, got %v", got)
	}
	if res.Stats.Associations != 1 {
		t.Errorf("Expected 1 association, got %d", res.Stats.Associations)
	}

	cfg.InspectAssociations = false
	res, err = newDetector(t, im, cfg).FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 0 {
		t.Errorf("Expected no cycle without associations, got %d", len(res.Cycles))
	}
}

func TestScratchAndFailingZonesAreSkipped(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	im.AddZone("engine", true)
	a := im.Alloc("engine", node, 0)
	b := im.Alloc("engine", node, 0)
	im.SetField(a, 8, b)
	im.SetField(b, 8, a)
	x := im.Alloc("default", node, 0)
	im.SetField(x, 8, x)
	im.FailZone("broken", errors.New("zone metadata unreadable"))

	res, err := newDetector(t, im, DefaultConfig()).FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 1 || res.Cycles[0].Members[0].Address != x {
		t.Fatalf("Expected only the self loop outside the scratch zone, got %+v", res.Cycles)
	}
	if res.Stats.SkippedZones != 1 {
		t.Errorf("Expected 1 skipped zone, got %d", res.Stats.SkippedZones)
	}
	if res.Stats.Zones != 1 {
		t.Errorf("Expected 1 scanned zone, got %d", res.Stats.Zones)
	}
}

func TestUnrecognizedTargetsAreNotFollowed(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	a := im.Alloc("default", node, 0)
	junk := im.Reserve("default", 32)
	im.SetField(a, 8, junk)
	im.SetField(a, 16, 0xdead0)

	res, err := newDetector(t, im, DefaultConfig()).FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if res.Stats.DanglingEdges != 2 {
		t.Errorf("Expected 2 dangling edges, got %d", res.Stats.DanglingEdges)
	}
	if res.Stats.Edges != 0 || res.Stats.Nodes != 1 {
		t.Errorf("Expected a single node without edges, got %d nodes and %d edges", res.Stats.Nodes, res.Stats.Edges)
	}
	if res.Stats.Unrecognized == 0 {
		t.Error("Expected the reserved range to count as unrecognized")
	}
}

func TestMalformedFieldDoesNotAbortPass(t *testing.T) {
	im := heapimage.New(8)
	cls := im.DefineClass(heapimage.ClassDef{Name: "Mixed", Size: 32, Ivars: []introspect.Ivar{
		{Name: "_bad", Offset: 8, Encoding: "{Broken=@"},
		{Name: "_peer", Offset: 24, Encoding: "@"},
	}})
	a := im.Alloc("default", cls, 0)
	b := im.Alloc("default", cls, 0)
	im.SetField(a, 24, b)
	im.SetField(b, 24, a)

	d := newDetector(t, im, DefaultConfig())
	res, err := d.FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("FindAllRetainCycles failed: %v", err)
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle through _peer, got %d", len(res.Cycles))
	}
	if res.Stats.SkippedFields != 1 {
		t.Errorf("Expected 1 skipped field, got %d", res.Stats.SkippedFields)
	}

	// The second pass takes the layout from the cache and still drops the field.
	res, err = d.FindAllRetainCycles(context.Background())
	if err != nil {
		t.Fatalf("second FindAllRetainCycles failed: %v", err)
	}
	if res.Stats.SkippedFields != 1 {
		t.Errorf("Expected 1 skipped field on the cached pass, got %d", res.Stats.SkippedFields)
	}
}

func TestStrongReferences(t *testing.T) {
	im, owner, delegate := delegateHeap()
	d := newDetector(t, im, DefaultConfig())

	refs, err := d.StrongReferences(context.Background(), owner)
	if err != nil {
		t.Fatalf("StrongReferences failed: %v", err)
	}
	if refs.Object.Class != "Owner" {
		t.Errorf("Expected Owner, got %s", refs.Object.Class)
	}
	if len(refs.Outgoing) != 2 {
		t.Fatalf("Expected 2 outgoing references, got %d", len(refs.Outgoing))
	}
	if refs.Outgoing[0].Field != "_model" || refs.Outgoing[1].Field != "_delegate" {
		t.Errorf("Expected most derived fields first, got %+v", refs.Outgoing)
	}
	want := []Neighbor{{Address: delegate, Class: "Delegate", Field: "_owner"}}
	if !reflect.DeepEqual(refs.Incoming, want) {
		t.Errorf("Expected incoming %+v, got %+v", want, refs.Incoming)
	}

	if _, err := d.StrongReferences(context.Background(), 0xdead0); !errors.Is(err, ErrNotAnObject) {
		t.Errorf("Expected ErrNotAnObject, got %v", err)
	}
}

func TestRetainingPaths(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	root := im.Alloc("default", node, 0)
	mid := im.Alloc("default", node, 0)
	leaf := im.Alloc("default", node, 0)
	im.SetField(root, 8, mid)
	im.SetField(root, 16, leaf)
	im.SetField(mid, 16, leaf)

	d := newDetector(t, im, DefaultConfig())
	d.AddCandidate(root)
	paths, err := d.RetainingPaths(context.Background(), leaf, 5)
	if err != nil {
		t.Fatalf("RetainingPaths failed: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("Expected 2 paths, got %d", len(paths))
	}

	want := [][]Member{
		{
			{Address: root, Class: "Node", Kind: "object", Field: "_other"},
			{Address: leaf, Class: "Node", Kind: "object"},
		},
		{
			{Address: root, Class: "Node", Kind: "object", Field: "_next"},
			{Address: mid, Class: "Node", Kind: "object", Field: "_other"},
			{Address: leaf, Class: "Node", Kind: "object"},
		},
	}
	for i, p := range paths {
		if !reflect.DeepEqual(p.Members, want[i]) {
			t.Errorf("path %d: expected %+v, got %+v", i, want[i], p.Members)
		}
		if p.RootRetainedBytes != 72 {
			t.Errorf("path %d: expected the root to retain 72 bytes, got %d", i, p.RootRetainedBytes)
		}
	}
}

func TestStrongReferencesRetention(t *testing.T) {
	im := heapimage.New(8)
	node := nodeClass(im)
	r := im.Alloc("default", node, 0)
	x := im.Alloc("default", node, 0)
	y := im.Alloc("default", node, 0)
	z := im.Alloc("default", node, 0)
	im.SetField(r, 8, x)
	im.SetField(x, 8, y)
	im.SetField(z, 8, y)

	d := newDetector(t, im, DefaultConfig())

	refs, err := d.StrongReferences(context.Background(), x)
	if err != nil {
		t.Fatalf("StrongReferences failed: %v", err)
	}
	if refs.RetainedBytes != 24 {
		t.Errorf("Expected x to retain only itself (24 bytes), got %d", refs.RetainedBytes)
	}
	wantOut := []Neighbor{{Address: y, Class: "Node", Field: "_next", RetainedBytes: 24}}
	if !reflect.DeepEqual(refs.Outgoing, wantOut) {
		t.Errorf("Expected outgoing %+v, got %+v", wantOut, refs.Outgoing)
	}
	wantIn := []Neighbor{{Address: r, Class: "Node", Field: "_next", RetainedBytes: 48}}
	if !reflect.DeepEqual(refs.Incoming, wantIn) {
		t.Errorf("Expected incoming %+v, got %+v", wantIn, refs.Incoming)
	}

	refs, err = d.StrongReferences(context.Background(), r)
	if err != nil {
		t.Fatalf("StrongReferences failed: %v", err)
	}
	if len(refs.Outgoing) != 1 || !refs.Outgoing[0].Owned {
		t.Errorf("Expected r to own x, got %+v", refs.Outgoing)
	}
}

func TestLayoutCacheSurvivesPasses(t *testing.T) {
	im, owner, _ := delegateHeap()
	cfg := DefaultConfig()
	d := newDetector(t, im, cfg)
	d.AddCandidate(owner)

	if _, err := d.FindRetainCycles(context.Background()); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	computed := cfg.Cache.Stats().ClassLayouts
	if computed == 0 {
		t.Fatal("Expected class layouts to be computed")
	}
	if _, err := d.FindRetainCycles(context.Background()); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if got := cfg.Cache.Stats().ClassLayouts; got != computed {
		t.Errorf("Expected cached layouts to be reused, computed %d then %d", computed, got)
	}

	d.ResetLayoutCache()
	if classes, _ := cfg.Cache.Len(); classes != 0 {
		t.Errorf("Expected empty cache after reset, got %d", classes)
	}
}

func TestNewValidation(t *testing.T) {
	im := heapimage.New(8)
	host, err := HostOf(im)
	if err != nil {
		t.Fatalf("HostOf failed: %v", err)
	}

	tests := []struct {
		name   string
		host   Host
		mutate func(*Config)
	}{
		{"nil filters", host, func(c *Config) { c.Filters = nil }},
		{"invalid filter", host, func(c *Config) { c.Filters = []filter.Filter{{Kind: filter.KindField}} }},
		{"zero max length", host, func(c *Config) { c.MaxCycleLength = 0 }},
		{"max length over limit", host, func(c *Config) { c.MaxCycleLength = MaxCycleLengthLimit + 1 }},
		{"nil cache", host, func(c *Config) { c.Cache = nil }},
		{"missing memory", Host{Allocator: im, Model: im}, func(*Config) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(tt.host, cfg); !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}

	if _, err := HostOf(struct{}{}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected HostOf to reject a value without capabilities, got %v", err)
	}
}
