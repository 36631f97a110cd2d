// ABOUTME: Retain cycle detector driving scan, recognition, graph building and cycle search
// ABOUTME: Rooted passes from candidate objects, global passes over every live object

// Package detector finds retain cycles in the heap of a halted process.
//
// A pass snapshots the class table, scans allocator zones, builds the strong
// reference graph and searches it for cycles. Nothing is carried between
// passes except the layout cache.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/prateek/cyclelens/filter"
	"github.com/prateek/cyclelens/graph"
	"github.com/prateek/cyclelens/heapscan"
	"github.com/prateek/cyclelens/introspect"
	"github.com/prateek/cyclelens/layout"
)

// ErrNotAnObject is returned when a queried address is not a recognized object
var ErrNotAnObject = errors.New("address is not a recognized object")

const tracerName = "github.com/prateek/cyclelens/detector"

// Detector finds retain cycles. It is not safe for concurrent use.
type Detector struct {
	host   Host
	cfg    Config
	chain  *filter.Chain
	logger *slog.Logger
	tracer trace.Tracer

	candidates []introspect.Address
	generation uint64
}

// New validates host and configuration and creates a detector
func New(host Host, cfg Config, opts ...Option) (*Detector, error) {
	if err := host.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chain, err := filter.NewChain(cfg.filters())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	d := &Detector{
		host:   host,
		cfg:    cfg,
		chain:  chain,
		logger: slog.Default().With("component", "detector"),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// AddCandidate registers a root candidate for rooted passes. Duplicates are
// ignored.
func (d *Detector) AddCandidate(addr introspect.Address) {
	for _, c := range d.candidates {
		if c == addr {
			return
		}
	}
	d.candidates = append(d.candidates, addr)
}

// Candidates returns the registered root candidates
func (d *Detector) Candidates() []introspect.Address {
	return append([]introspect.Address(nil), d.candidates...)
}

// ResetLayoutCache drops every cached class and closure layout
func (d *Detector) ResetLayoutCache() {
	d.cfg.Cache.Reset()
}

// FindRetainCycles runs a rooted pass bounded by the configured length
func (d *Detector) FindRetainCycles(ctx context.Context) (*Result, error) {
	return d.FindRetainCyclesWithMaxLength(ctx, d.cfg.MaxCycleLength)
}

// FindRetainCyclesWithMaxLength runs a rooted pass reporting cycles of at
// most maxLen objects through the registered candidates
func (d *Detector) FindRetainCyclesWithMaxLength(ctx context.Context, maxLen int) (*Result, error) {
	if err := validateMaxLength(maxLen); err != nil {
		return nil, err
	}
	ctx, span := d.tracer.Start(ctx, "Detector.FindRetainCycles", trace.WithAttributes(
		attribute.Int("candidates", len(d.candidates)),
		attribute.Int("max_length", maxLen),
	))
	defer span.End()

	p, err := d.begin(ctx, ModeRooted)
	if err != nil {
		return nil, err
	}

	_, buildSpan := d.tracer.Start(ctx, "Detector.build")
	b := p.builder()
	b.build(d.candidates, maxLen-1)
	var roots []graph.ObjID
	for _, c := range d.candidates {
		if b.graph.GetObject(graph.ObjID(c)) != nil {
			roots = append(roots, graph.ObjID(c))
		} else {
			d.logger.Debug("detector.candidate_unrecognized", "address", uint64(c))
		}
	}
	b.graph.SetRoots(graph.Roots{IDs: roots})
	buildSpan.SetAttributes(attribute.Int("nodes", b.graph.NumObjects()), attribute.Int("edges", b.edges))
	buildSpan.End()

	_, detectSpan := d.tracer.Start(ctx, "Detector.detect")
	found := graph.FindCycles(b.graph, roots, maxLen)
	detectSpan.SetAttributes(attribute.Int("cycles", len(found)))
	detectSpan.End()

	res := p.finish(b, found)
	span.SetAttributes(attribute.Int("cycles", len(res.Cycles)))
	return res, nil
}

// FindAllRetainCycles runs a global pass over every live object and reports
// one cycle per strongly connected region
func (d *Detector) FindAllRetainCycles(ctx context.Context) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "Detector.FindAllRetainCycles")
	defer span.End()

	b, p, err := d.global(ctx)
	if err != nil {
		return nil, err
	}

	_, detectSpan := d.tracer.Start(ctx, "Detector.detect")
	found := graph.CycleRegions(b.graph)
	detectSpan.SetAttributes(attribute.Int("cycles", len(found)))
	detectSpan.End()

	res := p.finish(b, found)
	span.SetAttributes(attribute.Int("cycles", len(res.Cycles)))
	return res, nil
}

// Neighbor is one end of a strong reference
type Neighbor struct {
	Address introspect.Address `json:"address"`
	Class   string             `json:"class"`
	Field   string             `json:"field"`
	// RetainedBytes is what the neighbor alone keeps alive, itself included.
	RetainedBytes uint64 `json:"retained_bytes"`
	// Owned marks an outgoing target only reachable through the object.
	Owned bool `json:"owned,omitempty"`
}

// References lists the strong references of one object
type References struct {
	Object        Member     `json:"object"`
	RetainedBytes uint64     `json:"retained_bytes"`
	Outgoing      []Neighbor `json:"outgoing"`
	Incoming      []Neighbor `json:"incoming"`
}

// StrongReferences builds the global graph and reports what addr strongly
// holds and what strongly holds addr
func (d *Detector) StrongReferences(ctx context.Context, addr introspect.Address) (*References, error) {
	ctx, span := d.tracer.Start(ctx, "Detector.StrongReferences")
	defer span.End()

	b, _, err := d.global(ctx)
	if err != nil {
		return nil, err
	}
	obj := b.graph.GetObject(graph.ObjID(addr))
	if obj == nil {
		return nil, fmt.Errorf("%#x: %w", uint64(addr), ErrNotAnObject)
	}

	idom := graph.Dominators(b.graph)
	retained := graph.RetainedSize(b.graph)

	out := &References{
		Object:        Member{Address: addr, Class: obj.Type, Kind: obj.Kind.String()},
		RetainedBytes: retained[obj.ID],
	}
	for _, ref := range obj.Refs {
		n := neighbor(b.graph, ref.Target, ref.Label, retained)
		n.Owned = ref.Target != obj.ID && graph.IsDominated(idom, ref.Target, obj.ID)
		out.Outgoing = append(out.Outgoing, n)
	}
	for _, r := range graph.BuildReverseEdges(b.graph)[obj.ID] {
		out.Incoming = append(out.Incoming, neighbor(b.graph, r.From, r.Label, retained))
	}
	span.SetAttributes(attribute.Int("outgoing", len(out.Outgoing)), attribute.Int("incoming", len(out.Incoming)))
	return out, nil
}

func neighbor(g graph.Graph, id graph.ObjID, field string, retained map[graph.ObjID]uint64) Neighbor {
	n := Neighbor{Address: introspect.Address(id), Field: field, RetainedBytes: retained[id]}
	if obj := g.GetObject(id); obj != nil {
		n.Class = obj.Type
	}
	return n
}

// RetainingPath leads from a root candidate to a queried object. Each
// member's Field labels its reference to the next member.
type RetainingPath struct {
	Members []Member `json:"members"`
	// RootRetainedBytes is what the path's root candidate alone keeps alive.
	RootRetainedBytes uint64 `json:"root_retained_bytes"`
}

// RetainingPaths builds the global graph and returns up to maxPaths
// shortest paths from the registered candidates to addr
func (d *Detector) RetainingPaths(ctx context.Context, addr introspect.Address, maxPaths int) ([]RetainingPath, error) {
	ctx, span := d.tracer.Start(ctx, "Detector.RetainingPaths")
	defer span.End()

	b, _, err := d.global(ctx)
	if err != nil {
		return nil, err
	}
	if b.graph.GetObject(graph.ObjID(addr)) == nil {
		return nil, fmt.Errorf("%#x: %w", uint64(addr), ErrNotAnObject)
	}
	roots := make([]graph.ObjID, 0, len(d.candidates))
	for _, c := range d.candidates {
		if b.graph.GetObject(graph.ObjID(c)) != nil {
			roots = append(roots, graph.ObjID(c))
		}
	}
	b.graph.SetRoots(graph.Roots{IDs: roots})

	paths := graph.PathsToRoots(b.graph, graph.ObjID(addr), maxPaths)
	var pathRoots []graph.ObjID
	for _, p := range paths {
		pathRoots = append(pathRoots, p.IDs[len(p.IDs)-1])
	}
	retained := graph.RetainedSizeSubsets(b.graph, pathRoots)

	var out []RetainingPath
	for _, p := range paths {
		rp := RetainingPath{
			Members:           make([]Member, len(p.IDs)),
			RootRetainedBytes: retained[p.IDs[len(p.IDs)-1]],
		}
		// Paths run from the object to the root; report them root first.
		for i := range p.IDs {
			j := len(p.IDs) - 1 - i
			id := p.IDs[j]
			m := Member{Address: introspect.Address(id)}
			if obj := b.graph.GetObject(id); obj != nil {
				m.Class = obj.Type
				m.Kind = obj.Kind.String()
			}
			if j > 0 {
				m.Field = p.Labels[j-1]
			}
			rp.Members[i] = m
		}
		out = append(out, rp)
	}
	span.SetAttributes(attribute.Int("paths", len(out)))
	return out, nil
}

// global scans and builds the whole reference graph. Graph roots are the
// objects nothing strongly references.
func (d *Detector) global(ctx context.Context) (*builder, *pass, error) {
	p, err := d.begin(ctx, ModeGlobal)
	if err != nil {
		return nil, nil, err
	}

	_, buildSpan := d.tracer.Start(ctx, "Detector.build")
	b := p.builder()
	seeds := make([]introspect.Address, 0, len(p.live))
	for _, r := range p.live {
		b.known[r.rng.Base] = r
		seeds = append(seeds, r.rng.Base)
	}
	b.build(seeds, unbounded)
	b.graph.SetRoots(graph.Roots{IDs: unreferenced(b.graph)})
	buildSpan.SetAttributes(attribute.Int("nodes", b.graph.NumObjects()), attribute.Int("edges", b.edges))
	buildSpan.End()
	return b, p, nil
}

// unreferenced returns the objects with no incoming edge, in address order
func unreferenced(g graph.Graph) []graph.ObjID {
	reverse := graph.BuildReverseEdges(g)
	var out []graph.ObjID
	for _, id := range graph.SortedIDs(g) {
		if len(reverse[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// pass holds per-pass state
type pass struct {
	d         *Detector
	mode      Mode
	start     time.Time
	table     *heapscan.ClassTable
	rec       *heapscan.Recognizer
	extractor *layout.Extractor
	scan      heapscan.ScanStats
	// live holds the ranges recognized during the scan, in address order.
	live []resolved
}

// begin snapshots the class table and scans every zone
func (d *Detector) begin(ctx context.Context, mode Mode) (*pass, error) {
	_, span := d.tracer.Start(ctx, "Detector.scan")
	defer span.End()

	d.generation++
	p := &pass{
		d:     d,
		mode:  mode,
		start: time.Now(),
	}

	table, err := heapscan.NewClassTable(d.host.Model)
	if err != nil {
		return nil, fmt.Errorf("building class table: %w", err)
	}
	p.table = table

	var ranges []introspect.Range
	index := &heapscan.RangeIndex{}
	scanner := heapscan.NewScanner(d.host.Allocator, d.cfg.ScratchZone, d.logger)
	p.scan, err = scanner.Scan(func(_ introspect.Zone, r introspect.Range) {
		index.Add(r)
		ranges = append(ranges, r)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning heap: %w", err)
	}

	p.rec = heapscan.NewRecognizer(d.host.Memory, table, index, d.cfg.IsaMask)
	if mode == ModeGlobal {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })
		for _, r := range ranges {
			if cls, ok := p.rec.Recognize(r); ok {
				p.live = append(p.live, resolved{class: cls, rng: r})
			}
		}
	}

	p.extractor = layout.NewExtractor(layout.Host{
		Memory:   d.host.Memory,
		Model:    d.host.Model,
		Closures: d.host.Closures,
		Timers:   d.host.Timers,
	}, table, d.cfg.Cache, d.cfg.layoutOptions(), d.logger)

	span.SetAttributes(
		attribute.Int("classes", table.Len()),
		attribute.Int("zones", p.scan.Zones),
		attribute.Int("ranges", p.scan.Ranges),
	)
	return p, nil
}

func (p *pass) builder() *builder {
	b := &builder{
		rec:          p.rec,
		table:        p.table,
		extractor:    p.extractor,
		chain:        p.d.chain,
		logger:       p.d.logger,
		graph:        graph.NewMemGraph(),
		visited:      roaring64.New(),
		generation:   p.d.generation,
		known:        make(map[introspect.Address]resolved),
		unrecognized: make(map[introspect.Address]bool),
	}
	if p.d.cfg.InspectAssociations {
		b.associations = p.d.host.Associations
	}
	return b
}

// finish converts found cycles and fills the pass statistics
func (p *pass) finish(b *builder, found []graph.Cycle) *Result {
	res := &Result{
		Mode:       p.mode,
		Generation: p.d.generation,
		Cycles:     make([]Cycle, 0, len(found)),
		Graph:      b.graph,
	}
	for _, c := range found {
		cycle := newCycle(b.graph, c)
		res.Cycles = append(res.Cycles, cycle)
		res.LeakedBytes += cycle.LeakedBytes
	}

	rs := p.rec.Stats()
	res.Stats = Stats{
		Zones:           p.scan.Zones,
		SkippedZones:    p.scan.SkippedZones,
		Ranges:          p.scan.Ranges,
		Recognized:      rs.Recognized,
		Unrecognized:    rs.Unrecognized,
		UnreadableWords: rs.Unreadable + p.extractor.Unreadable(),
		Nodes:           b.graph.NumObjects(),
		Edges:           b.edges,
		FilteredEdges:   b.filtered,
		DanglingEdges:   b.dangling,
		Associations:    b.associated,
		SkippedFields:   p.extractor.SkippedFields(),
		NonStrongFields: p.extractor.NonStrongFields(),
		FailedLayouts:   b.failedLayouts,
		Duration:        time.Since(p.start),
	}

	p.d.logger.Info("detector.pass_done",
		"mode", string(p.mode),
		"generation", res.Generation,
		"cycles", len(res.Cycles),
		"nodes", res.Stats.Nodes,
		"edges", res.Stats.Edges,
		"filtered", res.Stats.FilteredEdges,
		"skipped_zones", res.Stats.SkippedZones,
		"duration", res.Stats.Duration,
	)
	return res
}
