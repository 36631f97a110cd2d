// ABOUTME: Breadth-first construction of the strong reference graph
// ABOUTME: Recognizes, extracts and filters each node's references before admitting edges

package detector

import (
	"log/slog"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/prateek/cyclelens/filter"
	"github.com/prateek/cyclelens/graph"
	"github.com/prateek/cyclelens/heapscan"
	"github.com/prateek/cyclelens/introspect"
	"github.com/prateek/cyclelens/layout"
)

// associationLabel labels edges merged from the association side channel
const associationLabel = "__associated_object"

// unbounded disables the depth bound of a build
const unbounded = -1

type resolved struct {
	class introspect.Class
	rng   introspect.Range
}

type queued struct {
	addr  introspect.Address
	depth int
	path  []string
}

// builder constructs one pass's graph. It is discarded with the pass.
type builder struct {
	rec          *heapscan.Recognizer
	table        *heapscan.ClassTable
	extractor    *layout.Extractor
	chain        *filter.Chain
	associations introspect.AssociationSource
	logger       *slog.Logger

	graph      *graph.MemGraph
	visited    *roaring64.Bitmap
	generation uint64

	// known caches recognition outcomes by address for this pass.
	known        map[introspect.Address]resolved
	unrecognized map[introspect.Address]bool

	edges, filtered, dangling, associated, failedLayouts int
}

// resolve recognizes the object at addr once per pass
func (b *builder) resolve(addr introspect.Address) (resolved, bool) {
	if r, ok := b.known[addr]; ok {
		return r, true
	}
	if b.unrecognized[addr] {
		return resolved{}, false
	}
	cls, rng, ok := b.rec.RecognizeAddress(addr)
	if !ok {
		b.unrecognized[addr] = true
		return resolved{}, false
	}
	r := resolved{class: cls, rng: rng}
	b.known[addr] = r
	return r, true
}

// build runs a BFS from seeds. Nodes deeper than maxDepth are not
// expanded; unbounded disables the limit.
func (b *builder) build(seeds []introspect.Address, maxDepth int) {
	queue := make([]queued, 0, len(seeds))
	for _, s := range seeds {
		queue = append(queue, queued{addr: s})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if !b.visited.CheckedAdd(uint64(item.addr)) {
			continue
		}
		r, ok := b.resolve(item.addr)
		if !ok {
			continue
		}

		obj := &graph.Object{
			ID:         graph.ObjID(item.addr),
			Type:       b.table.Name(r.class),
			Class:      uint64(r.class),
			Size:       r.rng.Length,
			Path:       item.path,
			Generation: b.generation,
		}
		if info, ok := b.table.Lookup(r.class); ok {
			obj.Kind = nodeKind(info.Kind)
		}
		b.graph.AddObject(obj)

		refs, err := b.extractor.References(item.addr, r.class)
		if err != nil {
			b.failedLayouts++
			b.logger.Debug("build.layout_failed", "address", uint64(item.addr), "class", obj.Type, "error", err)
		}
		refs = append(refs, b.associationRefs(item.addr)...)

		sourceClasses := b.table.ChainNames(r.class)
		for _, ref := range refs {
			if ref.Target == 0 {
				continue
			}
			target, ok := b.resolve(ref.Target)
			if !ok {
				b.dangling++
				continue
			}

			field := ref.Label
			if len(ref.Path) > 0 {
				field = ref.Path[0]
			}
			// Entries of an array field are filtered by the field's name.
			if i := strings.IndexByte(field, '['); i > 0 {
				field = field[:i]
			}
			if !b.chain.Admit(filter.Edge{
				SourceClasses: sourceClasses,
				Field:         field,
				Label:         ref.Label,
				TargetClasses: b.table.ChainNames(target.class),
			}) {
				b.filtered++
				continue
			}

			obj.Refs = append(obj.Refs, graph.Ref{Label: ref.Label, Target: graph.ObjID(ref.Target)})
			b.edges++

			if maxDepth != unbounded && item.depth >= maxDepth {
				continue
			}
			if b.visited.Contains(uint64(ref.Target)) {
				continue
			}
			path := make([]string, len(item.path)+1)
			copy(path, item.path)
			path[len(item.path)] = ref.Label
			queue = append(queue, queued{addr: ref.Target, depth: item.depth + 1, path: path})
		}
	}
}

func (b *builder) associationRefs(addr introspect.Address) []layout.Reference {
	if b.associations == nil {
		return nil
	}
	var refs []layout.Reference
	for _, target := range b.associations.Associations(addr) {
		refs = append(refs, layout.Reference{
			Path:   []string{associationLabel},
			Label:  associationLabel,
			Target: target,
			Kind:   layout.RefAssociation,
		})
		b.associated++
	}
	return refs
}

func nodeKind(k introspect.ClassKind) graph.NodeKind {
	switch k {
	case introspect.KindClosure:
		return graph.KindClosure
	case introspect.KindTimer:
		return graph.KindTimer
	default:
		return graph.KindObject
	}
}
