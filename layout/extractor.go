// ABOUTME: Extracts the strong outgoing references of one object
// ABOUTME: Dispatches on class kind to field, closure and timer layouts

package layout

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/prateek/cyclelens/heapscan"
	"github.com/prateek/cyclelens/introspect"
	"github.com/prateek/cyclelens/typeenc"
)

// Reference is one strong outgoing reference. Target is 0 for an empty slot.
type Reference struct {
	Path   []string
	Label  string
	Target introspect.Address
	Kind   RefKind
}

// Options toggles which reference sources are inspected
type Options struct {
	InspectClosures bool
	InspectTimers   bool
	CacheLayouts    bool
}

// DefaultOptions inspects everything and caches layouts
func DefaultOptions() Options {
	return Options{InspectClosures: true, InspectTimers: true, CacheLayouts: true}
}

// Host is the subset of host capabilities the extractor reads
type Host struct {
	Memory   introspect.Memory
	Model    introspect.ObjectModel
	Closures introspect.ClosureInspector
	Timers   introspect.TimerInspector
}

// Extractor computes strong references against a class table
type Extractor struct {
	mem      introspect.Memory
	model    introspect.ObjectModel
	closures introspect.ClosureInspector
	timers   introspect.TimerInspector
	table    *heapscan.ClassTable
	cache    *Cache
	parser   typeenc.Parser
	opts     Options
	logger   *slog.Logger

	unreadable int
	skipped    int
	nonStrong  int

	// counted holds the layouts whose field counts this extractor has
	// already added, whether computed or taken from the cache.
	countedClasses  map[introspect.Class]bool
	countedClosures map[introspect.Address]bool
}

// NewExtractor creates an extractor. A nil cache gets a private one.
func NewExtractor(host Host, table *heapscan.ClassTable, cache *Cache, opts Options, logger *slog.Logger) *Extractor {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		mem:      host.Memory,
		model:    host.Model,
		closures: host.Closures,
		timers:   host.Timers,
		table:    table,
		cache:    cache,
		parser:   typeenc.Parser{PointerSize: uint64(host.Memory.PointerSize())},
		opts:     opts,
		logger:   logger.With("component", "layout"),

		countedClasses:  make(map[introspect.Class]bool),
		countedClosures: make(map[introspect.Address]bool),
	}
}

// Cache returns the layout cache the extractor fills
func (x *Extractor) Cache() *Cache {
	return x.cache
}

// Unreadable returns how many reference slots could not be read
func (x *Extractor) Unreadable() int {
	return x.unreadable
}

// SkippedFields returns how many malformed fields the layouts used by this
// extractor dropped, counting each class once
func (x *Extractor) SkippedFields() int {
	return x.skipped
}

// NonStrongFields returns how many weak and unretained fields the layouts
// used by this extractor dropped, counting each class and closure shape once
func (x *Extractor) NonStrongFields() int {
	return x.nonStrong
}

func (x *Extractor) countClass(cls introspect.Class, e entry) {
	if x.countedClasses[cls] {
		return
	}
	x.countedClasses[cls] = true
	x.skipped += e.skipped
	x.nonStrong += e.nonStrong
}

func (x *Extractor) countClosure(id introspect.Address, e entry) {
	if x.countedClosures[id] {
		return
	}
	x.countedClosures[id] = true
	x.nonStrong += e.nonStrong
}

// References returns the strong references of the object at addr whose
// class is cls, in layout order. An error means no layout could be
// computed for the object; unreadable slots are only counted.
func (x *Extractor) References(addr introspect.Address, cls introspect.Class) ([]Reference, error) {
	info, ok := x.table.Lookup(cls)
	if !ok {
		return nil, fmt.Errorf("class %#x not in class table", uint64(cls))
	}

	switch info.Kind {
	case introspect.KindClosure:
		if !x.opts.InspectClosures {
			return nil, nil
		}
		slots, err := x.closureLayout(addr)
		if err != nil {
			return nil, err
		}
		return x.read(addr, slots), nil

	case introspect.KindTimer:
		slots, err := x.classLayout(cls)
		if err != nil {
			return nil, err
		}
		refs := x.read(addr, slots)
		if !x.opts.InspectClosures {
			refs = dropClosures(refs)
		}
		if x.opts.InspectTimers && x.timers != nil {
			refs = append(refs, x.timerReferences(addr)...)
		}
		return refs, nil

	default:
		slots, err := x.classLayout(cls)
		if err != nil {
			return nil, err
		}
		refs := x.read(addr, slots)
		if !x.opts.InspectClosures {
			refs = dropClosures(refs)
		}
		return refs, nil
	}
}

func (x *Extractor) read(addr introspect.Address, slots []Slot) []Reference {
	refs := make([]Reference, 0, len(slots))
	for _, s := range slots {
		word, err := x.mem.ReadWord(addr + introspect.Address(s.Offset))
		if err != nil {
			x.unreadable++
			continue
		}
		target := introspect.Address(word)
		if s.Kind == RefByRef && target != 0 {
			if target, err = x.readByRef(target); err != nil {
				x.unreadable++
				x.logger.Debug("layout.byref_unreadable", "closure", uint64(addr), "capture", s.Label(), "error", err)
				continue
			}
		}
		refs = append(refs, Reference{
			Path:   s.Path,
			Label:  strings.Join(s.Path, "."),
			Target: target,
			Kind:   s.Kind,
		})
	}
	return refs
}

func (x *Extractor) timerReferences(addr introspect.Address) []Reference {
	target, userInfo, err := x.timers.TimerReferences(addr)
	if err != nil {
		x.logger.Debug("layout.timer_unreadable", "timer", uint64(addr), "error", err)
		return nil
	}
	return []Reference{
		{Path: []string{"target"}, Label: "target", Target: target, Kind: RefTimer},
		{Path: []string{"userInfo"}, Label: "userInfo", Target: userInfo, Kind: RefTimer},
	}
}

func dropClosures(refs []Reference) []Reference {
	out := refs[:0]
	for _, r := range refs {
		if r.Kind != RefClosure {
			out = append(out, r)
		}
	}
	return out
}
