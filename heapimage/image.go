// ABOUTME: In-memory heap image implementing every host introspection interface
// ABOUTME: Backs synthetic heaps in tests and heap images loaded from captured files

package heapimage

import (
	"fmt"
	"sort"

	"github.com/prateek/cyclelens/introspect"
)

// Address layout of synthetic images. Class objects live outside every
// zone, the way class metadata lives in a binary's data segment.
const (
	classBase = 0x1000_0000
	classStep = 0x100
	zoneBase  = 0x1_0000_0000
	zoneStep  = 0x1_0000_0000
	quantum   = 16
)

// ClassDef describes a class of the image
type ClassDef struct {
	Addr  introspect.Class
	Name  string
	Super introspect.Class
	Size  uint64
	Kind  introspect.ClassKind
	Ivars []introspect.Ivar
	// IvarsErr makes Ivars fail for this class.
	IvarsErr error
}

type zone struct {
	introspect.Zone
	ranges []introspect.Range
	next   introspect.Address
	fail   error
}

type timer struct {
	target, userInfo introspect.Address
}

// Image is a heap image: zones with in-use ranges, raw words, class
// metadata, closure descriptors, timers and associations.
type Image struct {
	pointerSize  int
	zones        []*zone
	words        map[introspect.Address]uint64
	classes      map[introspect.Class]*ClassDef
	classOrder   []introspect.Class
	closures     map[introspect.Address]introspect.ClosureDescriptor
	timers       map[introspect.Address]timer
	associations map[introspect.Address][]introspect.Address
	roots        []introspect.Address
}

var (
	_ introspect.Allocator         = (*Image)(nil)
	_ introspect.Memory            = (*Image)(nil)
	_ introspect.ObjectModel       = (*Image)(nil)
	_ introspect.ClosureInspector  = (*Image)(nil)
	_ introspect.TimerInspector    = (*Image)(nil)
	_ introspect.AssociationSource = (*Image)(nil)
)

// New creates an empty image for the given pointer size
func New(pointerSize int) *Image {
	if pointerSize != 4 {
		pointerSize = 8
	}
	return &Image{
		pointerSize:  pointerSize,
		words:        make(map[introspect.Address]uint64),
		classes:      make(map[introspect.Class]*ClassDef),
		closures:     make(map[introspect.Address]introspect.ClosureDescriptor),
		timers:       make(map[introspect.Address]timer),
		associations: make(map[introspect.Address][]introspect.Address),
	}
}

// AddZone adds a zone; scratch marks the engine's bookkeeping zone
func (im *Image) AddZone(name string, scratch bool) {
	if im.zone(name) != nil {
		return
	}
	id := introspect.Address(zoneBase + zoneStep*uint64(len(im.zones)))
	im.zones = append(im.zones, &zone{
		Zone: introspect.Zone{Name: name, ID: id, Scratch: scratch},
		next: id,
	})
}

// FailZone makes range enumeration of a zone fail with err
func (im *Image) FailZone(name string, err error) {
	im.AddZone(name, false)
	im.zone(name).fail = err
}

func (im *Image) zone(name string) *zone {
	for _, z := range im.zones {
		if z.Name == name {
			return z
		}
	}
	return nil
}

// DefineClass registers a class and returns its identity. A zero Addr is
// assigned automatically.
func (im *Image) DefineClass(def ClassDef) introspect.Class {
	if def.Addr == 0 {
		def.Addr = introspect.Class(classBase + classStep*uint64(len(im.classOrder)+1))
	}
	d := def
	if _, exists := im.classes[d.Addr]; !exists {
		im.classOrder = append(im.classOrder, d.Addr)
	}
	im.classes[d.Addr] = &d
	return d.Addr
}

// ClassNamed looks a class up by name
func (im *Image) ClassNamed(name string) (introspect.Class, bool) {
	for _, c := range im.classOrder {
		if im.classes[c].Name == name {
			return c, true
		}
	}
	return 0, false
}

// Alloc places an instance of cls in the named zone and writes its class
// pointer. size 0 uses the class instance size.
func (im *Image) Alloc(zoneName string, cls introspect.Class, size uint64) introspect.Address {
	if size == 0 {
		if def, ok := im.classes[cls]; ok {
			size = def.Size
		}
	}
	addr := im.Reserve(zoneName, size)
	im.words[addr] = uint64(cls)
	return addr
}

// Reserve marks a raw in-use range without writing anything into it
func (im *Image) Reserve(zoneName string, size uint64) introspect.Address {
	im.AddZone(zoneName, false)
	z := im.zone(zoneName)
	if size == 0 {
		size = uint64(im.pointerSize)
	}
	addr := z.next
	z.ranges = append(z.ranges, introspect.Range{Base: addr, Length: size})
	z.next = addr + introspect.Address((size+quantum-1)/quantum*quantum)
	return addr
}

// AddRange records an in-use range at a fixed address
func (im *Image) AddRange(zoneName string, r introspect.Range) {
	im.AddZone(zoneName, false)
	z := im.zone(zoneName)
	z.ranges = append(z.ranges, r)
	sort.Slice(z.ranges, func(i, j int) bool { return z.ranges[i].Base < z.ranges[j].Base })
	if end := r.End(); end > z.next {
		z.next = introspect.Address((uint64(end) + quantum - 1) / quantum * quantum)
	}
}

// SetWord writes one word
func (im *Image) SetWord(addr introspect.Address, v uint64) {
	im.words[addr] = v
}

// SetField writes one word at offset from obj
func (im *Image) SetField(obj introspect.Address, offset uint64, v introspect.Address) {
	im.words[obj+introspect.Address(offset)] = uint64(v)
}

// SetClosure attaches a descriptor to the closure at addr
func (im *Image) SetClosure(addr introspect.Address, desc introspect.ClosureDescriptor) {
	im.closures[addr] = desc
}

// SetTimer records what the timer at addr holds
func (im *Image) SetTimer(addr, target, userInfo introspect.Address) {
	im.timers[addr] = timer{target: target, userInfo: userInfo}
}

// Associate attaches target to obj through the side channel
func (im *Image) Associate(obj, target introspect.Address) {
	im.associations[obj] = append(im.associations[obj], target)
}

// AddRoot records a root candidate carried by the image
func (im *Image) AddRoot(addr introspect.Address) {
	im.roots = append(im.roots, addr)
}

// Roots returns the root candidates carried by the image
func (im *Image) Roots() []introspect.Address {
	return append([]introspect.Address(nil), im.roots...)
}

// Zones lists zones in creation order
func (im *Image) Zones() ([]introspect.Zone, error) {
	out := make([]introspect.Zone, 0, len(im.zones))
	for _, z := range im.zones {
		out = append(out, z.Zone)
	}
	return out, nil
}

// EnumerateRanges visits the in-use ranges of a zone
func (im *Image) EnumerateRanges(zz introspect.Zone, visit func(introspect.Range)) error {
	z := im.zone(zz.Name)
	if z == nil {
		return fmt.Errorf("unknown zone %q", zz.Name)
	}
	if z.fail != nil {
		return z.fail
	}
	for _, r := range z.ranges {
		visit(r)
	}
	return nil
}

// PointerSize returns the image word size
func (im *Image) PointerSize() int {
	return im.pointerSize
}

// ReadWord reads a word. Unwritten words inside an in-use range read as
// zero; anything else is unreadable.
func (im *Image) ReadWord(addr introspect.Address) (uint64, error) {
	if v, ok := im.words[addr]; ok {
		return v, nil
	}
	for _, z := range im.zones {
		i := sort.Search(len(z.ranges), func(i int) bool { return z.ranges[i].End() > addr })
		if i < len(z.ranges) && z.ranges[i].Contains(addr) {
			return 0, nil
		}
	}
	return 0, fmt.Errorf("read %#x: %w", uint64(addr), introspect.ErrUnreadable)
}

// Classes lists classes in definition order
func (im *Image) Classes() ([]introspect.Class, error) {
	return append([]introspect.Class(nil), im.classOrder...), nil
}

// ClassName returns the class name, or "" for an unknown class
func (im *Image) ClassName(c introspect.Class) string {
	if def, ok := im.classes[c]; ok {
		return def.Name
	}
	return ""
}

// Superclass returns the parent of c
func (im *Image) Superclass(c introspect.Class) (introspect.Class, bool) {
	def, ok := im.classes[c]
	if !ok || def.Super == 0 {
		return 0, false
	}
	return def.Super, true
}

// InstanceSize returns the instance size of c
func (im *Image) InstanceSize(c introspect.Class) uint64 {
	if def, ok := im.classes[c]; ok {
		return def.Size
	}
	return 0
}

// Kind returns the instance kind of c
func (im *Image) Kind(c introspect.Class) introspect.ClassKind {
	if def, ok := im.classes[c]; ok {
		return def.Kind
	}
	return introspect.KindObject
}

// Ivars returns the ivars declared on c
func (im *Image) Ivars(c introspect.Class) ([]introspect.Ivar, error) {
	def, ok := im.classes[c]
	if !ok {
		return nil, fmt.Errorf("unknown class %#x", uint64(c))
	}
	if def.IvarsErr != nil {
		return nil, def.IvarsErr
	}
	return append([]introspect.Ivar(nil), def.Ivars...), nil
}

// Descriptor returns the descriptor of the closure at addr
func (im *Image) Descriptor(addr introspect.Address) (introspect.ClosureDescriptor, error) {
	desc, ok := im.closures[addr]
	if !ok {
		return introspect.ClosureDescriptor{}, fmt.Errorf("no closure descriptor at %#x", uint64(addr))
	}
	return desc, nil
}

// TimerReferences returns the target and user info of the timer at addr
func (im *Image) TimerReferences(addr introspect.Address) (introspect.Address, introspect.Address, error) {
	tm, ok := im.timers[addr]
	if !ok {
		return 0, 0, fmt.Errorf("no timer at %#x", uint64(addr))
	}
	return tm.target, tm.userInfo, nil
}

// Associations returns objects attached to addr
func (im *Image) Associations(addr introspect.Address) []introspect.Address {
	return append([]introspect.Address(nil), im.associations[addr]...)
}
