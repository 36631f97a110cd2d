// ABOUTME: Serialized heap image document shared by the JSON and YAML loaders
// ABOUTME: Resolves class names, ivar names and capture kinds into an Image

package heapimage

import (
	"fmt"

	"github.com/prateek/cyclelens/introspect"
)

// document is the on-disk form of a heap image
type document struct {
	PointerSize  int              `json:"pointer_size" yaml:"pointer_size"`
	Classes      []classDoc       `json:"classes" yaml:"classes"`
	Zones        []zoneDoc        `json:"zones" yaml:"zones"`
	Objects      []objectDoc      `json:"objects" yaml:"objects"`
	Words        []wordDoc        `json:"words" yaml:"words"`
	Closures     []closureDoc     `json:"closures" yaml:"closures"`
	Timers       []timerDoc       `json:"timers" yaml:"timers"`
	Associations []associationDoc `json:"associations" yaml:"associations"`
	Roots        []uint64         `json:"roots" yaml:"roots"`
}

type classDoc struct {
	Addr  uint64    `json:"addr" yaml:"addr"`
	Name  string    `json:"name" yaml:"name"`
	Super string    `json:"super" yaml:"super"`
	Size  uint64    `json:"size" yaml:"size"`
	Kind  string    `json:"kind" yaml:"kind"`
	Ivars []ivarDoc `json:"ivars" yaml:"ivars"`
}

type ivarDoc struct {
	Name      string `json:"name" yaml:"name"`
	Offset    uint64 `json:"offset" yaml:"offset"`
	Type      string `json:"type" yaml:"type"`
	Ownership string `json:"ownership" yaml:"ownership"`
}

type zoneDoc struct {
	Name    string     `json:"name" yaml:"name"`
	Scratch bool       `json:"scratch" yaml:"scratch"`
	Error   string     `json:"error" yaml:"error"`
	Ranges  []rangeDoc `json:"ranges" yaml:"ranges"`
}

type rangeDoc struct {
	Base   uint64 `json:"base" yaml:"base"`
	Length uint64 `json:"length" yaml:"length"`
}

type objectDoc struct {
	Addr   uint64            `json:"addr" yaml:"addr"`
	Class  string            `json:"class" yaml:"class"`
	Zone   string            `json:"zone" yaml:"zone"`
	Size   uint64            `json:"size" yaml:"size"`
	Fields map[string]uint64 `json:"fields" yaml:"fields"`
}

type wordDoc struct {
	Addr  uint64 `json:"addr" yaml:"addr"`
	Value uint64 `json:"value" yaml:"value"`
}

type closureDoc struct {
	Addr        uint64       `json:"addr" yaml:"addr"`
	Descriptor  uint64       `json:"descriptor" yaml:"descriptor"`
	Size        uint64       `json:"size" yaml:"size"`
	CopyDispose bool         `json:"copy_dispose" yaml:"copy_dispose"`
	Global      bool         `json:"global" yaml:"global"`
	Captures    []captureDoc `json:"captures" yaml:"captures"`
}

type captureDoc struct {
	Name   string `json:"name" yaml:"name"`
	Offset uint64 `json:"offset" yaml:"offset"`
	Kind   string `json:"kind" yaml:"kind"`
	Value  uint64 `json:"value" yaml:"value"`
}

type timerDoc struct {
	Addr     uint64 `json:"addr" yaml:"addr"`
	Target   uint64 `json:"target" yaml:"target"`
	UserInfo uint64 `json:"user_info" yaml:"user_info"`
}

type associationDoc struct {
	Object  uint64   `json:"object" yaml:"object"`
	Targets []uint64 `json:"targets" yaml:"targets"`
}

// build turns a decoded document into an Image
func (d *document) build() (*Image, error) {
	im := New(d.PointerSize)

	for _, z := range d.Zones {
		if z.Name == "" {
			return nil, fmt.Errorf("zone without name")
		}
		im.AddZone(z.Name, z.Scratch)
		if z.Error != "" {
			im.zone(z.Name).fail = fmt.Errorf("%s", z.Error)
		}
		for _, r := range z.Ranges {
			im.AddRange(z.Name, introspect.Range{Base: introspect.Address(r.Base), Length: r.Length})
		}
	}

	// Two passes so that superclasses may be declared after subclasses.
	byName := make(map[string]introspect.Class, len(d.Classes))
	for i, c := range d.Classes {
		if c.Name == "" {
			return nil, fmt.Errorf("class at index %d missing name", i)
		}
		kind, err := parseClassKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", c.Name, err)
		}
		ivars := make([]introspect.Ivar, 0, len(c.Ivars))
		for _, iv := range c.Ivars {
			own, err := parseOwnership(iv.Ownership)
			if err != nil {
				return nil, fmt.Errorf("class %s ivar %s: %w", c.Name, iv.Name, err)
			}
			ivars = append(ivars, introspect.Ivar{Name: iv.Name, Offset: iv.Offset, Encoding: iv.Type, Ownership: own})
		}
		byName[c.Name] = im.DefineClass(ClassDef{
			Addr:  introspect.Class(c.Addr),
			Name:  c.Name,
			Size:  c.Size,
			Kind:  kind,
			Ivars: ivars,
		})
	}
	for _, c := range d.Classes {
		if c.Super == "" {
			continue
		}
		super, ok := byName[c.Super]
		if !ok {
			return nil, fmt.Errorf("class %s: unknown superclass %s", c.Name, c.Super)
		}
		im.classes[byName[c.Name]].Super = super
	}

	for i, o := range d.Objects {
		cls, ok := byName[o.Class]
		if !ok {
			return nil, fmt.Errorf("object at index %d: unknown class %q", i, o.Class)
		}
		zoneName := o.Zone
		if zoneName == "" {
			zoneName = "default"
		}
		size := o.Size
		if size == 0 {
			size = im.InstanceSize(cls)
		}
		var addr introspect.Address
		if o.Addr == 0 {
			addr = im.Alloc(zoneName, cls, size)
		} else {
			addr = introspect.Address(o.Addr)
			im.AddRange(zoneName, introspect.Range{Base: addr, Length: size})
			im.SetWord(addr, uint64(cls))
		}
		for name, value := range o.Fields {
			off, ok := im.ivarOffset(cls, name)
			if !ok {
				return nil, fmt.Errorf("object %#x: class %s has no ivar %q", uint64(addr), o.Class, name)
			}
			im.SetWord(addr+introspect.Address(off), value)
		}
	}

	for _, w := range d.Words {
		im.SetWord(introspect.Address(w.Addr), w.Value)
	}

	for _, c := range d.Closures {
		desc := introspect.ClosureDescriptor{
			ID:             introspect.Address(c.Descriptor),
			Size:           c.Size,
			HasCopyDispose: c.CopyDispose,
			IsGlobal:       c.Global,
		}
		if desc.ID == 0 {
			desc.ID = introspect.Address(c.Addr)
		}
		for _, cp := range c.Captures {
			kind, err := parseCaptureKind(cp.Kind)
			if err != nil {
				return nil, fmt.Errorf("closure %#x capture %s: %w", c.Addr, cp.Name, err)
			}
			desc.Captures = append(desc.Captures, introspect.Capture{Name: cp.Name, Offset: cp.Offset, Kind: kind})
			if cp.Value != 0 {
				im.SetField(introspect.Address(c.Addr), cp.Offset, introspect.Address(cp.Value))
			}
		}
		im.SetClosure(introspect.Address(c.Addr), desc)
	}

	for _, t := range d.Timers {
		im.SetTimer(introspect.Address(t.Addr), introspect.Address(t.Target), introspect.Address(t.UserInfo))
	}
	for _, a := range d.Associations {
		for _, target := range a.Targets {
			im.Associate(introspect.Address(a.Object), introspect.Address(target))
		}
	}
	for _, r := range d.Roots {
		im.AddRoot(introspect.Address(r))
	}

	return im, nil
}

// ivarOffset finds a named ivar on cls or its ancestors
func (im *Image) ivarOffset(cls introspect.Class, name string) (uint64, bool) {
	for c, ok := cls, true; ok; c, ok = im.Superclass(c) {
		def := im.classes[c]
		if def == nil {
			return 0, false
		}
		for _, iv := range def.Ivars {
			if iv.Name == name {
				return iv.Offset, true
			}
		}
	}
	return 0, false
}

func parseClassKind(s string) (introspect.ClassKind, error) {
	switch s {
	case "", "object":
		return introspect.KindObject, nil
	case "closure":
		return introspect.KindClosure, nil
	case "timer":
		return introspect.KindTimer, nil
	default:
		return 0, fmt.Errorf("unknown class kind %q", s)
	}
}

func parseOwnership(s string) (introspect.Ownership, error) {
	switch s {
	case "", "strong":
		return introspect.Strong, nil
	case "weak":
		return introspect.Weak, nil
	case "unretained", "unowned":
		return introspect.Unretained, nil
	default:
		return 0, fmt.Errorf("unknown ownership %q", s)
	}
}

func parseCaptureKind(s string) (introspect.CaptureKind, error) {
	switch s {
	case "", "object":
		return introspect.CaptureObject, nil
	case "closure":
		return introspect.CaptureClosure, nil
	case "byref":
		return introspect.CaptureByRef, nil
	case "weak":
		return introspect.CaptureWeak, nil
	case "scalar":
		return introspect.CaptureScalar, nil
	default:
		return 0, fmt.Errorf("unknown capture kind %q", s)
	}
}
