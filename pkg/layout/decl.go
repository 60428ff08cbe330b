package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/ge-labs/memsnap/pkg/pma"
)

// ErrInvalidDocument is wrapped by every validation error returned by
// Decode.
var ErrInvalidDocument = errors.New("invalid layout document")

// Document is a set of layouts and main layouts read from YAML.
//
//	layouts:
//	  Root:
//	    kind: consecutive
//	    size: 16
//	    pointers:
//	      - {offset: 0, layout: Child}
//	      - {offset: 8, sizeFrom: {offset: 4, width: 4, scale: 8}}
//	  Child:
//	    size: 4
//	main:
//	  - layout: Root
//	    module: game.x86_64
//	    offset: 0x1d2e40
//	    deref: [0]
type Document struct {
	// Layouts maps layout ids to built layouts.
	Layouts map[string]*Layout
	// Main lists main layouts in processing order.
	Main []MainDecl
}

// IDs returns the layout ids of the document in lexical order.
func (d *Document) IDs() []string {
	ids := make([]string, 0, len(d.Layouts))
	for id := range d.Layouts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MainDecl describes how to locate a main layout and which later main
// layouts it toggles.
type MainDecl struct {
	Layout string `yaml:"layout"`
	// Module, if set, makes the base address relative to the module's load
	// address.
	Module string `yaml:"module"`
	Offset uint64 `yaml:"offset"`
	// Deref is walked from Module+Offset to obtain the layout base.
	Deref pma.MultiLevelPointer `yaml:"deref"`
	// Enables lists later main layouts gated by this one.
	Enables []EnableDecl `yaml:"enables"`
}

// EnableDecl enables Layout while When holds and disables it otherwise.
type EnableDecl struct {
	Layout string    `yaml:"layout"`
	When   *FieldRef `yaml:"when"`
	// Pass, if set, is the offset of a pointer slot in the enabling layout.
	// The real address of its pointee is handed to the enabled layout's base
	// locator.
	Pass *uint64 `yaml:"pass"`
}

// FieldRef reads an unsigned little-endian integer from a buffer.
type FieldRef struct {
	Offset uint64 `yaml:"offset"`
	Width  uint64 `yaml:"width"`
	// Equals, if set, turns the field into a predicate. Otherwise a non zero
	// value is true.
	Equals *uint64 `yaml:"equals"`
	// Scale multiplies the value when it is used as a size.
	Scale uint64 `yaml:"scale"`
}

// Value reads the field from buf. ok is false when the field does not fit.
func (f *FieldRef) Value(buf []byte) (v uint64, ok bool) {
	end := f.Offset + f.Width
	if end < f.Offset || end > uint64(len(buf)) {
		return 0, false
	}
	b := buf[f.Offset:end]
	switch f.Width {
	case 1:
		return uint64(b[0]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), true
	case 8:
		return binary.LittleEndian.Uint64(b), true
	}
	return 0, false
}

// Holds evaluates the field as a predicate.
func (f *FieldRef) Holds(buf []byte) bool {
	v, ok := f.Value(buf)
	if !ok {
		return false
	}
	if f.Equals != nil {
		return v == *f.Equals
	}
	return v != 0
}

type selectDecl struct {
	FieldRef `yaml:",inline"`
	Cases    map[uint64]string `yaml:"cases"`
	Default  string            `yaml:"default"`
}

type pointerDecl struct {
	Offset   *uint64               `yaml:"offset"`
	MLP      pma.MultiLevelPointer `yaml:"mlp"`
	Count    uint64                `yaml:"count"`
	Layout   string                `yaml:"layout"`
	Size     uint64                `yaml:"size"`
	Select   *selectDecl           `yaml:"select"`
	SizeFrom *FieldRef             `yaml:"sizeFrom"`
}

type layoutDecl struct {
	Kind     string        `yaml:"kind"`
	Size     uint64        `yaml:"size"`
	Pointers []pointerDecl `yaml:"pointers"`
}

type documentDecl struct {
	Layouts map[string]layoutDecl `yaml:"layouts"`
	Main    []MainDecl            `yaml:"main"`
}

// LoadFile reads and decodes a layout document.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Decode reads a layout document from r and validates it.
func Decode(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var dd documentDecl
	if err := yaml.UnmarshalStrict(data, &dd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return dd.build()
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

func (dd *documentDecl) build() (*Document, error) {
	doc := &Document{Layouts: make(map[string]*Layout, len(dd.Layouts))}
	ids := make([]string, 0, len(dd.Layouts))
	for id := range dd.Layouts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ld := dd.Layouts[id]
		l, err := ld.build(id, dd.Layouts)
		if err != nil {
			return nil, err
		}
		doc.Layouts[id] = l
	}

	order := make(map[string]int, len(dd.Main))
	for i, m := range dd.Main {
		if _, ok := doc.Layouts[m.Layout]; !ok {
			return nil, invalid("main layout %q is not defined", m.Layout)
		}
		if _, dup := order[m.Layout]; dup {
			return nil, invalid("main layout %q listed twice", m.Layout)
		}
		order[m.Layout] = i
	}
	for i, m := range dd.Main {
		for _, e := range m.Enables {
			j, ok := order[e.Layout]
			if !ok {
				return nil, invalid("main layout %q enables %q which is not a main layout", m.Layout, e.Layout)
			}
			if j <= i {
				return nil, invalid("main layout %q can only enable layouts listed after it, not %q", m.Layout, e.Layout)
			}
			if e.When != nil {
				if err := checkField(doc.Layouts[m.Layout], e.When, m.Layout); err != nil {
					return nil, err
				}
			}
		}
	}
	doc.Main = dd.Main
	return doc, nil
}

func checkField(l *Layout, f *FieldRef, owner string) error {
	switch f.Width {
	case 1, 2, 4, 8:
	default:
		return invalid("%s: field width must be 1, 2, 4 or 8, not %d", owner, f.Width)
	}
	if f.Offset+f.Width > l.TotalSize() {
		return invalid("%s: field at %#x (width %d) is outside the layout (%d bytes)", owner, f.Offset, f.Width, l.TotalSize())
	}
	return nil
}

func (ld *layoutDecl) build(id string, all map[string]layoutDecl) (*Layout, error) {
	var b *Builder
	switch ld.Kind {
	case "", "consecutive":
		b = MakeConsecutive()
	case "scattered":
		b = MakeScattered()
	default:
		return nil, invalid("%s: unknown layout kind %q", id, ld.Kind)
	}
	b.SetTotalSize(ld.Size)

	defined := func(ref string) bool {
		_, ok := all[ref]
		return ok
	}

	for i := range ld.Pointers {
		pd := &ld.Pointers[i]
		where := fmt.Sprintf("%s pointer #%d", id, i)

		var off pma.MultiLevelPointer
		switch {
		case pd.Offset != nil && pd.MLP != nil:
			return nil, invalid("%s: offset and mlp are mutually exclusive", where)
		case pd.Offset != nil:
			off = At(*pd.Offset)
		case pd.MLP != nil:
			off = pd.MLP
		default:
			return nil, invalid("%s: one of offset or mlp is required", where)
		}

		set := 0
		if pd.Layout != "" {
			set++
		}
		if pd.Size != 0 {
			set++
		}
		if pd.Select != nil {
			set++
		}
		if pd.SizeFrom != nil {
			set++
		}
		if set != 1 {
			return nil, invalid("%s: exactly one of layout, size, select or sizeFrom is required", where)
		}

		var pointee PointeeResolver
		switch {
		case pd.Layout != "":
			if !defined(pd.Layout) {
				return nil, invalid("%s: layout %q is not defined", where, pd.Layout)
			}
			pointee = StaticLayout(pd.Layout)
		case pd.Size != 0:
			pointee = StaticSize(pd.Size)
		case pd.Select != nil:
			sel := pd.Select
			for _, ref := range sel.Cases {
				if !defined(ref) {
					return nil, invalid("%s: layout %q is not defined", where, ref)
				}
			}
			if sel.Default != "" && !defined(sel.Default) {
				return nil, invalid("%s: layout %q is not defined", where, sel.Default)
			}
			pointee = DynamicLayout(sel.resolve)
		case pd.SizeFrom != nil:
			sf := pd.SizeFrom
			pointee = DynamicSize(func(owner []byte) uint64 {
				v, ok := sf.Value(owner)
				if !ok {
					return 0
				}
				if sf.Scale != 0 {
					v *= sf.Scale
				}
				return v
			})
		}
		b.AddPointer(off, pointee, countOrOne(pd.Count))
	}
	l := b.Build()

	for i := range ld.Pointers {
		pd := &ld.Pointers[i]
		where := fmt.Sprintf("%s pointer #%d", id, i)
		if pd.Select != nil {
			if err := checkField(l, &pd.Select.FieldRef, where); err != nil {
				return nil, err
			}
		}
		if pd.SizeFrom != nil {
			if err := checkField(l, pd.SizeFrom, where); err != nil {
				return nil, err
			}
		}
		if l.IsConsecutive() {
			last := l.SlotOffset(i, int(countOrOne(pd.Count))-1) + pma.PointerSize
			if last > l.TotalSize() {
				return nil, invalid("%s: pointer slot ends at %#x, past the layout size %d", where, last, l.TotalSize())
			}
		}
	}
	return l, nil
}

func countOrOne(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return n
}

// resolve maps the tag to a layout id. An unmatched tag without a default
// yields the empty id, which leaves the pointer unfollowed.
func (s *selectDecl) resolve(owner []byte) string {
	v, ok := s.Value(owner)
	if !ok {
		return s.Default
	}
	if id, ok := s.Cases[v]; ok {
		return id
	}
	return s.Default
}
