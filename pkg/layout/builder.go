package layout

import (
	"github.com/ge-labs/memsnap/pkg/pma"
)

// Builder accumulates the description of a layout. Builder methods return
// the receiver so that calls can be chained. A Builder must not be used
// after Build.
type Builder struct {
	consecutive bool
	totalSize   uint64
	pointers    []PtrEntry
}

// MakeConsecutive starts a layout for data that lives in one contiguous
// block of target memory.
func MakeConsecutive() *Builder {
	return &Builder{consecutive: true}
}

// MakeScattered starts a synthetic layout whose slots are gathered from
// unrelated places, e.g. to group data that is not reachable from a single
// known structure.
func MakeScattered() *Builder {
	return &Builder{consecutive: false}
}

// SetTotalSize sets the size of a consecutive layout. For scattered layouts
// the size is derived from the pointer slots and a smaller value is ignored.
func (b *Builder) SetTotalSize(n uint64) *Builder {
	b.totalSize = n
	return b
}

// At is the Offset of a pointer stored directly at byte offset off.
func At(off uint64) pma.MultiLevelPointer {
	return pma.Offset(off)
}

// AddPointer registers a pointer entry. count defaults to 1.
func (b *Builder) AddPointer(offset pma.MultiLevelPointer, pointee PointeeResolver, count ...uint64) *Builder {
	n := uint64(1)
	if len(count) > 0 {
		n = count[0]
	}
	b.pointers = append(b.pointers, PtrEntry{
		Offset:  append(pma.MultiLevelPointer(nil), offset...),
		Count:   n,
		Pointee: pointee,
	})
	return b
}

// AddLayoutPointer registers a pointer to a layout known by id.
func (b *Builder) AddLayoutPointer(offset pma.MultiLevelPointer, id string, count ...uint64) *Builder {
	return b.AddPointer(offset, StaticLayout(id), count...)
}

// AddDataPointer registers a pointer to size raw bytes.
func (b *Builder) AddDataPointer(offset pma.MultiLevelPointer, size uint64, count ...uint64) *Builder {
	return b.AddPointer(offset, StaticSize(size), count...)
}

// Build finalizes the layout.
func (b *Builder) Build() *Layout {
	l := &Layout{
		consecutive: b.consecutive,
		totalSize:   b.totalSize,
		pointers:    b.pointers,
	}
	if !l.consecutive {
		if slots := l.NumSlots() * pma.PointerSize; slots > l.totalSize {
			l.totalSize = slots
		}
	}
	b.pointers = nil
	return l
}
