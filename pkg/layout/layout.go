// Package layout describes the shape of memory regions that memsnap copies
// out of a target process.
//
// A Layout is a size plus a list of pointer slots. Each slot says how to find
// the pointee and how to decide what the pointee is, either another layout
// (by id) or a raw block of bytes (by size). The decision is made against the
// bytes already read for the owning region, so a tag field can select the
// layout of a sibling pointer.
//
// There are two kinds of layouts:
//
//   - consecutive layouts map a contiguous block of target memory. Pointer
//     offsets are byte offsets into that block.
//   - scattered layouts are synthetic structs made of pointer sized slots,
//     one per pointer element, in declaration order. Each slot is filled by
//     walking its multi-level pointer from the layout's base address.
//
// Layouts are immutable once built and can be shared between goroutines.
package layout

import (
	"github.com/ge-labs/memsnap/pkg/pma"
)

// ResolverKind tags the variant held by a PointeeResolver.
type ResolverKind uint8

const (
	// KindLayout resolvers produce a layout id.
	KindLayout ResolverKind = iota
	// KindSize resolvers produce a byte count.
	KindSize
)

func (k ResolverKind) String() string {
	switch k {
	case KindLayout:
		return "layout"
	case KindSize:
		return "size"
	}
	return "unknown"
}

// PointeeResolver decides what a pointer slot points at. It is a closed sum
// type: the only implementations are LayoutResolver and SizeResolver.
type PointeeResolver interface {
	Kind() ResolverKind
	isResolver()
}

// LayoutResolver yields the id of the layout to read at the pointee. An
// empty id means the pointer is not followed.
type LayoutResolver func(owner []byte) string

// SizeResolver yields the number of raw bytes to read at the pointee. Zero
// means the pointer is not followed.
type SizeResolver func(owner []byte) uint64

func (LayoutResolver) Kind() ResolverKind { return KindLayout }
func (LayoutResolver) isResolver()        {}
func (SizeResolver) Kind() ResolverKind   { return KindSize }
func (SizeResolver) isResolver()          {}

// StaticLayout returns a resolver that always yields id.
func StaticLayout(id string) LayoutResolver {
	return func([]byte) string { return id }
}

// DynamicLayout returns fn as a resolver.
func DynamicLayout(fn func(owner []byte) string) LayoutResolver {
	return LayoutResolver(fn)
}

// StaticSize returns a resolver that always yields n.
func StaticSize(n uint64) SizeResolver {
	return func([]byte) uint64 { return n }
}

// DynamicSize returns fn as a resolver.
func DynamicSize(fn func(owner []byte) uint64) SizeResolver {
	return SizeResolver(fn)
}

// PtrEntry is one pointer field of a layout.
type PtrEntry struct {
	// Offset locates the pointer. For consecutive layouts Offset.First() is
	// the byte offset of the slot in the owning block and the remaining
	// levels are followed from the value stored there. For scattered layouts
	// the whole chain is walked from the layout's base address.
	Offset pma.MultiLevelPointer
	// Count is the number of consecutive pointers, at least 1.
	Count uint64
	// Pointee decides what is read at the target of each pointer.
	Pointee PointeeResolver
}

// Layout is an immutable description of a memory region.
type Layout struct {
	consecutive bool
	totalSize   uint64
	pointers    []PtrEntry
}

// IsConsecutive reports whether the layout maps one contiguous block.
func (l *Layout) IsConsecutive() bool {
	return l.consecutive
}

// TotalSize is the number of bytes allocated for the layout in a frame.
func (l *Layout) TotalSize() uint64 {
	return l.totalSize
}

// Pointers returns the pointer entries in declaration order. The returned
// slice must not be modified.
func (l *Layout) Pointers() []PtrEntry {
	return l.pointers
}

// SlotOffset returns the position, inside a buffer holding this layout, of
// element i of pointer entry e.
func (l *Layout) SlotOffset(entry, i int) uint64 {
	if l.consecutive {
		return l.pointers[entry].Offset.First() + uint64(i)*pma.PointerSize
	}
	var off uint64
	for j := 0; j < entry; j++ {
		off += l.pointers[j].Count * pma.PointerSize
	}
	return off + uint64(i)*pma.PointerSize
}

// NumSlots returns the total number of pointer elements.
func (l *Layout) NumSlots() uint64 {
	var n uint64
	for _, p := range l.pointers {
		n += p.Count
	}
	return n
}
