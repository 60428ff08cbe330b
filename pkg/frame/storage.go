// Package frame holds the memory captured during one pass over the target
// (a frame) and the bounded history of recent frames.
package frame

import (
	"encoding/binary"
	"sort"
	"unsafe"
)

// Metadata describes where a buffer was copied from.
type Metadata struct {
	// RealAddress is the address of the data in the target process.
	RealAddress uint64
	// BytesRead is how many bytes the read actually returned. It is less
	// than len(Bytes) after a short read and 0 for synthetic buffers.
	BytesRead uint64
}

// Buffer is one allocation of a Storage.
type Buffer struct {
	Metadata
	// Bytes is the captured data. The backing array is 8 byte aligned.
	Bytes []byte

	local uint64
}

// LocalAddress is the address of the first byte of the buffer in this
// process. Pointer slots rewritten by the processor hold this value.
func (b *Buffer) LocalAddress() uint64 {
	return b.local
}

// Uint64 reads a little-endian pointer sized value at off.
func (b *Buffer) Uint64(off uint64) (uint64, bool) {
	if off+8 < off || off+8 > uint64(len(b.Bytes)) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b.Bytes[off:]), true
}

// PutUint64 writes v at off. It reports false if the slot does not fit.
func (b *Buffer) PutUint64(off, v uint64) bool {
	if off+8 < off || off+8 > uint64(len(b.Bytes)) {
		return false
	}
	binary.LittleEndian.PutUint64(b.Bytes[off:], v)
	return true
}

// Storage is an append-only arena of buffers for one frame. Buffers live as
// long as the Storage; there is no way to free a single buffer.
type Storage struct {
	buffers []*Buffer
	byLocal map[uint64]*Buffer
	bases   map[string]*Buffer
	size    uint64
}

// NewStorage returns an empty arena.
func NewStorage() *Storage {
	return &Storage{
		byLocal: make(map[uint64]*Buffer),
		bases:   make(map[string]*Buffer),
	}
}

// Allocate appends a zeroed buffer of size bytes. The caller fills in the
// metadata.
func (s *Storage) Allocate(size uint64) *Buffer {
	words := make([]uint64, (size+7)/8+1)
	base := unsafe.Pointer(&words[0])
	b := &Buffer{
		Bytes: unsafe.Slice((*byte)(base), len(words)*8)[:size:size],
		local: uint64(uintptr(base)),
	}
	s.buffers = append(s.buffers, b)
	s.byLocal[b.local] = b
	s.size += size
	return b
}

// Resolve returns the buffer whose local address is local.
func (s *Storage) Resolve(local uint64) (*Buffer, bool) {
	b, ok := s.byLocal[local]
	return b, ok
}

// SetLayoutBase records b as the anchor of layout id in this frame.
func (s *Storage) SetLayoutBase(id string, b *Buffer) {
	s.bases[id] = b
}

// LayoutBase returns the anchor buffer registered for id.
func (s *Storage) LayoutBase(id string) (*Buffer, bool) {
	b, ok := s.bases[id]
	return b, ok
}

// LayoutIDs returns the ids with a registered base, sorted.
func (s *Storage) LayoutIDs() []string {
	ids := make([]string, 0, len(s.bases))
	for id := range s.bases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Buffers returns the buffers in allocation order.
func (s *Storage) Buffers() []*Buffer {
	return s.buffers
}

// Len returns the number of buffers.
func (s *Storage) Len() int {
	return len(s.buffers)
}

// Size returns the number of bytes allocated.
func (s *Storage) Size() uint64 {
	return s.size
}
