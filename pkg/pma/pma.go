// Package pma describes how memsnap talks to the memory of a foreign
// process. The capture engine only ever reads through these interfaces; it
// never writes to the target.
package pma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// PointerSize is the size in bytes of a pointer in the target process.
// Only 64-bit targets are supported.
const PointerSize = 8

var (
	// ErrProcessNotOpen is returned when an operation is attempted on a
	// MemoryAccess that was closed or never opened.
	ErrProcessNotOpen = errors.New("process not open")

	// ErrModuleNotFound is returned by BaseAddress when the module is not
	// mapped in the target.
	ErrModuleNotFound = errors.New("module not found")

	// ErrUnsupported is returned by backends that are not available on the
	// current operating system.
	ErrUnsupported = errors.New("process memory access not supported on this platform")
)

// MemoryReader reads target memory. It is like io.ReaderAt, but the offset
// is a uint64 so that it can address all of 64-bit memory.
type MemoryReader interface {
	// Read reads len(buf) bytes starting at addr. It returns the number of
	// bytes actually read, which may be less than len(buf) together with a
	// non-nil error.
	Read(addr uint64, buf []byte) (n int, err error)
}

// MemoryAccess is an open handle on the memory of a target process.
type MemoryAccess interface {
	MemoryReader
	// Dereference follows mlp starting at addr and returns the final
	// address. See the package level Dereference function for the default
	// semantics.
	Dereference(addr uint64, mlp MultiLevelPointer) (uint64, error)
	// IsValid reports whether the target is still alive and readable.
	IsValid() bool
	// BaseAddress returns the load address of the named module.
	BaseAddress(module string) (uint64, error)
	// Close releases the handle.
	Close() error
}

// Target is a process that can be attached to.
type Target interface {
	// Open attaches to the process and returns a handle on its memory.
	Open() (MemoryAccess, error)
	// String describes the target for logging.
	String() string
}

// MultiLevelPointer is a chain of offsets. Each offset is added to the
// current address and the pointer stored there becomes the next address.
type MultiLevelPointer []uint64

// Offset returns the mlp for a single level of indirection at off.
func Offset(off uint64) MultiLevelPointer {
	return MultiLevelPointer{off}
}

// First returns the first offset of the chain, or 0 for an empty chain.
func (mlp MultiLevelPointer) First() uint64 {
	if len(mlp) == 0 {
		return 0
	}
	return mlp[0]
}

// Rest returns the chain without its first offset.
func (mlp MultiLevelPointer) Rest() MultiLevelPointer {
	if len(mlp) <= 1 {
		return nil
	}
	return mlp[1:]
}

func (mlp MultiLevelPointer) String() string {
	parts := make([]string, len(mlp))
	for i, off := range mlp {
		parts[i] = fmt.Sprintf("%#x", off)
	}
	return "[" + strings.Join(parts, " -> ") + "]"
}

// ReadPointer reads one little-endian pointer at addr.
func ReadPointer(mem MemoryReader, addr uint64) (uint64, error) {
	var buf [PointerSize]byte
	n, err := mem.Read(addr, buf[:])
	if err != nil {
		return 0, err
	}
	if n != PointerSize {
		return 0, fmt.Errorf("short pointer read at %#x: %d bytes", addr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Dereference implements the default multi-level pointer walk used by the
// bundled MemoryAccess implementations: for each offset in mlp the pointer
// stored at addr+offset is loaded and becomes the new addr. A zero pointer
// in the middle of the chain ends the walk and returns 0.
func Dereference(mem MemoryReader, addr uint64, mlp MultiLevelPointer) (uint64, error) {
	for _, off := range mlp {
		if addr == 0 {
			return 0, nil
		}
		next, err := ReadPointer(mem, addr+off)
		if err != nil {
			return 0, err
		}
		addr = next
	}
	return addr, nil
}
