package memproc

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/ge-labs/memsnap/pkg/frame"
)

// DataAccessor reads captured frames. It is only valid for the run that
// handed it out: once the processor stops every method returns
// ErrAccessRevoked.
//
// Frame indices count from the newest frame, 0. Methods take the frame
// index as an optional trailing argument defaulting to 0.
//
// The newest frame is being filled while the capture goroutine runs a
// cycle, so readers on other goroutines should only look at older frames or
// use Processor.Do.
type DataAccessor struct {
	history *frame.History
	gen     uint64
}

func (a *DataAccessor) frames() ([]*frame.Storage, error) {
	if a == nil || a.history == nil {
		return nil, ErrAccessRevoked
	}
	gen, frames := a.history.Frames()
	if gen != a.gen {
		return nil, ErrAccessRevoked
	}
	return frames, nil
}

// Valid reports whether the accessor still refers to a running capture.
func (a *DataAccessor) Valid() bool {
	_, err := a.frames()
	return err == nil
}

// NumberOfFrames returns how many frames are currently held.
func (a *DataAccessor) NumberOfFrames() (int, error) {
	frames, err := a.frames()
	if err != nil {
		return 0, err
	}
	return len(frames), nil
}

// Frame returns frame idx.
func (a *DataAccessor) Frame(frameIdx ...int) (*frame.Storage, error) {
	frames, err := a.frames()
	if err != nil {
		return nil, err
	}
	idx := frameIndex(frameIdx)
	if idx < 0 || idx >= len(frames) {
		return nil, fmt.Errorf("%w: %d of %d", ErrFrameOutOfRange, idx, len(frames))
	}
	return frames[idx], nil
}

func frameIndex(frameIdx []int) int {
	if len(frameIdx) == 0 {
		return 0
	}
	return frameIdx[0]
}

// Buffer returns the buffer holding main layout id in a frame.
func (a *DataAccessor) Buffer(id string, frameIdx ...int) (*frame.Buffer, error) {
	s, err := a.Frame(frameIdx...)
	if err != nil {
		return nil, err
	}
	b, ok := s.LayoutBase(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s in frame %d", ErrLayoutNotCaptured, id, frameIndex(frameIdx))
	}
	return b, nil
}

// GetRaw returns the bytes of main layout id in a frame. Pointer slots hold
// local addresses that can be resolved with View.Follow.
func (a *DataAccessor) GetRaw(id string, frameIdx ...int) ([]byte, error) {
	b, err := a.Buffer(id, frameIdx...)
	if err != nil {
		return nil, err
	}
	return b.Bytes, nil
}

// View returns a view on main layout id in a frame.
func (a *DataAccessor) View(id string, frameIdx ...int) (View, error) {
	s, err := a.Frame(frameIdx...)
	if err != nil {
		return View{}, err
	}
	b, ok := s.LayoutBase(id)
	if !ok {
		return View{}, fmt.Errorf("%w: %s in frame %d", ErrLayoutNotCaptured, id, frameIndex(frameIdx))
	}
	return View{buf: b, frame: s}, nil
}

// Get reinterprets the bytes of main layout id in a frame as a T. Pointer
// fields of T must be declared as uintptr or uint64: they hold local
// addresses, not Go pointers.
func Get[T any](a *DataAccessor, id string, frameIdx ...int) (*T, error) {
	b, err := a.GetRaw(id, frameIdx...)
	if err != nil {
		return nil, err
	}
	return cast[T](b)
}

func cast[T any](b []byte) (*T, error) {
	var zero T
	size := unsafe.Sizeof(zero)
	if size == 0 {
		return new(T), nil
	}
	if uintptr(len(b)) < size {
		return nil, fmt.Errorf("%w: %d < %d bytes", ErrShortBuffer, len(b), size)
	}
	return (*T)(unsafe.Pointer(&b[0])), nil
}

// Frames returns main layout id as a T in each of the given frames, in the
// order given. Without indices it returns every frame, newest first.
func Frames[T any](a *DataAccessor, id string, frameIdx ...int) ([]*T, error) {
	if len(frameIdx) == 0 {
		n, err := a.NumberOfFrames()
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			frameIdx = append(frameIdx, i)
		}
	}
	out := make([]*T, 0, len(frameIdx))
	for _, idx := range frameIdx {
		v, err := Get[T](a, id, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// View is a captured buffer together with the frame it belongs to, so that
// rewritten pointer slots can be followed.
type View struct {
	buf   *frame.Buffer
	frame *frame.Storage
}

// Valid reports whether v refers to a buffer.
func (v View) Valid() bool {
	return v.buf != nil
}

// Bytes returns the captured bytes.
func (v View) Bytes() []byte {
	if v.buf == nil {
		return nil
	}
	return v.buf.Bytes
}

// RealAddress returns the address the bytes were read from.
func (v View) RealAddress() uint64 {
	if v.buf == nil {
		return 0
	}
	return v.buf.RealAddress
}

// BytesRead returns how many bytes were actually copied from the target.
func (v View) BytesRead() uint64 {
	if v.buf == nil {
		return 0
	}
	return v.buf.BytesRead
}

func (v View) field(off, width uint64) ([]byte, bool) {
	b := v.Bytes()
	if off+width < off || off+width > uint64(len(b)) {
		return nil, false
	}
	return b[off : off+width], true
}

func (v View) Uint8(off uint64) (uint8, bool) {
	b, ok := v.field(off, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (v View) Uint16(off uint64) (uint16, bool) {
	b, ok := v.field(off, 2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (v View) Uint32(off uint64) (uint32, bool) {
	b, ok := v.field(off, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (v View) Uint64(off uint64) (uint64, bool) {
	b, ok := v.field(off, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// Follow resolves the pointer slot at off. It returns false when the slot
// was not followed during capture.
func (v View) Follow(off uint64) (View, bool) {
	local, ok := v.Uint64(off)
	if !ok || local == 0 {
		return View{}, false
	}
	b, ok := v.frame.Resolve(local)
	if !ok {
		return View{}, false
	}
	return View{buf: b, frame: v.frame}, true
}

// As reinterprets the view as a T, like Get.
func As[T any](v View) (*T, error) {
	return cast[T](v.Bytes())
}
