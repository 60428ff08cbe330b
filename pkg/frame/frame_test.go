package frame_test

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"github.com/ge-labs/memsnap/pkg/frame"
)

func TestAllocate(t *testing.T) {
	s := frame.NewStorage()
	a := s.Allocate(12)
	b := s.Allocate(0)
	c := s.Allocate(3)

	if len(a.Bytes) != 12 || len(b.Bytes) != 0 || len(c.Bytes) != 3 {
		t.Fatalf("unexpected lengths %d %d %d", len(a.Bytes), len(b.Bytes), len(c.Bytes))
	}
	for i, x := range a.Bytes {
		if x != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	if s.Len() != 3 || s.Size() != 15 {
		t.Fatalf("expected 3 buffers / 15 bytes, got %d / %d", s.Len(), s.Size())
	}
	seen := map[uint64]bool{}
	for _, buf := range s.Buffers() {
		if buf.LocalAddress()%8 != 0 {
			t.Fatalf("buffer at %#x is not 8 byte aligned", buf.LocalAddress())
		}
		if seen[buf.LocalAddress()] {
			t.Fatalf("duplicate local address %#x", buf.LocalAddress())
		}
		seen[buf.LocalAddress()] = true
		got, ok := s.Resolve(buf.LocalAddress())
		if !ok || got != buf {
			t.Fatalf("Resolve(%#x) did not return the buffer", buf.LocalAddress())
		}
	}
	if uint64(uintptr(unsafe.Pointer(&a.Bytes[0]))) != a.LocalAddress() {
		t.Fatal("local address does not match the first byte")
	}
	if _, ok := s.Resolve(0); ok {
		t.Fatal("Resolve(0) should fail")
	}
}

func TestBufferSlots(t *testing.T) {
	s := frame.NewStorage()
	b := s.Allocate(16)
	if !b.PutUint64(8, 0xdeadbeef) {
		t.Fatal("PutUint64 at 8 failed")
	}
	if v, ok := b.Uint64(8); !ok || v != 0xdeadbeef {
		t.Fatalf("expected 0xdeadbeef, got %#x (%v)", v, ok)
	}
	if b.PutUint64(12, 1) {
		t.Fatal("PutUint64 past the end should fail")
	}
	if _, ok := b.Uint64(^uint64(0) - 2); ok {
		t.Fatal("overflowing offset should fail")
	}
}

func TestLayoutBase(t *testing.T) {
	s := frame.NewStorage()
	root := s.Allocate(8)
	s.SetLayoutBase("Root", root)
	s.SetLayoutBase("Aux", s.Allocate(4))
	if b, ok := s.LayoutBase("Root"); !ok || b != root {
		t.Fatal("Root base not returned")
	}
	if _, ok := s.LayoutBase("Missing"); ok {
		t.Fatal("unexpected base for Missing")
	}
	if diff := cmp.Diff([]string{"Aux", "Root"}, s.LayoutIDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestHistoryEviction(t *testing.T) {
	h := frame.NewHistory(3)
	var pushed []*frame.Storage
	for i := 0; i < 5; i++ {
		s := frame.NewStorage()
		pushed = append(pushed, s)
		evicted := h.Push(s)
		if i < 3 && evicted != nil {
			t.Fatalf("push %d evicted a frame before the history was full", i)
		}
		if i >= 3 && evicted != pushed[i-3] {
			t.Fatalf("push %d evicted the wrong frame", i)
		}
		if h.Len() > h.Cap() {
			t.Fatalf("history holds %d frames, more than %d", h.Len(), h.Cap())
		}
	}
	if !h.Full() {
		t.Fatal("expected history to be full")
	}
	for idx := 0; idx < 3; idx++ {
		s, ok := h.At(idx)
		if !ok || s != pushed[4-idx] {
			t.Fatalf("frame %d is not the expected one", idx)
		}
	}
	if _, ok := h.At(3); ok {
		t.Fatal("frame 3 should be out of range")
	}
	if _, ok := h.At(-1); ok {
		t.Fatal("frame -1 should be out of range")
	}
}

func TestHistoryReset(t *testing.T) {
	h := frame.NewHistory(2)
	h.Push(frame.NewStorage())
	gen := h.Generation()
	_, before := h.Frames()
	h.Reset()
	if h.Len() != 0 {
		t.Fatalf("expected empty history after reset, got %d", h.Len())
	}
	if h.Generation() != gen+1 {
		t.Fatalf("expected generation %d, got %d", gen+1, h.Generation())
	}
	if len(before) != 1 {
		t.Fatal("slice handed out before reset must not change")
	}
}

func TestHistoryMinimumCapacity(t *testing.T) {
	if c := frame.NewHistory(0).Cap(); c != 1 {
		t.Fatalf("expected capacity 1, got %d", c)
	}
}

func TestHistoryDropNewest(t *testing.T) {
	h := frame.NewHistory(2)
	a, b := frame.NewStorage(), frame.NewStorage()
	h.Push(a)
	h.Push(b)
	h.DropNewest()
	if h.Len() != 1 {
		t.Fatalf("expected 1 frame, got %d", h.Len())
	}
	if s, _ := h.At(0); s != a {
		t.Fatal("expected the older frame to become the newest")
	}
	h.DropNewest()
	h.DropNewest()
	if h.Len() != 0 {
		t.Fatalf("expected empty history, got %d", h.Len())
	}
}
