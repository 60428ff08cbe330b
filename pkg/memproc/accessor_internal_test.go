package memproc

import (
	"errors"
	"testing"

	"github.com/ge-labs/memsnap/pkg/frame"
)

func testAccessor(values ...uint64) (*DataAccessor, *frame.History) {
	h := frame.NewHistory(len(values))
	for _, v := range values {
		s := frame.NewStorage()
		root := s.Allocate(16)
		child := s.Allocate(4)
		child.RealAddress = 0x2000
		copy(child.Bytes, []byte{1, 2, 3, 4})
		root.PutUint64(0, child.LocalAddress())
		root.PutUint64(8, v)
		root.RealAddress = 0x1000
		s.SetLayoutBase("Root", root)
		h.Push(s)
	}
	return &DataAccessor{history: h, gen: h.Generation()}, h
}

func TestAccessorFrames(t *testing.T) {
	acc, _ := testAccessor(1, 2, 3)
	if n, err := acc.NumberOfFrames(); err != nil || n != 3 {
		t.Fatalf("expected 3 frames, got %d (%v)", n, err)
	}
	type root struct {
		Child uintptr
		Value uint64
	}
	newest, err := Get[root](acc, "Root")
	if err != nil {
		t.Fatal(err)
	}
	if newest.Value != 3 {
		t.Fatalf("expected newest value 3, got %d", newest.Value)
	}
	vals, err := Frames[root](acc, "Root", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0].Value != 1 || vals[1].Value != 3 {
		t.Fatalf("expected 1 and 3, got %d and %d", vals[0].Value, vals[1].Value)
	}
	if _, err := acc.GetRaw("Root", 3); !errors.Is(err, ErrFrameOutOfRange) {
		t.Fatalf("expected ErrFrameOutOfRange, got %v", err)
	}
	if _, err := acc.GetRaw("Nope"); !errors.Is(err, ErrLayoutNotCaptured) {
		t.Fatalf("expected ErrLayoutNotCaptured, got %v", err)
	}
	if _, err := Get[[32]byte](acc, "Root"); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestViewFollow(t *testing.T) {
	acc, _ := testAccessor(7)
	v, err := acc.View("Root")
	if err != nil {
		t.Fatal(err)
	}
	if v.RealAddress() != 0x1000 {
		t.Fatalf("expected 0x1000, got %#x", v.RealAddress())
	}
	child, ok := v.Follow(0)
	if !ok {
		t.Fatal("expected slot 0 to resolve")
	}
	if child.RealAddress() != 0x2000 {
		t.Fatalf("expected child at 0x2000, got %#x", child.RealAddress())
	}
	if x, ok := child.Uint32(0); !ok || x != 0x04030201 {
		t.Fatalf("expected 0x04030201, got %#x (%v)", x, ok)
	}
	if _, ok := child.Uint64(0); ok {
		t.Fatal("expected read past the end to fail")
	}
	// slot 8 holds a plain value, not a local address
	if _, ok := v.Follow(8); ok {
		t.Fatal("expected a value that is not a local address not to resolve")
	}
	if _, ok := (View{}).Follow(0); ok {
		t.Fatal("expected an empty view not to resolve")
	}
}

func TestAccessorRevoked(t *testing.T) {
	acc, h := testAccessor(1, 2)
	if !acc.Valid() {
		t.Fatal("expected valid accessor")
	}
	h.Reset()
	h.Push(frame.NewStorage())
	if _, err := acc.NumberOfFrames(); !errors.Is(err, ErrAccessRevoked) {
		t.Fatalf("expected ErrAccessRevoked, got %v", err)
	}
	if _, err := acc.View("Root"); !errors.Is(err, ErrAccessRevoked) {
		t.Fatalf("expected ErrAccessRevoked, got %v", err)
	}
	var nilAcc *DataAccessor
	if nilAcc.Valid() {
		t.Fatal("expected nil accessor to be invalid")
	}
}
