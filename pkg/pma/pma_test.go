package pma_test

import (
	"testing"

	"github.com/ge-labs/memsnap/pkg/pma"
	"github.com/ge-labs/memsnap/pkg/pma/pmatest"
)

func TestDereference(t *testing.T) {
	mem := pmatest.NewFakeMemory()
	mem.PutPointers(0x1000, 0, 0x2000)
	mem.PutPointers(0x2000, 0, 0, 0x3000)

	tests := []struct {
		name string
		addr uint64
		mlp  pma.MultiLevelPointer
		want uint64
	}{
		{"empty", 0x1000, nil, 0x1000},
		{"one level", 0x1000, pma.Offset(8), 0x2000},
		{"two levels", 0x1000, pma.MultiLevelPointer{8, 16}, 0x3000},
		{"null in chain", 0x1000, pma.MultiLevelPointer{0, 16}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pma.Dereference(mem, tc.addr, tc.mlp)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %#x got %#x", tc.want, got)
			}
		})
	}
}

func TestDereferenceUnmapped(t *testing.T) {
	mem := pmatest.NewFakeMemory()
	if _, err := pma.Dereference(mem, 0x5000, pma.Offset(0)); err == nil {
		t.Fatal("expected error reading unmapped memory")
	}
}

func TestMultiLevelPointerString(t *testing.T) {
	mlp := pma.MultiLevelPointer{0x10, 0x8}
	if s := mlp.String(); s != "[0x10 -> 0x8]" {
		t.Fatalf("unexpected string %q", s)
	}
	if mlp.First() != 0x10 || len(mlp.Rest()) != 1 || mlp.Rest()[0] != 0x8 {
		t.Fatalf("unexpected First/Rest: %#x %v", mlp.First(), mlp.Rest())
	}
	if pma.MultiLevelPointer(nil).Rest() != nil {
		t.Fatal("expected nil rest for empty chain")
	}
}

func TestFakeMemoryShortRead(t *testing.T) {
	mem := pmatest.NewFakeMemory()
	mem.Put(0x100, []byte{1, 2, 3})
	buf := make([]byte, 6)
	n, err := mem.Read(0x100, buf)
	if err == nil {
		t.Fatal("expected error on read past region end")
	}
	if n != 3 {
		t.Fatalf("expected 3 bytes read, got %d", n)
	}
}
