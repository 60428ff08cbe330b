package layout_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ge-labs/memsnap/pkg/layout"
	"github.com/ge-labs/memsnap/pkg/pma"
)

func TestConsecutiveBuilder(t *testing.T) {
	l := layout.MakeConsecutive().
		SetTotalSize(32).
		AddLayoutPointer(layout.At(0), "Child").
		AddDataPointer(layout.At(8), 16, 2).
		Build()

	if !l.IsConsecutive() {
		t.Fatal("expected consecutive layout")
	}
	if l.TotalSize() != 32 {
		t.Fatalf("expected size 32, got %d", l.TotalSize())
	}
	ptrs := l.Pointers()
	if len(ptrs) != 2 {
		t.Fatalf("expected 2 pointer entries, got %d", len(ptrs))
	}
	if ptrs[0].Pointee.Kind() != layout.KindLayout || ptrs[1].Pointee.Kind() != layout.KindSize {
		t.Fatalf("unexpected resolver kinds %v %v", ptrs[0].Pointee.Kind(), ptrs[1].Pointee.Kind())
	}
	if id := ptrs[0].Pointee.(layout.LayoutResolver)(nil); id != "Child" {
		t.Fatalf("expected Child, got %q", id)
	}
	if n := ptrs[1].Pointee.(layout.SizeResolver)(nil); n != 16 {
		t.Fatalf("expected 16, got %d", n)
	}
	if ptrs[0].Count != 1 || ptrs[1].Count != 2 {
		t.Fatalf("unexpected counts %d %d", ptrs[0].Count, ptrs[1].Count)
	}

	var got []uint64
	for e := range ptrs {
		for i := 0; i < int(ptrs[e].Count); i++ {
			got = append(got, l.SlotOffset(e, i))
		}
	}
	if diff := cmp.Diff([]uint64{0, 8, 16}, got); diff != "" {
		t.Fatalf("slot offsets mismatch (-want +got):\n%s", diff)
	}
}

func TestScatteredSizeDerivedFromSlots(t *testing.T) {
	l := layout.MakeScattered().
		AddLayoutPointer(pma.MultiLevelPointer{0x100, 0x8}, "Player").
		AddDataPointer(pma.MultiLevelPointer{0x200}, 4, 3).
		Build()
	if l.IsConsecutive() {
		t.Fatal("expected scattered layout")
	}
	if l.TotalSize() != 4*pma.PointerSize {
		t.Fatalf("expected derived size %d, got %d", 4*pma.PointerSize, l.TotalSize())
	}
	if off := l.SlotOffset(1, 2); off != 3*pma.PointerSize {
		t.Fatalf("expected slot offset %d, got %d", 3*pma.PointerSize, off)
	}

	big := layout.MakeScattered().SetTotalSize(64).AddDataPointer(pma.Offset(0), 4).Build()
	if big.TotalSize() != 64 {
		t.Fatalf("explicit larger size should win, got %d", big.TotalSize())
	}
}

func TestEmptyLayout(t *testing.T) {
	l := layout.MakeConsecutive().Build()
	if l.TotalSize() != 0 || len(l.Pointers()) != 0 {
		t.Fatalf("expected empty layout, got size %d and %d pointers", l.TotalSize(), len(l.Pointers()))
	}
}

func TestDynamicResolvers(t *testing.T) {
	kind := layout.DynamicLayout(func(owner []byte) string {
		if owner[0] == 1 {
			return "Monster"
		}
		return "Player"
	})
	if got := kind([]byte{1}); got != "Monster" {
		t.Fatalf("expected Monster, got %q", got)
	}
	size := layout.DynamicSize(func(owner []byte) uint64 { return uint64(owner[0]) * 4 })
	if got := size([]byte{3}); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

const testDocument = `
layouts:
  Root:
    size: 24
    pointers:
      - {offset: 0, layout: Child}
      - offset: 8
        select:
          offset: 16
          width: 1
          cases: {1: Child, 2: Other}
      - offset: 16
        sizeFrom: {offset: 20, width: 4, scale: 2}
  Child:
    size: 4
  Other:
    kind: scattered
    pointers:
      - {mlp: [0x10, 0x8], size: 8, count: 2}
main:
  - layout: Root
    module: game
    offset: 0x40
    deref: [0]
    enables:
      - layout: Other
        when: {offset: 16, width: 1, equals: 2}
  - layout: Other
`

func TestDecode(t *testing.T) {
	doc, err := layout.Decode(strings.NewReader(testDocument))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"Child", "Other", "Root"}, doc.IDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	root := doc.Layouts["Root"]
	if root.TotalSize() != 24 || len(root.Pointers()) != 3 {
		t.Fatalf("unexpected Root layout: size %d, %d pointers", root.TotalSize(), len(root.Pointers()))
	}

	owner := make([]byte, 24)
	owner[16] = 2
	owner[20] = 5
	sel := root.Pointers()[1].Pointee.(layout.LayoutResolver)
	if got := sel(owner); got != "Other" {
		t.Fatalf("expected select to yield Other, got %q", got)
	}
	owner[16] = 9
	if got := sel(owner); got != "" {
		t.Fatalf("expected unmatched tag to yield empty id, got %q", got)
	}
	size := root.Pointers()[2].Pointee.(layout.SizeResolver)
	if got := size(owner); got != 10 {
		t.Fatalf("expected sizeFrom to yield 10, got %d", got)
	}

	other := doc.Layouts["Other"]
	if other.IsConsecutive() || other.TotalSize() != 2*pma.PointerSize {
		t.Fatalf("unexpected Other layout: consecutive=%v size=%d", other.IsConsecutive(), other.TotalSize())
	}

	if len(doc.Main) != 2 || doc.Main[0].Offset != 0x40 || doc.Main[0].Module != "game" {
		t.Fatalf("unexpected main layouts %+v", doc.Main)
	}
	if len(doc.Main[0].Enables) != 1 {
		t.Fatalf("expected one enable rule, got %d", len(doc.Main[0].Enables))
	}
	when := doc.Main[0].Enables[0].When
	owner[16] = 2
	if !when.Holds(owner) {
		t.Fatal("expected enable predicate to hold")
	}
	if when.Holds(owner[:4]) {
		t.Fatal("expected predicate outside the buffer to be false")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"unknown field", "layouts:\n  A: {sise: 4}\n", "sise"},
		{"undefined pointee", "layouts:\n  A:\n    size: 8\n    pointers: [{offset: 0, layout: B}]\n", `layout "B" is not defined`},
		{"two pointees", "layouts:\n  A:\n    size: 8\n    pointers: [{offset: 0, size: 4, layout: A}]\n", "exactly one"},
		{"no offset", "layouts:\n  A:\n    size: 8\n    pointers: [{size: 4}]\n", "offset or mlp"},
		{"slot past end", "layouts:\n  A:\n    size: 8\n    pointers: [{offset: 4, size: 4}]\n", "past the layout size"},
		{"bad kind", "layouts:\n  A: {kind: sparse}\n", "unknown layout kind"},
		{"bad width", "layouts:\n  A:\n    size: 8\n    pointers: [{offset: 0, sizeFrom: {offset: 0, width: 3}}]\n", "width"},
		{"undefined main", "main: [{layout: A}]\n", "not defined"},
		{"enable earlier", "layouts:\n  A: {size: 8}\n  B: {size: 8}\nmain:\n  - layout: A\n  - layout: B\n    enables: [{layout: A}]\n", "listed after"},
		{"enable self", "layouts:\n  A: {size: 8}\nmain:\n  - layout: A\n    enables: [{layout: A}]\n", "listed after"},
		{"duplicate main", "layouts:\n  A: {size: 8}\nmain: [{layout: A}, {layout: A}]\n", "twice"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := layout.Decode(strings.NewReader(tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, layout.ErrInvalidDocument) {
				t.Fatalf("expected ErrInvalidDocument, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("expected error containing %q, got %v", tc.msg, err)
			}
		})
	}
}
