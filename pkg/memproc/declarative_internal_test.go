package memproc

import (
	"errors"
	"strings"
	"testing"

	"github.com/ge-labs/memsnap/pkg/layout"
	"github.com/ge-labs/memsnap/pkg/pma"
)

func TestDeclaredDisableErrorsNameTheOwner(t *testing.T) {
	pass := uint64(8)
	for _, tc := range []struct {
		name string
		rule layout.EnableDecl
	}{
		{"predicate", layout.EnableDecl{Layout: "Earlier", When: &layout.FieldRef{Offset: 8, Width: 8}}},
		{"pass", layout.EnableDecl{Layout: "Earlier", Pass: &pass}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := New(nil)
			locate := func(pma.MemoryAccess, *uint64) (uint64, error) { return 0, nil }
			if err := p.AddMainLayout("Earlier", MainLayoutCallbacks{BaseLocator: locate}); err != nil {
				t.Fatal(err)
			}
			cb := DeclaredCallbacks(layout.MainDecl{Layout: "Root", Enables: []layout.EnableDecl{tc.rule}})
			if err := p.AddMainLayout("Root", cb); err != nil {
				t.Fatal(err)
			}

			// Root holds 0 at offset 8: the predicate is false and the slot
			// cannot be followed, so both rules disable their target.
			acc, _ := testAccessor(0)
			en := &Enabler{p: p, owner: p.mainByID["Root"]}
			err := cb.Enabler(acc, en)
			if !errors.Is(err, ErrEnableOrder) {
				t.Fatalf("expected ErrEnableOrder, got %v", err)
			}
			if !strings.HasPrefix(err.Error(), "Root: ") {
				t.Fatalf("expected error prefixed with the owning layout, got %q", err)
			}
			if !errors.Is(en.err, ErrEnableOrder) {
				t.Fatalf("expected the enabler to remember the violation, got %v", en.err)
			}
		})
	}
}
