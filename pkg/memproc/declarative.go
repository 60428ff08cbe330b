package memproc

import (
	"fmt"

	"github.com/ge-labs/memsnap/pkg/layout"
	"github.com/ge-labs/memsnap/pkg/pma"
)

// LoadDocument registers every layout of doc and adds its main layouts with
// callbacks built by DeclaredCallbacks.
func (p *Processor) LoadDocument(doc *layout.Document) error {
	for _, id := range doc.IDs() {
		if err := p.RegisterLayout(id, doc.Layouts[id]); err != nil {
			return err
		}
	}
	for _, m := range doc.Main {
		if err := p.AddMainLayout(m.Layout, DeclaredCallbacks(m)); err != nil {
			return err
		}
	}
	return nil
}

// DeclaredCallbacks builds the callbacks of a declared main layout.
//
// The base locator starts from the address passed by the enabling layout
// if any, else from the load address of m.Module if set, else from 0. It
// adds m.Offset and walks m.Deref.
//
// The enabler evaluates every rule of m.Enables against the bytes of the
// layout just read: layouts whose predicate holds are enabled, the others
// disabled. A rule with Pass hands the real address of the pointee of that
// slot to the enabled layout, and disables it when the slot was not
// followed.
func DeclaredCallbacks(m layout.MainDecl) MainLayoutCallbacks {
	cb := MainLayoutCallbacks{
		BaseLocator: func(mem pma.MemoryAccess, data *uint64) (uint64, error) {
			var start uint64
			switch {
			case data != nil:
				start = *data
			case m.Module != "":
				base, err := mem.BaseAddress(m.Module)
				if err != nil {
					return 0, err
				}
				start = base
			}
			return mem.Dereference(start+m.Offset, m.Deref)
		},
	}
	if len(m.Enables) == 0 {
		return cb
	}
	cb.Enabler = func(acc *DataAccessor, en *Enabler) error {
		own, err := acc.View(m.Layout)
		if err != nil {
			return err
		}
		for _, rule := range m.Enables {
			if rule.When != nil && !rule.When.Holds(own.Bytes()) {
				if err := en.Disable(rule.Layout); err != nil {
					return fmt.Errorf("%s: %w", m.Layout, err)
				}
				continue
			}
			var data []uint64
			if rule.Pass != nil {
				target, ok := own.Follow(*rule.Pass)
				if !ok {
					if err := en.Disable(rule.Layout); err != nil {
						return fmt.Errorf("%s: %w", m.Layout, err)
					}
					continue
				}
				data = append(data, target.RealAddress())
			}
			if err := en.Enable(rule.Layout, data...); err != nil {
				return fmt.Errorf("%s: %w", m.Layout, err)
			}
		}
		return nil
	}
	return cb
}
