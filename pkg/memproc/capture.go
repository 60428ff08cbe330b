package memproc

import (
	"fmt"

	"github.com/ge-labs/memsnap/pkg/frame"
	"github.com/ge-labs/memsnap/pkg/layout"
	"github.com/ge-labs/memsnap/pkg/pma"
)

// pendingSlot is a pointer slot whose pointee still has to be read.
type pendingSlot struct {
	owner    *frame.Buffer
	slot     uint64
	addr     uint64
	resolver layout.PointeeResolver
	depth    int
}

// pass is the state of one capture pass.
type pass struct {
	cur *frame.Storage
	// pointers maps addresses in the target to the buffer already holding
	// them in this frame.
	pointers map[uint64]*frame.Buffer
}

// readMainLayouts pushes a new frame and fills it. A frame whose pass
// failed is dropped again, together with the frame counts it added.
func (p *Processor) readMainLayouts() error {
	ps := &pass{cur: frame.NewStorage(), pointers: make(map[uint64]*frame.Buffer)}
	p.history.Push(ps.cur)
	var counted []*mainLayout
	complete := false
	defer func() {
		if complete {
			return
		}
		for _, ml := range counted {
			if ml.consecutiveFrames > 0 {
				ml.consecutiveFrames--
			}
		}
		p.history.DropNewest()
	}()

	for _, ml := range p.mains {
		if !ml.active {
			continue
		}
		base, err := ml.callbacks.BaseLocator(p.mem, ml.dataFromEnabler)
		if err != nil {
			return fmt.Errorf("locating %s: %w", ml.id, err)
		}
		if base == 0 {
			p.runLog.Debugf("%s not present", ml.id)
			ml.consecutiveFrames = 0
			ml.readyFired = false
			continue
		}
		buf, err := p.readLayout(ps, ml.id, base)
		if err != nil {
			return err
		}
		ps.cur.SetLayoutBase(ml.id, buf)
		ml.consecutiveFrames++
		counted = append(counted, ml)

		if ml.callbacks.Enabler == nil {
			continue
		}
		en := &Enabler{p: p, owner: ml}
		err = ml.callbacks.Enabler(p.accessor, en)
		if en.err != nil {
			return en.err
		}
		if err != nil {
			return &UpdateError{Callback: ml.id + " enabler", Err: err}
		}
	}
	complete = true
	return nil
}

// readLayout copies the layout id found at addr and everything reachable
// from it. Pointees are visited depth first in declaration order, so the
// first slot to reach an address decides which layout it is read as.
func (p *Processor) readLayout(ps *pass, id string, addr uint64) (*frame.Buffer, error) {
	l, ok := p.layouts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayout, id)
	}
	if b, ok := ps.pointers[addr]; ok && l.IsConsecutive() {
		return b, nil
	}
	root, err := p.allocate(ps, l.TotalSize(), addr)
	if err != nil {
		return nil, err
	}
	if l.IsConsecutive() {
		n, err := p.mem.Read(addr, root.Bytes)
		if err != nil {
			return nil, &ReadError{Layout: id, Addr: addr, Want: l.TotalSize(), Got: n, Err: err}
		}
		root.BytesRead = uint64(n)
		ps.pointers[addr] = root
	}

	stack, err := p.expand(nil, l, root, 1)
	if err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if b, ok := ps.pointers[it.addr]; ok {
			it.owner.PutUint64(it.slot, b.LocalAddress())
			continue
		}

		switch r := it.resolver.(type) {
		case layout.LayoutResolver:
			cid := r(it.owner.Bytes)
			if cid == "" {
				it.owner.PutUint64(it.slot, 0)
				continue
			}
			cl, ok := p.layouts[cid]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownLayout, cid)
			}
			if it.depth > p.maxDepth {
				return nil, fmt.Errorf("%w: %s at %#x is %d levels below %s", ErrDepthExceeded, cid, it.addr, it.depth, id)
			}
			b, ok := p.readData(ps, cl.TotalSize(), it.addr, cl.IsConsecutive())
			if !ok {
				it.owner.PutUint64(it.slot, 0)
				continue
			}
			ps.pointers[it.addr] = b
			it.owner.PutUint64(it.slot, b.LocalAddress())
			stack, err = p.expand(stack, cl, b, it.depth+1)
			if err != nil {
				return nil, err
			}

		case layout.SizeResolver:
			n := r(it.owner.Bytes)
			if n == 0 {
				it.owner.PutUint64(it.slot, 0)
				continue
			}
			b, ok := p.readData(ps, n, it.addr, true)
			if !ok {
				it.owner.PutUint64(it.slot, 0)
				continue
			}
			ps.pointers[it.addr] = b
			it.owner.PutUint64(it.slot, b.LocalAddress())
		}
	}
	return root, nil
}

// expand pushes the pointees of buf, which holds layout l, onto stack. Slots
// that are not followed are zeroed. Entries are pushed in reverse so that
// they are popped in declaration order.
func (p *Processor) expand(stack []pendingSlot, l *layout.Layout, buf *frame.Buffer, depth int) ([]pendingSlot, error) {
	ptrs := l.Pointers()
	start := len(stack)
	for e := range ptrs {
		entry := &ptrs[e]
		for i := 0; i < int(entry.Count); i++ {
			slot := l.SlotOffset(e, i)
			if slot+pma.PointerSize > uint64(len(buf.Bytes)) {
				return stack, fmt.Errorf("%w: slot at %#x, layout is %d bytes", ErrSlotOutOfRange, slot, len(buf.Bytes))
			}
			addr := p.slotTarget(l, entry, buf, slot, i)
			if addr == 0 {
				buf.PutUint64(slot, 0)
				continue
			}
			stack = append(stack, pendingSlot{owner: buf, slot: slot, addr: addr, resolver: entry.Pointee, depth: depth})
		}
	}
	for i, j := start, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack, nil
}

// slotTarget returns the address in the target that element i of entry
// points at, or 0 if it cannot be followed.
func (p *Processor) slotTarget(l *layout.Layout, entry *layout.PtrEntry, buf *frame.Buffer, slot uint64, i int) uint64 {
	var addr uint64
	var err error
	if l.IsConsecutive() {
		v, _ := buf.Uint64(slot)
		if v == 0 {
			return 0
		}
		addr, err = p.mem.Dereference(v, entry.Offset.Rest())
	} else {
		addr, err = p.mem.Dereference(buf.RealAddress+uint64(i)*pma.PointerSize, entry.Offset)
	}
	if err != nil {
		p.runLog.Debugf("not following %s at slot %#x: %v", entry.Offset, slot, err)
		return 0
	}
	return addr
}

// allocate reserves a buffer of size bytes for data found at addr.
func (p *Processor) allocate(ps *pass, size, addr uint64) (*frame.Buffer, error) {
	if size > p.maxAlloc {
		return nil, fmt.Errorf("buffer of %d bytes at %#x exceeds the %d bytes limit", size, addr, p.maxAlloc)
	}
	b := ps.cur.Allocate(size)
	b.RealAddress = addr
	return b, nil
}

// readData allocates size bytes for addr and, if read is set, copies them
// from the target. A failed read keeps the buffer with BytesRead set to
// what was actually copied. ok is false only when the allocation was
// refused.
func (p *Processor) readData(ps *pass, size, addr uint64, read bool) (*frame.Buffer, bool) {
	b, err := p.allocate(ps, size, addr)
	if err != nil {
		p.runLog.Warnf("not following pointer: %v", err)
		return nil, false
	}
	if !read {
		return b, true
	}
	n, err := p.mem.Read(addr, b.Bytes)
	if n > 0 {
		b.BytesRead = uint64(n)
	}
	if err != nil {
		p.runLog.Debugf("short read at %#x: %d of %d bytes: %v", addr, n, size, err)
	}
	return b, true
}

// runUpdate fires OnReady for layouts that just became ready and calls the
// update callback, once the history is full.
func (p *Processor) runUpdate() error {
	if !p.history.Full() {
		return nil
	}
	for _, ml := range p.mains {
		if !ml.active || ml.readyFired || ml.consecutiveFrames < uint(p.framesToKeep) {
			continue
		}
		ml.readyFired = true
		if ml.callbacks.OnReady != nil {
			ml.callbacks.OnReady(p.accessor)
		}
	}
	if err := p.update(p.accessor); err != nil {
		return &UpdateError{Callback: "update", Err: err}
	}
	return nil
}
