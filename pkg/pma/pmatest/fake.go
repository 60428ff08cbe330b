// Package pmatest provides an in-memory address space implementing
// pma.MemoryAccess, for tests and examples.
package pmatest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ge-labs/memsnap/pkg/pma"
)

type region struct {
	addr uint64
	data []byte
}

// FakeMemory is a sparse address space made of regions written with Put.
// Reads that leave every region fail. It is safe for concurrent use so that
// tests can mutate it while a processor is capturing.
type FakeMemory struct {
	mu      sync.Mutex
	regions []region
	modules map[string]uint64
	reads   map[uint64]int
	valid   bool
	closed  bool
	failErr error
}

// NewFakeMemory returns an empty, valid address space.
func NewFakeMemory() *FakeMemory {
	return &FakeMemory{
		modules: make(map[string]uint64),
		reads:   make(map[uint64]int),
		valid:   true,
	}
}

// Put maps data at addr, replacing any region that starts at the same
// address.
func (m *FakeMemory) Put(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	for i := range m.regions {
		if m.regions[i].addr == addr {
			m.regions[i].data = cp
			return
		}
	}
	m.regions = append(m.regions, region{addr: addr, data: cp})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].addr < m.regions[j].addr })
}

// PutPointers maps a block of little-endian pointers at addr.
func (m *FakeMemory) PutPointers(addr uint64, ptrs ...uint64) {
	buf := make([]byte, len(ptrs)*pma.PointerSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(buf[i*pma.PointerSize:], p)
	}
	m.Put(addr, buf)
}

// SetModule registers the base address of a module.
func (m *FakeMemory) SetModule(name string, base uint64) {
	m.mu.Lock()
	m.modules[name] = base
	m.mu.Unlock()
}

// SetValid changes what IsValid reports.
func (m *FakeMemory) SetValid(v bool) {
	m.mu.Lock()
	m.valid = v
	m.mu.Unlock()
}

// FailReads makes every subsequent Read return err. Pass nil to recover.
func (m *FakeMemory) FailReads(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Reads returns how many times a read starting at addr was issued.
func (m *FakeMemory) Reads(addr uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[addr]
}

// Closed reports whether Close was called.
func (m *FakeMemory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *FakeMemory) Read(addr uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[addr]++
	if m.failErr != nil {
		return 0, m.failErr
	}
	n := 0
	for n < len(buf) {
		r := m.find(addr + uint64(n))
		if r == nil {
			return n, fmt.Errorf("address %#x not mapped", addr+uint64(n))
		}
		off := addr + uint64(n) - r.addr
		n += copy(buf[n:], r.data[off:])
	}
	return n, nil
}

func (m *FakeMemory) find(addr uint64) *region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].addr > addr })
	if i == 0 {
		return nil
	}
	r := &m.regions[i-1]
	if addr >= r.addr+uint64(len(r.data)) {
		return nil
	}
	return r
}

func (m *FakeMemory) Dereference(addr uint64, mlp pma.MultiLevelPointer) (uint64, error) {
	return pma.Dereference(m, addr, mlp)
}

func (m *FakeMemory) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

func (m *FakeMemory) BaseAddress(module string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.modules[module]
	if !ok {
		return 0, fmt.Errorf("%s: %w", module, pma.ErrModuleNotFound)
	}
	return base, nil
}

func (m *FakeMemory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Target wraps a FakeMemory so that it can be handed to a processor.
type Target struct {
	Mem *FakeMemory
	// OpenErr, when set, is returned by Open instead of Mem.
	OpenErr error

	mu    sync.Mutex
	opens int
}

// NewTarget returns a Target serving mem.
func NewTarget(mem *FakeMemory) *Target {
	return &Target{Mem: mem}
}

func (t *Target) Open() (pma.MemoryAccess, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	t.Mem.mu.Lock()
	t.Mem.closed = false
	t.Mem.mu.Unlock()
	return t.Mem, nil
}

// Opens returns how many times Open was called.
func (t *Target) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// SetOpenErr changes the error returned by Open.
func (t *Target) SetOpenErr(err error) {
	t.mu.Lock()
	t.OpenErr = err
	t.mu.Unlock()
}

func (t *Target) String() string {
	return "fake target"
}
