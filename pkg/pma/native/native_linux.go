package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	sys "golang.org/x/sys/unix"

	"github.com/ge-labs/memsnap/pkg/logflags"
	"github.com/ge-labs/memsnap/pkg/pma"
)

const moduleCacheSize = 64

// ErrProcessNotFound is returned by FindProcess and by Open when no process
// matches.
var ErrProcessNotFound = errors.New("process not found")

// Target is a local process identified either by pid or by name. A named
// target is resolved to a pid every time it is opened, so that a processor
// configured to retry attaching picks up a restarted game.
type Target struct {
	Pid  int
	Name string
}

// NewTarget returns a target for an existing pid.
func NewTarget(pid int) *Target {
	return &Target{Pid: pid}
}

// NewNamedTarget returns a target that attaches to the first process whose
// command name is name.
func NewNamedTarget(name string) *Target {
	return &Target{Name: name}
}

func (t *Target) String() string {
	if t.Name != "" {
		return fmt.Sprintf("process %q", t.Name)
	}
	return fmt.Sprintf("pid %d", t.Pid)
}

// Open attaches to the target.
func (t *Target) Open() (pma.MemoryAccess, error) {
	pid := t.Pid
	if t.Name != "" {
		var err error
		pid, err = FindProcess(t.Name)
		if err != nil {
			return nil, err
		}
	}
	if err := sys.Kill(pid, 0); err != nil && err != sys.EPERM {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}
	cache, err := lru.New(moduleCacheSize)
	if err != nil {
		return nil, err
	}
	log := logflags.NativeLogger().WithField("pid", pid)
	log.Debugf("attached")
	return &memoryAccess{pid: pid, modules: cache, log: log}, nil
}

// FindProcess returns the pid of the first process whose /proc/<pid>/comm
// equals name.
func FindProcess(name string) (int, error) {
	dirs, err := filepath.Glob("/proc/[0-9]*")
	if err != nil {
		return 0, err
	}
	for _, dir := range dirs {
		pid, err := strconv.Atoi(filepath.Base(dir))
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(dir, "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrProcessNotFound)
}

type memoryAccess struct {
	pid     int
	modules *lru.Cache
	log     logflags.Logger

	mu     sync.Mutex
	closed bool
}

func (m *memoryAccess) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Read calls process_vm_readv.
func (m *memoryAccess) Read(addr uint64, buf []byte) (int, error) {
	if m.isClosed() {
		return 0, pma.ErrProcessNotOpen
	}
	if len(buf) == 0 {
		return 0, nil
	}
	local := []sys.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []sys.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := sys.ProcessVMReadv(m.pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_readv %#x (%d bytes): %w", addr, len(buf), err)
	}
	if n < len(buf) {
		return n, fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return n, nil
}

func (m *memoryAccess) Dereference(addr uint64, mlp pma.MultiLevelPointer) (uint64, error) {
	return pma.Dereference(m, addr, mlp)
}

func (m *memoryAccess) IsValid() bool {
	if m.isClosed() {
		return false
	}
	err := sys.Kill(m.pid, 0)
	return err == nil || err == sys.EPERM
}

// BaseAddress returns the load address of module. Results are cached for
// the lifetime of the handle: a module is not expected to move while the
// process is alive.
func (m *memoryAccess) BaseAddress(module string) (uint64, error) {
	if v, ok := m.modules.Get(module); ok {
		return v.(uint64), nil
	}
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", m.pid))
	if err != nil {
		return 0, err
	}
	entries, err := parseMaps(string(buf))
	if err != nil {
		return 0, err
	}
	base, ok := moduleBase(entries, module)
	if !ok {
		return 0, fmt.Errorf("%s: %w", module, pma.ErrModuleNotFound)
	}
	m.log.Debugf("module %s loaded at %#x", module, base)
	m.modules.Add(module, base)
	return base, nil
}

func (m *memoryAccess) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.modules.Purge()
	m.log.Debugf("detached")
	return nil
}
