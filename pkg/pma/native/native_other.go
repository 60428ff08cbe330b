//go:build !linux
// +build !linux

package native

import (
	"errors"
	"fmt"

	"github.com/ge-labs/memsnap/pkg/pma"
)

// ErrProcessNotFound is returned by FindProcess and by Open when no process
// matches.
var ErrProcessNotFound = errors.New("process not found")

// Target is a local process identified either by pid or by name.
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

// Open always fails on this platform.
func (t *Target) Open() (pma.MemoryAccess, error) {
	return nil, pma.ErrUnsupported
}

// FindProcess always fails on this platform.
func FindProcess(name string) (int, error) {
	return 0, pma.ErrUnsupported
}
