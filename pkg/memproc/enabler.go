package memproc

import (
	"fmt"
)

// Enabler is handed to a main layout's enabler callback. It toggles main
// layouts registered after the owning one; the change takes effect in the
// same cycle since those layouts have not been read yet.
type Enabler struct {
	p     *Processor
	owner *mainLayout
	err   error
}

// Enable activates main layout id. The optional data is passed to its base
// locator until the layout is enabled again; without data the locator gets
// nil.
func (e *Enabler) Enable(id string, data ...uint64) error {
	ml, err := e.subsequent(id)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		v := data[0]
		ml.dataFromEnabler = &v
	} else {
		ml.dataFromEnabler = nil
	}
	if !ml.active {
		e.p.runLog.Debugf("%s enabled by %s", id, e.owner.id)
	}
	ml.active = true
	return nil
}

// Disable deactivates main layout id, calling its OnDisabled callback if it
// was active.
func (e *Enabler) Disable(id string) error {
	ml, err := e.subsequent(id)
	if err != nil {
		return err
	}
	if !ml.active {
		return nil
	}
	e.p.runLog.Debugf("%s disabled by %s", id, e.owner.id)
	ml.active = false
	ml.consecutiveFrames = 0
	ml.readyFired = false
	if ml.callbacks.OnDisabled != nil {
		ml.callbacks.OnDisabled(e.p.accessor)
	}
	return nil
}

// subsequent returns main layout id if the owner may toggle it. Violations
// are remembered so that they stop the processor even if the callback
// ignores the returned error.
func (e *Enabler) subsequent(id string) (*mainLayout, error) {
	ml, ok := e.p.mainByID[id]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownMainLayout, id)
		e.fail(err)
		return nil, err
	}
	if ml.index <= e.owner.index {
		err := fmt.Errorf("%w: %s cannot toggle %s", ErrEnableOrder, e.owner.id, id)
		e.fail(err)
		return nil, err
	}
	return ml, nil
}

func (e *Enabler) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
