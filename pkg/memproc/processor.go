// Package memproc implements the capture engine: a background goroutine
// that repeatedly copies a graph of typed memory regions out of a target
// process into frames, keeps the most recent frames, and hands them to a
// user callback.
//
// A Processor is configured while idle with layouts (RegisterLayout), the
// roots of the graph (AddMainLayout) and the update callback
// (SetUpdateCallback). Once started every capture cycle:
//
//  1. pushes a fresh frame into the history;
//  2. reads every active main layout, in registration order, following all
//     pointers reachable from it and rewriting every pointer slot with the
//     local address of the copy (or 0 when the pointer was not followed);
//  3. calls each main layout's enabler, which may toggle main layouts that
//     were registered after it;
//  4. once the history is full, calls OnReady for main layouts that just
//     became ready and then the update callback.
//
// All callbacks run on the capture goroutine.
package memproc

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ge-labs/memsnap/pkg/frame"
	"github.com/ge-labs/memsnap/pkg/layout"
	"github.com/ge-labs/memsnap/pkg/logflags"
	"github.com/ge-labs/memsnap/pkg/pma"
)

const (
	// DefaultFramesToKeep is used when SetUpdateCallback is passed 0.
	DefaultFramesToKeep = 2
	// DefaultMaxDepth bounds the length of followed pointer chains.
	DefaultMaxDepth = 64
	// DefaultMaxFailures is the number of consecutive failed cycles after
	// which the processor stops.
	DefaultMaxFailures = 10
	// DefaultMaxAllocation bounds the size of a single buffer.
	DefaultMaxAllocation = 64 << 20
)

// State is the lifecycle state of a Processor.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MainLayoutCallbacks are the hooks of a main layout. Only BaseLocator is
// required.
type MainLayoutCallbacks struct {
	// BaseLocator returns the address of the main layout in the target.
	// data is the value passed to Enabler.Enable, or nil. Returning 0 means
	// the layout is not present in this cycle.
	BaseLocator func(mem pma.MemoryAccess, data *uint64) (uint64, error)
	// Enabler is called after the main layout was read in a cycle. It may
	// enable or disable main layouts registered after this one.
	Enabler func(acc *DataAccessor, en *Enabler) error
	// OnReady is called once per activation, the first time the history
	// holds enough frames containing this layout.
	OnReady func(acc *DataAccessor)
	// OnDisabled is called when an active main layout is disabled.
	OnDisabled func(acc *DataAccessor)
}

// UpdateFunc is called once per cycle when the history is full.
type UpdateFunc func(acc *DataAccessor) error

type mainLayout struct {
	id        string
	index     int
	callbacks MainLayoutCallbacks

	// capture goroutine only
	active            bool
	consecutiveFrames uint
	readyFired        bool
	dataFromEnabler   *uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger replaces the default memproc layer logger.
func WithLogger(log logflags.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// WithMaxDepth bounds the length of pointer chains followed from a main
// layout.
func WithMaxDepth(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxDepth = n
		}
	}
}

// WithMaxFailures sets how many consecutive failed cycles stop the
// processor.
func WithMaxFailures(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// WithMaxAllocation bounds the size of a single captured buffer. Pointers
// whose pointee would be larger are not followed.
func WithMaxAllocation(n uint64) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxAlloc = n
		}
	}
}

// WithAttachRetry makes the processor retry opening the target every d
// while starting, instead of failing on the first error.
func WithAttachRetry(d time.Duration) Option {
	return func(p *Processor) { p.attachRetry = d }
}

// Processor captures frames of target memory on a background goroutine.
type Processor struct {
	target pma.Target
	log    logflags.Logger

	maxDepth    int
	maxFailures int
	maxAlloc    uint64
	attachRetry time.Duration

	// configuration, only changed while idle
	layouts      map[string]*layout.Layout
	mains        []*mainLayout
	mainByID     map[string]*mainLayout
	update       UpdateFunc
	framesToKeep int
	refreshRate  time.Duration

	state   atomic.Int32
	running atomic.Bool

	history  *frame.History
	accessor *DataAccessor

	// capture goroutine only
	mem      pma.MemoryAccess
	runLog   logflags.Logger
	failures int

	cycles        atomic.Uint64
	totalFailures atomic.Uint64
	consecutive   atomic.Int64

	mu      sync.Mutex
	stop    chan struct{}
	started chan struct{}
	done    chan struct{}
	// requests is replaced by RequestStart; the capture goroutine of a run
	// reads it without the lock.
	requests chan request
	err      error
	subs     map[int]func(bool)
	nextSub  int
}

// New returns an idle processor capturing target.
func New(target pma.Target, opts ...Option) *Processor {
	p := &Processor{
		target:      target,
		maxDepth:    DefaultMaxDepth,
		maxFailures: DefaultMaxFailures,
		maxAlloc:    DefaultMaxAllocation,
		layouts:     make(map[string]*layout.Layout),
		mainByID:    make(map[string]*mainLayout),
		subs:        make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logflags.ProcessorLogger()
	}
	return p
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

func (p *Processor) ensureIdle() error {
	if p.State() != Idle {
		return ErrRunning
	}
	return nil
}

// RegisterLayout makes l available under id. Registering an id again
// replaces the previous layout.
func (p *Processor) RegisterLayout(id string, l *layout.Layout) error {
	if err := p.ensureIdle(); err != nil {
		return err
	}
	p.layouts[id] = l
	return nil
}

// AddMainLayout registers id as a root of the capture graph. Main layouts
// are read in the order they are added. The first main layout starts
// active, the others start inactive until an earlier main layout enables
// them.
func (p *Processor) AddMainLayout(id string, cb MainLayoutCallbacks) error {
	if err := p.ensureIdle(); err != nil {
		return err
	}
	if _, dup := p.mainByID[id]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateMainLayout, id)
	}
	if cb.BaseLocator == nil {
		return fmt.Errorf("%w: %q", ErrNoBaseLocator, id)
	}
	ml := &mainLayout{id: id, index: len(p.mains), callbacks: cb}
	p.mains = append(p.mains, ml)
	p.mainByID[id] = ml
	return nil
}

// SetUpdateCallback sets the callback called once per cycle with a full
// history of framesToKeep frames (2 when 0). The optional refreshRate is
// the target duration of a cycle, one second divided by framesToKeep by
// default.
func (p *Processor) SetUpdateCallback(fn UpdateFunc, framesToKeep uint, refreshRate ...time.Duration) error {
	if err := p.ensureIdle(); err != nil {
		return err
	}
	if framesToKeep == 0 {
		framesToKeep = DefaultFramesToKeep
	}
	p.update = fn
	p.framesToKeep = int(framesToKeep)
	p.refreshRate = time.Second / time.Duration(framesToKeep)
	if len(refreshRate) > 0 && refreshRate[0] > 0 {
		p.refreshRate = refreshRate[0]
	}
	return nil
}

// FramesToKeep returns the configured history length.
func (p *Processor) FramesToKeep() int {
	return p.framesToKeep
}

// RefreshRate returns the configured cycle duration.
func (p *Processor) RefreshRate() time.Duration {
	return p.refreshRate
}

// LayoutIDs returns the ids of the registered main layouts in processing
// order.
func (p *Processor) LayoutIDs() []string {
	ids := make([]string, len(p.mains))
	for i, ml := range p.mains {
		ids[i] = ml.id
	}
	return ids
}

func (p *Processor) validate() error {
	if p.update == nil {
		return ErrNoUpdateCallback
	}
	for _, ml := range p.mains {
		if _, ok := p.layouts[ml.id]; !ok {
			return fmt.Errorf("%w: main layout %q", ErrUnknownLayout, ml.id)
		}
	}
	return nil
}

// RequestStart starts the capture goroutine and returns without waiting for
// it to attach to the target.
func (p *Processor) RequestStart() error {
	if !p.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return ErrRunning
	}
	if err := p.validate(); err != nil {
		p.state.Store(int32(Idle))
		return err
	}

	p.history = frame.NewHistory(p.framesToKeep)
	p.accessor = &DataAccessor{history: p.history, gen: p.history.Generation()}

	stop, started, done := make(chan struct{}), make(chan struct{}), make(chan struct{})
	p.mu.Lock()
	p.stop, p.started, p.done = stop, started, done
	p.requests = make(chan request, 16)
	p.err = nil
	p.mu.Unlock()

	go p.run(stop, started, done)
	return nil
}

// Start starts the capture goroutine and blocks until it is running, the
// start failed, or ctx is done. In the last case the processor is stopped.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.RequestStart(); err != nil {
		return err
	}
	_, started, done := p.handles()
	select {
	case <-started:
		return nil
	case <-done:
		select {
		case <-started:
			return nil
		default:
		}
		if err := p.Err(); err != nil {
			return err
		}
		return ErrStoppedBeforeRunning
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

func (p *Processor) handles() (stop, started, done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop, p.started, p.done
}

// RequestStop asks the capture goroutine to exit and returns immediately.
// It is safe to call from callbacks.
func (p *Processor) RequestStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Wait blocks until the capture goroutine has exited.
func (p *Processor) Wait() {
	_, _, done := p.handles()
	if done != nil {
		<-done
	}
}

// Stop asks the capture goroutine to exit and waits for it. It must not be
// called from a callback; use RequestStop there.
func (p *Processor) Stop() {
	p.RequestStop()
	p.Wait()
}

// IsRunning reports whether the capture goroutine is attached to the
// target. It turns false only after the history was cleared and the memory
// access closed.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// Err returns the reason the last run stopped on its own, or nil if it was
// stopped by a Stop request.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// OnRunningChanged registers fn to be called with the new value whenever
// IsRunning changes. fn runs on the capture goroutine. The returned
// function unregisters fn.
func (p *Processor) OnRunningChanged(fn func(running bool)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Processor) setRunning(v bool) {
	p.running.Store(v)
	p.mu.Lock()
	subs := make([]func(bool), 0, len(p.subs))
	for i := 0; i < p.nextSub; i++ {
		if fn, ok := p.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

// Stats are counters about the current or last run.
type Stats struct {
	Cycles              uint64
	Failures            uint64
	ConsecutiveFailures int
}

// Stats returns the counters of the current or last run.
func (p *Processor) Stats() Stats {
	return Stats{
		Cycles:              p.cycles.Load(),
		Failures:            p.totalFailures.Load(),
		ConsecutiveFailures: int(p.consecutive.Load()),
	}
}

func (p *Processor) run(stop, started, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	log := p.log.WithField("run", uuid.NewString())
	p.runLog = log
	p.cycles.Store(0)
	p.totalFailures.Store(0)
	p.consecutive.Store(0)
	p.failures = 0

	mem, err := p.attach(stop, log)
	if err != nil {
		log.Errorf("could not attach to %s: %v", p.target, err)
		p.finish(err)
		return
	}
	if mem == nil {
		p.finish(nil)
		return
	}
	p.mem = mem
	p.resetMainLayouts()

	p.state.Store(int32(Running))
	p.setRunning(true)
	close(started)
	log.Infof("capturing %s every %v, keeping %d frames", p.target, p.refreshRate, p.framesToKeep)

	err = p.loop(stop, log)

	p.state.Store(int32(Stopping))
	p.history.Reset()
	if cerr := mem.Close(); cerr != nil {
		log.Warnf("closing memory access: %v", cerr)
	}
	p.mem = nil
	p.drainRequests()
	if err != nil {
		log.Infof("stopped: %v", err)
	} else {
		log.Debug("stopped")
	}
	p.setRunning(false)
	p.finish(err)
}

func (p *Processor) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.state.Store(int32(Idle))
}

// attach opens the target, retrying while attachRetry is set. It returns a
// nil MemoryAccess and nil error if a stop was requested meanwhile.
func (p *Processor) attach(stop <-chan struct{}, log logflags.Logger) (pma.MemoryAccess, error) {
	for {
		mem, err := p.target.Open()
		if err == nil {
			log.Debugf("attached to %s", p.target)
			return mem, nil
		}
		if p.attachRetry <= 0 {
			return nil, err
		}
		log.Debugf("waiting for %s: %v", p.target, err)
		t := time.NewTimer(p.attachRetry)
		select {
		case <-stop:
			t.Stop()
			return nil, nil
		case <-t.C:
		}
	}
}

func (p *Processor) resetMainLayouts() {
	for i, ml := range p.mains {
		ml.active = i == 0
		ml.consecutiveFrames = 0
		ml.readyFired = false
		ml.dataFromEnabler = nil
	}
}

func (p *Processor) loop(stop <-chan struct{}, log logflags.Logger) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		frameStart := time.Now()
		err := p.cycle()
		p.cycles.Add(1)
		if err != nil {
			if fatal := p.handleCycleError(err, log); fatal != nil {
				return fatal
			}
		} else {
			p.failures = 0
			p.consecutive.Store(0)
		}
		p.serveRequests(log)

		wait := time.Until(frameStart.Add(p.refreshRate))
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-stop:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// handleCycleError decides whether a failed cycle ends the run. It returns
// the error to stop with, or nil to keep capturing.
func (p *Processor) handleCycleError(err error, log logflags.Logger) error {
	if IsConfigError(err) {
		log.Errorf("configuration error: %v", err)
		return err
	}
	if errors.Is(err, ErrTargetLost) {
		log.Infof("%s is gone", p.target)
		return err
	}
	if !p.mem.IsValid() {
		log.Infof("%s is gone: %v", p.target, err)
		return fmt.Errorf("%w: %w", ErrTargetLost, err)
	}
	p.failures++
	p.consecutive.Store(int64(p.failures))
	p.totalFailures.Add(1)
	log.WithField("failures", p.failures).Errorf("capture cycle failed: %v", err)
	if p.failures >= p.maxFailures {
		return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, p.failures, err)
	}
	return nil
}

// cycle runs one capture pass and the update step. Panics raised by
// callbacks are turned into errors.
func (p *Processor) cycle() (err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			err = &UpdateError{Callback: "capture", Err: fmt.Errorf("panic: %v", ierr)}
		}
	}()
	if !p.mem.IsValid() {
		return ErrTargetLost
	}
	if err := p.readMainLayouts(); err != nil {
		return err
	}
	return p.runUpdate()
}

func (p *Processor) safeCall(log logflags.Logger, name string, fn func()) {
	defer func() {
		if ierr := recover(); ierr != nil {
			log.Errorf("panic in %s callback: %v", name, ierr)
		}
	}()
	fn()
}
