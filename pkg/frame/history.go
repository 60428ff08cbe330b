package frame

import (
	"sync/atomic"
)

type snapshot struct {
	gen    uint64
	frames []*Storage // newest first
}

// History is a bounded deque of frames, newest first. It has a single
// writer. Readers on other goroutines see a consistent list of frames
// through Frames; frames other than the newest are never mutated after
// they are pushed.
//
// Every Reset bumps the generation so that holders of an older generation
// can tell the frames they were handed out are gone.
type History struct {
	keep int
	cur  atomic.Pointer[snapshot]
}

// NewHistory returns an empty history holding at most keep frames.
func NewHistory(keep int) *History {
	if keep < 1 {
		keep = 1
	}
	h := &History{keep: keep}
	h.cur.Store(&snapshot{})
	return h
}

// Push makes s the newest frame. If the history was full the oldest frame
// is evicted and returned.
func (h *History) Push(s *Storage) (evicted *Storage) {
	old := h.cur.Load()
	frames := make([]*Storage, 0, h.keep)
	frames = append(frames, s)
	frames = append(frames, old.frames...)
	if len(frames) > h.keep {
		evicted = frames[h.keep]
		frames = frames[:h.keep]
	}
	h.cur.Store(&snapshot{gen: old.gen, frames: frames})
	return evicted
}

// DropNewest removes the newest frame. Frames evicted by the Push that
// added it are not restored.
func (h *History) DropNewest() {
	old := h.cur.Load()
	if len(old.frames) == 0 {
		return
	}
	frames := append([]*Storage(nil), old.frames[1:]...)
	h.cur.Store(&snapshot{gen: old.gen, frames: frames})
}

// At returns frame idx, 0 being the newest.
func (h *History) At(idx int) (*Storage, bool) {
	frames := h.cur.Load().frames
	if idx < 0 || idx >= len(frames) {
		return nil, false
	}
	return frames[idx], true
}

// Frames returns the current generation and the frames, newest first. The
// slice must not be modified.
func (h *History) Frames() (gen uint64, frames []*Storage) {
	s := h.cur.Load()
	return s.gen, s.frames
}

// Len returns the number of frames held.
func (h *History) Len() int {
	return len(h.cur.Load().frames)
}

// Cap returns the maximum number of frames held.
func (h *History) Cap() int {
	return h.keep
}

// Full reports whether the history holds Cap frames.
func (h *History) Full() bool {
	return h.Len() == h.keep
}

// Generation returns the current generation.
func (h *History) Generation() uint64 {
	return h.cur.Load().gen
}

// Reset drops every frame and starts a new generation.
func (h *History) Reset() {
	old := h.cur.Load()
	h.cur.Store(&snapshot{gen: old.gen + 1})
}
