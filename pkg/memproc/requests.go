package memproc

import (
	"context"

	"github.com/ge-labs/memsnap/pkg/logflags"
)

type request struct {
	fn   func(acc *DataAccessor)
	done chan struct{}
}

// Do runs fn on the capture goroutine between two cycles, where it can
// read every frame including the newest. It returns once fn returned.
func (p *Processor) Do(ctx context.Context, fn func(acc *DataAccessor)) error {
	requests, done := p.queue()
	if done == nil || !p.IsRunning() {
		return ErrNotRunning
	}
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case requests <- req:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queue returns the request channel of the current run and its done
// channel. Every run gets a fresh channel, so requests left over from a
// previous run are never served.
func (p *Processor) queue() (chan<- request, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests, p.done
}

func (p *Processor) serveRequests(log logflags.Logger) {
	for {
		select {
		case req := <-p.requests:
			p.safeCall(log, "request", func() { req.fn(p.accessor) })
			close(req.done)
		default:
			return
		}
	}
}

// drainRequests discards requests queued after the last cycle. Their
// callers are released by the done channel.
func (p *Processor) drainRequests() {
	for {
		select {
		case <-p.requests:
		default:
			return
		}
	}
}
