// Package dispatch implements the single-producer/single-consumer queue
// between ring-buffer pollers and the syscall handler thread.
package dispatch

import "sandboxrunner/kernel"

// shutdown is the sentinel value enqueued to signal the consumer to drain
// and exit, per spec.md §4.6.
var shutdown = &kernel.DecodedEvent{Shutdown: true}

// Queue is a buffered channel carrying decoded kernel events from however
// many ring-buffer pollers are active down to the single handler thread.
// Despite "multi-producer" on the poller side (one goroutine per CPU),
// the channel itself is safe for concurrent sends; "SPSC" in the design
// refers to the logical role (many writers feeding one queue, one
// reader), matching the kernel's per-pip ring-buffer-to-dispatch-queue
// topology in spec.md §4.6.
type Queue struct {
	ch chan *kernel.DecodedEvent
}

// NewQueue creates a dispatch queue with the given buffer capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *kernel.DecodedEvent, capacity)}
}

// Send enqueues an event for the handler.
func (q *Queue) Send(ev *kernel.DecodedEvent) {
	q.ch <- ev
}

// Shutdown enqueues the sentinel shutdown value.
func (q *Queue) Shutdown() {
	q.ch <- shutdown
}

// Recv blocks until an event (or the shutdown sentinel) is available.
// The bool return is false once shutdown has been observed; callers
// must stop calling Recv after that.
func (q *Queue) Recv() (*kernel.DecodedEvent, bool) {
	ev := <-q.ch
	if ev.Shutdown {
		return nil, false
	}
	return ev, true
}

// TryRecv returns immediately: an event (or false) if the queue is
// non-empty, or (nil, false, false) if nothing is queued yet.
func (q *Queue) TryRecv() (ev *kernel.DecodedEvent, ok bool, have bool) {
	select {
	case e := <-q.ch:
		if e.Shutdown {
			return nil, false, true
		}
		return e, true, true
	default:
		return nil, false, false
	}
}
