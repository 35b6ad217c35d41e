package notify

import (
	"sync"

	"intelvault/core"
)

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
type ring struct {
	mu    sync.Mutex
	buf   []core.Event
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]core.Event, capacity)}
}

// push appends ev and reports whether the oldest element was dropped to make room.
func (r *ring) push(ev core.Event) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.buf) {
		r.buf[r.head] = core.Event{}
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		dropped = true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = ev
	r.count++
	return dropped
}

func (r *ring) pop() (core.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return core.Event{}, false
	}
	ev := r.buf[r.head]
	r.buf[r.head] = core.Event{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return ev, true
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
