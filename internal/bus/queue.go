package bus

import (
	"sync"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// event is one inbound frame or a connection state change, in arrival order.
type event struct {
	signal *dbustypes.Signal
	state  State
}

// eventQueue is an unbounded FIFO between the bus reader and the dispatch loop.
// Pushing never blocks, so slow callbacks cannot stall reply delivery.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
	closed bool
	// unfinished counts events pushed but not yet marked done by the loop,
	// so an event being dispatched still counts.
	unfinished int
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// push appends ev. Events pushed after close are dropped.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.unfinished++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pushFinal appends ev and closes the queue to further pushes.
func (q *eventQueue) pushFinal(ev event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.unfinished++
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the oldest event.
func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items[0] = event{}
	q.items = q.items[1:]
	return ev, true
}

// ready is signalled after pushes; callers must pop until empty after each wakeup.
func (q *eventQueue) ready() <-chan struct{} {
	return q.notify
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// done marks one popped event as fully dispatched.
func (q *eventQueue) done() {
	q.mu.Lock()
	if q.unfinished > 0 {
		q.unfinished--
	}
	q.mu.Unlock()
}

// backlog returns the number of events queued or still being dispatched.
func (q *eventQueue) backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// drained reports whether the final event was pushed and everything was popped.
func (q *eventQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}
