package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// callResult is the outcome of one pending call.
type callResult struct {
	body []any
	err  error
}

// pendingCall is an in-flight call awaiting its reply.
// The result slot is written at most once; the first resolver wins.
type pendingCall struct {
	id       uint64
	member   string
	deadline time.Time

	resolved atomic.Bool
	done     chan struct{}
	res      callResult
}

// resolve stores res and wakes the waiter. It reports whether this resolution won.
func (p *pendingCall) resolve(res callResult) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.res = res
	close(p.done)
	return true
}

// result must only be read after done is closed.
func (p *pendingCall) result() callResult {
	<-p.done
	return p.res
}

// pendingRegistry tracks calls in flight on one connection by correlation id.
type pendingRegistry struct {
	mu     sync.Mutex
	next   uint64
	calls  map[uint64]*pendingCall
	closed bool
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{
		calls: make(map[uint64]*pendingCall),
	}
}

// add allocates a correlation id unique among calls in flight.
func (r *pendingRegistry) add(member string, deadline time.Time) (*pendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, dbustypes.ErrConnectionLost
	}

	for range len(r.calls) + 1 {
		r.next++
		if r.next == 0 {
			r.next++
		}
		if _, busy := r.calls[r.next]; busy {
			continue
		}
		pc := &pendingCall{
			id:       r.next,
			member:   member,
			deadline: deadline,
			done:     make(chan struct{}),
		}
		r.calls[pc.id] = pc
		return pc, nil
	}
	return nil, fmt.Errorf("no free correlation id among %d calls in flight", len(r.calls))
}

// remove drops the call from the registry. Removing an unknown id is a no-op.
func (r *pendingRegistry) remove(id uint64) {
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

// lookup returns the call registered under id.
func (r *pendingRegistry) lookup(id uint64) (*pendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.calls[id]
	return pc, ok
}

// failAll resolves every outstanding call with err and refuses new calls.
// It returns the number of calls that were failed.
func (r *pendingRegistry) failAll(err error) int {
	r.mu.Lock()
	calls := make([]*pendingCall, 0, len(r.calls))
	for _, pc := range r.calls {
		calls = append(calls, pc)
	}
	r.calls = make(map[uint64]*pendingCall)
	r.closed = true
	r.mu.Unlock()

	n := 0
	for _, pc := range calls {
		if pc.resolve(callResult{err: err}) {
			n++
		}
	}
	return n
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
