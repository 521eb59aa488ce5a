package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

func TestPendingRegistryUniqueIDs(t *testing.T) {
	r := newPendingRegistry()

	const workers = 16
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []*pendingCall
			for range perWorker {
				pc, err := r.add("Echo", time.Time{})
				if err != nil {
					t.Errorf("add: %v", err)
					return
				}
				mine = append(mine, pc)
			}
			mu.Lock()
			for _, pc := range mine {
				if seen[pc.id] {
					t.Errorf("duplicate correlation id %d", pc.id)
				}
				seen[pc.id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if got := r.len(); got != workers*perWorker {
		t.Errorf("len = %d, want %d", got, workers*perWorker)
	}
}

func TestPendingRegistrySkipsBusyIDs(t *testing.T) {
	r := newPendingRegistry()
	first, _ := r.add("A", time.Time{})

	// Force the counter to wrap back onto the outstanding id.
	r.mu.Lock()
	r.next = first.id - 1
	r.mu.Unlock()

	second, err := r.add("B", time.Time{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if second.id == first.id {
		t.Fatalf("reused correlation id %d while still in flight", first.id)
	}
}

func TestPendingRegistryRemove(t *testing.T) {
	r := newPendingRegistry()
	pc, _ := r.add("Echo", time.Time{})

	r.remove(pc.id)
	r.remove(pc.id)

	if _, ok := r.lookup(pc.id); ok {
		t.Error("call still registered after remove")
	}
	if r.len() != 0 {
		t.Errorf("len = %d, want 0", r.len())
	}
}

func TestPendingCallResolveOnce(t *testing.T) {
	r := newPendingRegistry()
	pc, _ := r.add("Echo", time.Time{})

	if !pc.resolve(callResult{body: []any{"first"}}) {
		t.Fatal("first resolve lost")
	}
	if pc.resolve(callResult{err: dbustypes.ErrTimeout}) {
		t.Fatal("second resolve won")
	}

	res := pc.result()
	if res.err != nil {
		t.Fatalf("err = %v, want nil", res.err)
	}
	if len(res.body) != 1 || res.body[0] != "first" {
		t.Errorf("body = %v, want [first]", res.body)
	}
}

func TestPendingRegistryFailAll(t *testing.T) {
	r := newPendingRegistry()
	a, _ := r.add("A", time.Time{})
	b, _ := r.add("B", time.Time{})
	b.resolve(callResult{body: []any{"done"}})

	if n := r.failAll(dbustypes.ErrConnectionLost); n != 1 {
		t.Errorf("failAll = %d, want 1", n)
	}
	if res := a.result(); !errors.Is(res.err, dbustypes.ErrConnectionLost) {
		t.Errorf("a err = %v, want ErrConnectionLost", res.err)
	}
	if res := b.result(); res.err != nil {
		t.Errorf("b err = %v, want nil", res.err)
	}
	if r.len() != 0 {
		t.Errorf("len = %d, want 0", r.len())
	}

	if _, err := r.add("C", time.Time{}); !errors.Is(err, dbustypes.ErrConnectionLost) {
		t.Errorf("add after failAll: err = %v, want ErrConnectionLost", err)
	}
}
