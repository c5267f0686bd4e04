// Package correlation matches asynchronous results to the tasks awaiting
// them, keyed by transmission id.
package correlation

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	id       uint64
	success  bool
	expireAt time.Time
}

type waiter struct {
	done    chan struct{}
	success bool
	refs    int
}

// Table is a blocking map from transmission id to result. Unclaimed results
// expire after a TTL, and the oldest are evicted once capacity is reached.
type Table struct {
	mu      sync.Mutex
	data    map[uint64]*list.Element
	ll      *list.List // front = most recently published
	waiters map[uint64]*waiter
	cap     int
	ttl     time.Duration
}

// NewTable returns a table holding at most capacity results, each for at
// most ttl. A ttl of zero keeps results until evicted by capacity.
func NewTable(capacity int, ttl time.Duration) *Table {
	if capacity <= 0 {
		capacity = 1 << 16
	}
	return &Table{
		data:    make(map[uint64]*list.Element),
		ll:      list.New(),
		waiters: make(map[uint64]*waiter),
		cap:     capacity,
		ttl:     ttl,
	}
}

// Publish records the result for id and wakes everyone awaiting it. The
// first publish wins; later ones for the same id return false.
func (t *Table) Publish(id uint64, success bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.expire(now)
	if _, ok := t.data[id]; ok {
		return false
	}

	var exp time.Time
	if t.ttl > 0 {
		exp = now.Add(t.ttl)
	}
	t.data[id] = t.ll.PushFront(&entry{id: id, success: success, expireAt: exp})

	if w, ok := t.waiters[id]; ok {
		w.success = success
		close(w.done)
		delete(t.waiters, id)
	}
	for t.ll.Len() > t.cap {
		t.removeElement(t.ll.Back())
	}
	return true
}

// Get returns the published result for id without blocking.
func (t *Table) Get(id uint64) (success, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(id, time.Now())
}

// Await blocks until a result for id is published, timeout elapses, or ctx
// is done. ok is false in the latter two cases. A timeout <= 0 waits on ctx
// alone.
func (t *Table) Await(ctx context.Context, id uint64, timeout time.Duration) (success, ok bool) {
	t.mu.Lock()
	if success, ok := t.lookup(id, time.Now()); ok {
		t.mu.Unlock()
		return success, true
	}
	w, exists := t.waiters[id]
	if !exists {
		w = &waiter{done: make(chan struct{})}
		t.waiters[id] = w
	}
	w.refs++
	t.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.done:
		return w.success, true
	case <-expired:
	case <-ctx.Done():
	}

	t.mu.Lock()
	w.refs--
	if w.refs == 0 && t.waiters[id] == w {
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	// A publish may have landed between the timeout and the lock.
	select {
	case <-w.done:
		return w.success, true
	default:
		return false, false
	}
}

func (t *Table) Delete(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.data[id]; ok {
		t.removeElement(el)
	}
}

// Len counts stored results, including ones that expired but were not yet
// swept.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

// Waiting counts ids with at least one task blocked in Await.
func (t *Table) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *Table) lookup(id uint64, now time.Time) (success, ok bool) {
	el, ok := t.data[id]
	if !ok {
		return false, false
	}
	e := el.Value.(*entry)
	if !e.expireAt.IsZero() && now.After(e.expireAt) {
		t.removeElement(el)
		return false, false
	}
	return e.success, true
}

// expire sweeps from the oldest end while entries are past their deadline.
func (t *Table) expire(now time.Time) {
	for el := t.ll.Back(); el != nil; el = t.ll.Back() {
		e := el.Value.(*entry)
		if e.expireAt.IsZero() || !now.After(e.expireAt) {
			return
		}
		t.removeElement(el)
	}
}

func (t *Table) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(t.data, e.id)
	t.ll.Remove(el)
}
