package correlation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishThenAwait(t *testing.T) {
	tb := NewTable(16, 0)
	if !tb.Publish(7, true) {
		t.Fatal("first publish should win")
	}
	success, ok := tb.Await(context.Background(), 7, time.Second)
	if !ok || !success {
		t.Fatalf("Await = (%v,%v), want (true,true)", success, ok)
	}
}

func TestAwaitThenPublish(t *testing.T) {
	tb := NewTable(16, 0)

	type res struct{ success, ok bool }
	got := make(chan res, 1)
	go func() {
		s, ok := tb.Await(context.Background(), 42, 5*time.Second)
		got <- res{s, ok}
	}()

	// Let the waiter register before publishing.
	deadline := time.Now().Add(time.Second)
	for tb.Waiting() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}
	tb.Publish(42, false)

	select {
	case r := <-got:
		if !r.ok || r.success {
			t.Fatalf("Await = (%v,%v), want (false,true)", r.success, r.ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake on publish")
	}
	if n := tb.Waiting(); n != 0 {
		t.Fatalf("Waiting = %d after wake, want 0", n)
	}
}

func TestFirstPublishWins(t *testing.T) {
	tb := NewTable(16, 0)
	tb.Publish(1, true)
	if tb.Publish(1, false) {
		t.Fatal("second publish should lose")
	}
	if s, ok := tb.Get(1); !ok || !s {
		t.Fatalf("Get = (%v,%v), want (true,true)", s, ok)
	}
	if tb.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tb.Len())
	}
}

func TestAwaitTimeout(t *testing.T) {
	tb := NewTable(16, 0)
	start := time.Now()
	_, ok := tb.Await(context.Background(), 9, 40*time.Millisecond)
	if ok {
		t.Fatal("Await should time out")
	}
	if el := time.Since(start); el < 40*time.Millisecond {
		t.Fatalf("Await returned after %v, before its timeout", el)
	}
	if tb.Waiting() != 0 {
		t.Fatal("timed out waiter was not cleaned up")
	}
}

func TestAwaitContextCancel(t *testing.T) {
	tb := NewTable(16, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := tb.Await(ctx, 3, 0)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Await should fail on cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await ignored cancellation")
	}
}

func TestManyWaitersOneID(t *testing.T) {
	tb := NewTable(16, 0)
	const n = 8
	var woke atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s, ok := tb.Await(context.Background(), 5, 5*time.Second); ok && s {
				woke.Add(1)
			}
		}()
	}
	deadline := time.Now().Add(time.Second)
	for tb.Waiting() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}
	// Late waiters find the stored result instead of blocking.
	tb.Publish(5, true)
	wg.Wait()
	if woke.Load() != n {
		t.Fatalf("woke = %d, want %d", woke.Load(), n)
	}
}

func TestTTLExpiry(t *testing.T) {
	tb := NewTable(16, 40*time.Millisecond)
	tb.Publish(1, true)
	if _, ok := tb.Get(1); !ok {
		t.Fatal("fresh result should be readable")
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok := tb.Get(1); ok {
		t.Fatal("expected result to expire")
	}
	// An expired id can be published again.
	if !tb.Publish(1, false) {
		t.Fatal("publish after expiry should succeed")
	}
}

func TestEvictionByCapacity(t *testing.T) {
	tb := NewTable(2, 0)
	tb.Publish(1, true)
	tb.Publish(2, true)
	tb.Publish(3, true)

	if _, ok := tb.Get(1); ok {
		t.Fatal("oldest result should be evicted")
	}
	for _, id := range []uint64{2, 3} {
		if _, ok := tb.Get(id); !ok {
			t.Fatalf("result %d missing", id)
		}
	}
	if tb.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tb.Len())
	}
}

func TestDelete(t *testing.T) {
	tb := NewTable(16, 0)
	tb.Publish(4, true)
	tb.Delete(4)
	if _, ok := tb.Get(4); ok {
		t.Fatal("Get after Delete should miss")
	}
	tb.Delete(4)
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	tb := NewTable(1<<14, time.Minute)

	var wg sync.WaitGroup
	const G = 16
	const N = 500
	var missed atomic.Int32
	for gid := range G {
		wg.Add(2)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				tb.Publish(uint64(gid*N+i), i%2 == 0)
			}
		}(gid)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				if _, ok := tb.Await(context.Background(), uint64(gid*N+i), 5*time.Second); !ok {
					missed.Add(1)
				}
			}
		}(gid)
	}
	wg.Wait()
	if missed.Load() != 0 {
		t.Fatalf("%d awaits missed a published result", missed.Load())
	}
}
