package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(3)
	defer p.Close()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		})
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("ran %d tasks, want 50", count)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	defer p.Close()

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			cur := atomic.AddInt64(&active, 1)
			for {
				prev := atomic.LoadInt64(&peak)
				if cur <= prev || atomic.CompareAndSwapInt64(&peak, prev, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		})
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(1)
	p.Close()

	if p.Submit(func() {}) {
		t.Error("Submit after Close should return false")
	}
}

func TestCloseDrainsPending(t *testing.T) {
	p := New(1)

	var count int64
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&count, 1)
		})
	}
	p.Close()

	if count != 10 {
		t.Errorf("drained %d tasks, want 10", count)
	}
}

func TestPanicInTaskDoesNotKillPool(t *testing.T) {
	p := New(1)
	defer p.Close()

	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	// Give the replacement worker a moment to spin up.
	time.Sleep(5 * time.Millisecond)
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped processing after a panic")
	}
}
