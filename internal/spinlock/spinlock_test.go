package spinlock_test

import (
	"sync"
	"testing"

	"github.com/miniker-os/miniker/internal/spinlock"
)

// testCPU is a minimal spinlock.Owner: the nesting-depth bookkeeping
// itself is what's under test here, not real CPU affinity.
type testCPU struct {
	mu     sync.Mutex
	nested int
	id     int
}

func (c *testCPU) ID() int { return c.id }

func (c *testCPU) PushCli() {
	c.mu.Lock()
	c.nested++
	c.mu.Unlock()
}

func (c *testCPU) PopCli() {
	c.mu.Lock()
	c.nested--
	c.mu.Unlock()
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	cpu := &testCPU{id: 1}
	l := spinlock.New("test")
	if l.Holding() {
		t.Fatal("fresh lock should not be held")
	}
	l.Acquire(cpu)
	if !l.Holding() {
		t.Fatal("lock should be held after Acquire")
	}
	l.Release(cpu)
	if l.Holding() {
		t.Fatal("lock should be free after Release")
	}
}

func TestDoubleAcquirePanics(t *testing.T) {
	cpu := &testCPU{id: 1}
	l := spinlock.New("test")
	l.Acquire(cpu)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on recursive acquire by the same cpu")
		}
	}()
	l.Acquire(cpu)
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	cpu := &testCPU{id: 1}
	l := spinlock.New("test")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic releasing an unheld lock")
		}
	}()
	l.Release(cpu)
}

func TestConcurrentAcquireSerializes(t *testing.T) {
	l := spinlock.New("counter")
	counter := 0
	var wg sync.WaitGroup
	const n = 200
	for i := 0; i < n; i++ {
		// Each goroutine plays the role of a distinct CPU contending
		// for the same lock; sharing one Owner id would misrepresent
		// ordinary multiprocessor contention as a same-CPU recursive
		// acquire.
		cpu := &testCPU{id: i + 1}
		wg.Add(1)
		go func(cpu *testCPU) {
			defer wg.Done()
			l.Acquire(cpu)
			counter++
			l.Release(cpu)
		}(cpu)
	}
	wg.Wait()
	if counter != n {
		t.Fatalf("counter = %d, want %d (lost update => broken mutual exclusion)", counter, n)
	}
}
