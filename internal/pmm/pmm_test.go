package pmm_test

import (
	"sync"
	"testing"

	"github.com/miniker-os/miniker/internal/pmm"
)

type stubCPU struct {
	id     int
	nested int
}

func (c *stubCPU) ID() int    { return c.id }
func (c *stubCPU) PushCli()   { c.nested++ }
func (c *stubCPU) PopCli()    { c.nested-- }

func TestEarlyPhaseAllocFree(t *testing.T) {
	a := pmm.New(4)
	a.FreeRange(0, 4)
	cpu := &stubCPU{id: 0}

	if got := a.NumFree(); got != 4 {
		t.Fatalf("NumFree = %d, want 4", got)
	}

	var got []int
	for i := 0; i < 4; i++ {
		f := a.Alloc(cpu)
		if f < 0 {
			t.Fatalf("Alloc failed on frame %d of 4", i)
		}
		got = append(got, f)
	}
	if f := a.Alloc(cpu); f != -1 {
		t.Fatalf("Alloc on exhausted pool = %d, want -1", f)
	}

	seen := map[int]bool{}
	for _, f := range got {
		if seen[f] {
			t.Fatalf("frame %d handed out twice", f)
		}
		seen[f] = true
	}

	for _, f := range got {
		a.Free(cpu, f)
	}
	if got := a.NumFree(); got != 4 {
		t.Fatalf("NumFree after freeing all = %d, want 4", got)
	}
}

func TestFreedPageIsPatterned(t *testing.T) {
	a := pmm.New(2)
	a.FreeRange(0, 2)
	cpu := &stubCPU{id: 0}

	f := a.Alloc(cpu)
	page := a.Page(f)
	for i := range page {
		page[i] = 0xAB
	}
	a.Free(cpu, f)

	page = a.Page(f)
	allPattern := true
	// The first four bytes of a free frame hold its free-list link, so
	// the pattern covers the rest of the page.
	for _, b := range page[4:] {
		if b != 0x55 {
			allPattern = false
			break
		}
	}
	if !allPattern {
		t.Fatal("freed page was not overwritten with the use-after-free pattern")
	}
}

func TestFreeOutOfRangePanics(t *testing.T) {
	a := pmm.New(1)
	cpu := &stubCPU{id: 0}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an out-of-range frame")
		}
	}()
	a.Free(cpu, 5)
}

func TestLateLockingSerializesConcurrentAllocs(t *testing.T) {
	const n = 64
	a := pmm.New(n)
	a.FreeRange(0, n)
	a.EnableLocking()

	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		cpu := &stubCPU{id: i}
		wg.Add(1)
		go func(cpu *stubCPU) {
			defer wg.Done()
			results <- a.Alloc(cpu)
		}(cpu)
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for f := range results {
		if f < 0 {
			t.Fatal("unexpected allocation failure with enough frames for every goroutine")
		}
		if seen[f] {
			t.Fatalf("frame %d handed out to two concurrent allocators", f)
		}
		seen[f] = true
	}
}
