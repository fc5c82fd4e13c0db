package sched_test

import (
	"context"
	"testing"
	"time"

	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/sched"
)

func newAlloc(t *testing.T) *pmm.Allocator {
	t.Helper()
	a := pmm.New(64)
	a.FreeRange(0, 64)
	a.EnableLocking()
	return a
}

// runOneCPU starts a single scheduler loop in the background and returns a
// cancel func that stops it and blocks until its goroutine has exited.
func runOneCPU(t *testing.T, s *sched.Scheduler, cpu *sched.CPU) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, cpu)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler loop did not stop after cancel")
		}
	}
}

func TestYieldRoundRobin(t *testing.T) {
	a := newAlloc(t)
	s := sched.New(1)
	cpu := s.CPUs()[0]

	order := make(chan int, 6)

	mk := func(tag int, yields int) sched.Program {
		return func(p *sched.Process) {
			for i := 0; i < yields; i++ {
				order <- tag
				s.Yield(cpu)
			}
			s.LockTable(cpu)
			p.State = sched.Zombie
			s.ExitCurrent(cpu)
		}
	}

	p1, err := s.AllocProcess(a, cpu)
	if err != nil {
		t.Fatalf("AllocProcess p1: %v", err)
	}
	p2, err := s.AllocProcess(a, cpu)
	if err != nil {
		t.Fatalf("AllocProcess p2: %v", err)
	}

	// Both runnable before the scheduler starts, so the pick order is
	// deterministic.
	s.Start(cpu, p1, mk(1, 3))
	s.Start(cpu, p2, mk(2, 3))
	stop := runOneCPU(t, s, cpu)
	defer stop()

	got := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for progress, got %v so far", got)
		}
	}
	want := []int{1, 2, 1, 2, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected strict alternation %v, got %v", want, got)
		}
	}
}

func TestSleepWakeupRendezvous(t *testing.T) {
	a := newAlloc(t)
	s := sched.New(1)
	cpu := s.CPUs()[0]
	stop := runOneCPU(t, s, cpu)
	defer stop()

	const channel = "wait-channel"
	woke := make(chan struct{})

	sleeper, err := s.AllocProcess(a, cpu)
	if err != nil {
		t.Fatalf("AllocProcess sleeper: %v", err)
	}
	s.Start(cpu, sleeper, func(p *sched.Process) {
		s.LockTable(cpu)
		s.Sleep(cpu, channel, s.TableLock())
		// Sleep was called with the table lock itself as lk, so on return
		// the lock has already been dropped (enterScheduler released it,
		// and Sleep only re-acquires lk when lk was not the table lock).
		close(woke)
		s.LockTable(cpu)
		p.State = sched.Zombie
		s.ExitCurrent(cpu)
	})

	select {
	case <-woke:
		t.Fatal("sleeper woke up before anything called Wakeup")
	case <-time.After(50 * time.Millisecond):
	}

	s.Wakeup(channel)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper never woke up after Wakeup")
	}
}

func TestKillWakesSleepingProcess(t *testing.T) {
	a := newAlloc(t)
	s := sched.New(1)
	cpu := s.CPUs()[0]
	stop := runOneCPU(t, s, cpu)
	defer stop()

	const channel = "io-wait"
	observedKilled := make(chan bool, 1)

	victim, err := s.AllocProcess(a, cpu)
	if err != nil {
		t.Fatalf("AllocProcess victim: %v", err)
	}
	s.Start(cpu, victim, func(p *sched.Process) {
		s.LockTable(cpu)
		s.Sleep(cpu, channel, s.TableLock())
		// See TestSleepWakeupRendezvous: the table lock is already
		// released here because Sleep was given the table lock as lk.
		observedKilled <- p.Killed
		s.LockTable(cpu)
		p.State = sched.Zombie
		s.ExitCurrent(cpu)
	})

	// Give the victim a chance to reach Sleep before killing it.
	time.Sleep(50 * time.Millisecond)

	if err := s.Kill(cpu, victim.Pid); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case killed := <-observedKilled:
		if !killed {
			t.Fatal("woken process did not observe its own Killed flag")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("killed sleeper never woke up")
	}
}

func TestAllocProcessExhaustsTable(t *testing.T) {
	a := newAlloc(t)
	s := sched.New(1)
	cpu := s.CPUs()[0]

	for i := 0; i < sched.NProc; i++ {
		if _, err := s.AllocProcess(a, cpu); err != nil {
			t.Fatalf("AllocProcess %d: %v", i, err)
		}
	}
	if _, err := s.AllocProcess(a, cpu); err == nil {
		t.Fatal("AllocProcess beyond NProc should fail")
	}
}

func TestFreeProcessLockedReturnsSlotToUnused(t *testing.T) {
	a := newAlloc(t)
	s := sched.New(1)
	cpu := s.CPUs()[0]

	p, err := s.AllocProcess(a, cpu)
	if err != nil {
		t.Fatalf("AllocProcess: %v", err)
	}
	free0 := a.NumFree()

	s.LockTable(cpu)
	s.FreeProcessLocked(a, cpu, p)
	s.UnlockTable(cpu)

	if p.State != sched.Unused {
		t.Fatalf("State = %v, want Unused", p.State)
	}
	if a.NumFree() != free0+1 {
		t.Fatalf("kernel stack frame was not returned: free %d, want %d", a.NumFree(), free0+1)
	}

	p2, err := s.AllocProcess(a, cpu)
	if err != nil {
		t.Fatalf("AllocProcess after free: %v", err)
	}
	if p2 != p {
		t.Fatal("expected the freed slot to be reused")
	}
}
