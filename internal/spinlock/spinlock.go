// Package spinlock provides mutual exclusion primitives modeled on the
// acquire/release discipline described for a bare-metal multiprocessor
// kernel: a Spinlock busy-waits with "interrupts disabled" on the owning
// CPU, and a Sleeplock wraps a Spinlock so that a waiter can give up its
// CPU entirely instead of spinning.
//
// Because this kernel runs as goroutines rather than real CPUs,
// "disabling interrupts" is modeled explicitly through a CPU record's
// cli-nesting counter (see Owner) rather than a real CLI/STI pair. Any
// CPU may acquire any Lock, exactly as on real hardware, so the CPU is
// supplied per call rather than bound into the Lock at construction.
package spinlock

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Owner abstracts the per-CPU bookkeeping a Spinlock needs on acquire and
// release: the nesting depth of disabled interrupts, and a stable
// identifier used to detect same-CPU recursive acquire. internal/sched's
// CPU record implements this; tests use a lightweight stand-in.
type Owner interface {
	// ID returns a identifier stable for the lifetime of this CPU.
	ID() int
	// PushCli raises the nesting count, disabling interrupts if this is
	// the outermost call.
	PushCli()
	// PopCli lowers the nesting count, re-enabling interrupts once it
	// reaches zero.
	PopCli()
}

// Lock is a spinlock: acquire spins until the lock word is won, and must
// be held with interrupts disabled on the calling CPU. A thread must
// never call a function that can sleep while holding a Lock.
type Lock struct {
	name  string
	state int32 // 0 = free, 1 = held
	owner int32 // id of the owning CPU while held; -1 when free
}

// New returns a named, initially-free spinlock.
func New(name string) *Lock {
	return &Lock{name: name, owner: -1}
}

// Acquire disables interrupts on cpu, then spins until the lock is won.
// A recursive acquire by the same CPU is a fatal assertion, not
// deadlock-by-design: it indicates a programming error, never
// legitimate multiprocessor contention (which spins instead).
func (l *Lock) Acquire(cpu Owner) {
	cpu.PushCli()
	if l.Holding() && atomic.LoadInt32(&l.owner) == int32(cpu.ID()) {
		cpu.PopCli()
		panic(fmt.Sprintf("spinlock %q: recursive acquire by cpu %d", l.name, cpu.ID()))
	}
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		runtime.Gosched()
	}
	atomic.StoreInt32(&l.owner, int32(cpu.ID()))
}

// Release hands the lock back and restores interrupts if this was the
// outermost acquire on cpu. Releasing a lock the calling CPU does not
// hold — free, or held by some other CPU — is a fatal assertion.
func (l *Lock) Release(cpu Owner) {
	if !l.Holding() || atomic.LoadInt32(&l.owner) != int32(cpu.ID()) {
		panic(fmt.Sprintf("spinlock %q: release of lock not held by cpu %d", l.name, cpu.ID()))
	}
	atomic.StoreInt32(&l.owner, -1)
	atomic.StoreInt32(&l.state, 0)
	cpu.PopCli()
}

// Holding reports whether the lock is currently held by any CPU.
func (l *Lock) Holding() bool {
	return atomic.LoadInt32(&l.state) == 1
}

// Name returns the lock's diagnostic name.
func (l *Lock) Name() string { return l.name }
