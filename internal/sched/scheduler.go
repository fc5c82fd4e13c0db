package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/miniker-os/miniker/internal/file"
	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// Scheduler owns the fixed process table and the set of simulated
// CPUs. It implements spinlock.Rendezvous so that every
// sleeplock in the kernel (buffer cache, inode cache, log, pipes) rides
// on the same sleep/wakeup rendezvous the process scheduler itself uses.
type Scheduler struct {
	tableLock *spinlock.Lock
	table     [NProc]*Process
	cpus      []*CPU

	nextPid int32

	ticksLock *spinlock.Lock
	ticksVal  uint32

	// Init is the reparent target for orphaned children on exit. It
	// is nil until internal/proc's UserInit sets it.
	Init *Process
}

// New returns a scheduler with ncpu simulated CPUs and an empty process
// table.
func New(ncpu int) *Scheduler {
	s := &Scheduler{
		tableLock: spinlock.New("ptable"),
		ticksLock: spinlock.New("tickslock"),
		nextPid:   0,
	}
	s.cpus = make([]*CPU, ncpu)
	for i := range s.cpus {
		s.cpus[i] = NewCPU(i)
	}
	return s
}

// CPUs returns every simulated CPU, for internal/boot to launch one Run
// goroutine per entry.
func (s *Scheduler) CPUs() []*CPU { return s.cpus }

// LockTable and UnlockTable expose the process-table spinlock to
// internal/proc, which must hold it across multi-step state transitions
// (reparenting on exit, scanning for a zombie child in wait) exactly as
// Yield and Sleep do internally.
func (s *Scheduler) LockTable(cpu *CPU) { s.tableLock.Acquire(cpu) }

// UnlockTable releases the process-table spinlock.
func (s *Scheduler) UnlockTable(cpu *CPU) { s.tableLock.Release(cpu) }

// TableLock exposes the underlying lock so callers can pass it to Sleep
// as the "already holding the table lock" case.
func (s *Scheduler) TableLock() *spinlock.Lock { return s.tableLock }

// Table returns every process-table slot (nil-free; unused slots are
// non-nil Processes in state Unused). Callers must hold the table lock
// for a consistent view of State and other mutable fields.
func (s *Scheduler) Table() []*Process { return s.table[:] }

// AllocProcess finds an UNUSED slot, assigns it a fresh pid and a
// one-page kernel stack, and returns it in state EMBRYO. The caller
// (internal/proc) is responsible for filling in the address space, open
// files, and program before moving it to RUNNABLE.
func (s *Scheduler) AllocProcess(a *pmm.Allocator, cpu *CPU) (*Process, error) {
	s.tableLock.Acquire(cpu)
	var p *Process
	for i := range s.table {
		if s.table[i] == nil {
			s.table[i] = newProcess()
		}
		if s.table[i].State == Unused {
			p = s.table[i]
			break
		}
	}
	if p == nil {
		s.tableLock.Release(cpu)
		return nil, fmt.Errorf("sched: process table exhausted")
	}
	p.State = Embryo
	s.tableLock.Release(cpu)

	frame := a.Alloc(cpu)
	if frame < 0 {
		s.tableLock.Acquire(cpu)
		p.State = Unused
		s.tableLock.Release(cpu)
		return nil, fmt.Errorf("sched: allocprocess: out of memory for a kernel stack")
	}
	p.kstackFrame = frame
	p.boundCPU = cpu
	p.Pid = int(atomic.AddInt32(&s.nextPid, 1))
	p.Killed = false
	p.ExitStatus = 0
	p.started = false
	p.runTok = make(chan struct{})
	p.yieldTok = make(chan struct{})
	return p, nil
}

// FreeProcessLocked returns p's kernel stack to the allocator and resets
// its slot to UNUSED. The caller must already hold the table lock (Wait
// reclaims a zombie child while scanning the table under one lock
// acquisition) and must already have freed p's address space.
func (s *Scheduler) FreeProcessLocked(a *pmm.Allocator, cpu *CPU, p *Process) {
	if p.kstackFrame >= 0 {
		a.Free(cpu, p.kstackFrame)
		p.kstackFrame = -1
	}
	p.Pid = 0
	p.Parent = nil
	p.Name = ""
	p.Cwd = nil
	p.Ofile = [NOFile]*file.File{}
	p.State = Unused
}

// Start marks p RUNNABLE and binds the program its goroutine will run
// once a CPU schedules it for the first time.
func (s *Scheduler) Start(cpu *CPU, p *Process, program Program) {
	s.tableLock.Acquire(cpu)
	p.program = program
	p.State = Runnable
	s.tableLock.Release(cpu)
}

// Run is one CPU's scheduler loop: scan for a RUNNABLE
// process, switch to it, and wait for it to give the CPU back (by
// calling Yield, Sleep, or exiting) before scanning again. It returns
// when ctx is done.
func (s *Scheduler) Run(ctx context.Context, cpu *CPU) {
	// Resume each scan just past the previously run slot, so a process
	// that yields while still RUNNABLE cannot starve later slots.
	next := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.tableLock.Acquire(cpu)
		var picked *Process
		for i := 0; i < NProc; i++ {
			p := s.table[(next+i)%NProc]
			if p != nil && p.State == Runnable && p.boundCPU == cpu {
				picked = p
				next = (next + i + 1) % NProc
				break
			}
		}
		if picked == nil {
			s.tableLock.Release(cpu)
			runtime.Gosched()
			continue
		}
		picked.State = Running
		cpu.Proc = picked
		s.tableLock.Release(cpu)

		if !picked.started {
			picked.started = true
			go s.runBody(picked)
		}
		picked.runTok <- struct{}{}
		<-picked.yieldTok
		cpu.Proc = nil
	}
}

// runBody is the goroutine backing one process's simulated kernel
// thread. It blocks until the scheduler first hands it the CPU, then
// runs the process's program to completion; per Program's contract the
// program always ends by calling internal/proc's Exit, which enters the
// scheduler and never returns, so runBody itself never returns either.
func (s *Scheduler) runBody(p *Process) {
	<-p.runTok
	p.program(p)
}

// enterScheduler is the "sched" step every yield, sleep, and exit
// funnels through: it must be called with
// the table lock held and the caller's state already updated to
// something other than RUNNING. It releases the table lock (safe
// here, even though a bare-metal kernel must carry the lock across
// its context switch, because a parked process is a genuinely blocked
// goroutine, not a suspended call stack still notionally holding the
// lock) and blocks
// until the scheduler hands this process the CPU again.
func (s *Scheduler) enterScheduler(cpu *CPU, p *Process) {
	s.tableLock.Release(cpu)
	p.yieldTok <- struct{}{}
	<-p.runTok
}

// Yield gives up the CPU voluntarily (or under preemption) while
// remaining RUNNABLE, producing round-robin behavior.
func (s *Scheduler) Yield(cpu *CPU) {
	s.tableLock.Acquire(cpu)
	p := cpu.Proc
	p.State = Runnable
	s.enterScheduler(cpu, p)
}

// Sleep implements spinlock.Rendezvous: if lk is not the
// process-table lock, take the table lock and release lk first, so the
// publish of SLEEPING plus the release of lk is atomic with respect to a
// concurrent Wakeup. On wake, the table lock has already been dropped by
// enterScheduler; re-acquire lk if the caller was not already using the
// table lock itself.
func (s *Scheduler) Sleep(cpuOwner spinlock.Owner, channel any, lk *spinlock.Lock) {
	cpu := cpuOwner.(*CPU)
	p := cpu.Proc
	usingTableLock := lk == s.tableLock
	if !usingTableLock {
		s.tableLock.Acquire(cpu)
		lk.Release(cpu)
	}
	p.channel = channel
	p.State = Sleeping
	s.enterScheduler(cpu, p)
	p.channel = nil
	if !usingTableLock {
		lk.Acquire(cpu)
	}
}

// wakeup1 sets every SLEEPING process waiting on channel to RUNNABLE.
// The caller must already hold the table lock; used internally by Exit
// and Kill to avoid reacquiring the lock they already hold.
func (s *Scheduler) wakeup1(channel any) {
	for _, p := range s.table {
		if p != nil && p.State == Sleeping && p.channel == channel {
			p.State = Runnable
		}
	}
}

// wakeupOwnerSeq mints unique, never-repeated identities for Wakeup's
// internal table-lock acquisition. Wakeup implements spinlock.Rendezvous,
// whose signature carries no cpu argument, so it cannot use the real
// caller's CPU identity; reusing a single constant placeholder identity
// across concurrent Wakeup calls would make the spinlock's same-CPU
// recursive-acquire check misfire on two genuinely different callers (it
// would see the same owner id twice and panic instead of spinning), so
// each call gets a fresh id instead.
var wakeupOwnerSeq int64

type wakeupOwner struct{ id int64 }

func (w *wakeupOwner) ID() int  { return int(w.id) }
func (w *wakeupOwner) PushCli() {}
func (w *wakeupOwner) PopCli()  {}

func newWakeupOwner() *wakeupOwner {
	id := atomic.AddInt64(&wakeupOwnerSeq, -1)
	return &wakeupOwner{id: id}
}

// Wakeup implements spinlock.Rendezvous.
func (s *Scheduler) Wakeup(channel any) {
	owner := newWakeupOwner()
	s.tableLock.Acquire(owner)
	s.wakeup1(channel)
	s.tableLock.Release(owner)
}

// Kill sets pid's killed flag and, if it is SLEEPING, marks it RUNNABLE
// so it observes the flag on its way back through a blocked syscall.
func (s *Scheduler) Kill(cpu *CPU, pid int) error {
	s.tableLock.Acquire(cpu)
	defer s.tableLock.Release(cpu)
	for _, p := range s.table {
		if p != nil && p.Pid == pid && p.State != Unused {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			return nil
		}
	}
	return fmt.Errorf("sched: kill: no such pid %d", pid)
}

// ExitCurrent hands the CPU away for the last time. The caller must
// already hold the table lock and must have already set cpu.Proc's
// state to ZOMBIE; it never returns, since a zombie is never scheduled
// again until Wait frees its slot.
func (s *Scheduler) ExitCurrent(cpu *CPU) {
	p := cpu.Proc
	s.enterScheduler(cpu, p)
	panic("sched: a zombie process was rescheduled")
}

// Tick advances the global timer-tick counter by one and wakes every
// process sleeping on it, mirroring the timer-interrupt path (the
// uptime syscall reads this counter, and sleep(n_ticks) rendezvous on
// its address as their sleep channel).
func (s *Scheduler) Tick(cpu *CPU) {
	s.ticksLock.Acquire(cpu)
	s.ticksVal++
	s.ticksLock.Release(cpu)
	s.Wakeup(&s.ticksVal)
}

// Uptime returns the current tick count, per the uptime syscall.
func (s *Scheduler) Uptime(cpu *CPU) uint32 {
	s.ticksLock.Acquire(cpu)
	defer s.ticksLock.Release(cpu)
	return s.ticksVal
}

// SleepTicks blocks the calling process until n timer ticks have
// elapsed, per the sleep syscall. killed is polled on every wake (real
// or spurious) so a Kill delivered mid-wait unwinds the loop instead of
// sleeping the full duration.
func (s *Scheduler) SleepTicks(cpu *CPU, n uint32, killed func() bool) error {
	s.ticksLock.Acquire(cpu)
	start := s.ticksVal
	for s.ticksVal-start < n {
		if killed() {
			s.ticksLock.Release(cpu)
			return fmt.Errorf("sched: sleep: killed")
		}
		s.Sleep(cpu, &s.ticksVal, s.ticksLock)
	}
	s.ticksLock.Release(cpu)
	return nil
}

// Wakeup1Locked exposes wakeup1 to internal/proc's Exit and Wait, which
// must wake a parent/child while already holding the table lock
// themselves (calling the public Wakeup there would self-deadlock on
// the very lock it is trying to acquire).
func (s *Scheduler) Wakeup1Locked(channel any) { s.wakeup1(channel) }
