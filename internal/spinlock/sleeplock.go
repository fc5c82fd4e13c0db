package spinlock

// Rendezvous is the narrow slice of the scheduler a Sleeplock needs: the
// ability to suspend the calling kernel thread on a channel while
// atomically releasing a spinlock, and to broadcast-wake every thread
// sleeping on a channel. internal/sched.Scheduler implements this; it is
// injected here rather than imported directly so that internal/spinlock
// (used by the scheduler's own per-CPU locks) never depends on
// internal/sched.
type Rendezvous interface {
	Sleep(cpu Owner, channel any, lk *Lock)
	Wakeup(channel any)
}

// Sleeplock is a mutex whose wait path blocks the calling kernel thread
// instead of spinning. Unlike Lock, a Sleeplock may be held across a
// voluntary suspension (e.g. while waiting on disk I/O), but it must
// never be acquired from interrupt context.
type Sleeplock struct {
	lk     *Lock
	locked bool
	holder int // pid of the current holder, 0 if free
}

// NewSleeplock returns a free sleeplock backed by a fresh named spinlock.
func NewSleeplock(name string) *Sleeplock {
	return &Sleeplock{lk: New(name)}
}

// Acquire blocks the calling thread (running on cpu, identified by pid)
// until the lock is free, then takes it. rv provides the sleep/wakeup
// rendezvous.
func (s *Sleeplock) Acquire(cpu Owner, pid int, rv Rendezvous) {
	s.lk.Acquire(cpu)
	for s.locked {
		rv.Sleep(cpu, s, s.lk)
	}
	s.locked = true
	s.holder = pid
	s.lk.Release(cpu)
}

// Release frees the lock and wakes any thread waiting in Acquire.
func (s *Sleeplock) Release(cpu Owner, rv Rendezvous) {
	s.lk.Acquire(cpu)
	s.locked = false
	s.holder = 0
	rv.Wakeup(s)
	s.lk.Release(cpu)
}

// Holding reports whether pid currently holds the lock.
func (s *Sleeplock) Holding(cpu Owner, pid int) bool {
	s.lk.Acquire(cpu)
	defer s.lk.Release(cpu)
	return s.locked && s.holder == pid
}
