// Package pipe implements a fixed-size circular byte buffer with two
// endpoints: a single lock guards both endpoints, writers block while
// full, readers block while empty, and either end closing wakes the
// other side so it can unblock and observe the close.
package pipe

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/spinlock"
)

// Size is the pipe's fixed buffer capacity in bytes.
const Size = 512

// Pipe is one pipe's shared state. nread/nwrite are monotonically
// increasing counters; nwrite-nread is always in [0, Size] and the
// buffer index is the counter modulo Size.
type Pipe struct {
	lock       *spinlock.Lock
	rv         spinlock.Rendezvous
	data       [Size]byte
	nread      uint32
	nwrite     uint32
	readOpen   bool
	writeOpen  bool
}

// New returns an open pipe with both ends marked open.
func New(rv spinlock.Rendezvous) *Pipe {
	return &Pipe{
		lock:      spinlock.New("pipe"),
		rv:        rv,
		readOpen:  true,
		writeOpen: true,
	}
}

// Write writes data into the pipe, blocking while the buffer is full.
// It fails if the read end has already closed or if killed reports
// true, mirroring a process's killed flag being observed mid-wait.
func (p *Pipe) Write(cpu spinlock.Owner, pid int, data []byte, killed func() bool) (int, error) {
	p.lock.Acquire(cpu)
	defer p.lock.Release(cpu)

	n := 0
	for n < len(data) {
		if !p.readOpen || (killed != nil && killed()) {
			return n, fmt.Errorf("pipe: write: read end closed or process killed")
		}
		if p.nwrite-p.nread == Size {
			p.rv.Wakeup(&p.nread)
			p.rv.Sleep(cpu, &p.nwrite, p.lock)
			continue
		}
		p.data[p.nwrite%Size] = data[n]
		p.nwrite++
		n++
	}
	p.rv.Wakeup(&p.nread)
	return n, nil
}

// Read reads up to len(dst) bytes, blocking only while the pipe is
// empty and at least one writer remains open. It returns 0 bytes (not
// an error) once the buffer drains and every writer has closed — the
// pipe's analogue of end-of-file.
func (p *Pipe) Read(cpu spinlock.Owner, pid int, dst []byte, killed func() bool) (int, error) {
	p.lock.Acquire(cpu)
	defer p.lock.Release(cpu)

	for p.nread == p.nwrite && p.writeOpen {
		if killed != nil && killed() {
			return 0, fmt.Errorf("pipe: read: process killed")
		}
		p.rv.Sleep(cpu, &p.nread, p.lock)
	}

	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.data[p.nread%Size]
		p.nread++
		n++
	}
	p.rv.Wakeup(&p.nwrite)
	return n, nil
}

// CloseRead marks the read end closed and wakes any blocked writer so
// it observes the close.
func (p *Pipe) CloseRead(cpu spinlock.Owner) {
	p.lock.Acquire(cpu)
	p.readOpen = false
	p.rv.Wakeup(&p.nwrite)
	p.lock.Release(cpu)
}

// CloseWrite marks the write end closed and wakes any blocked reader so
// it observes end-of-file.
func (p *Pipe) CloseWrite(cpu spinlock.Owner) {
	p.lock.Acquire(cpu)
	p.writeOpen = false
	p.rv.Wakeup(&p.nread)
	p.lock.Release(cpu)
}

// Open reports whether either end of the pipe is still open. Once both
// ends are closed, the owning file-descriptor layer drops its last
// reference and the pipe becomes eligible for garbage collection like
// any other unreferenced value.
func (p *Pipe) Open(cpu spinlock.Owner) bool {
	p.lock.Acquire(cpu)
	defer p.lock.Release(cpu)
	return p.readOpen || p.writeOpen
}
