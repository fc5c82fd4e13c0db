// Package proc implements the process-manager operations —
// userinit, fork, growproc, exec, exit, and wait — on top of
// internal/sched's scheduling mechanism. sched owns the process table
// and the sleep/wakeup rendezvous; proc owns the policy of what a
// fork, an exec, or an exit actually does to a process's address
// space, open files, and working directory.
//
// Manager threads every subsystem a process operation touches through
// one value rather than package-level globals, so tests can construct
// a private instance of the kernel's shared state.
package proc

import (
	"github.com/miniker-os/miniker/internal/file"
	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/sched"
	"github.com/miniker-os/miniker/internal/vm"
)

// Manager is the process manager.
type Manager struct {
	Sched *sched.Scheduler
	Alloc *pmm.Allocator
	KW    *vm.KernelWindow
	FS    *fs.FS
	Files *file.Table
}

// New returns a process manager over the given already-initialized
// subsystems.
func New(s *sched.Scheduler, a *pmm.Allocator, kw *vm.KernelWindow, fsys *fs.FS, files *file.Table) *Manager {
	return &Manager{Sched: s, Alloc: a, KW: kw, FS: fsys, Files: files}
}

// abortEmbryo discards a process allocated by sched.AllocProcess before
// it has been started, returning its slot and kernel stack. Used by
// every allocation-failure path in UserInit and Fork.
func (m *Manager) abortEmbryo(cpu *sched.CPU, p *sched.Process) {
	m.Sched.LockTable(cpu)
	m.Sched.FreeProcessLocked(m.Alloc, cpu, p)
	m.Sched.UnlockTable(cpu)
}

// UserInit creates the first process, pid 1: a fresh address
// space holding initImage as its entire (sub-page) user region, its
// current directory set to the file system root, and program bound as
// the code this process's goroutine will run once scheduled. It also
// registers p as the scheduler's reparent target for orphaned children.
func (m *Manager) UserInit(cpu *sched.CPU, initImage []byte, program sched.Program) (*sched.Process, error) {
	p, err := m.Sched.AllocProcess(m.Alloc, cpu)
	if err != nil {
		return nil, err
	}

	as, err := vm.NewKernelSpace(m.Alloc, cpu, m.KW)
	if err != nil {
		m.abortEmbryo(cpu, p)
		return nil, err
	}
	if err := vm.InitUVM(m.Alloc, cpu, as, initImage); err != nil {
		vm.FreeVM(m.Alloc, cpu, as)
		m.abortEmbryo(cpu, p)
		return nil, err
	}

	p.AS = as
	p.SizeBytes = pmm.PageSize
	p.Cwd = m.FS.Iget(cpu, fs.RootInum)
	p.Name = "init"

	m.Sched.Init = p
	m.Sched.Start(cpu, p, program)
	return p, nil
}

// Fork creates a child of parent: a private copy of parent's address
// space and size, shared (ref-counted) references to its open files
// and current directory, and a child goroutine bound to childProgram.
//
// A real fork duplicates the parent's call stack so the child resumes
// execution right after the fork() call site, seeing a zero return
// value there. A hosted Go goroutine cannot be cloned at an arbitrary
// point in its call stack, so this Fork instead requires the caller to
// supply the child's entire program explicitly; the child's
// TrapFrame.ReturnValue is still set to 0 so code that inspects it
// (rather than relying on "falling through" fork, which Go cannot do)
// sees the same observable value a real child would.
func (m *Manager) Fork(cpu *sched.CPU, parent *sched.Process, childProgram sched.Program) (int, error) {
	child, err := m.Sched.AllocProcess(m.Alloc, cpu)
	if err != nil {
		return 0, err
	}

	as, err := vm.CopyUVM(m.Alloc, cpu, m.KW, parent.AS, parent.SizeBytes)
	if err != nil {
		m.abortEmbryo(cpu, child)
		return 0, err
	}

	child.AS = as
	child.SizeBytes = parent.SizeBytes
	child.Parent = parent
	child.Name = parent.Name
	child.Cwd = m.FS.Iget(cpu, parent.Cwd.Inum)

	for i, f := range parent.Ofile {
		if f != nil {
			child.Ofile[i] = m.Files.Dup(cpu, f)
		}
	}
	child.TrapFrame.ReturnValue = 0

	m.Sched.Start(cpu, child, childProgram)
	return child.Pid, nil
}

// Growproc grows (n >= 0) or shrinks (n < 0) p's user address space by
// n bytes, backing the sbrk syscall.
func (m *Manager) Growproc(cpu *sched.CPU, p *sched.Process, n int32) error {
	oldSz := p.SizeBytes
	if n >= 0 {
		newSz, err := vm.AllocUVM(m.Alloc, cpu, p.AS, oldSz, oldSz+uint32(n))
		if err != nil {
			return err
		}
		p.SizeBytes = newSz
		return nil
	}
	shrink := uint32(-n)
	p.SizeBytes = vm.DeallocUVM(m.Alloc, cpu, p.AS, oldSz, oldSz-shrink)
	return nil
}
