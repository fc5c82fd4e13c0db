package proc

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/sched"
	"github.com/miniker-os/miniker/internal/vm"
)

// Exit tears p down: every open file is closed, its current
// directory released, its still-living children reparented to init,
// and its parent (if sleeping in Wait) woken. p becomes a ZOMBIE and
// never runs again; Exit hands the CPU to the scheduler one last time
// and never returns to its caller.
//
// file.Table.Close runs its own log transaction per file, so only the
// final Iput of Cwd (which may truncate an unlinked directory) needs a
// transaction here.
func (m *Manager) Exit(cpu *sched.CPU, p *sched.Process, status int) {
	for i, f := range p.Ofile {
		if f != nil {
			m.Files.Close(cpu, p.Pid, f)
			p.Ofile[i] = nil
		}
	}
	if p.Cwd != nil {
		m.FS.Log.BeginOp(cpu)
		p.Cwd.Iput(cpu, p.Pid)
		p.Cwd = nil
		if err := m.FS.Log.EndOp(cpu, p.Pid); err != nil {
			panic(fmt.Sprintf("proc: exit: end_op: %v", err))
		}
	}

	m.Sched.LockTable(cpu)
	for _, c := range m.Sched.Table() {
		if c == nil {
			continue
		}
		if c.Parent == p {
			c.Parent = m.Sched.Init
			if c.State == sched.Zombie {
				m.Sched.Wakeup1Locked(m.Sched.Init)
			}
		}
	}

	p.ExitStatus = status
	p.State = sched.Zombie
	if p.Parent != nil {
		m.Sched.Wakeup1Locked(p.Parent)
	}
	m.Sched.ExitCurrent(cpu)
}

// Wait blocks parent until one of its children exits, then reclaims
// that child's address space and process-table slot and returns its
// pid and exit status. It returns an error immediately if parent has
// no children at all, or once parent itself has been killed while
// waiting.
func (m *Manager) Wait(cpu *sched.CPU, parent *sched.Process) (pid int, status int, err error) {
	for {
		m.Sched.LockTable(cpu)
		haveChildren := false
		for _, c := range m.Sched.Table() {
			if c == nil || c.Parent != parent {
				continue
			}
			haveChildren = true
			if c.State == sched.Zombie {
				pid, status = c.Pid, c.ExitStatus
				vm.FreeVM(m.Alloc, cpu, c.AS)
				m.Sched.FreeProcessLocked(m.Alloc, cpu, c)
				m.Sched.UnlockTable(cpu)
				return pid, status, nil
			}
		}
		if !haveChildren || parent.Killed {
			m.Sched.UnlockTable(cpu)
			return 0, 0, fmt.Errorf("proc: wait: no children")
		}
		// Sleep is given the table lock itself as lk, so it both
		// publishes SLEEPING and drops the lock atomically, and leaves
		// the lock released (not reacquired) on the way back out;
		// looping back to LockTable re-establishes it for the rescan.
		m.Sched.Sleep(cpu, parent, m.Sched.TableLock())
	}
}
