package sched

import (
	"github.com/miniker-os/miniker/internal/file"
	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/vm"
)

// ProcState is a process's lifecycle state.
type ProcState int

const (
	Unused ProcState = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

func (s ProcState) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Embryo:
		return "EMBRYO"
	case Sleeping:
		return "SLEEPING"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// NOFile is the fixed width of a process's open-file table.
const NOFile = 16

// NProc is the fixed width of the process table.
const NProc = 64

// TrapFrame stands in for the register snapshot a real kernel entry
// pushes onto the top of the kernel stack. This implementation has no
// real trap frame to restore registers from, so it carries only the
// state that is genuinely observable across a scheduling boundary: a
// forked child's return value (which must read as 0 the first time the
// child is scheduled), and the instruction and stack pointers exec
// establishes for a freshly loaded image.
type TrapFrame struct {
	ReturnValue int32
	Eip         uint32
	Esp         uint32
}

// Program is the body a process's goroutine runs once scheduled for the
// first time. Go has no way to duplicate a goroutine's call stack at an
// arbitrary point the way a real kernel duplicates a trap frame for
// fork's child, so Fork takes the child's Program explicitly rather than
// "continuing" the parent's; see internal/proc's Fork for the
// consequence this has on how fork-using code is written.
type Program func(p *Process)

// Process is the per-process record.
type Process struct {
	Pid       int
	Parent    *Process
	State     ProcState
	SizeBytes uint32
	AS        *vm.AddrSpace

	Name string
	Cwd  *fs.Inode
	Ofile [NOFile]*file.File

	TrapFrame TrapFrame
	Killed    bool

	ExitStatus int

	kstackFrame int // pmm frame backing this process's one-page kernel stack, -1 once freed

	// boundCPU is the CPU this process was allocated on. Go cannot
	// migrate a running goroutine's notion of "which simulated CPU is
	// this" mid-flight the way real hardware lets any core's scheduler
	// pick up any runnable process, so this implementation gives every
	// process affinity to the CPU that created it: only that CPU's Run
	// loop ever schedules it. See internal/sched's package doc.
	boundCPU *CPU

	channel any // the address this process is sleeping on, nil otherwise

	program  Program
	started  bool
	runTok   chan struct{} // scheduler -> process: you have the CPU
	yieldTok chan struct{} // process -> scheduler: I no longer have the CPU
}

func newProcess() *Process {
	return &Process{
		State:       Unused,
		kstackFrame: -1,
		runTok:      make(chan struct{}),
		yieldTok:    make(chan struct{}),
	}
}
