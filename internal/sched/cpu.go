// Package sched implements the per-CPU scheduler, the process table, and
// the sleep/wakeup rendezvous: one scheduler
// loop per simulated CPU, round-robin selection of a RUNNABLE process,
// and broadcast wakeup on an opaque channel value.
//
// A real kernel context-switches by saving and restoring registers on a
// kernel stack. A hosted Go process has no equivalent of swtch: instead,
// each Process owns a goroutine with its own Go call stack, and "giving
// up the CPU" is modeled by that goroutine blocking on a channel
// (Process.runTok) until the scheduler hands it the CPU again. The
// CPU's own goroutine blocks in turn on Process.yieldTok until the
// running process either calls Yield, calls Sleep, or exits. This plays
// the same role as swtch — exactly one goroutine makes progress "on"
// a given CPU at a time — without pretending Go can clone or rewind a
// stack.
//
// One consequence: a real multiprocessor's idle core can pick up any
// runnable process, migrating it freely. A Process's Program closure
// has no hook to observe "which CPU is running me right now" at an
// arbitrary resume point, so instead each Process is pinned to the CPU
// that created it (see Process.boundCPU) and only that CPU's Run loop
// ever schedules it.
package sched

// CPU is the per-processor record: the cli-nesting depth (so
// PushCli/PopCli implement spinlock.Owner), the saved interrupt-enable
// flag, and the process currently assigned to this CPU, if any.
type CPU struct {
	id int

	cliDepth    int
	intEnaSaved bool
	IntEna      bool

	// Proc is the process currently RUNNING on this CPU, or nil.
	// Only the goroutine driving this CPU's Run loop writes it.
	Proc *Process
}

// NewCPU returns a CPU record with the given stable id. Interrupts start
// enabled, matching a freshly brought-up processor before its first
// PushCli.
func NewCPU(id int) *CPU {
	return &CPU{id: id, IntEna: true}
}

// ID implements spinlock.Owner.
func (c *CPU) ID() int { return c.id }

// PushCli implements spinlock.Owner: raising the nesting count from zero
// records whether interrupts were enabled, then disables them.
func (c *CPU) PushCli() {
	if c.cliDepth == 0 {
		c.intEnaSaved = c.IntEna
	}
	c.IntEna = false
	c.cliDepth++
}

// PopCli implements spinlock.Owner: lowering the nesting count to zero
// restores whatever interrupt-enable state PushCli first saved. Calling
// PopCli without a matching PushCli is a fatal assertion.
func (c *CPU) PopCli() {
	if c.cliDepth == 0 {
		panic("sched: popcli called without a matching pushcli")
	}
	c.cliDepth--
	if c.cliDepth == 0 {
		c.IntEna = c.intEnaSaved
	}
}
