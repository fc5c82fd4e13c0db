// Package lib is the repository root doc comment for miniker: a
// simulated preemptive multiprocessor teaching kernel, covering the
// process scheduler, two-level paging virtual memory, a buffer-cached
// block storage stack with a crash-safe redo log and inode file
// system, and the system-call/trap/pipe plumbing that ties them
// together.
//
// See internal/kernel for how the subsystem packages under internal/
// are wired together into one Kernel value, and cmd/miniker for the
// boot entry point.
package lib
