// Package kernel wires every subsystem together into one shared
// value, initialized in dependency order at boot and threaded through
// explicitly instead of held as process-wide statics. internal/boot
// and tests both construct a Kernel the same way: build one, then use
// its exported fields and Manager to drive processes.
package kernel

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/bcache"
	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/console"
	"github.com/miniker-os/miniker/internal/file"
	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/proc"
	"github.com/miniker-os/miniker/internal/sched"
	"github.com/miniker-os/miniker/internal/vm"
)

// Config describes the resources a Kernel boots onto: how much
// simulated physical memory, how many simulated CPUs, the already
// mkfs'd block device backing the file system, and the buffer cache's
// width.
type Config struct {
	NumPhysPages int
	NumCPUs      int
	Device       blockdev.Device
	BufCacheSize int
}

// Kernel holds every subsystem, already wired to one another.
type Kernel struct {
	Alloc   *pmm.Allocator
	Sched   *sched.Scheduler
	KW      *vm.KernelWindow
	Cache   *bcache.Cache
	FS      *fs.FS
	Files   *file.Table
	Console *console.Console
	Manager *proc.Manager
}

// New brings up a Kernel over cfg.Device, which must already hold a
// valid on-disk image (built with fs.MkfsDevice). Subsystems are
// constructed in dependency order: physical memory first, then the
// scheduler's CPUs (so BuildKernelWindow has an Owner to call Alloc
// with), then storage, then the process manager that ties it all
// together.
func New(cfg Config) (*Kernel, error) {
	if cfg.NumCPUs < 1 {
		return nil, fmt.Errorf("kernel: NumCPUs must be at least 1")
	}

	a := pmm.New(cfg.NumPhysPages)
	a.FreeRange(0, cfg.NumPhysPages)
	a.EnableLocking()

	s := sched.New(cfg.NumCPUs)
	bootCPU := s.CPUs()[0]

	kw, err := vm.BuildKernelWindow(a, bootCPU)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	ch := bcache.New(cfg.BufCacheSize, s)
	fsys, err := fs.Mount(cfg.Device, ch, s, bootCPU, 1)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	con := console.New()
	con.Register(fsys)

	files := file.NewTable()
	mgr := proc.New(s, a, kw, fsys, files)

	return &Kernel{
		Alloc:   a,
		Sched:   s,
		KW:      kw,
		Cache:   ch,
		FS:      fsys,
		Files:   files,
		Console: con,
		Manager: mgr,
	}, nil
}

// BootCPU returns the CPU used for single-threaded boot-time setup
// (BuildKernelWindow, mounting the file system, UserInit): always
// Sched.CPUs()[0], by convention the processor that runs POST before
// the others are brought up.
func (k *Kernel) BootCPU() *sched.CPU {
	return k.Sched.CPUs()[0]
}
