// Package boot assembles a kernel.Kernel from a BootConfig and drives
// its per-CPU scheduler loops to completion: per-CPU bring-up and the
// initial user process, picking up where a boot loader's hand-off to
// the kernel entry would leave off.
package boot

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/console"
	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/kernel"
	"github.com/miniker-os/miniker/internal/sched"
)

// Config describes how to bring up one kernel instance: how many
// simulated CPUs and physical pages it gets, how its block device is
// backed, and the dimensions of the on-disk image a fresh boot mkfs's.
type Config struct {
	NumCPUs      int
	NumPhysPages int
	BufCacheSize int

	// DiskPath, if non-empty, boots against a file-backed block device
	// at that path (created if missing). Empty selects the in-memory
	// backend, for tests and throwaway runs.
	DiskPath string
	// DiskBlocks sizes the device: the in-memory backend when DiskPath
	// is empty, and the DiskPath image otherwise (an existing file is
	// resized to it).
	DiskBlocks uint32

	// NumInodes and NumLogBlocks size a fresh mkfs, which runs only for
	// an in-memory device or a DiskPath file that did not exist before
	// boot.
	NumInodes    uint32
	NumLogBlocks uint32
}

// DefaultConfig returns the dimensions a plain `miniker` invocation
// with no flags boots with.
func DefaultConfig() Config {
	return Config{
		NumCPUs:      2,
		NumPhysPages: 4096,
		BufCacheSize: 64,
		DiskBlocks:   8192,
		NumInodes:    200,
		NumLogBlocks: 30,
	}
}

// Boot owns one booted Kernel plus the bring-up bookkeeping (a unique
// instance tag for crash logs, and the "panicked" latch that winds
// down every other CPU once one of them dies) that sits above the kernel subsystems
// themselves.
type Boot struct {
	Kernel   *kernel.Kernel
	Instance uuid.UUID

	panicked atomic.Bool
	dev      blockdev.Device
	closer   func() error
}

// New opens cfg's block device (creating and mkfs'ing it if it is a
// fresh file, or the caller asks for a fresh in-memory one), brings up
// a Kernel over it, and registers the console device.
func New(cfg Config) (*Boot, error) {
	dev, closer, fresh, err := openDevice(cfg)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	if fresh {
		if err := fs.MkfsDevice(dev, cfg.NumInodes, cfg.NumLogBlocks); err != nil {
			closer()
			return nil, fmt.Errorf("boot: mkfs: %w", err)
		}
	}

	k, err := kernel.New(kernel.Config{
		NumPhysPages: cfg.NumPhysPages,
		NumCPUs:      cfg.NumCPUs,
		Device:       dev,
		BufCacheSize: cfg.BufCacheSize,
	})
	if err != nil {
		closer()
		return nil, fmt.Errorf("boot: %w", err)
	}

	b := &Boot{
		Kernel:   k,
		Instance: uuid.New(),
		dev:      dev,
		closer:   closer,
	}
	return b, nil
}

// openDevice resolves cfg.DiskPath to a blockdev.Device, reporting
// whether the device needs a fresh mkfs (true for every in-memory
// device, and for a file that did not already exist).
func openDevice(cfg Config) (dev blockdev.Device, closer func() error, fresh bool, err error) {
	if cfg.DiskPath == "" {
		return blockdev.NewMemory(cfg.DiskBlocks), func() error { return nil }, true, nil
	}
	existed := fileExists(cfg.DiskPath)
	f, err := blockdev.OpenFile(cfg.DiskPath, cfg.DiskBlocks)
	if err != nil {
		return nil, nil, false, err
	}
	return f, f.Close, !existed, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Console returns the kernel's console device, which kernel.New has
// already registered, so callers can Feed it input bytes.
func (b *Boot) Console() *console.Console {
	return b.Kernel.Console
}

// UserInit installs the given byte image as pid 1 and starts program
// as its body.
func (b *Boot) UserInit(initImage []byte, program sched.Program) (*sched.Process, error) {
	return b.Kernel.Manager.UserInit(b.Kernel.BootCPU(), initImage, program)
}

// Run launches one scheduler loop per simulated CPU and blocks until
// ctx is canceled or every loop has stopped, whichever comes first. A
// panic inside any one CPU's loop is caught, logged with this Boot's
// instance tag and a captured stack (the saved-program-counter chain
// a real kernel panic would print), and latches Panicked so the other
// CPUs' loops wind down instead of continuing to schedule against
// kernel state a fatal assertion has already declared inconsistent.
func (b *Boot) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, cpu := range b.Kernel.Sched.CPUs() {
		wg.Add(1)
		go func(cpu *sched.CPU) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.panicked.Store(true)
					log.Printf("miniker[%s]: cpu %d panic: %v\n%s", b.Instance, cpu.ID(), r, debug.Stack())
					cancel()
				}
			}()
			b.Kernel.Sched.Run(ctx, cpu)
		}(cpu)
	}
	wg.Wait()
}

// Panicked reports whether any CPU has taken down the kernel.
func (b *Boot) Panicked() bool { return b.panicked.Load() }

// Close releases the underlying block device (a no-op for the
// in-memory backend).
func (b *Boot) Close() error { return b.closer() }
