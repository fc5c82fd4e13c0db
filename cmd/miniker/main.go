// Command miniker boots one instance of the simulated kernel, standing
// in for the boot loader's hand-off plus the initial user process. It takes the place of hardware POST:
// choose how many CPUs and how much memory to simulate, attach (or
// format) a disk image, then run until every CPU's scheduler loop
// stops or a fatal assertion panics one of them.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/miniker-os/miniker/internal/boot"
	"github.com/miniker-os/miniker/internal/sched"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	cfg := boot.DefaultConfig()
	var initName string

	cmd := &cobra.Command{
		Use:   "miniker",
		Short: "boot a simulated preemptive multiprocessor teaching kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, initName)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.NumCPUs, "cpus", cfg.NumCPUs, "number of simulated CPUs")
	flags.IntVar(&cfg.NumPhysPages, "memory", cfg.NumPhysPages, "simulated physical memory, in 4 KiB pages")
	flags.IntVar(&cfg.BufCacheSize, "bufcache", cfg.BufCacheSize, "number of buffer-cache slots")
	flags.StringVar(&cfg.DiskPath, "disk", cfg.DiskPath, "disk image path (empty: in-memory device)")
	flags.Uint32Var(&cfg.DiskBlocks, "disk-blocks", cfg.DiskBlocks, "block count for a freshly created disk image")
	flags.Uint32Var(&cfg.NumInodes, "inodes", cfg.NumInodes, "inode count for a freshly created file system")
	flags.Uint32Var(&cfg.NumLogBlocks, "log-blocks", cfg.NumLogBlocks, "log region size, in blocks, for a freshly created file system")
	flags.StringVar(&initName, "init", "init", "name recorded for the first user process")

	return cmd
}

// run brings up the kernel described by cfg, installs a trivial init
// process that immediately exits (there is no user-space shell or C
// library in this module, so there is no ELF image to load here),
// and drives the scheduler until a shutdown signal arrives or a CPU
// panics.
func run(cfg boot.Config, initName string) error {
	b, err := boot.New(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	log.Printf("miniker[%s]: booted %d CPU(s), %d physical pages, disk=%q",
		b.Instance, cfg.NumCPUs, cfg.NumPhysPages, cfg.DiskPath)

	initProc, err := b.UserInit([]byte(initName), func(p *sched.Process) {
		b.Kernel.Manager.Exit(b.Kernel.BootCPU(), p, 0)
	})
	if err != nil {
		return fmt.Errorf("miniker: userinit: %w", err)
	}
	initProc.Name = initName

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	b.Run(ctx)

	if b.Panicked() {
		return fmt.Errorf("miniker: kernel panicked, see log above")
	}
	return nil
}
