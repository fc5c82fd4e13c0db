// Package trap implements the syscall dispatch layer: the
// fixed set of operations a process can request from the kernel.
//
// A real trap handler decodes the syscall number and its arguments out
// of the user trap frame pushed by the int instruction. This kernel has
// no such frame to decode (internal/sched.Process.TrapFrame only
// stands in for the few values this kernel reads back: fork's child
// return value and the entry point and stack pointer exec sets), so
// Dispatcher exposes each syscall as an ordinary Go method with typed
// arguments instead of a single numbered-and-packed entry point —
// the dispatch table's role is played by the method set itself.
package trap

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/file"
	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/kernel"
	"github.com/miniker-os/miniker/internal/sched"
)

// Dispatcher serves syscalls against one Kernel.
type Dispatcher struct {
	K *kernel.Kernel
}

// New returns a Dispatcher over k.
func New(k *kernel.Kernel) *Dispatcher {
	return &Dispatcher{K: k}
}

// Fork creates a child of p running childProgram, per the fork
// syscall. See proc.Manager.Fork for why the child's code must be
// supplied explicitly rather than "continuing" the parent.
func (d *Dispatcher) Fork(cpu *sched.CPU, p *sched.Process, childProgram sched.Program) (int, error) {
	return d.K.Manager.Fork(cpu, p, childProgram)
}

// Exit terminates the calling process with status, per the exit
// syscall. It never returns.
func (d *Dispatcher) Exit(cpu *sched.CPU, p *sched.Process, status int) {
	d.K.Manager.Exit(cpu, p, status)
}

// Wait blocks until a child of p exits, per the wait syscall.
func (d *Dispatcher) Wait(cpu *sched.CPU, p *sched.Process) (pid int, status int, err error) {
	return d.K.Manager.Wait(cpu, p)
}

// Kill marks pid for termination, per the kill syscall. A sleeping
// target is made runnable. The Killed flag is checked only by the
// blocking pipe read and write, sleep and wait paths, which then fail;
// no syscall checks it on return, so a killed process exits only when
// its own program calls Exit.
func (d *Dispatcher) Kill(cpu *sched.CPU, pid int) error {
	return d.K.Sched.Kill(cpu, pid)
}

// Sbrk grows (n >= 0) or shrinks (n < 0) p's address space by n bytes
// and returns the size it had before the change, per the sbrk syscall.
func (d *Dispatcher) Sbrk(cpu *sched.CPU, p *sched.Process, n int32) (uint32, error) {
	old := p.SizeBytes
	if err := d.K.Manager.Growproc(cpu, p, n); err != nil {
		return 0, err
	}
	return old, nil
}

// Exec replaces p's image with the program at path, laying argv down
// at the top of the new stack, per the exec syscall.
func (d *Dispatcher) Exec(cpu *sched.CPU, p *sched.Process, path string, argv []string) error {
	return d.K.Manager.Exec(cpu, p, path, argv)
}

// allocFd finds p's lowest free file descriptor and installs f there.
func allocFd(p *sched.Process, f *file.File) (int, error) {
	for i, existing := range p.Ofile {
		if existing == nil {
			p.Ofile[i] = f
			return i, nil
		}
	}
	return 0, fmt.Errorf("trap: too many open files")
}

// fdFile resolves fd against p's open-file table.
func fdFile(p *sched.Process, fd int) (*file.File, error) {
	if fd < 0 || fd >= sched.NOFile || p.Ofile[fd] == nil {
		return nil, fmt.Errorf("trap: bad file descriptor %d", fd)
	}
	return p.Ofile[fd], nil
}

// Pipe creates a pipe and installs its two ends as new descriptors in
// p, per the pipe syscall.
func (d *Dispatcher) Pipe(cpu *sched.CPU, p *sched.Process) (readFd, writeFd int, err error) {
	rf, wf, err := file.NewPipeEnds(d.K.Files, cpu, d.K.Sched)
	if err != nil {
		return 0, 0, err
	}
	readFd, err = allocFd(p, rf)
	if err != nil {
		d.K.Files.Close(cpu, p.Pid, rf)
		d.K.Files.Close(cpu, p.Pid, wf)
		return 0, 0, err
	}
	writeFd, err = allocFd(p, wf)
	if err != nil {
		p.Ofile[readFd] = nil
		d.K.Files.Close(cpu, p.Pid, rf)
		d.K.Files.Close(cpu, p.Pid, wf)
		return 0, 0, err
	}
	return readFd, writeFd, nil
}

// Open resolves path (optionally creating it when mustCreate is set)
// and installs it as a new descriptor in p, per the open syscall.
func (d *Dispatcher) Open(cpu *sched.CPU, p *sched.Process, path string, readable, writable, mustCreate bool) (fd int, err error) {
	d.K.FS.Log.BeginOp(cpu)
	defer func() {
		if endErr := d.K.FS.Log.EndOp(cpu, p.Pid); endErr != nil && err == nil {
			err = endErr
		}
	}()

	var ip *fs.Inode
	if mustCreate {
		created, err := d.K.FS.Create(cpu, p.Pid, p.Cwd, path, fs.TypeFile, 0, 0)
		if err != nil {
			return 0, err
		}
		ip = created
	} else {
		found, _, err := d.K.FS.Namex(cpu, p.Pid, p.Cwd, path, false)
		if err != nil {
			return 0, err
		}
		if err := found.Ilock(cpu, p.Pid); err != nil {
			found.Iput(cpu, p.Pid)
			return 0, err
		}
		ip = found
	}
	f, err := file.NewInodeFile(d.K.Files, cpu, ip, readable, writable)
	ip.Iunlock(cpu)
	if err != nil {
		ip.Iput(cpu, p.Pid)
		return 0, err
	}
	fd, err = allocFd(p, f)
	if err != nil {
		d.K.Files.Close(cpu, p.Pid, f)
		return 0, err
	}
	return fd, nil
}

// Read reads into dst from fd, per the read syscall.
func (d *Dispatcher) Read(cpu *sched.CPU, p *sched.Process, fd int, dst []byte) (int, error) {
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	return f.Read(cpu, p.Pid, dst, func() bool { return p.Killed })
}

// Write writes src to fd, per the write syscall.
func (d *Dispatcher) Write(cpu *sched.CPU, p *sched.Process, fd int, src []byte) (int, error) {
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	return f.Write(cpu, p.Pid, src, func() bool { return p.Killed })
}

// Close releases fd, per the close syscall.
func (d *Dispatcher) Close(cpu *sched.CPU, p *sched.Process, fd int) error {
	f, err := fdFile(p, fd)
	if err != nil {
		return err
	}
	p.Ofile[fd] = nil
	return d.K.Files.Close(cpu, p.Pid, f)
}

// Dup duplicates fd onto the lowest free descriptor, per the dup
// syscall.
func (d *Dispatcher) Dup(cpu *sched.CPU, p *sched.Process, fd int) (int, error) {
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	dup := d.K.Files.Dup(cpu, f)
	return allocFd(p, dup)
}

// GetPid returns p's process id, per the getpid syscall.
func (d *Dispatcher) GetPid(p *sched.Process) int {
	return p.Pid
}

// Chdir changes p's current directory to path, per the chdir syscall.
func (d *Dispatcher) Chdir(cpu *sched.CPU, p *sched.Process, path string) (err error) {
	d.K.FS.Log.BeginOp(cpu)
	defer func() {
		if endErr := d.K.FS.Log.EndOp(cpu, p.Pid); endErr != nil && err == nil {
			err = endErr
		}
	}()
	ip, _, err := d.K.FS.Namex(cpu, p.Pid, p.Cwd, path, false)
	if err != nil {
		return err
	}
	if err := ip.Ilock(cpu, p.Pid); err != nil {
		ip.Iput(cpu, p.Pid)
		return err
	}
	if ip.Type != fs.TypeDir {
		ip.Iunlock(cpu)
		ip.Iput(cpu, p.Pid)
		return fmt.Errorf("trap: chdir: %q is not a directory", path)
	}
	ip.Iunlock(cpu)
	old := p.Cwd
	p.Cwd = ip
	if old != nil {
		old.Iput(cpu, p.Pid)
	}
	return nil
}

// Fstat copies fd's underlying inode metadata, per the fstat syscall.
func (d *Dispatcher) Fstat(cpu *sched.CPU, p *sched.Process, fd int) (file.Stat, error) {
	f, err := fdFile(p, fd)
	if err != nil {
		return file.Stat{}, err
	}
	return f.Stat(cpu, p.Pid, 0)
}

// Link creates newpath as a second name for oldpath, per the link
// syscall.
func (d *Dispatcher) Link(cpu *sched.CPU, p *sched.Process, oldpath, newpath string) (err error) {
	d.K.FS.Log.BeginOp(cpu)
	defer func() {
		if endErr := d.K.FS.Log.EndOp(cpu, p.Pid); endErr != nil && err == nil {
			err = endErr
		}
	}()
	return d.K.FS.Link(cpu, p.Pid, p.Cwd, oldpath, newpath)
}

// Unlink removes path's directory entry, per the unlink syscall.
func (d *Dispatcher) Unlink(cpu *sched.CPU, p *sched.Process, path string) (err error) {
	d.K.FS.Log.BeginOp(cpu)
	defer func() {
		if endErr := d.K.FS.Log.EndOp(cpu, p.Pid); endErr != nil && err == nil {
			err = endErr
		}
	}()
	return d.K.FS.Unlink(cpu, p.Pid, p.Cwd, path)
}

// Mknod creates a device-special file at path with the given major and
// minor numbers, per the mknod syscall.
func (d *Dispatcher) Mknod(cpu *sched.CPU, p *sched.Process, path string, major, minor uint16) (err error) {
	d.K.FS.Log.BeginOp(cpu)
	defer func() {
		if endErr := d.K.FS.Log.EndOp(cpu, p.Pid); endErr != nil && err == nil {
			err = endErr
		}
	}()
	ip, createErr := d.K.FS.Create(cpu, p.Pid, p.Cwd, path, fs.TypeDevice, major, minor)
	if createErr != nil {
		return createErr
	}
	ip.Iunlock(cpu)
	return ip.Iput(cpu, p.Pid)
}

// Sleep blocks the calling process for nTicks timer ticks, per the
// sleep syscall.
func (d *Dispatcher) Sleep(cpu *sched.CPU, p *sched.Process, nTicks uint32) error {
	return d.K.Sched.SleepTicks(cpu, nTicks, func() bool { return p.Killed })
}

// Uptime returns the number of timer ticks since boot, per the uptime
// syscall.
func (d *Dispatcher) Uptime(cpu *sched.CPU) uint32 {
	return d.K.Sched.Uptime(cpu)
}

// Mkdir creates an empty directory at path, per the mkdir syscall.
func (d *Dispatcher) Mkdir(cpu *sched.CPU, p *sched.Process, path string) (err error) {
	d.K.FS.Log.BeginOp(cpu)
	defer func() {
		if endErr := d.K.FS.Log.EndOp(cpu, p.Pid); endErr != nil && err == nil {
			err = endErr
		}
	}()
	ip, createErr := d.K.FS.Create(cpu, p.Pid, p.Cwd, path, fs.TypeDir, 0, 0)
	if createErr != nil {
		return createErr
	}
	ip.Iunlock(cpu)
	return ip.Iput(cpu, p.Pid)
}
