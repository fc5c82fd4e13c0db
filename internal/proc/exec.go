package proc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/sched"
	"github.com/miniker-os/miniker/internal/vm"
)

func roundUpPage(sz uint32) uint32 {
	return (sz + pmm.PageSize - 1) &^ (pmm.PageSize - 1)
}

// loadImage builds the user region of as from the file at ip, already
// locked by the caller: ELF executables have each PT_LOAD segment
// placed at its virtual address with the memory beyond the file bytes
// zeroed, anything else is treated as a flat image at address 0 (the
// form UserInit installs, kept loadable so boot images need no ELF
// wrapping). It returns the populated size and the entry point.
func (m *Manager) loadImage(cpu *sched.CPU, pid int, as *vm.AddrSpace, ip *fs.Inode) (sz, entry uint32, err error) {
	var hdr [elfHeaderSize]byte
	n, err := ip.Readi(cpu, pid, hdr[:], 0)
	if err != nil {
		return 0, 0, err
	}

	if n < elfHeaderSize || !isElf(hdr[:]) {
		sz = ip.Size
		if sz == 0 {
			return 0, 0, nil
		}
		if sz, err = vm.AllocUVM(m.Alloc, cpu, as, 0, sz); err != nil {
			return 0, 0, err
		}
		if err = vm.LoadUVM(m.Alloc, cpu, pid, as, ip, 0, 0, sz); err != nil {
			return 0, 0, err
		}
		return sz, 0, nil
	}

	h, err := decodeElfHeader(hdr[:])
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < int(h.phnum); i++ {
		ph, err := readProgHeader(cpu, pid, ip, h, i)
		if err != nil {
			return 0, 0, err
		}
		if ph.typ != ptLoad {
			continue
		}
		if err := validSegment(ph); err != nil {
			return 0, 0, err
		}
		if ph.vaddr+ph.memsz > sz {
			if sz, err = vm.AllocUVM(m.Alloc, cpu, as, sz, ph.vaddr+ph.memsz); err != nil {
				return 0, 0, err
			}
		}
		if ph.filesz > 0 {
			if err := vm.LoadUVM(m.Alloc, cpu, pid, as, ip, ph.vaddr, ph.off, ph.filesz); err != nil {
				return 0, 0, err
			}
		}
	}
	return sz, h.entry, nil
}

// setupStack lays argv down at the top of the freshly allocated stack
// page the way a just-exec'd process expects to find it: the argument
// strings highest, then the NUL-terminated pointer array, then the
// argv pointer, argc, and a fake return address. It returns the final
// stack pointer. Overflowing the stack page walks into the guard page,
// whose cleared user bit makes CopyOut fail rather than corrupt the
// image below.
func (m *Manager) setupStack(cpu *sched.CPU, as *vm.AddrSpace, sp uint32, argv []string) (uint32, error) {
	ustack := make([]uint32, 3+len(argv)+1)
	for i := len(argv) - 1; i >= 0; i-- {
		b := append([]byte(argv[i]), 0)
		sp -= uint32(len(b))
		sp &^= 3
		if err := vm.CopyOut(m.Alloc, cpu, as, sp, b); err != nil {
			return 0, err
		}
		ustack[3+i] = sp
	}
	ustack[3+len(argv)] = 0

	sp -= uint32(4 * len(ustack))
	ustack[0] = 0xffffffff // fake return PC
	ustack[1] = uint32(len(argv))
	ustack[2] = sp + 12 // address of the pointer array just above

	enc := make([]byte, 4*len(ustack))
	for i, w := range ustack {
		binary.LittleEndian.PutUint32(enc[4*i:4*i+4], w)
	}
	if err := vm.CopyOut(m.Alloc, cpu, as, sp, enc); err != nil {
		return 0, err
	}
	return sp, nil
}

// Exec replaces p's address space with the program at path: the image is loaded into a fresh address space, followed by an
// inaccessible guard page and one user stack page with argv laid down
// at its top; p's trap frame gets the image's entry point and the
// resulting stack pointer. Any failure leaves the old image completely
// intact.
//
// A real exec then returns into the new image's code; p's goroutine
// instead keeps running whatever Program it was started with, so the
// observable effects here are exactly the ones this kernel's memory
// model can express: the address space, size, name, and trap frame.
func (m *Manager) Exec(cpu *sched.CPU, p *sched.Process, path string, argv []string) error {
	m.FS.Log.BeginOp(cpu)
	ip, _, err := m.FS.Namex(cpu, p.Pid, p.Cwd, path, false)
	if err != nil {
		m.FS.Log.EndOp(cpu, p.Pid)
		return fmt.Errorf("proc: exec: %w", err)
	}
	if err := ip.Ilock(cpu, p.Pid); err != nil {
		ip.Iput(cpu, p.Pid)
		m.FS.Log.EndOp(cpu, p.Pid)
		return err
	}
	if ip.Type != fs.TypeFile {
		ip.Iunlock(cpu)
		ip.Iput(cpu, p.Pid)
		m.FS.Log.EndOp(cpu, p.Pid)
		return fmt.Errorf("proc: exec: %q is not a regular file", path)
	}

	as, err := vm.NewKernelSpace(m.Alloc, cpu, m.KW)
	if err != nil {
		ip.Iunlock(cpu)
		ip.Iput(cpu, p.Pid)
		m.FS.Log.EndOp(cpu, p.Pid)
		return err
	}

	sz, entry, err := m.loadImage(cpu, p.Pid, as, ip)
	ip.Iunlock(cpu)
	ip.Iput(cpu, p.Pid)
	m.FS.Log.EndOp(cpu, p.Pid)
	if err != nil {
		vm.FreeVM(m.Alloc, cpu, as)
		return err
	}

	// Guard page below the stack, then one stack page.
	guardVa := roundUpPage(sz)
	newSz, err := vm.AllocUVM(m.Alloc, cpu, as, sz, guardVa+2*pmm.PageSize)
	if err != nil {
		vm.FreeVM(m.Alloc, cpu, as)
		return err
	}
	if err := vm.ClearPteU(m.Alloc, cpu, as, guardVa); err != nil {
		vm.FreeVM(m.Alloc, cpu, as)
		return err
	}

	sp, err := m.setupStack(cpu, as, newSz, argv)
	if err != nil {
		vm.FreeVM(m.Alloc, cpu, as)
		return err
	}

	oldAS := p.AS
	p.AS = as
	p.SizeBytes = newSz
	p.TrapFrame.Eip = entry
	p.TrapFrame.Esp = sp
	if slash := strings.LastIndex(path, "/"); slash >= 0 {
		p.Name = path[slash+1:]
	} else {
		p.Name = path
	}
	vm.FreeVM(m.Alloc, cpu, oldAS)
	return nil
}
