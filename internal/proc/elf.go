package proc

import (
	"encoding/binary"
	"fmt"

	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// ELF32 constants, matching the fixed little-endian header layout the
// loader consumes. Only executables with PT_LOAD segments are handled;
// everything else in the headers is ignored.
const (
	elfMagic = 0x464C457F // "\x7FELF" read as a little-endian word

	elfHeaderSize  = 52
	progHeaderSize = 32

	ptLoad = 1
)

type elfHeader struct {
	entry uint32
	phoff uint32
	phnum uint16
}

type progHeader struct {
	typ    uint32
	off    uint32
	vaddr  uint32
	filesz uint32
	memsz  uint32
}

// isElf reports whether buf begins with the ELF magic number.
func isElf(buf []byte) bool {
	return len(buf) >= 4 && binary.LittleEndian.Uint32(buf[0:4]) == elfMagic
}

func decodeElfHeader(buf []byte) (elfHeader, error) {
	if len(buf) < elfHeaderSize {
		return elfHeader{}, fmt.Errorf("proc: elf: truncated header")
	}
	h := elfHeader{
		entry: binary.LittleEndian.Uint32(buf[24:28]),
		phoff: binary.LittleEndian.Uint32(buf[28:32]),
		phnum: binary.LittleEndian.Uint16(buf[44:46]),
	}
	if phentsize := binary.LittleEndian.Uint16(buf[42:44]); phentsize != progHeaderSize {
		return elfHeader{}, fmt.Errorf("proc: elf: program header entry size %d", phentsize)
	}
	return h, nil
}

func decodeProgHeader(buf []byte) progHeader {
	return progHeader{
		typ:    binary.LittleEndian.Uint32(buf[0:4]),
		off:    binary.LittleEndian.Uint32(buf[4:8]),
		vaddr:  binary.LittleEndian.Uint32(buf[8:12]),
		filesz: binary.LittleEndian.Uint32(buf[16:20]),
		memsz:  binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// readProgHeader reads the i'th program header of ip, whose ELF header
// is h. The caller holds ip's sleeplock.
func readProgHeader(cpu spinlock.Owner, pid int, ip *fs.Inode, h elfHeader, i int) (progHeader, error) {
	var buf [progHeaderSize]byte
	off := h.phoff + uint32(i)*progHeaderSize
	n, err := ip.Readi(cpu, pid, buf[:], off)
	if err != nil {
		return progHeader{}, err
	}
	if n != progHeaderSize {
		return progHeader{}, fmt.Errorf("proc: elf: truncated program header %d", i)
	}
	return decodeProgHeader(buf[:]), nil
}

// validSegment checks the invariants the loader depends on before it
// touches the address space.
func validSegment(ph progHeader) error {
	if ph.memsz < ph.filesz {
		return fmt.Errorf("proc: elf: segment memsz %d < filesz %d", ph.memsz, ph.filesz)
	}
	if ph.vaddr+ph.memsz < ph.vaddr {
		return fmt.Errorf("proc: elf: segment address overflow at %#x", ph.vaddr)
	}
	if ph.vaddr%pmm.PageSize != 0 {
		return fmt.Errorf("proc: elf: segment vaddr %#x not page-aligned", ph.vaddr)
	}
	return nil
}
