package trap

import (
	"encoding/binary"
	"fmt"

	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/sched"
	"github.com/miniker-os/miniker/internal/vm"
)

// Argument fetchers: a syscall's word-sized arguments sit on
// the user stack just above the saved return address, and every pointer
// or string argument must be validated against the process's address
// space before the kernel dereferences it.

// fetchWord reads one aligned 32-bit word from p's user space.
func (d *Dispatcher) fetchWord(cpu *sched.CPU, p *sched.Process, va uint32) (uint32, error) {
	if va%4 != 0 {
		return 0, fmt.Errorf("trap: unaligned argument address %#x", va)
	}
	if va+4 > p.SizeBytes || va+4 < va {
		return 0, fmt.Errorf("trap: argument address %#x out of range", va)
	}
	b, err := vm.Uva2ka(d.K.Alloc, cpu, p.AS, va)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:4]), nil
}

// ArgWord returns the n'th word-sized argument on p's user stack.
func (d *Dispatcher) ArgWord(cpu *sched.CPU, p *sched.Process, n int) (uint32, error) {
	return d.fetchWord(cpu, p, p.TrapFrame.Esp+4+uint32(4*n))
}

// ArgPtr returns the n'th argument as a user pointer, validated so that
// [ptr, ptr+size) lies entirely inside p's address space.
func (d *Dispatcher) ArgPtr(cpu *sched.CPU, p *sched.Process, n int, size uint32) (uint32, error) {
	va, err := d.ArgWord(cpu, p, n)
	if err != nil {
		return 0, err
	}
	if va+size > p.SizeBytes || va+size < va {
		return 0, fmt.Errorf("trap: pointer argument [%#x, %#x) out of range", va, va+size)
	}
	return va, nil
}

// ArgStr returns the n'th argument as a NUL-terminated string that must
// lie entirely inside p's address space.
func (d *Dispatcher) ArgStr(cpu *sched.CPU, p *sched.Process, n int) (string, error) {
	va, err := d.ArgWord(cpu, p, n)
	if err != nil {
		return "", err
	}
	var out []byte
	for va < p.SizeBytes {
		b, err := vm.Uva2ka(d.K.Alloc, cpu, p.AS, va)
		if err != nil {
			return "", err
		}
		limit := uint32(len(b))
		if rest := p.SizeBytes - va; rest < limit {
			limit = rest
		}
		for i := uint32(0); i < limit; i++ {
			if b[i] == 0 {
				return string(append(out, b[:i]...)), nil
			}
		}
		out = append(out, b[:limit]...)
		va += limit
		if len(out) > pmm.PageSize {
			break
		}
	}
	return "", fmt.Errorf("trap: string argument not NUL-terminated within bounds")
}
