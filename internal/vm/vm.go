// Package vm implements the two-level page-table virtual memory
// manager. A page directory and its page tables are stored
// exactly as on real x86 hardware — 1024 little-endian 32-bit entries
// packed into one page-sized frame apiece — except that "physical
// address" is a frame number into internal/pmm's arena rather than a
// real bus address, and KernBase marks the boundary between the user
// region and a single simplified kernel window (this module folds the
// usual separate low-memory, kernel-text and kernel-data regions
// into one writable mapping of every frame the allocator owns, since a
// hosted Go process has no equivalent of a linker-provided kernel data
// symbol to split on).
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/spinlock"
)

const (
	pageSize     = pmm.PageSize
	ptesPerPage  = pageSize / 4
	pteShift     = 12
	pdeIndexBits = 10
)

// Permission bits, matching the x86 PTE/PDE layout.
const (
	PteP = 1 << 0 // present
	PteW = 1 << 1 // writable
	PteU = 1 << 2 // user-accessible
)

// KernBase is the virtual address at which the shared kernel window
// begins. No user-accessible mapping may exist at or above this
// address.
const KernBase = 0x80000000

// AddrSpace is one process's address space: the frame holding its page
// directory, and the allocator it draws user and page-table frames
// from.
type AddrSpace struct {
	alloc  *pmm.Allocator
	PgdirF int // frame number of the page directory
}

// KernelWindow is the kernel's page-table mapping of the whole physical
// arena at KernBase, built once at boot by BuildKernelWindow. Every
// process's page directory installs the SAME set of PDEs — pointing at
// these same underlying page-table frames — rather than allocating and
// populating its own copy; this is what real hardware does (kernel page
// tables are shared across every address space) and it is also what
// makes FreeVM's refusal to touch PDEs at or above KernBase correct
// instead of a leak: those frames belong to the kernel window, not to
// any one process.
type KernelWindow struct {
	pdes map[int]uint32
}

// BuildKernelWindow walks every frame the allocator owns and constructs
// the shared present/writable kernel-window mapping at KernBase. Called
// once during boot.
func BuildKernelWindow(a *pmm.Allocator, cpu spinlock.Owner) (*KernelWindow, error) {
	kw := &KernelWindow{pdes: make(map[int]uint32)}
	ptFrames := make(map[int]int) // pde index -> page-table frame
	n := a.NumPages()
	for frame := 0; frame < n; frame++ {
		va := KernBase + uint32(frame)*pageSize
		pdeIdx := pdx(va)
		ptFrame, ok := ptFrames[pdeIdx]
		if !ok {
			f := a.Alloc(cpu)
			if f < 0 {
				return nil, fmt.Errorf("vm: buildkernelwindow: out of memory for a page table")
			}
			zero(a.Page(f))
			ptFrames[pdeIdx] = f
			ptFrame = f
			kw.pdes[pdeIdx] = makePTE(f, PteP|PteW)
		}
		writeEntry(a.Page(ptFrame), ptx(va), makePTE(frame, PteP|PteW))
	}
	return kw, nil
}

func pdx(va uint32) int { return int(va>>22) & (ptesPerPage - 1) }
func ptx(va uint32) int { return int(va>>12) & (ptesPerPage - 1) }

func readEntry(page []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(page[idx*4 : idx*4+4])
}

func writeEntry(page []byte, idx int, v uint32) {
	binary.LittleEndian.PutUint32(page[idx*4:idx*4+4], v)
}

func frameOf(pte uint32) int  { return int(pte >> pteShift) }
func makePTE(frame int, flags uint32) uint32 {
	return uint32(frame)<<pteShift | flags
}

// walk returns the page-table frame and index of the PTE for va inside
// pgdirFrame, allocating an empty second-level table if alloc is true
// and none exists yet. It never installs a mapping itself.
func walk(a *pmm.Allocator, cpu spinlock.Owner, pgdirFrame int, va uint32, alloc bool) (ptFrame, index int, err error) {
	dir := a.Page(pgdirFrame)
	pde := readEntry(dir, pdx(va))
	if pde&PteP == 0 {
		if !alloc {
			return 0, 0, fmt.Errorf("vm: walk: no page table for va %#x", va)
		}
		f := a.Alloc(cpu)
		if f < 0 {
			return 0, 0, fmt.Errorf("vm: walk: out of physical memory for a page table")
		}
		zero(a.Page(f))
		writeEntry(dir, pdx(va), makePTE(f, PteP|PteW|PteU))
		pde = readEntry(dir, pdx(va))
	}
	return frameOf(pde), ptx(va), nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// NewKernelSpace builds a fresh page directory whose kernel-window PDEs
// are copied from kw (sharing its page-table frames) and whose user
// region is empty. It is the starting point for both the very first
// process and every later fork.
func NewKernelSpace(a *pmm.Allocator, cpu spinlock.Owner, kw *KernelWindow) (*AddrSpace, error) {
	pgdirF := a.Alloc(cpu)
	if pgdirF < 0 {
		return nil, fmt.Errorf("vm: out of memory for a page directory")
	}
	zero(a.Page(pgdirF))
	dir := a.Page(pgdirF)
	for idx, pde := range kw.pdes {
		writeEntry(dir, idx, pde)
	}
	return &AddrSpace{alloc: a, PgdirF: pgdirF}, nil
}

// mapPage installs a present mapping from va to frame with the given
// flags. Mapping over an already-present page is a programmer error
// and aborts the kernel.
func (as *AddrSpace) mapPage(cpu spinlock.Owner, va uint32, frame int, flags uint32) error {
	ptFrame, idx, err := walk(as.alloc, cpu, as.PgdirF, va, true)
	if err != nil {
		return err
	}
	pt := as.alloc.Page(ptFrame)
	if readEntry(pt, idx)&PteP != 0 {
		panic(fmt.Sprintf("vm: remap of already-present page at va %#x", va))
	}
	writeEntry(pt, idx, makePTE(frame, flags|PteP))
	return nil
}

// InitUVM installs image (which must be smaller than one page) as the
// entire user region of an otherwise-empty address space built by
// NewKernelSpace: it allocates page 0, zeroes it, copies image in, and
// maps it present/writable/user.
func InitUVM(a *pmm.Allocator, cpu spinlock.Owner, as *AddrSpace, image []byte) error {
	if len(image) >= pageSize {
		return fmt.Errorf("vm: inituvm: image larger than one page")
	}
	frame := a.Alloc(cpu)
	if frame < 0 {
		return fmt.Errorf("vm: inituvm: out of memory")
	}
	zero(a.Page(frame))
	copy(a.Page(frame), image)
	return as.mapPage(cpu, 0, frame, PteW|PteU)
}

// AllocUVM grows the user region of as from oldSz to newSz bytes (both
// rounded to whole pages), installing freshly zeroed, writable, user
// pages for the new range. On failure it returns the original size
// unchanged semantics: the caller should treat a non-nil error as "no
// change happened" and keep oldSz.
func AllocUVM(a *pmm.Allocator, cpu spinlock.Owner, as *AddrSpace, oldSz, newSz uint32) (uint32, error) {
	if newSz < oldSz {
		return oldSz, fmt.Errorf("vm: allocuvm: newSz < oldSz")
	}
	if newSz >= KernBase {
		return oldSz, fmt.Errorf("vm: allocuvm: would grow into the kernel window")
	}
	for va := pageRoundUp(oldSz); va < newSz; va += pageSize {
		frame := a.Alloc(cpu)
		if frame < 0 {
			DeallocUVM(a, cpu, as, va, oldSz)
			return oldSz, fmt.Errorf("vm: allocuvm: out of memory")
		}
		zero(a.Page(frame))
		if err := as.mapPage(cpu, va, frame, PteW|PteU); err != nil {
			a.Free(cpu, frame)
			DeallocUVM(a, cpu, as, va, oldSz)
			return oldSz, err
		}
	}
	return newSz, nil
}

// DeallocUVM shrinks the user region of as from oldSz to newSz,
// freeing every page frame in the vacated range and clearing its PTE.
func DeallocUVM(a *pmm.Allocator, cpu spinlock.Owner, as *AddrSpace, oldSz, newSz uint32) uint32 {
	if newSz >= oldSz {
		return oldSz
	}
	for va := pageRoundUp(newSz); va < oldSz; va += pageSize {
		ptFrame, idx, err := walk(a, cpu, as.PgdirF, va, false)
		if err != nil {
			continue
		}
		pt := a.Page(ptFrame)
		pte := readEntry(pt, idx)
		if pte&PteP == 0 {
			continue
		}
		a.Free(cpu, frameOf(pte))
		writeEntry(pt, idx, 0)
	}
	return newSz
}

func pageRoundUp(sz uint32) uint32 {
	return (sz + pageSize - 1) &^ (pageSize - 1)
}

func pageRoundDown(sz uint32) uint32 {
	return sz &^ (pageSize - 1)
}

// LoadUVM reads n bytes starting at offset in ip into the already-mapped
// user pages starting at va. The destination pages must already exist
// (via AllocUVM or InitUVM); LoadUVM never allocates.
func LoadUVM(a *pmm.Allocator, cpu spinlock.Owner, pid int, as *AddrSpace, ip *fs.Inode, va, offset, n uint32) error {
	if va%pageSize != 0 {
		return fmt.Errorf("vm: loaduvm: va %#x not page-aligned", va)
	}
	for off := uint32(0); off < n; off += pageSize {
		ptFrame, idx, err := walk(a, cpu, as.PgdirF, va+off, false)
		if err != nil {
			return err
		}
		pte := readEntry(a.Page(ptFrame), idx)
		if pte&PteP == 0 {
			return fmt.Errorf("vm: loaduvm: destination page at %#x not mapped", va+off)
		}
		frame := frameOf(pte)
		m := n - off
		if m > pageSize {
			m = pageSize
		}
		if _, err := ip.Readi(cpu, pid, a.Page(frame)[:m], offset+off); err != nil {
			return err
		}
	}
	return nil
}

// CopyUVM duplicates the user region [0, sz) of src into a fresh
// kernel-window-plus-empty-user address space, for fork: every present
// user page is allocated afresh and its content copied, with the
// source page's permission flags preserved.
func CopyUVM(a *pmm.Allocator, cpu spinlock.Owner, kw *KernelWindow, src *AddrSpace, sz uint32) (*AddrSpace, error) {
	dst, err := NewKernelSpace(a, cpu, kw)
	if err != nil {
		return nil, err
	}
	for va := uint32(0); va < sz; va += pageSize {
		ptFrame, idx, err := walk(a, cpu, src.PgdirF, va, false)
		if err != nil {
			FreeVM(a, cpu, dst)
			return nil, err
		}
		pte := readEntry(a.Page(ptFrame), idx)
		if pte&PteP == 0 {
			continue
		}
		newFrame := a.Alloc(cpu)
		if newFrame < 0 {
			FreeVM(a, cpu, dst)
			return nil, fmt.Errorf("vm: copyuvm: out of memory")
		}
		copy(a.Page(newFrame), a.Page(frameOf(pte)))
		flags := pte & (PteW | PteU)
		if err := dst.mapPage(cpu, va, newFrame, flags); err != nil {
			a.Free(cpu, newFrame)
			FreeVM(a, cpu, dst)
			return nil, err
		}
	}
	return dst, nil
}

// ClearPteU clears the user-accessible bit of the page at va, used to
// turn the page just below the stack into a kernel-only guard page.
func ClearPteU(a *pmm.Allocator, cpu spinlock.Owner, as *AddrSpace, va uint32) error {
	ptFrame, idx, err := walk(a, cpu, as.PgdirF, va, false)
	if err != nil {
		return err
	}
	pt := a.Page(ptFrame)
	pte := readEntry(pt, idx)
	writeEntry(pt, idx, pte&^PteU)
	return nil
}

// FreeVM frees every user-region page frame mapped in as, then every
// page-table frame, then the page directory frame itself. The kernel
// window's page-table frames are shared with every other address space
// (CopyUVM/NewKernelSpace only ever add fresh PDEs pointing at the
// same underlying kernel page tables, never duplicate them), so FreeVM
// only frees page tables below KernBase to avoid a double free.
func FreeVM(a *pmm.Allocator, cpu spinlock.Owner, as *AddrSpace) {
	dir := a.Page(as.PgdirF)
	for pdeIdx := 0; pdeIdx < ptesPerPage; pdeIdx++ {
		va := uint32(pdeIdx) << 22
		if va >= KernBase {
			continue
		}
		pde := readEntry(dir, pdeIdx)
		if pde&PteP == 0 {
			continue
		}
		ptFrame := frameOf(pde)
		pt := a.Page(ptFrame)
		for i := 0; i < ptesPerPage; i++ {
			pte := readEntry(pt, i)
			if pte&PteP != 0 {
				a.Free(cpu, frameOf(pte))
			}
		}
		a.Free(cpu, ptFrame)
	}
	a.Free(cpu, as.PgdirF)
}

// Uva2ka translates a user virtual address to a kernel-accessible byte
// slice starting at that address within its frame, only if the page is
// present and user-accessible.
func Uva2ka(a *pmm.Allocator, cpu spinlock.Owner, as *AddrSpace, va uint32) ([]byte, error) {
	ptFrame, idx, err := walk(a, cpu, as.PgdirF, va, false)
	if err != nil {
		return nil, err
	}
	pte := readEntry(a.Page(ptFrame), idx)
	if pte&PteP == 0 || pte&PteU == 0 {
		return nil, fmt.Errorf("vm: uva2ka: va %#x not present or not user-accessible", va)
	}
	off := va % pageSize
	return a.Page(frameOf(pte))[off:], nil
}

// CopyOut copies src into the user address range starting at va,
// straddling pages as needed.
func CopyOut(a *pmm.Allocator, cpu spinlock.Owner, as *AddrSpace, va uint32, src []byte) error {
	n := uint32(len(src))
	copied := uint32(0)
	for copied < n {
		curVa := va + copied
		pageBase := pageRoundDown(curVa)
		k, err := Uva2ka(a, cpu, as, pageBase)
		if err != nil {
			return err
		}
		off := curVa - pageBase
		m := pageSize - off
		if m > n-copied {
			m = n - copied
		}
		copy(k[off:off+m], src[copied:copied+m])
		copied += m
	}
	return nil
}
