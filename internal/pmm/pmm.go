// Package pmm implements the kernel's physical page allocator: a pool
// of fixed-size frames handed out and reclaimed through a singly-linked
// free list threaded through the pages themselves.
//
// Because this kernel runs as a hosted Go process rather than bare
// metal, "physical memory" is a single contiguous []byte arena rather
// than a real address range; frame numbers index into that arena. The
// free-list-in-the-page-body trick is preserved verbatim: the next
// pointer for a free frame is encoded as a little-endian uint32 in the
// frame's own first four bytes, so no side table is needed to track free
// frames.
package pmm

import (
	"encoding/binary"
	"fmt"

	"github.com/miniker-os/miniker/internal/spinlock"
)

// PageSize is the frame size in bytes, matching the 4 KiB x86 page.
const PageSize = 4096

// endOfList marks the tail of the free list; it is never a valid frame
// number because NumPages is bounded well below it in any realistic
// boot configuration.
const endOfList = ^uint32(0)

// freePattern is written across a freed frame to catch use-after-free;
// any read of stale content that happens to match live data is made
// extremely unlikely by this distinctive byte.
const freePattern = 0x55

// Allocator is the kernel's physical frame pool. It supports the
// two-phase bring-up described in the design: an early phase (before the
// allocator's own lock may be used, because the scheduler/CPU structures
// that back spinlock.Owner are not yet initialized) and a late phase
// that adds the remaining physical memory once the full kernel page
// table is installed.
type Allocator struct {
	arena []byte
	lock  *spinlock.Lock
	late  bool // true once EnableLocking has been called

	freeHead uint32 // frame number of the first free frame, endOfList if none
	numFree  int
}

// New creates an allocator over an arena of the given number of pages.
// The arena starts entirely unmanaged: callers must call FreeRange (early
// phase, before EnableLocking) and then EnableLocking once the late phase
// begins, per the boot sequence in internal/boot.
func New(numPages int) *Allocator {
	return &Allocator{
		arena:    make([]byte, numPages*PageSize),
		lock:     spinlock.New("kmem"),
		freeHead: endOfList,
	}
}

// NumPages returns the total number of frames in the arena.
func (a *Allocator) NumPages() int {
	return len(a.arena) / PageSize
}

// EnableLocking marks the allocator as past the early boot phase. Alloc
// and Free only take the spinlock once this has been called; before
// that, the kernel is assumed single-threaded (only CPU 0 is up).
func (a *Allocator) EnableLocking() {
	a.late = true
}

// FreeRange adds every frame in [startPage, endPage) to the free list.
// Used during early and late boot to hand the allocator the ranges of
// physical memory it owns.
func (a *Allocator) FreeRange(startPage, endPage int) {
	for p := startPage; p < endPage; p++ {
		a.freeFrame(p)
	}
}

// Alloc returns the frame number of a freshly allocated page, or -1 if
// the pool is exhausted. The returned frame's content is whatever the
// free-pattern left behind; callers that need zeroed memory must zero it
// themselves (internal/vm does this for user pages).
func (a *Allocator) Alloc(cpu spinlock.Owner) int {
	if a.late {
		a.lock.Acquire(cpu)
		defer a.lock.Release(cpu)
	}
	if a.freeHead == endOfList {
		return -1
	}
	frame := int(a.freeHead)
	a.freeHead = a.readNext(frame)
	a.numFree--
	return frame
}

// Free returns a frame to the pool, overwriting it with a recognizable
// byte pattern to catch use-after-free bugs. Freeing a frame outside the
// arena, or double-freeing a frame already on the free list head, is a
// fatal assertion: both indicate a kernel invariant violation, never a
// normal runtime condition.
func (a *Allocator) Free(cpu spinlock.Owner, frame int) {
	if frame < 0 || frame >= a.NumPages() {
		panic(fmt.Sprintf("pmm: free of out-of-range frame %d", frame))
	}
	if a.late {
		a.lock.Acquire(cpu)
		defer a.lock.Release(cpu)
	}
	if uint32(frame) == a.freeHead {
		panic(fmt.Sprintf("pmm: double free of frame %d", frame))
	}
	a.freeFrame(frame)
}

// freeFrame is the lock-free core of Free/FreeRange.
func (a *Allocator) freeFrame(frame int) {
	page := a.page(frame)
	for i := range page {
		page[i] = freePattern
	}
	a.writeNext(frame, a.freeHead)
	a.freeHead = uint32(frame)
	a.numFree++
}

// NumFree reports the number of frames currently on the free list.
// Racy unless called under the caller's own synchronization; intended
// for tests and diagnostics.
func (a *Allocator) NumFree() int {
	return a.numFree
}

// Page returns the backing bytes for frame, for callers (internal/vm)
// that need to read or write page content directly.
func (a *Allocator) Page(frame int) []byte {
	return a.page(frame)
}

func (a *Allocator) page(frame int) []byte {
	return a.arena[frame*PageSize : (frame+1)*PageSize]
}

func (a *Allocator) readNext(frame int) uint32 {
	return binary.LittleEndian.Uint32(a.page(frame)[:4])
}

func (a *Allocator) writeNext(frame int, next uint32) {
	binary.LittleEndian.PutUint32(a.page(frame)[:4], next)
}
