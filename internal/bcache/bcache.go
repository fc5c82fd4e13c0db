// Package bcache implements the kernel's buffer cache: a fixed-size
// pool of disk-block-sized buffers linked in one circular
// least-recently-used list, shared across every device. It is the sole
// point of contact between the higher layers (internal/wal,
// internal/fs) and internal/blockdev.
package bcache

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// Flag bits recorded on a Buffer.
const (
	FlagValid uint32 = 1 << iota // buffer content matches disk
	FlagDirty                    // buffer content is newer than disk
)

// Buffer is one cache slot: the cached content of a (device, block)
// pair, plus the bookkeeping the cache and the log need to share it
// safely. Content access (reading or writing the Data slice, or issuing
// I/O) must happen only while Lock is held.
type Buffer struct {
	Dev     blockdev.Device
	Block   uint32
	Flags   uint32
	Data    [blockdev.SectorSize]byte
	Lock    *spinlock.Sleeplock
	refcnt  int
	prev, next *Buffer // intrusive LRU list links
}

// Cache is the fixed-size, shared buffer pool. Locking is split in
// two: the cache spinlock protects list structure and
// reference counts; each buffer's own sleeplock serializes content
// access and disk traffic for that one buffer, and may be held across
// a blocking disk read.
type Cache struct {
	lock    *spinlock.Lock
	rv      spinlock.Rendezvous
	buffers []*Buffer
	head    *Buffer // most-recently-used end of the circular list
}

// New allocates a cache of n buffers. rv supplies the sleep/wakeup
// rendezvous each buffer's sleeplock needs.
func New(n int, rv spinlock.Rendezvous) *Cache {
	if n <= 0 {
		panic("bcache: cache must hold at least one buffer")
	}
	c := &Cache{lock: spinlock.New("bcache"), rv: rv}
	bufs := make([]*Buffer, n)
	for i := range bufs {
		bufs[i] = &Buffer{Lock: spinlock.NewSleeplock("buf")}
	}
	for i, b := range bufs {
		b.next = bufs[(i+1)%n]
		b.prev = bufs[(i-1+n)%n]
	}
	c.buffers = bufs
	c.head = bufs[0]
	return c
}

// Get returns a locked buffer for (dev, block#), incrementing its
// reference count. If the block is already cached — referenced or not —
// the existing buffer is returned (after acquiring its sleeplock);
// matching on identity alone is what lets a released buffer be found
// again, which the log depends on: a logged dirty block must be
// re-readable from the cache until commit installs it, never re-read
// stale from disk. Otherwise the least-recently-used unreferenced,
// clean buffer is repurposed and its VALID flag cleared. Get never
// touches the disk; that is Read's job. Exhausting the cache (every
// buffer pinned or dirty) is a fatal assertion: the cache is sized by
// the boot configuration to bound the number of concurrently open
// blocks, and running out means a caller is leaking references.
func (c *Cache) Get(cpu spinlock.Owner, pid int, dev blockdev.Device, block uint32) *Buffer {
	c.lock.Acquire(cpu)

	for b := c.head; ; {
		if b.Dev == dev && b.Block == block {
			b.refcnt++
			c.lock.Release(cpu)
			b.Lock.Acquire(cpu, pid, c.rv)
			return b
		}
		b = b.next
		if b == c.head {
			break
		}
	}

	// No existing entry: scan from the LRU end for a free, clean slot.
	for b := c.head.prev; ; b = b.prev {
		if b.refcnt == 0 && b.Flags&FlagDirty == 0 {
			b.Dev = dev
			b.Block = block
			b.Flags = 0
			b.refcnt = 1
			c.lock.Release(cpu)
			b.Lock.Acquire(cpu, pid, c.rv)
			return b
		}
		if b == c.head {
			break
		}
	}

	c.lock.Release(cpu)
	panic(fmt.Sprintf("bcache: no free buffers for device block %d", block))
}

// Read returns a locked, valid buffer for (dev, block#), issuing a disk
// read if the cached copy is not already valid.
func (c *Cache) Read(cpu spinlock.Owner, pid int, dev blockdev.Device, block uint32) (*Buffer, error) {
	b := c.Get(cpu, pid, dev, block)
	if b.Flags&FlagValid == 0 {
		if err := dev.ReadBlock(block, b.Data[:]); err != nil {
			b.Lock.Release(cpu, c.rv)
			return nil, err
		}
		b.Flags |= FlagValid
	}
	return b, nil
}

// Write marks b dirty and immediately issues the write to disk. Callers
// that want writes to go through the write-ahead log instead should use
// internal/wal.Write, which marks the buffer dirty without writing it
// through (log-absorption keeps the actual disk write for commit time).
func (c *Cache) Write(dev blockdev.Device, b *Buffer) error {
	b.Flags |= FlagDirty
	return dev.WriteBlock(b.Block, b.Data[:])
}

// Release releases the caller's hold on b's sleeplock and, if that was
// the last reference, moves b to the most-recently-used end of the LRU
// list so it is not the first candidate for eviction.
func (c *Cache) Release(cpu spinlock.Owner, b *Buffer) {
	b.Lock.Release(cpu, c.rv)

	c.lock.Acquire(cpu)
	b.refcnt--
	if b.refcnt == 0 {
		c.moveToFront(b)
	}
	c.lock.Release(cpu)
}

// moveToFront unlinks b and reinserts it as the new head (MRU end). Must
// be called with c.lock held.
func (c *Cache) moveToFront(b *Buffer) {
	if b == c.head {
		return
	}
	b.prev.next = b.next
	b.next.prev = b.prev

	b.next = c.head
	b.prev = c.head.prev
	c.head.prev.next = b
	c.head.prev = b
	c.head = b
}
