// Package wal implements the file system's write-ahead log: a physical
// redo log that makes groups of block writes commit atomically. The
// on-disk layout is one header block (a count N and an array
// of N target block numbers) followed by up to LogSize data blocks.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/miniker-os/miniker/internal/bcache"
	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// MaxOpBlocks is the conservative per-operation upper bound on the
// number of distinct blocks one filesystem call may log. begin_op uses
// it to refuse to admit an operation that could, in the worst case,
// overflow the log before it commits.
const MaxOpBlocks = 10

// Log is the in-memory mirror of the on-disk log header plus the
// concurrency state around it: the lock, the count of operations
// currently inside begin_op/end_op, and the committing flag.
type Log struct {
	lock *spinlock.Lock
	rv   spinlock.Rendezvous
	dev  blockdev.Device
	ch   *bcache.Cache

	start uint32 // block number of the header block
	size  uint32 // total blocks in the log region, header included

	blocks      []uint32 // in-memory header mirror: target block numbers
	outstanding int
	committing  bool
}

// Open binds a log to its on-disk region [start, start+size) on dev, and
// performs recovery: if the on-disk header shows a pending
// committed transaction, it is installed before Open returns, so the
// file system layer always sees post-commit state.
func Open(dev blockdev.Device, ch *bcache.Cache, start, size uint32, cpu spinlock.Owner, pid int, rv spinlock.Rendezvous) (*Log, error) {
	if size < 2 {
		return nil, fmt.Errorf("wal: log region must hold a header plus at least one data block")
	}
	l := &Log{
		lock:  spinlock.New("log"),
		rv:    rv,
		dev:   dev,
		ch:    ch,
		start: start,
		size:  size,
	}
	if err := l.recover(cpu, pid); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) logSize() uint32 { return l.size - 1 }

// recover reads the on-disk header and, if it records a committed
// transaction (N > 0), installs it to home locations and invalidates the
// log. Called once at Open.
func (l *Log) recover(cpu spinlock.Owner, pid int) error {
	var hdr [blockdev.SectorSize]byte
	if err := l.dev.ReadBlock(l.start, hdr[:]); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	n, targets := decodeHeader(hdr[:], l.logSize())
	if n == 0 {
		return nil
	}
	if err := l.installTrans(cpu, pid, targets); err != nil {
		return fmt.Errorf("wal: recovery install: %w", err)
	}
	return l.writeHeader(nil)
}

// BeginOp must be called before any log_write in a filesystem operation.
// It blocks while a commit is in progress, or while admitting this
// operation could exceed the log's capacity in the worst case.
func (l *Log) BeginOp(cpu spinlock.Owner) {
	l.lock.Acquire(cpu)
	for {
		reserved := uint32(len(l.blocks)) + uint32(l.outstanding+1)*MaxOpBlocks
		if l.committing || reserved > l.logSize() {
			l.rv.Sleep(cpu, l, l.lock)
			continue
		}
		break
	}
	l.outstanding++
	l.lock.Release(cpu)
}

// Write records that b has been modified as part of the caller's current
// operation, deduplicating against blocks already logged this
// transaction ("log absorption") and forcing DIRTY so the buffer cache
// will not recycle b before commit. Exceeding the log's capacity mid
// transaction is a fatal assertion: begin_op's admission check is
// supposed to make this impossible. Calling Write with no operation
// outstanding is a fatal assertion too.
func (l *Log) Write(cpu spinlock.Owner, b *bcache.Buffer) {
	l.lock.Acquire(cpu)
	defer l.lock.Release(cpu)

	if l.outstanding < 1 {
		panic("wal: log_write outside of a transaction")
	}
	for _, existing := range l.blocks {
		if existing == b.Block {
			b.Flags |= bcache.FlagDirty
			return
		}
	}
	if uint32(len(l.blocks)) >= l.logSize() {
		panic("wal: log_write exceeds log capacity mid-transaction")
	}
	l.blocks = append(l.blocks, b.Block)
	b.Flags |= bcache.FlagDirty
}

// EndOp closes out the caller's operation. If it was the last
// outstanding operation, this performs the full commit protocol
// synchronously before returning.
func (l *Log) EndOp(cpu spinlock.Owner, pid int) error {
	l.lock.Acquire(cpu)
	l.outstanding--
	if l.outstanding < 0 {
		l.lock.Release(cpu)
		panic("wal: end_op called without a matching begin_op")
	}

	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// Wake begin_op waiters: the admission check's budget may now
		// have room.
		l.rv.Wakeup(l)
	}
	l.lock.Release(cpu)

	if !doCommit {
		return nil
	}

	if err := l.commit(cpu, pid); err != nil {
		return err
	}

	l.lock.Acquire(cpu)
	l.committing = false
	l.rv.Wakeup(l)
	l.lock.Release(cpu)
	return nil
}

// commit runs the four-step group-commit protocol: copy each
// dirty logged block into its log slot, write the header (the
// transaction's linearization point), install each block to its home
// location, then invalidate the header. A crash at any point before the
// header write leaves the pre-transaction state; any point at or after
// it leaves the post-transaction state — never a mix.
func (l *Log) commit(cpu spinlock.Owner, pid int) error {
	targets := append([]uint32(nil), l.blocks...)
	if len(targets) == 0 {
		return nil
	}

	for i, blockno := range targets {
		b, err := l.ch.Read(cpu, pid, l.dev, blockno)
		if err != nil {
			return fmt.Errorf("wal: commit read block %d: %w", blockno, err)
		}
		err = l.dev.WriteBlock(l.start+1+uint32(i), b.Data[:])
		l.ch.Release(cpu, b)
		if err != nil {
			return fmt.Errorf("wal: commit write log slot %d: %w", i, err)
		}
	}

	if err := l.writeHeader(targets); err != nil {
		return err
	}

	if err := l.installTrans(cpu, pid, targets); err != nil {
		return err
	}

	l.lock.Acquire(cpu)
	l.blocks = l.blocks[:0]
	l.lock.Release(cpu)

	return l.writeHeader(nil)
}

// installTrans copies each logged block from its log slot onto its
// target location.
func (l *Log) installTrans(cpu spinlock.Owner, pid int, targets []uint32) error {
	for i, blockno := range targets {
		var data [blockdev.SectorSize]byte
		if err := l.dev.ReadBlock(l.start+1+uint32(i), data[:]); err != nil {
			return fmt.Errorf("wal: install read log slot %d: %w", i, err)
		}
		b := l.ch.Get(cpu, pid, l.dev, blockno)
		b.Data = data
		b.Flags |= bcache.FlagValid
		b.Flags &^= bcache.FlagDirty
		if err := l.dev.WriteBlock(blockno, data[:]); err != nil {
			l.ch.Release(cpu, b)
			return fmt.Errorf("wal: install write block %d: %w", blockno, err)
		}
		l.ch.Release(cpu, b)
	}
	return nil
}

// writeHeader writes the on-disk header. targets == nil writes N=0,
// invalidating the log.
func (l *Log) writeHeader(targets []uint32) error {
	var buf [blockdev.SectorSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(targets)))
	for i, b := range targets {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], b)
	}
	return l.dev.WriteBlock(l.start, buf[:])
}

func decodeHeader(buf []byte, logSize uint32) (uint32, []uint32) {
	n := binary.LittleEndian.Uint32(buf[0:4])
	if n > logSize {
		panic(fmt.Sprintf("wal: corrupt log header claims %d blocks, capacity is %d", n, logSize))
	}
	targets := make([]uint32, n)
	for i := range targets {
		off := 4 + i*4
		targets[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return n, targets
}
