// Package file implements the open-file object and its fixed-width
// global table. An open file is one of two kinds: a pipe
// endpoint, or an inode reference (which already dispatches through to
// a registered device handler inside internal/fs when the inode's type
// is TypeDevice, so this layer does not need a third variant).
package file

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/pipe"
	"github.com/miniker-os/miniker/internal/spinlock"
	"github.com/miniker-os/miniker/internal/wal"
)

// Kind tags which variant a File is.
type Kind int

const (
	KindNone Kind = iota
	KindPipe
	KindInode
)

// Stat mirrors the fixed struct fstat copies on-disk inode metadata
// into.
type Stat struct {
	Dev   uint32
	Inum  uint32
	Type  uint16
	Nlink uint16
	Size  uint32
}

// File is one open-file object: reference-counted, shared by every fd
// that points at it (via dup or fork).
type File struct {
	Kind     Kind
	Readable bool
	Writable bool

	pipeRead bool // this endpoint is the read side, only meaningful for KindPipe
	pipe     *pipe.Pipe
	ip       *fs.Inode
	off      uint32

	ref int
}

// NFile is the width of the global open-file table.
const NFile = 100

// Table is the global, fixed-width open-file table shared by every
// process.
type Table struct {
	lock  *spinlock.Lock
	files [NFile]*File
}

// NewTable returns an empty global file table.
func NewTable() *Table {
	t := &Table{lock: spinlock.New("filetable")}
	for i := range t.files {
		t.files[i] = &File{}
	}
	return t
}

// Alloc finds a free (ref == 0) slot, marks it referenced, and returns
// it. Exhausting the table is an ordinary failure, not a fatal one:
// callers report it to user code as a failed open/pipe syscall.
func (t *Table) Alloc(cpu spinlock.Owner) (*File, error) {
	t.lock.Acquire(cpu)
	defer t.lock.Release(cpu)
	for _, f := range t.files {
		if f.ref == 0 {
			f.ref = 1
			return f, nil
		}
	}
	return nil, fmt.Errorf("file: table exhausted")
}

// Dup increments f's reference count and returns it, for fork and the
// dup syscall.
func (t *Table) Dup(cpu spinlock.Owner, f *File) *File {
	t.lock.Acquire(cpu)
	defer t.lock.Release(cpu)
	if f.ref < 1 {
		panic("file: dup of unreferenced file")
	}
	f.ref++
	return f
}

// Close drops one reference to f. On the last reference it tears down
// the underlying pipe endpoint or inode. The inode variant's Iput may
// truncate (the last close of an already-unlinked file), so it runs
// inside its own log transaction.
func (t *Table) Close(cpu spinlock.Owner, pid int, f *File) error {
	t.lock.Acquire(cpu)
	if f.ref < 1 {
		t.lock.Release(cpu)
		panic("file: close of unreferenced file")
	}
	f.ref--
	r := f.ref
	t.lock.Release(cpu)
	if r > 0 {
		return nil
	}

	var err error
	switch f.Kind {
	case KindPipe:
		if f.pipeRead {
			f.pipe.CloseRead(cpu)
		} else {
			f.pipe.CloseWrite(cpu)
		}
	case KindInode:
		lg := f.ip.FS().Log
		lg.BeginOp(cpu)
		err = f.ip.Iput(cpu, pid)
		if endErr := lg.EndOp(cpu, pid); endErr != nil && err == nil {
			err = endErr
		}
	}
	f.Kind = KindNone
	f.pipe = nil
	f.ip = nil
	return err
}

// InUse counts the table slots currently holding a referenced open
// file, for descriptor-leak checks.
func (t *Table) InUse(cpu spinlock.Owner) int {
	t.lock.Acquire(cpu)
	defer t.lock.Release(cpu)
	n := 0
	for _, f := range t.files {
		if f.ref > 0 {
			n++
		}
	}
	return n
}

// NewPipeEnds allocates a pipe and two table entries bound to its read
// and write ends.
func NewPipeEnds(t *Table, cpu spinlock.Owner, rv spinlock.Rendezvous) (read, write *File, err error) {
	read, err = t.Alloc(cpu)
	if err != nil {
		return nil, nil, err
	}
	write, err = t.Alloc(cpu)
	if err != nil {
		t.Close(cpu, 0, read)
		return nil, nil, err
	}
	p := pipe.New(rv)
	read.Kind, read.Readable, read.Writable = KindPipe, true, false
	read.pipe, read.pipeRead = p, true
	write.Kind, write.Readable, write.Writable = KindPipe, false, true
	write.pipe, write.pipeRead = p, false
	return read, write, nil
}

// NewInodeFile binds a table entry to ip, already locked by the caller
// at Open-syscall time (the caller is responsible for having called
// Iunlock before handing the File back to user code).
func NewInodeFile(t *Table, cpu spinlock.Owner, ip *fs.Inode, readable, writable bool) (*File, error) {
	f, err := t.Alloc(cpu)
	if err != nil {
		return nil, err
	}
	f.Kind = KindInode
	f.Readable = readable
	f.Writable = writable
	f.ip = ip
	f.off = 0
	return f, nil
}

func killedAlwaysFalse() bool { return false }

// Read dispatches to the pipe or inode reader, advancing the inode
// offset on success. killed reports the calling process's sticky
// killed flag so a blocked pipe read can bail out if the process is
// killed while waiting; pass nil to never observe a kill (used by
// console/device reads that have their own cancellation path).
func (f *File) Read(cpu spinlock.Owner, pid int, dst []byte, killed func() bool) (int, error) {
	if !f.Readable {
		return 0, fmt.Errorf("file: read: not open for reading")
	}
	if killed == nil {
		killed = killedAlwaysFalse
	}
	switch f.Kind {
	case KindPipe:
		return f.pipe.Read(cpu, pid, dst, killed)
	case KindInode:
		if err := f.ip.Ilock(cpu, pid); err != nil {
			return 0, err
		}
		n, err := f.ip.Readi(cpu, pid, dst, f.off)
		f.off += uint32(n)
		f.ip.Iunlock(cpu)
		return n, err
	default:
		return 0, fmt.Errorf("file: read: closed file")
	}
}

// maxWriteChunk is the largest inode write that fits in one log
// transaction: the per-op budget minus the inode block, the indirect
// block, and two bitmap blocks, halved because each data block may
// pair with a bitmap write when it is freshly allocated.
const maxWriteChunk = ((wal.MaxOpBlocks - 1 - 1 - 2) / 2) * blockdev.SectorSize

// Write dispatches to the pipe or inode writer, advancing the inode
// offset on success. Inode writes are split into chunks small enough
// that each fits in a single log transaction, with one
// begin_op/end_op pair per chunk.
func (f *File) Write(cpu spinlock.Owner, pid int, src []byte, killed func() bool) (int, error) {
	if !f.Writable {
		return 0, fmt.Errorf("file: write: not open for writing")
	}
	if killed == nil {
		killed = killedAlwaysFalse
	}
	switch f.Kind {
	case KindPipe:
		return f.pipe.Write(cpu, pid, src, killed)
	case KindInode:
		lg := f.ip.FS().Log
		total := 0
		for total < len(src) {
			n := len(src) - total
			if n > maxWriteChunk {
				n = maxWriteChunk
			}
			lg.BeginOp(cpu)
			if err := f.ip.Ilock(cpu, pid); err != nil {
				lg.EndOp(cpu, pid)
				return total, err
			}
			w, werr := f.ip.Writei(cpu, pid, src[total:total+n], f.off)
			f.off += uint32(w)
			f.ip.Iunlock(cpu)
			if endErr := lg.EndOp(cpu, pid); endErr != nil && werr == nil {
				werr = endErr
			}
			total += w
			if werr != nil {
				return total, werr
			}
			if w < n {
				break
			}
		}
		return total, nil
	default:
		return 0, fmt.Errorf("file: write: closed file")
	}
}

// Stat copies the underlying inode's metadata. Only KindInode files
// support it.
func (f *File) Stat(cpu spinlock.Owner, pid int, dev uint32) (Stat, error) {
	if f.Kind != KindInode {
		return Stat{}, fmt.Errorf("file: stat: not an inode-backed file")
	}
	if err := f.ip.Ilock(cpu, pid); err != nil {
		return Stat{}, err
	}
	st := Stat{
		Dev:   dev,
		Inum:  f.ip.Inum,
		Type:  f.ip.Type,
		Nlink: f.ip.Nlink,
		Size:  f.ip.Size,
	}
	f.ip.Iunlock(cpu)
	return st, nil
}
