//go:build unix

package blockdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a block device backed by a plain disk-image file, standing
// in for a PIO IDE disk driver. It issues positioned reads and writes
// directly through golang.org/x/sys/unix.Pread/Pwrite rather than the
// higher-level os.File.ReadAt/WriteAt, keeping the one real I/O
// boundary on raw syscalls.
type File struct {
	f         *os.File
	numBlocks uint32
}

// OpenFile opens (or creates) path as a disk image of exactly numBlocks
// sectors, growing or truncating it to the exact size needed.
func OpenFile(path string, numBlocks uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	size := int64(numBlocks) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s to %d bytes: %w", path, size, err)
	}
	return &File{f: f, numBlocks: numBlocks}, nil
}

func (d *File) ReadBlock(n uint32, dst []byte) error {
	if err := checkSize(dst); err != nil {
		return err
	}
	if n >= d.numBlocks {
		return &ErrOutOfRange{Block: n, Num: d.numBlocks}
	}
	off := int64(n) * SectorSize
	read := 0
	for read < SectorSize {
		got, err := unix.Pread(int(d.f.Fd()), dst[read:], off+int64(read))
		if err != nil {
			return fmt.Errorf("blockdev: pread block %d: %w", n, err)
		}
		if got == 0 {
			return fmt.Errorf("blockdev: short read on block %d", n)
		}
		read += got
	}
	return nil
}

func (d *File) WriteBlock(n uint32, src []byte) error {
	if err := checkSize(src); err != nil {
		return err
	}
	if n >= d.numBlocks {
		return &ErrOutOfRange{Block: n, Num: d.numBlocks}
	}
	off := int64(n) * SectorSize
	written := 0
	for written < SectorSize {
		got, err := unix.Pwrite(int(d.f.Fd()), src[written:], off+int64(written))
		if err != nil {
			return fmt.Errorf("blockdev: pwrite block %d: %w", n, err)
		}
		written += got
	}
	return nil
}

func (d *File) NumBlocks() uint32 {
	return d.numBlocks
}

// Close releases the underlying file descriptor.
func (d *File) Close() error {
	return d.f.Close()
}

// Sync forces the image file to stable storage, used by tests
// modelling crashes.
func (d *File) Sync() error {
	return unix.Fsync(int(d.f.Fd()))
}
