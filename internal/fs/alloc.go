package fs

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// Balloc finds the first clear bit in the block-allocation bitmap, sets
// it (logged), zeroes the corresponding data block (logged), and
// returns its block number. Bitmap bits are indexed by absolute block
// number, so the scan runs over every block on the device; the
// metadata region below the data blocks is pre-marked used by mkfs.
// The caller must already be inside a log transaction
// (begin_op/end_op).
func (f *FS) Balloc(cpu spinlock.Owner, pid int) (uint32, error) {
	for b := uint32(0); b < f.SB.Size; b += blockdev.SectorSize * 8 {
		bitmapBlock := f.SB.bitmapBlockFor(b)
		buf, err := f.Ch.Read(cpu, pid, f.Dev, bitmapBlock)
		if err != nil {
			return 0, err
		}
		limit := b + blockdev.SectorSize*8
		if limit > f.SB.Size {
			limit = f.SB.Size
		}
		for bi := b; bi < limit; bi++ {
			byteIdx := (bi - b) / 8
			mask := byte(1) << ((bi - b) % 8)
			if buf.Data[byteIdx]&mask == 0 {
				buf.Data[byteIdx] |= mask
				f.Log.Write(cpu, buf)
				f.Ch.Release(cpu, buf)
				if err := f.zeroBlock(cpu, pid, bi); err != nil {
					return 0, err
				}
				return bi, nil
			}
		}
		f.Ch.Release(cpu, buf)
	}
	return 0, fmt.Errorf("fs: balloc: out of disk blocks")
}

func (f *FS) zeroBlock(cpu spinlock.Owner, pid int, b uint32) error {
	buf, err := f.Ch.Read(cpu, pid, f.Dev, b)
	if err != nil {
		return err
	}
	buf.Data = [blockdev.SectorSize]byte{}
	f.Log.Write(cpu, buf)
	f.Ch.Release(cpu, buf)
	return nil
}

// Bfree clears the allocation bit for block b (logged). Freeing a block
// that is already free is a fatal assertion: it indicates a kernel
// accounting bug, not a recoverable runtime condition.
func (f *FS) Bfree(cpu spinlock.Owner, pid int, b uint32) {
	bitmapBlock := f.SB.bitmapBlockFor(b)
	buf, err := f.Ch.Read(cpu, pid, f.Dev, bitmapBlock)
	if err != nil {
		panic(fmt.Sprintf("fs: bfree: read bitmap block: %v", err))
	}
	defer f.Ch.Release(cpu, buf)

	relBit := b % (blockdev.SectorSize * 8)
	byteIdx := relBit / 8
	mask := byte(1) << (relBit % 8)
	if buf.Data[byteIdx]&mask == 0 {
		panic(fmt.Sprintf("fs: bfree: block %d is already free", b))
	}
	buf.Data[byteIdx] &^= mask
	f.Log.Write(cpu, buf)
}

// Ialloc scans the inode table for a free slot (on-disk type 0),
// installs typ (logged), and returns an in-memory inode with reference
// count 1, unlocked. The caller must already be inside a log
// transaction.
func (f *FS) Ialloc(cpu spinlock.Owner, pid int, typ uint16) (*Inode, error) {
	for inum := uint32(1); inum < f.SB.NInodes; inum++ {
		blockno := f.SB.inodeBlock(inum)
		buf, err := f.Ch.Read(cpu, pid, f.Dev, blockno)
		if err != nil {
			return nil, err
		}
		off := (inum % inodesPerBlock) * dinodeSize
		d := decodeDinode(buf.Data[off : off+dinodeSize])
		if d.Type == TypeNone {
			d = Dinode{Type: typ}
			copy(buf.Data[off:off+dinodeSize], d.encode())
			f.Log.Write(cpu, buf)
			f.Ch.Release(cpu, buf)
			return f.Iget(cpu, inum), nil
		}
		f.Ch.Release(cpu, buf)
	}
	return nil, fmt.Errorf("fs: ialloc: out of inodes")
}
