package fs

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/blockdev"
)

// MkfsDevice lays out a fresh, empty file system onto dev: a superblock
// at block 1, a write-ahead log region, an inode table with a single
// root directory, and a block-allocation bitmap with every block it
// occupies itself marked used. It is the minimal bootstrap a freshly
// created device needs before Mount can open it — not a general image
// builder with any notion of packing external files in.
func MkfsDevice(dev blockdev.Device, numInodes, numLogBlocks uint32) error {
	total := dev.NumBlocks()
	if total < 4 {
		return fmt.Errorf("fs: mkfs: device too small")
	}

	inodeBlocks := (numInodes + inodesPerBlock - 1) / inodesPerBlock
	logStart := uint32(2) // block 0 reserved, block 1 is the superblock
	inodeStart := logStart + numLogBlocks
	bitmapBlocksFor := func(nblocks uint32) uint32 {
		return (nblocks + blockdev.SectorSize*8 - 1) / (blockdev.SectorSize * 8)
	}

	// The bitmap is indexed by absolute block number (Balloc and Bfree
	// address it that way), so it must carry one bit for every block on
	// the device, metadata included.
	bmapStart := inodeStart + inodeBlocks
	bmapBlocks := bitmapBlocksFor(total)
	nblocks := total - bmapStart - bmapBlocks
	dataStart := bmapStart + bmapBlocks
	if dataStart >= total {
		return fmt.Errorf("fs: mkfs: device too small for requested inode/log geometry")
	}

	sb := Superblock{
		Size:       total,
		NBlocks:    nblocks,
		NInodes:    numInodes,
		NLog:       numLogBlocks,
		LogStart:   logStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
	}

	if err := zeroBlocks(dev, 0, total); err != nil {
		return err
	}
	sbBuf := sb.encode()
	if err := dev.WriteBlock(superblockBlock, sbBuf[:]); err != nil {
		return err
	}

	// Mark every block before dataStart (boot sector, superblock, log,
	// inode table, bitmap itself) as allocated.
	if err := markUsed(dev, &sb, dataStart); err != nil {
		return err
	}

	// Root directory: inode 1, type dir, with "." and ".." both
	// pointing at itself.
	rootBlock := dataStart
	if rootBlock >= total {
		return fmt.Errorf("fs: mkfs: no data blocks available for root directory")
	}
	if err := markBlockUsed(dev, &sb, rootBlock); err != nil {
		return err
	}

	var blockBuf [blockdev.SectorSize]byte
	var dot, dotdot Dirent
	dot.Inum = RootInum
	copy(dot.Name[:], ".")
	dotdot.Inum = RootInum
	copy(dotdot.Name[:], "..")
	copy(blockBuf[0:direntSize], dot.encode())
	copy(blockBuf[direntSize:2*direntSize], dotdot.encode())
	if err := dev.WriteBlock(rootBlock, blockBuf[:]); err != nil {
		return err
	}

	root := Dinode{
		Type:  TypeDir,
		Nlink: 1,
		Size:  2 * direntSize,
	}
	root.Addrs[0] = rootBlock
	if err := writeDinode(dev, &sb, RootInum, root); err != nil {
		return err
	}

	return nil
}

func zeroBlocks(dev blockdev.Device, from, to uint32) error {
	var zero [blockdev.SectorSize]byte
	for b := from; b < to; b++ {
		if err := dev.WriteBlock(b, zero[:]); err != nil {
			return fmt.Errorf("fs: mkfs: zero block %d: %w", b, err)
		}
	}
	return nil
}

func markUsed(dev blockdev.Device, sb *Superblock, upto uint32) error {
	for b := uint32(0); b < upto; b++ {
		if err := markBlockUsed(dev, sb, b); err != nil {
			return err
		}
	}
	return nil
}

func markBlockUsed(dev blockdev.Device, sb *Superblock, b uint32) error {
	bmapBlock := sb.bitmapBlockFor(b)
	var buf [blockdev.SectorSize]byte
	if err := dev.ReadBlock(bmapBlock, buf[:]); err != nil {
		return err
	}
	rel := b % (blockdev.SectorSize * 8)
	buf[rel/8] |= 1 << (rel % 8)
	return dev.WriteBlock(bmapBlock, buf[:])
}

func writeDinode(dev blockdev.Device, sb *Superblock, inum uint32, d Dinode) error {
	blockno := sb.inodeBlock(inum)
	var buf [blockdev.SectorSize]byte
	if err := dev.ReadBlock(blockno, buf[:]); err != nil {
		return err
	}
	off := (inum % inodesPerBlock) * dinodeSize
	copy(buf[off:off+dinodeSize], d.encode())
	return dev.WriteBlock(blockno, buf[:])
}
