// Package fs implements the on-disk inode file system: the superblock,
// block and inode allocators, the in-memory inode cache, block mapping,
// directory operations and path resolution. Every
// mutation that touches disk state goes through internal/wal so that a
// crash mid-operation recovers to either the pre- or post-operation
// state, never a mix.
package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/miniker-os/miniker/internal/blockdev"
)

// Inode type tags, stored in the on-disk Dinode.
const (
	TypeNone   = 0
	TypeFile   = 1
	TypeDir    = 2
	TypeDevice = 3
)

// Fixed geometry constants, matching the classic teaching-kernel
// sizing (12 direct blocks, one singly-indirect block of 128 pointers,
// 14-byte file names).
const (
	NDirect  = 12
	NIndirect = blockdev.SectorSize / 4
	MaxFile  = NDirect + NIndirect
	DirSiz   = 14
)

// Superblock describes the fixed on-disk geometry: total
// blocks, data blocks, inode count, log region, inode table start, and
// bitmap start.
type Superblock struct {
	Size       uint32 // total blocks on the device
	NBlocks    uint32 // number of data blocks
	NInodes    uint32 // number of inodes
	NLog       uint32 // number of log blocks (including header)
	LogStart   uint32
	InodeStart uint32
	BmapStart  uint32
}

const superblockBlock = 1

// inodesPerBlock is the number of packed on-disk inodes per block.
const dinodeSize = 64 // type+major+minor+nlink+size+addrs, padded to a round size
const inodesPerBlock = blockdev.SectorSize / dinodeSize

func (sb *Superblock) encode() [blockdev.SectorSize]byte {
	var buf [blockdev.SectorSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], sb.Size)
	binary.LittleEndian.PutUint32(buf[4:8], sb.NBlocks)
	binary.LittleEndian.PutUint32(buf[8:12], sb.NInodes)
	binary.LittleEndian.PutUint32(buf[12:16], sb.NLog)
	binary.LittleEndian.PutUint32(buf[16:20], sb.LogStart)
	binary.LittleEndian.PutUint32(buf[20:24], sb.InodeStart)
	binary.LittleEndian.PutUint32(buf[24:28], sb.BmapStart)
	return buf
}

func decodeSuperblock(buf []byte) Superblock {
	return Superblock{
		Size:       binary.LittleEndian.Uint32(buf[0:4]),
		NBlocks:    binary.LittleEndian.Uint32(buf[4:8]),
		NInodes:    binary.LittleEndian.Uint32(buf[8:12]),
		NLog:       binary.LittleEndian.Uint32(buf[12:16]),
		LogStart:   binary.LittleEndian.Uint32(buf[16:20]),
		InodeStart: binary.LittleEndian.Uint32(buf[20:24]),
		BmapStart:  binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// ReadSuperblock reads and decodes the superblock from its fixed
// location (block 1; block 0 is reserved for the boot sector).
func ReadSuperblock(dev blockdev.Device) (Superblock, error) {
	var buf [blockdev.SectorSize]byte
	if err := dev.ReadBlock(superblockBlock, buf[:]); err != nil {
		return Superblock{}, fmt.Errorf("fs: read superblock: %w", err)
	}
	return decodeSuperblock(buf[:]), nil
}

func (sb *Superblock) inodeBlock(inum uint32) uint32 {
	return sb.InodeStart + inum/inodesPerBlock
}

func (sb *Superblock) bitmapBlockFor(b uint32) uint32 {
	return sb.BmapStart + b/(blockdev.SectorSize*8)
}
