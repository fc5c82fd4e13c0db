package fs

import (
	"encoding/binary"

	"github.com/miniker-os/miniker/internal/blockdev"
)

// Dinode is the on-disk inode record: type, device major/minor, link
// count, size, NDirect direct block numbers and one singly-indirect
// block number.
type Dinode struct {
	Type    uint16
	Major   uint16
	Minor   uint16
	Nlink   uint16
	Size    uint32
	Addrs   [NDirect]uint32
	Indirect uint32
}

func (d *Dinode) encode() []byte {
	buf := make([]byte, dinodeSize)
	binary.LittleEndian.PutUint16(buf[0:2], d.Type)
	binary.LittleEndian.PutUint16(buf[2:4], d.Major)
	binary.LittleEndian.PutUint16(buf[4:6], d.Minor)
	binary.LittleEndian.PutUint16(buf[6:8], d.Nlink)
	binary.LittleEndian.PutUint32(buf[8:12], d.Size)
	off := 12
	for _, a := range d.Addrs {
		binary.LittleEndian.PutUint32(buf[off:off+4], a)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], d.Indirect)
	return buf
}

func decodeDinode(buf []byte) Dinode {
	var d Dinode
	d.Type = binary.LittleEndian.Uint16(buf[0:2])
	d.Major = binary.LittleEndian.Uint16(buf[2:4])
	d.Minor = binary.LittleEndian.Uint16(buf[4:6])
	d.Nlink = binary.LittleEndian.Uint16(buf[6:8])
	d.Size = binary.LittleEndian.Uint32(buf[8:12])
	off := 12
	for i := range d.Addrs {
		d.Addrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	d.Indirect = binary.LittleEndian.Uint32(buf[off : off+4])
	return d
}

// Dirent is one fixed-layout directory entry: an inode number (0 means
// a free slot) and a name up to DirSiz bytes.
type Dirent struct {
	Inum uint16
	Name [DirSiz]byte
}

const direntSize = 2 + DirSiz

func (e *Dirent) encode() []byte {
	buf := make([]byte, direntSize)
	binary.LittleEndian.PutUint16(buf[0:2], e.Inum)
	copy(buf[2:], e.Name[:])
	return buf
}

func decodeDirent(buf []byte) Dirent {
	var e Dirent
	e.Inum = binary.LittleEndian.Uint16(buf[0:2])
	copy(e.Name[:], buf[2:2+DirSiz])
	return e
}

func (e *Dirent) nameString() string {
	n := 0
	for n < DirSiz && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

func direntsPerBlock() int {
	return blockdev.SectorSize / direntSize
}
