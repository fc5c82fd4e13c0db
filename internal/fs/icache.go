package fs

import (
	"fmt"

	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// Inode is the in-memory mirror of one on-disk Dinode, plus its
// reference-counting and locking state. Iget pins an
// inode in the cache without touching disk; Ilock brings its content
// up to date (reading it in if this is the first lock since Iget) and
// must be held for any field access; Iput drops the pin and, if the
// link count has reached zero, truncates and frees the inode — which
// requires the caller to already be inside a log transaction.
type Inode struct {
	fs   *FS
	lock *spinlock.Sleeplock

	Inum uint32

	ref   int
	valid bool

	Dinode
}

// FS returns the mounted file system ip belongs to, so the
// file-descriptor layer can reach the log for its own transactions.
func (ip *Inode) FS() *FS { return ip.fs }

// Iget returns the in-memory inode for inum, pinning it in the cache.
// It does not lock the inode or read it from disk. Repeated Iget calls
// for the same inum return the same *Inode and increment its reference
// count once per call.
func (f *FS) Iget(cpu spinlock.Owner, inum uint32) *Inode {
	f.lock.Acquire(cpu)
	defer f.lock.Release(cpu)

	var empty *Inode
	for _, ip := range f.cache {
		if ip.ref > 0 && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: inode cache exhausted")
	}
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false
	return empty
}

// Ilock locks ip and, if its content has not yet been read in, loads
// it from disk. Every field access on ip must happen between Ilock and
// Iunlock.
func (ip *Inode) Ilock(cpu spinlock.Owner, pid int) error {
	if ip.ref < 1 {
		panic("fs: ilock on unreferenced inode")
	}
	ip.lock.Acquire(cpu, pid, ip.fs.rv)

	if !ip.valid {
		blockno := ip.fs.SB.inodeBlock(ip.Inum)
		b, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, blockno)
		if err != nil {
			ip.lock.Release(cpu, ip.fs.rv)
			return err
		}
		off := (ip.Inum % inodesPerBlock) * dinodeSize
		ip.Dinode = decodeDinode(b.Data[off : off+dinodeSize])
		ip.fs.Ch.Release(cpu, b)
		ip.valid = true
		if ip.Type == TypeNone {
			ip.lock.Release(cpu, ip.fs.rv)
			return fmt.Errorf("fs: ilock: inode %d has no type", ip.Inum)
		}
	}
	return nil
}

// Iunlock releases the inode's sleeplock without affecting its pin.
func (ip *Inode) Iunlock(cpu spinlock.Owner) {
	if ip.ref < 1 {
		panic("fs: iunlock on unreferenced inode")
	}
	ip.lock.Release(cpu, ip.fs.rv)
}

// Iput drops one reference to ip. If the reference count reaches zero
// and the inode has no on-disk links, the inode's content is truncated
// and the slot is freed — the caller must already be inside a log
// transaction (begin_op/end_op) before calling Iput in that case, since
// truncation performs logged writes.
func (ip *Inode) Iput(cpu spinlock.Owner, pid int) error {
	ip.lock.Acquire(cpu, pid, ip.fs.rv)
	if ip.valid && ip.Nlink == 0 {
		ip.fs.lock.Acquire(cpu)
		r := ip.ref
		ip.fs.lock.Release(cpu)

		if r == 1 {
			if err := ip.truncate(cpu, pid); err != nil {
				ip.lock.Release(cpu, ip.fs.rv)
				return err
			}
			ip.Type = TypeNone
			ip.iupdateLocked(cpu, pid)
			ip.valid = false
		}
	}
	ip.lock.Release(cpu, ip.fs.rv)

	ip.fs.lock.Acquire(cpu)
	ip.ref--
	ip.fs.lock.Release(cpu)
	return nil
}

// Iupdate writes ip's in-memory Dinode back to its on-disk slot
// (logged). Callers must hold ip's lock.
func (ip *Inode) Iupdate(cpu spinlock.Owner, pid int) error {
	ip.iupdateLocked(cpu, pid)
	return nil
}

func (ip *Inode) iupdateLocked(cpu spinlock.Owner, pid int) {
	blockno := ip.fs.SB.inodeBlock(ip.Inum)
	b, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, blockno)
	if err != nil {
		panic(fmt.Sprintf("fs: iupdate: read inode block: %v", err))
	}
	off := (ip.Inum % inodesPerBlock) * dinodeSize
	d := ip.Dinode
	copy(b.Data[off:off+dinodeSize], d.encode())
	ip.fs.Log.Write(cpu, b)
	ip.fs.Ch.Release(cpu, b)
}

// Bmap returns the block number of the bn'th data block of ip,
// allocating it (logged) if it does not yet exist. bn beyond MaxFile is
// a fatal assertion: every caller is expected to have already checked
// the file's size against MaxFile.
func (ip *Inode) Bmap(cpu spinlock.Owner, pid int, bn uint32) (uint32, error) {
	if bn < NDirect {
		if ip.Addrs[bn] == 0 {
			addr, err := ip.fs.Balloc(cpu, pid)
			if err != nil {
				return 0, err
			}
			ip.Addrs[bn] = addr
		}
		return ip.Addrs[bn], nil
	}
	bn -= NDirect
	if bn >= NIndirect {
		panic("fs: bmap: block offset beyond MaxFile")
	}

	if ip.Indirect == 0 {
		addr, err := ip.fs.Balloc(cpu, pid)
		if err != nil {
			return 0, err
		}
		ip.Indirect = addr
	}
	ib, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, ip.Indirect)
	if err != nil {
		return 0, err
	}
	off := bn * 4
	addr := readUint32(ib.Data[off : off+4])
	if addr == 0 {
		var err2 error
		addr, err2 = ip.fs.Balloc(cpu, pid)
		if err2 != nil {
			ip.fs.Ch.Release(cpu, ib)
			return 0, err2
		}
		writeUint32(ib.Data[off:off+4], addr)
		ip.fs.Log.Write(cpu, ib)
	}
	ip.fs.Ch.Release(cpu, ib)
	return addr, nil
}

// truncate frees every data block reachable from ip, direct and
// singly-indirect, and resets its size to zero. ip's lock must be held.
func (ip *Inode) truncate(cpu spinlock.Owner, pid int) error {
	for i := 0; i < NDirect; i++ {
		if ip.Addrs[i] != 0 {
			ip.fs.Bfree(cpu, pid, ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Indirect != 0 {
		ib, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, ip.Indirect)
		if err != nil {
			return err
		}
		for i := 0; i < NIndirect; i++ {
			off := i * 4
			addr := readUint32(ib.Data[off : off+4])
			if addr != 0 {
				ip.fs.Bfree(cpu, pid, addr)
			}
		}
		ip.fs.Ch.Release(cpu, ib)
		ip.fs.Bfree(cpu, pid, ip.Indirect)
		ip.Indirect = 0
	}
	ip.Size = 0
	return nil
}

// Readi reads len(dst) bytes from ip starting at off into dst, reading
// through a registered device's handler if ip is a device inode.
func (ip *Inode) Readi(cpu spinlock.Owner, pid int, dst []byte, off uint32) (int, error) {
	if ip.Type == TypeDevice {
		ops, ok := ip.fs.deviceOps(ip.Major)
		if !ok {
			return 0, fmt.Errorf("fs: readi: no device registered for major %d", ip.Major)
		}
		return ops.Read(dst)
	}
	if off > ip.Size {
		return 0, fmt.Errorf("fs: readi: offset %d beyond size %d", off, ip.Size)
	}
	n := uint32(len(dst))
	if off+n > ip.Size {
		n = ip.Size - off
	}
	total := uint32(0)
	for total < n {
		bn := (off + total) / blockdev.SectorSize
		boff := (off + total) % blockdev.SectorSize
		blockno, err := ip.Bmap(cpu, pid, bn)
		if err != nil {
			return int(total), err
		}
		b, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, blockno)
		if err != nil {
			return int(total), err
		}
		m := n - total
		if m > blockdev.SectorSize-boff {
			m = blockdev.SectorSize - boff
		}
		copy(dst[total:total+m], b.Data[boff:boff+m])
		ip.fs.Ch.Release(cpu, b)
		total += m
	}
	return int(total), nil
}

// Writei writes src to ip starting at off, growing the file (and its
// block allocation, via Bmap) as needed up to MaxFile. The caller must
// already be inside a log transaction.
func (ip *Inode) Writei(cpu spinlock.Owner, pid int, src []byte, off uint32) (int, error) {
	if ip.Type == TypeDevice {
		ops, ok := ip.fs.deviceOps(ip.Major)
		if !ok {
			return 0, fmt.Errorf("fs: writei: no device registered for major %d", ip.Major)
		}
		return ops.Write(src)
	}
	n := uint32(len(src))
	if off+n < off {
		return 0, fmt.Errorf("fs: writei: offset overflow")
	}
	if off+n > MaxFile*blockdev.SectorSize {
		return 0, fmt.Errorf("fs: writei: write would exceed MaxFile")
	}

	total := uint32(0)
	for total < n {
		bn := (off + total) / blockdev.SectorSize
		boff := (off + total) % blockdev.SectorSize
		blockno, err := ip.Bmap(cpu, pid, bn)
		if err != nil {
			return int(total), err
		}
		b, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, blockno)
		if err != nil {
			return int(total), err
		}
		m := n - total
		if m > blockdev.SectorSize-boff {
			m = blockdev.SectorSize - boff
		}
		copy(b.Data[boff:boff+m], src[total:total+m])
		ip.fs.Log.Write(cpu, b)
		ip.fs.Ch.Release(cpu, b)
		total += m
	}
	if off+total > ip.Size {
		ip.Size = off + total
		ip.iupdateLocked(cpu, pid)
	}
	return int(total), nil
}

func readUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func writeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
