package fs

import (
	"fmt"
	"strings"

	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// RootInum is the inode number of the root directory, fixed by mkfs.
const RootInum = 1

// Dirlookup scans directory dip for an entry named name. dip must
// already be locked. On success it returns the child's in-memory inode
// (pinned via Iget, not locked) and the byte offset of its directory
// entry within dip.
func (ip *Inode) Dirlookup(cpu spinlock.Owner, pid int, name string) (*Inode, uint32, error) {
	if ip.Type != TypeDir {
		return nil, 0, fmt.Errorf("fs: dirlookup: inode %d is not a directory", ip.Inum)
	}
	for off := uint32(0); off < ip.Size; off += uint32(direntSize) {
		bn := off / blockdev.SectorSize
		boff := off % blockdev.SectorSize
		blockno, err := ip.Bmap(cpu, pid, bn)
		if err != nil {
			return nil, 0, err
		}
		b, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, blockno)
		if err != nil {
			return nil, 0, err
		}
		e := decodeDirent(b.Data[boff : boff+uint32(direntSize)])
		ip.fs.Ch.Release(cpu, b)
		if e.Inum != 0 && e.nameString() == name {
			return ip.fs.Iget(cpu, uint32(e.Inum)), off, nil
		}
	}
	return nil, 0, fmt.Errorf("fs: dirlookup: %q not found", name)
}

// Dirlink adds an entry (name -> childInum) to directory dip, reusing a
// free slot if one exists or appending a new entry at the end of the
// directory otherwise. dip must
// already be locked, and the caller must already be inside a log
// transaction. Returns an error if name already exists in dip.
func (ip *Inode) Dirlink(cpu spinlock.Owner, pid int, name string, childInum uint32) error {
	if existing, _, err := ip.Dirlookup(cpu, pid, name); err == nil {
		existing.Iput(cpu, pid)
		return fmt.Errorf("fs: dirlink: %q already exists", name)
	}

	var freeOff uint32 = ip.Size
	for off := uint32(0); off < ip.Size; off += uint32(direntSize) {
		bn := off / blockdev.SectorSize
		boff := off % blockdev.SectorSize
		blockno, err := ip.Bmap(cpu, pid, bn)
		if err != nil {
			return err
		}
		b, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, blockno)
		if err != nil {
			return err
		}
		e := decodeDirent(b.Data[boff : boff+uint32(direntSize)])
		ip.fs.Ch.Release(cpu, b)
		if e.Inum == 0 {
			freeOff = off
			break
		}
	}

	if len(name) > DirSiz {
		return fmt.Errorf("fs: dirlink: name %q too long", name)
	}
	var e Dirent
	e.Inum = uint16(childInum)
	copy(e.Name[:], name)

	bn := freeOff / blockdev.SectorSize
	boff := freeOff % blockdev.SectorSize
	blockno, err := ip.Bmap(cpu, pid, bn)
	if err != nil {
		return err
	}
	b, err := ip.fs.Ch.Read(cpu, pid, ip.fs.Dev, blockno)
	if err != nil {
		return err
	}
	copy(b.Data[boff:boff+uint32(direntSize)], e.encode())
	ip.fs.Log.Write(cpu, b)
	ip.fs.Ch.Release(cpu, b)

	if freeOff+uint32(direntSize) > ip.Size {
		ip.Size = freeOff + uint32(direntSize)
		ip.iupdateLocked(cpu, pid)
	}
	return nil
}

// Namex resolves path to an inode, starting at root if path is absolute
// (begins with "/") or at cwd otherwise. If nameiparent is true, it
// stops one component short and returns the parent directory (unlocked,
// with a reference held) plus the final path component's name, leaving
// resolution of that final component to the caller (Create, Link and
// Unlink lock the parent themselves and hold it across the existence
// check and the directory mutation).
func (f *FS) Namex(cpu spinlock.Owner, pid int, cwd *Inode, path string, nameiparent bool) (*Inode, string, error) {
	var ip *Inode
	if strings.HasPrefix(path, "/") {
		ip = f.Iget(cpu, RootInum)
	} else {
		if cwd == nil {
			return nil, "", fmt.Errorf("fs: namex: relative path with no current directory")
		}
		ip = f.dupInode(cpu, cwd)
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		if nameiparent {
			return nil, "", fmt.Errorf("fs: namex: path %q has no parent", path)
		}
		return ip, "", nil
	}

	for i, name := range nonEmpty {
		if err := ip.Ilock(cpu, pid); err != nil {
			ip.Iput(cpu, pid)
			return nil, "", err
		}
		if ip.Type != TypeDir {
			ip.Iunlock(cpu)
			ip.Iput(cpu, pid)
			return nil, "", fmt.Errorf("fs: namex: not a directory")
		}

		if nameiparent && i == len(nonEmpty)-1 {
			ip.Iunlock(cpu)
			return ip, name, nil
		}

		next, _, err := ip.Dirlookup(cpu, pid, name)
		ip.Iunlock(cpu)
		if err != nil {
			ip.Iput(cpu, pid)
			return nil, "", err
		}
		ip.Iput(cpu, pid)
		ip = next
	}
	return ip, "", nil
}

// dupInode increments ip's reference count and returns it, mirroring
// the "dup" step namex performs when starting from an existing,
// already-referenced current-directory inode rather than Iget-ing the
// root fresh.
func (f *FS) dupInode(cpu spinlock.Owner, ip *Inode) *Inode {
	f.lock.Acquire(cpu)
	ip.ref++
	f.lock.Release(cpu)
	return ip
}

// Create resolves the parent of path, verifies the final component does
// not already exist, allocates an inode of type typ, links it into the
// parent, and returns it locked. The caller must already be inside a
// log transaction. For directories it also creates "." and ".." entries
// and bumps the parent's link count.
func (f *FS) Create(cpu spinlock.Owner, pid int, cwd *Inode, path string, typ uint16, major, minor uint16) (*Inode, error) {
	dp, name, err := f.Namex(cpu, pid, cwd, path, true)
	if err != nil {
		return nil, err
	}
	if err := dp.Ilock(cpu, pid); err != nil {
		dp.Iput(cpu, pid)
		return nil, err
	}

	if existing, _, err := dp.Dirlookup(cpu, pid, name); err == nil {
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		if err := existing.Ilock(cpu, pid); err != nil {
			existing.Iput(cpu, pid)
			return nil, err
		}
		if typ == TypeFile && existing.Type == TypeFile {
			return existing, nil
		}
		existing.Iunlock(cpu)
		existing.Iput(cpu, pid)
		return nil, fmt.Errorf("fs: create: %q already exists", path)
	}

	ip, err := f.Ialloc(cpu, pid, typ)
	if err != nil {
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		return nil, err
	}
	if err := ip.Ilock(cpu, pid); err != nil {
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		ip.Iput(cpu, pid)
		return nil, err
	}
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	ip.iupdateLocked(cpu, pid)

	if typ == TypeDir {
		dp.Nlink++
		dp.iupdateLocked(cpu, pid)
		if err := ip.Dirlink(cpu, pid, ".", ip.Inum); err != nil {
			return nil, err
		}
		if err := ip.Dirlink(cpu, pid, "..", dp.Inum); err != nil {
			return nil, err
		}
	}

	if err := dp.Dirlink(cpu, pid, name, ip.Inum); err != nil {
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		ip.Iunlock(cpu)
		ip.Iput(cpu, pid)
		return nil, err
	}
	dp.Iunlock(cpu)
	dp.Iput(cpu, pid)
	return ip, nil
}

// Link adds newpath as a second name for the existing, non-directory
// inode at oldpath, bumping its link count. The caller must already be
// inside a log transaction.
func (f *FS) Link(cpu spinlock.Owner, pid int, cwd *Inode, oldpath, newpath string) (err error) {
	ip, _, err := f.Namex(cpu, pid, cwd, oldpath, false)
	if err != nil {
		return err
	}
	if err := ip.Ilock(cpu, pid); err != nil {
		ip.Iput(cpu, pid)
		return err
	}
	if ip.Type == TypeDir {
		ip.Iunlock(cpu)
		ip.Iput(cpu, pid)
		return fmt.Errorf("fs: link: %q is a directory", oldpath)
	}
	ip.Nlink++
	ip.iupdateLocked(cpu, pid)
	ip.Iunlock(cpu)

	dp, name, err := f.Namex(cpu, pid, cwd, newpath, true)
	if err != nil {
		ip.Iput(cpu, pid)
		return err
	}
	if err := dp.Ilock(cpu, pid); err != nil {
		dp.Iput(cpu, pid)
		ip.Iput(cpu, pid)
		return err
	}
	if err := dp.Dirlink(cpu, pid, name, ip.Inum); err != nil {
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)

		ip.Ilock(cpu, pid)
		ip.Nlink--
		ip.iupdateLocked(cpu, pid)
		ip.Iunlock(cpu)
		ip.Iput(cpu, pid)
		return err
	}
	dp.Iunlock(cpu)
	dp.Iput(cpu, pid)
	ip.Iput(cpu, pid)
	return nil
}

// isDirEmpty reports whether dp, a locked directory inode, holds
// nothing beyond its "." and ".." entries.
func isDirEmpty(cpu spinlock.Owner, pid int, dp *Inode) bool {
	var de Dirent
	for off := uint32(2 * direntSize); off < dp.Size; off += uint32(direntSize) {
		bn := off / blockdev.SectorSize
		boff := off % blockdev.SectorSize
		blockno, err := dp.Bmap(cpu, pid, bn)
		if err != nil {
			return false
		}
		b, err := dp.fs.Ch.Read(cpu, pid, dp.fs.Dev, blockno)
		if err != nil {
			return false
		}
		de = decodeDirent(b.Data[boff : boff+uint32(direntSize)])
		dp.fs.Ch.Release(cpu, b)
		if de.Inum != 0 {
			return false
		}
	}
	return true
}

// Unlink removes path's directory entry and drops the target inode's
// link count, freeing its content once both the link count and the
// reference count reach zero (via Iput). Removing "." or ".." and
// removing a non-empty directory are rejected. The caller must already
// be inside a log transaction.
func (f *FS) Unlink(cpu spinlock.Owner, pid int, cwd *Inode, path string) (err error) {
	dp, name, err := f.Namex(cpu, pid, cwd, path, true)
	if err != nil {
		return err
	}
	if name == "." || name == ".." {
		dp.Iput(cpu, pid)
		return fmt.Errorf("fs: unlink: cannot unlink %q", name)
	}
	if err := dp.Ilock(cpu, pid); err != nil {
		dp.Iput(cpu, pid)
		return err
	}

	ip, off, err := dp.Dirlookup(cpu, pid, name)
	if err != nil {
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		return err
	}
	if err := ip.Ilock(cpu, pid); err != nil {
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		ip.Iput(cpu, pid)
		return err
	}
	if ip.Nlink < 1 {
		panic("fs: unlink: inode with zero link count found in a directory")
	}
	if ip.Type == TypeDir && !isDirEmpty(cpu, pid, ip) {
		ip.Iunlock(cpu)
		ip.Iput(cpu, pid)
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		return fmt.Errorf("fs: unlink: directory %q not empty", path)
	}

	var empty Dirent
	blockno, err := dp.Bmap(cpu, pid, off/blockdev.SectorSize)
	if err == nil {
		b, rerr := dp.fs.Ch.Read(cpu, pid, dp.fs.Dev, blockno)
		if rerr == nil {
			boff := off % blockdev.SectorSize
			copy(b.Data[boff:boff+uint32(direntSize)], empty.encode())
			dp.fs.Log.Write(cpu, b)
			dp.fs.Ch.Release(cpu, b)
		} else {
			err = rerr
		}
	}
	if err != nil {
		ip.Iunlock(cpu)
		ip.Iput(cpu, pid)
		dp.Iunlock(cpu)
		dp.Iput(cpu, pid)
		return err
	}

	if ip.Type == TypeDir {
		dp.Nlink--
		dp.iupdateLocked(cpu, pid)
	}
	dp.Iunlock(cpu)
	dp.Iput(cpu, pid)

	ip.Nlink--
	ip.iupdateLocked(cpu, pid)
	ip.Iunlock(cpu)
	ip.Iput(cpu, pid)
	return nil
}
