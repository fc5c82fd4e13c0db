package fs

import (
	"fmt"
	"sync"

	"github.com/miniker-os/miniker/internal/bcache"
	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/spinlock"
	"github.com/miniker-os/miniker/internal/wal"
)

// Device dispatch: an inode of type Device carries a major
// number indexing a small fixed table of (read, write) function pairs.
// internal/console registers itself at DevConsole.
const DevConsole = 1

// DeviceOps is the pair of handlers a registered device major provides.
type DeviceOps struct {
	Read  func(dst []byte) (int, error)
	Write func(src []byte) (int, error)
}

// NInodeCache is the fixed width of the in-memory inode cache.
const NInodeCache = 64

// FS is the mounted file system: the superblock, the shared buffer
// cache, the write-ahead log, and the in-memory inode cache.
type FS struct {
	Dev blockdev.Device
	Ch  *bcache.Cache
	Log *wal.Log
	SB  Superblock

	rv    spinlock.Rendezvous
	lock  *spinlock.Lock // protects the inode cache slot array
	cache []*Inode

	devMu   sync.RWMutex
	devices map[uint16]DeviceOps
}

// Mount opens a file system over dev: it reads the superblock, opens
// (and, if needed, replays) the write-ahead log, and prepares an empty
// inode cache. The device is expected to already hold a valid file
// system image, built with MkfsDevice.
func Mount(dev blockdev.Device, ch *bcache.Cache, rv spinlock.Rendezvous, cpu spinlock.Owner, pid int) (*FS, error) {
	sb, err := ReadSuperblock(dev)
	if err != nil {
		return nil, err
	}
	l, err := wal.Open(dev, ch, sb.LogStart, sb.NLog, cpu, pid, rv)
	if err != nil {
		return nil, fmt.Errorf("fs: mount: %w", err)
	}

	f := &FS{
		Dev:     dev,
		Ch:      ch,
		Log:     l,
		SB:      sb,
		rv:      rv,
		lock:    spinlock.New("icache"),
		devices: make(map[uint16]DeviceOps),
	}
	f.cache = make([]*Inode, NInodeCache)
	for i := range f.cache {
		f.cache[i] = &Inode{fs: f, lock: spinlock.NewSleeplock("inode")}
	}
	return f, nil
}

// RegisterDevice installs the read/write handlers for a device major,
// for inodes of TypeDevice whose Major field matches.
func (f *FS) RegisterDevice(major uint16, ops DeviceOps) {
	f.devMu.Lock()
	defer f.devMu.Unlock()
	f.devices[major] = ops
}

func (f *FS) deviceOps(major uint16) (DeviceOps, bool) {
	f.devMu.RLock()
	defer f.devMu.RUnlock()
	ops, ok := f.devices[major]
	return ops, ok
}
