package blockdev

import "sync"

// Memory is an in-memory block device, letting tests exercise the
// buffer cache, log and file system without a real disk image.
type Memory struct {
	mu     sync.Mutex
	blocks [][SectorSize]byte
}

// NewMemory returns a zero-filled in-memory device with the given
// number of blocks.
func NewMemory(numBlocks uint32) *Memory {
	return &Memory{blocks: make([][SectorSize]byte, numBlocks)}
}

func (m *Memory) ReadBlock(n uint32, dst []byte) error {
	if err := checkSize(dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= uint32(len(m.blocks)) {
		return &ErrOutOfRange{Block: n, Num: uint32(len(m.blocks))}
	}
	copy(dst, m.blocks[n][:])
	return nil
}

func (m *Memory) WriteBlock(n uint32, src []byte) error {
	if err := checkSize(src); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= uint32(len(m.blocks)) {
		return &ErrOutOfRange{Block: n, Num: uint32(len(m.blocks))}
	}
	copy(m.blocks[n][:], src)
	return nil
}

func (m *Memory) NumBlocks() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.blocks))
}
