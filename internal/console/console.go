// Package console implements a simple line-buffered terminal device:
// input bytes accumulate in a small ring until a
// newline (or ^D), at which point one line becomes available to
// readers; once the pending line holds BufSize-1 bytes, further
// ordinary bytes are dropped until the line ends; backspace erases the most recently typed rune
// and ^U (kill-line) discards the whole pending line. It registers
// itself as fs.DevConsole so a TypeDevice inode with that major
// dispatches reads and writes here.
package console

import (
	"fmt"
	"sync"

	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/spinlock"
)

// BufSize is the width of the input ring, mirroring a small real
// UART's line buffer.
const BufSize = 128

const (
	backspace = 0x08
	del       = 0x7f
	killLine  = 0x15 // ^U
	eof       = 0x04 // ^D
)

// Console is the device state: a pending (not yet newline-terminated)
// input line, and a queue of completed lines waiting to be read.
//
// fs.DeviceOps carries no cpu parameter (a device's read/write handler
// has no notion of which simulated CPU is calling it, unlike every
// other blocking path in this kernel), so unlike pipe.Pipe this device
// cannot rendezvous through spinlock.Rendezvous.Sleep: Read is
// non-blocking and reports "nothing yet" as a zero-length read. A
// caller that wants blocking semantics has to retry; internal/trap's
// read syscall does not, so a console read with no completed line
// returns 0 bytes at once. The same missing cpu is why the ring is
// guarded by a host sync.Mutex rather than a kernel spinlock — a
// spinlock.Lock cannot be acquired without an Owner to thread the
// cli-nesting through.
type Console struct {
	mu sync.Mutex

	pending []byte
	lines   [][]byte
	eofSeen bool
}

// New returns an empty console.
func New() *Console {
	return &Console{}
}

// Register installs c as fs.DevConsole's read/write handler on fsys.
func (c *Console) Register(fsys *fs.FS) {
	fsys.RegisterDevice(fs.DevConsole, fs.DeviceOps{Read: c.Read, Write: c.Write})
}

// Feed delivers one input byte, as if typed at a keyboard or received
// over a serial line. Tests call this directly instead of wiring a
// real tty. cpu is accepted only to
// match the rest of the kernel's convention of threading the caller's
// identity through; Feed needs no spinlock.Owner behavior from it.
func (c *Console) Feed(cpu spinlock.Owner, b byte) {
	_ = cpu
	c.mu.Lock()
	defer c.mu.Unlock()

	switch b {
	case backspace, del:
		if len(c.pending) > 0 {
			c.pending = c.pending[:len(c.pending)-1]
		}
	case killLine:
		c.pending = c.pending[:0]
	case eof:
		c.eofSeen = true
		c.lines = append(c.lines, c.pending)
		c.pending = nil
	case '\n', '\r':
		c.pending = append(c.pending, '\n')
		c.lines = append(c.lines, c.pending)
		c.pending = nil
	default:
		if len(c.pending) < BufSize-1 {
			c.pending = append(c.pending, b)
		}
	}
}

// Read implements fs.DeviceOps.Read: if a completed line is queued, it
// copies as much of the oldest line as fits into dst (a line shorter
// than dst yields a short read, matching a real tty's per-line
// delivery); otherwise it returns 0 bytes immediately, or (0, nil) at
// end-of-input once Feed has delivered eof with no further lines
// queued.
func (c *Console) Read(dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.lines) == 0 {
		return 0, nil
	}
	line := c.lines[0]
	n := copy(dst, line)
	if n == len(line) {
		c.lines = c.lines[1:]
	} else {
		c.lines[0] = line[n:]
	}
	return n, nil
}

// Write implements fs.DeviceOps.Write. This implementation has no real
// terminal to render to: the bytes are discarded and a non-empty write
// reports len(src) bytes written; an empty write is an error.
func (c *Console) Write(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("console: write: empty")
	}
	return len(src), nil
}
