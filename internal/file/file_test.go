package file_test

import (
	"sync"
	"testing"

	"github.com/miniker-os/miniker/internal/bcache"
	"github.com/miniker-os/miniker/internal/blockdev"
	"github.com/miniker-os/miniker/internal/file"
	"github.com/miniker-os/miniker/internal/fs"
	"github.com/miniker-os/miniker/internal/spinlock"
)

type stubCPU struct{ id int }

func (c *stubCPU) ID() int  { return c.id }
func (c *stubCPU) PushCli() {}
func (c *stubCPU) PopCli()  {}

type fakeRV struct {
	mu      sync.Mutex
	waiters map[any][]chan struct{}
}

func newFakeRV() *fakeRV { return &fakeRV{waiters: make(map[any][]chan struct{})} }

func (r *fakeRV) Sleep(cpu spinlock.Owner, channel any, lk *spinlock.Lock) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.waiters[channel] = append(r.waiters[channel], ch)
	r.mu.Unlock()
	lk.Release(cpu)
	<-ch
	lk.Acquire(cpu)
}

func (r *fakeRV) Wakeup(channel any) {
	r.mu.Lock()
	waiters := r.waiters[channel]
	delete(r.waiters, channel)
	r.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func TestPipeEndsReadWrite(t *testing.T) {
	rv := newFakeRV()
	tbl := file.NewTable()
	cpu := &stubCPU{id: 1}

	rf, wf, err := file.NewPipeEnds(tbl, cpu, rv)
	if err != nil {
		t.Fatalf("NewPipeEnds: %v", err)
	}
	if _, err := wf.Write(cpu, 1, []byte("hi"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 2)
	if _, err := rf.Read(cpu, 1, got, nil); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q, want hi", got)
	}
}

func TestInodeFileReadWriteAdvancesOffset(t *testing.T) {
	rv := newFakeRV()
	dev := blockdev.NewMemory(256)
	if err := fs.MkfsDevice(dev, 64, 16); err != nil {
		t.Fatalf("MkfsDevice: %v", err)
	}
	ch := bcache.New(16, rv)
	cpu := &stubCPU{id: 1}
	fsys, err := fs.Mount(dev, ch, rv, cpu, 1)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	fsys.Log.BeginOp(cpu)
	ip, err := fsys.Create(cpu, 1, nil, "/f", fs.TypeFile, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ip.Iunlock(cpu)
	if err := fsys.Log.EndOp(cpu, 1); err != nil {
		t.Fatalf("EndOp: %v", err)
	}

	tbl := file.NewTable()
	f, err := file.NewInodeFile(tbl, cpu, ip, true, true)
	if err != nil {
		t.Fatalf("NewInodeFile: %v", err)
	}

	n, err := f.Write(cpu, 1, []byte("abc"), nil)
	if err != nil || n != 3 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	n, err = f.Write(cpu, 1, []byte("def"), nil)
	if err != nil || n != 3 {
		t.Fatalf("Write 2: n=%d err=%v", n, err)
	}

	// The two writes advanced f's offset to 6; a second open file on
	// the same inode has its own offset, starting at 0.
	rf, err := file.NewInodeFile(tbl, cpu, fsys.Iget(cpu, ip.Inum), true, false)
	if err != nil {
		t.Fatalf("NewInodeFile (reader): %v", err)
	}
	got := make([]byte, 6)
	rn, err := rf.Read(cpu, 1, got[:3], nil)
	if err != nil || rn != 3 {
		t.Fatalf("Read 1: n=%d err=%v", rn, err)
	}
	rn2, err := rf.Read(cpu, 1, got[3:], nil)
	if err != nil || rn2 != 3 {
		t.Fatalf("Read 2: n=%d err=%v", rn2, err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("got %q, want abcdef", got)
	}

	rn3, err := rf.Read(cpu, 1, got[:1], nil)
	if err != nil || rn3 != 0 {
		t.Fatalf("Read past end of file: n=%d err=%v, want 0 bytes", rn3, err)
	}
}

func TestTableAllocExhaustion(t *testing.T) {
	tbl := file.NewTable()
	cpu := &stubCPU{id: 1}
	for i := 0; i < file.NFile; i++ {
		if _, err := tbl.Alloc(cpu); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := tbl.Alloc(cpu); err == nil {
		t.Fatal("Alloc beyond NFile should fail")
	}
}
