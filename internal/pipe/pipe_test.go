package pipe_test

import (
	"sync"
	"testing"

	"github.com/miniker-os/miniker/internal/pipe"
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

func notKilled() bool { return false }

func TestWriteThenReadRoundTrip(t *testing.T) {
	rv := newFakeRV()
	p := pipe.New(rv)
	cpu := &stubCPU{id: 1}

	msg := []byte("hello pipe")
	n, err := p.Write(cpu, 1, msg, notKilled)
	if err != nil || n != len(msg) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	got := make([]byte, len(msg))
	rn, err := p.Read(cpu, 1, got, notKilled)
	if err != nil || rn != len(msg) || string(got) != string(msg) {
		t.Fatalf("Read: n=%d err=%v got=%q", rn, err, got)
	}
}

func TestReadBlocksUntilWriterProduces(t *testing.T) {
	rv := newFakeRV()
	p := pipe.New(rv)
	readerCPU := &stubCPU{id: 1}
	writerCPU := &stubCPU{id: 2}

	done := make(chan struct{})
	var got [5]byte
	go func() {
		n, err := p.Read(readerCPU, 1, got[:], notKilled)
		if err != nil || n != 5 {
			t.Errorf("Read: n=%d err=%v", n, err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("read returned before any writer produced data")
	default:
	}

	if _, err := p.Write(writerCPU, 2, []byte("abcde"), notKilled); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done
	if string(got[:]) != "abcde" {
		t.Fatalf("got %q, want abcde", got[:])
	}
}

func TestCloseWriteYieldsEOFToReader(t *testing.T) {
	rv := newFakeRV()
	p := pipe.New(rv)
	readerCPU := &stubCPU{id: 1}
	writerCPU := &stubCPU{id: 2}

	done := make(chan struct{})
	var got [5]byte
	var n int
	var rerr error
	go func() {
		n, rerr = p.Read(readerCPU, 1, got[:], notKilled)
		close(done)
	}()

	p.CloseWrite(writerCPU)
	<-done
	if rerr != nil {
		t.Fatalf("Read after close: %v", rerr)
	}
	if n != 0 {
		t.Fatalf("Read after close returned %d bytes, want 0 (EOF)", n)
	}
}

func TestWriteFailsAfterReadEndClosed(t *testing.T) {
	rv := newFakeRV()
	p := pipe.New(rv)
	cpu := &stubCPU{id: 1}

	p.CloseRead(cpu)
	if _, err := p.Write(cpu, 1, []byte("x"), notKilled); err == nil {
		t.Fatal("Write after read end closed should fail")
	}
}

func TestOpenReportsBothEndsClosed(t *testing.T) {
	rv := newFakeRV()
	p := pipe.New(rv)
	cpu := &stubCPU{id: 1}

	if !p.Open(cpu) {
		t.Fatal("fresh pipe should report open")
	}
	p.CloseRead(cpu)
	if !p.Open(cpu) {
		t.Fatal("pipe with one end still open should report open")
	}
	p.CloseWrite(cpu)
	if p.Open(cpu) {
		t.Fatal("pipe with both ends closed should report closed")
	}
}
