package trap_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/miniker-os/miniker/internal/sched"
	"github.com/miniker-os/miniker/internal/trap"
)

// TestShellPipelineWiresPipeAcrossForks is the fork/pipe/wait shape a
// shell uses for `ls | wc -l`: the parent forks a producer and a
// consumer wired through one pipe, closes its own copies of both ends,
// and waits for both. The consumer must see end-of-file exactly when
// every write end is closed, and no file-table slot may leak.
func TestShellPipelineWiresPipeAcrossForks(t *testing.T) {
	k, stop := newTestKernel(t)
	defer stop()
	d := trap.New(k)
	cpu := k.BootCPU()

	outcome := make(chan error, 1)
	lineCount := make(chan int, 1)

	parent := func(p *sched.Process) {
		baseline := k.Files.InUse(cpu)
		rfd, wfd, err := d.Pipe(cpu, p)
		if err != nil {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
			return
		}

		// The producer plays ls: write the listing into the pipe.
		producer := func(c *sched.Process) {
			d.Close(cpu, c, rfd)
			for _, line := range []string{"README\n", "kernel\n", "fs.img\n"} {
				if _, err := d.Write(cpu, c, wfd, []byte(line)); err != nil {
					d.Close(cpu, c, wfd)
					k.Manager.Exit(cpu, c, 1)
					return
				}
			}
			d.Close(cpu, c, wfd)
			k.Manager.Exit(cpu, c, 0)
		}
		// The consumer plays wc -l: count newlines until end-of-file.
		consumer := func(c *sched.Process) {
			d.Close(cpu, c, wfd)
			count := 0
			buf := make([]byte, 16)
			for {
				n, err := d.Read(cpu, c, rfd, buf)
				if err != nil {
					d.Close(cpu, c, rfd)
					k.Manager.Exit(cpu, c, 1)
					return
				}
				if n == 0 {
					break
				}
				for _, b := range buf[:n] {
					if b == '\n' {
						count++
					}
				}
			}
			d.Close(cpu, c, rfd)
			lineCount <- count
			k.Manager.Exit(cpu, c, 0)
		}

		if _, err := d.Fork(cpu, p, producer); err != nil {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
			return
		}
		if _, err := d.Fork(cpu, p, consumer); err != nil {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
			return
		}
		d.Close(cpu, p, rfd)
		d.Close(cpu, p, wfd)

		for i := 0; i < 2; i++ {
			if _, status, err := d.Wait(cpu, p); err != nil {
				outcome <- err
				k.Manager.Exit(cpu, p, 1)
				return
			} else if status != 0 {
				outcome <- errUnexpected("pipeline child reported failure")
				k.Manager.Exit(cpu, p, 1)
				return
			}
		}
		if got := k.Files.InUse(cpu); got != baseline {
			outcome <- errUnexpected(fmt.Sprintf("file-table slots leaked: %d in use, baseline %d", got, baseline))
			k.Manager.Exit(cpu, p, 1)
			return
		}
		outcome <- nil
		k.Manager.Exit(cpu, p, 0)
	}
	runProgram(t, k, parent)

	select {
	case err := <-outcome:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	select {
	case n := <-lineCount:
		if n != 3 {
			t.Fatalf("consumer counted %d lines, want 3", n)
		}
	default:
		t.Fatal("consumer never reported a count")
	}
}

// TestConcurrentWritersEachSeeOnlyTheirBytes forks four processes that
// each create their own file, write 20 blocks of 'a', and read every
// byte back. All four run interleaved through the same log and buffer
// cache.
func TestConcurrentWritersEachSeeOnlyTheirBytes(t *testing.T) {
	k, stop := newTestKernel(t)
	defer stop()
	d := trap.New(k)
	cpu := k.BootCPU()

	const writes, chunk = 20, 512
	outcome := make(chan error, 1)

	stressWriter := func(path string) sched.Program {
		return func(c *sched.Process) {
			fail := func() { k.Manager.Exit(cpu, c, 1) }

			fd, err := d.Open(cpu, c, path, true, true, true)
			if err != nil {
				fail()
				return
			}
			data := make([]byte, chunk)
			for i := range data {
				data[i] = 'a'
			}
			for i := 0; i < writes; i++ {
				if n, err := d.Write(cpu, c, fd, data); err != nil || n != chunk {
					fail()
					return
				}
			}
			if err := d.Close(cpu, c, fd); err != nil {
				fail()
				return
			}

			fd, err = d.Open(cpu, c, path, true, false, false)
			if err != nil {
				fail()
				return
			}
			st, err := d.Fstat(cpu, c, fd)
			if err != nil || st.Size != writes*chunk {
				fail()
				return
			}
			buf := make([]byte, chunk)
			for i := 0; i < writes; i++ {
				n, err := d.Read(cpu, c, fd, buf)
				if err != nil || n != chunk {
					fail()
					return
				}
				for _, b := range buf {
					if b != 'a' {
						fail()
						return
					}
				}
			}
			if err := d.Close(cpu, c, fd); err != nil {
				fail()
				return
			}
			k.Manager.Exit(cpu, c, 0)
		}
	}

	parent := func(p *sched.Process) {
		for i := 0; i < 4; i++ {
			prog := stressWriter(fmt.Sprintf("/stressfs%d", i))
			if _, err := d.Fork(cpu, p, prog); err != nil {
				outcome <- err
				k.Manager.Exit(cpu, p, 1)
				return
			}
		}
		for i := 0; i < 4; i++ {
			if _, status, err := d.Wait(cpu, p); err != nil {
				outcome <- err
				k.Manager.Exit(cpu, p, 1)
				return
			} else if status != 0 {
				outcome <- errUnexpected("a stress writer failed")
				k.Manager.Exit(cpu, p, 1)
				return
			}
		}
		outcome <- nil
		k.Manager.Exit(cpu, p, 0)
	}
	runProgram(t, k, parent)

	select {
	case err := <-outcome:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("timed out")
	}
}

// TestUnlinkedOpenFileRemainsUsable unlinks a file another process
// still holds open: I/O on the surviving descriptors keeps working
// against the inode, and only the last close frees it.
func TestUnlinkedOpenFileRemainsUsable(t *testing.T) {
	k, stop := newTestKernel(t)
	defer stop()
	d := trap.New(k)
	cpu := k.BootCPU()

	outcome := make(chan error, 1)
	parent := func(p *sched.Process) {
		fail := func(err error) {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
		}

		wrFd, err := d.Open(cpu, p, "/foo", false, true, true)
		if err != nil {
			fail(err)
			return
		}
		if _, err := d.Write(cpu, p, wrFd, []byte("before,")); err != nil {
			fail(err)
			return
		}
		rdFd, err := d.Open(cpu, p, "/foo", true, false, false)
		if err != nil {
			fail(err)
			return
		}

		unlinker := func(c *sched.Process) {
			if err := d.Unlink(cpu, c, "/foo"); err != nil {
				k.Manager.Exit(cpu, c, 1)
				return
			}
			k.Manager.Exit(cpu, c, 0)
		}
		if _, err := d.Fork(cpu, p, unlinker); err != nil {
			fail(err)
			return
		}
		if _, status, err := d.Wait(cpu, p); err != nil || status != 0 {
			fail(errUnexpected("unlinker child failed"))
			return
		}

		// The name is gone, the inode is not: both descriptors still
		// work.
		if _, err := d.Write(cpu, p, wrFd, []byte("after")); err != nil {
			fail(err)
			return
		}
		st, err := d.Fstat(cpu, p, wrFd)
		if err != nil {
			fail(err)
			return
		}
		if st.Nlink != 0 || st.Size != uint32(len("before,after")) {
			fail(errUnexpected("stat after unlink: wrong nlink or size"))
			return
		}
		got := make([]byte, len("before,after"))
		if n, err := d.Read(cpu, p, rdFd, got); err != nil || n != len(got) || string(got) != "before,after" {
			fail(errUnexpected("read through surviving fd does not see both writes"))
			return
		}
		if _, err := d.Open(cpu, p, "/foo", true, false, false); err == nil {
			fail(errUnexpected("/foo should no longer resolve"))
			return
		}

		if err := d.Close(cpu, p, wrFd); err != nil {
			fail(err)
			return
		}
		if err := d.Close(cpu, p, rdFd); err != nil {
			fail(err)
			return
		}

		// The inode and its blocks are free again: a fresh create at
		// the same name starts empty.
		fd, err := d.Open(cpu, p, "/foo", true, true, true)
		if err != nil {
			fail(err)
			return
		}
		st, err = d.Fstat(cpu, p, fd)
		if err != nil || st.Size != 0 {
			fail(errUnexpected("recreated /foo should be empty"))
			return
		}
		if err := d.Close(cpu, p, fd); err != nil {
			fail(err)
			return
		}
		outcome <- nil
		k.Manager.Exit(cpu, p, 0)
	}
	runProgram(t, k, parent)

	select {
	case err := <-outcome:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

// TestKillUnblocksSleepingPipeReader kills a process blocked reading an
// empty pipe: the read fails instead of blocking forever, the child
// exits, and the parent reaps it.
func TestKillUnblocksSleepingPipeReader(t *testing.T) {
	k, stop := newTestKernel(t)
	defer stop()
	d := trap.New(k)
	cpu := k.BootCPU()

	outcome := make(chan error, 1)
	readErr := make(chan error, 1)

	parent := func(p *sched.Process) {
		rfd, wfd, err := d.Pipe(cpu, p)
		if err != nil {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
			return
		}

		reader := func(c *sched.Process) {
			buf := make([]byte, 8)
			_, err := d.Read(cpu, c, rfd, buf)
			readErr <- err
			status := 0
			if err != nil {
				status = 1
			}
			k.Manager.Exit(cpu, c, status)
		}
		childPid, err := d.Fork(cpu, p, reader)
		if err != nil {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
			return
		}

		// Let the child block on the empty pipe (the parent still holds
		// the write end, so the read cannot return end-of-file).
		for i := 0; i < 4; i++ {
			k.Sched.Yield(cpu)
		}
		if err := d.Kill(cpu, childPid); err != nil {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
			return
		}
		pid, status, err := d.Wait(cpu, p)
		if err != nil {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
			return
		}
		if pid != childPid || status != 1 {
			outcome <- errUnexpected("wait did not reap the killed reader")
			k.Manager.Exit(cpu, p, 1)
			return
		}
		d.Close(cpu, p, rfd)
		d.Close(cpu, p, wfd)
		outcome <- nil
		k.Manager.Exit(cpu, p, 0)
	}
	runProgram(t, k, parent)

	select {
	case err := <-outcome:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("read from the killed reader should have failed")
		}
	default:
		t.Fatal("reader never reported its read result")
	}
}
