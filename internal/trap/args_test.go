package trap_test

import (
	"testing"
	"time"

	"github.com/miniker-os/miniker/internal/sched"
	"github.com/miniker-os/miniker/internal/trap"
)

// TestArgumentFetchersReadExecStack exec's a program with arguments and
// then reads them back through the syscall argument fetchers: the word
// fetcher sees argc and the argv pointer exactly where exec laid them
// down, the pointer fetcher validates the array bounds, and the string
// fetcher walks argv[0] to its NUL.
func TestArgumentFetchersReadExecStack(t *testing.T) {
	k, stop := newTestKernel(t)
	defer stop()
	d := trap.New(k)
	cpu := k.BootCPU()

	outcome := make(chan error, 1)
	program := func(p *sched.Process) {
		fail := func(err error) {
			outcome <- err
			k.Manager.Exit(cpu, p, 1)
		}

		fd, err := d.Open(cpu, p, "/tool", false, true, true)
		if err != nil {
			fail(err)
			return
		}
		if _, err := d.Write(cpu, p, fd, []byte("flat image")); err != nil {
			fail(err)
			return
		}
		if err := d.Close(cpu, p, fd); err != nil {
			fail(err)
			return
		}

		if err := d.Exec(cpu, p, "/tool", []string{"tool", "-x"}); err != nil {
			fail(err)
			return
		}

		argc, err := d.ArgWord(cpu, p, 0)
		if err != nil {
			fail(err)
			return
		}
		if argc != 2 {
			fail(errUnexpected("argc word is not 2"))
			return
		}
		if _, err := d.ArgPtr(cpu, p, 1, 4*(argc+1)); err != nil {
			fail(err)
			return
		}
		// The pointer array sits directly after the argc/argv words, so
		// argument slot 2 is argv[0]'s string pointer.
		name, err := d.ArgStr(cpu, p, 2)
		if err != nil {
			fail(err)
			return
		}
		if name != "tool" {
			fail(errUnexpected("argv[0] fetched as " + name))
			return
		}

		// A pointer stretching past the address space must be rejected.
		if _, err := d.ArgPtr(cpu, p, 1, p.SizeBytes); err == nil {
			fail(errUnexpected("out-of-range pointer argument accepted"))
			return
		}
		outcome <- nil
		k.Manager.Exit(cpu, p, 0)
	}
	runProgram(t, k, program)

	select {
	case err := <-outcome:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}
