package vm_test

import (
	"testing"

	"github.com/miniker-os/miniker/internal/pmm"
	"github.com/miniker-os/miniker/internal/vm"
)

type stubCPU struct{ id int }

func (c *stubCPU) ID() int  { return c.id }
func (c *stubCPU) PushCli() {}
func (c *stubCPU) PopCli()  {}

func newAlloc(t *testing.T) (*pmm.Allocator, *vm.KernelWindow, *stubCPU) {
	t.Helper()
	a := pmm.New(256)
	a.FreeRange(0, 256)
	a.EnableLocking()
	cpu := &stubCPU{id: 1}
	kw, err := vm.BuildKernelWindow(a, cpu)
	if err != nil {
		t.Fatalf("BuildKernelWindow: %v", err)
	}
	return a, kw, cpu
}

func TestInitUVMMapsFirstPage(t *testing.T) {
	a, kw, cpu := newAlloc(t)

	as, err := vm.NewKernelSpace(a, cpu, kw)
	if err != nil {
		t.Fatalf("NewKernelSpace: %v", err)
	}
	image := []byte("user program bytes")
	if err := vm.InitUVM(a, cpu, as, image); err != nil {
		t.Fatalf("InitUVM: %v", err)
	}

	k, err := vm.Uva2ka(a, cpu, as, 0)
	if err != nil {
		t.Fatalf("Uva2ka: %v", err)
	}
	if string(k[:len(image)]) != string(image) {
		t.Fatalf("content mismatch: got %q", k[:len(image)])
	}
}

func TestAllocAndDeallocUVM(t *testing.T) {
	a, kw, cpu := newAlloc(t)
	as, err := vm.NewKernelSpace(a, cpu, kw)
	if err != nil {
		t.Fatalf("NewKernelSpace: %v", err)
	}

	free0 := a.NumFree()
	newSz, err := vm.AllocUVM(a, cpu, as, 0, 3*pmm.PageSize)
	if err != nil {
		t.Fatalf("AllocUVM: %v", err)
	}
	if newSz != 3*pmm.PageSize {
		t.Fatalf("newSz = %d, want %d", newSz, 3*pmm.PageSize)
	}
	if a.NumFree() != free0-4 {
		t.Fatalf("expected 4 frames consumed (3 user pages plus their page table), free count %d -> %d", free0, a.NumFree())
	}

	shrunk := vm.DeallocUVM(a, cpu, as, 3*pmm.PageSize, pmm.PageSize)
	if shrunk != pmm.PageSize {
		t.Fatalf("shrunk = %d, want %d", shrunk, pmm.PageSize)
	}
	if a.NumFree() != free0-2 {
		t.Fatalf("expected 2 frames still consumed after shrink (1 user page plus its page table), free count is %d", a.NumFree())
	}
}

func TestCopyUVMDuplicatesContent(t *testing.T) {
	a, kw, cpu := newAlloc(t)
	src, err := vm.NewKernelSpace(a, cpu, kw)
	if err != nil {
		t.Fatalf("NewKernelSpace: %v", err)
	}
	if err := vm.InitUVM(a, cpu, src, []byte("abc")); err != nil {
		t.Fatalf("InitUVM: %v", err)
	}

	dst, err := vm.CopyUVM(a, cpu, kw, src, pmm.PageSize)
	if err != nil {
		t.Fatalf("CopyUVM: %v", err)
	}
	k, err := vm.Uva2ka(a, cpu, dst, 0)
	if err != nil {
		t.Fatalf("Uva2ka dst: %v", err)
	}
	if string(k[:3]) != "abc" {
		t.Fatalf("copied content = %q, want abc", k[:3])
	}

	// Mutating the copy must not affect the source.
	k[0] = 'X'
	ks, _ := vm.Uva2ka(a, cpu, src, 0)
	if ks[0] != 'a' {
		t.Fatal("CopyUVM aliased the source page instead of duplicating it")
	}
}

func TestFreeVMReturnsUserFramesButNotKernelWindow(t *testing.T) {
	a, kw, cpu := newAlloc(t)
	before := a.NumFree()

	as, err := vm.NewKernelSpace(a, cpu, kw)
	if err != nil {
		t.Fatalf("NewKernelSpace: %v", err)
	}
	if _, err := vm.AllocUVM(a, cpu, as, 0, 2*pmm.PageSize); err != nil {
		t.Fatalf("AllocUVM: %v", err)
	}

	vm.FreeVM(a, cpu, as)
	if a.NumFree() != before {
		t.Fatalf("FreeVM leaked frames: free count %d, want %d", a.NumFree(), before)
	}
}

func TestClearPteUHidesGuardPageFromUser(t *testing.T) {
	a, kw, cpu := newAlloc(t)
	as, err := vm.NewKernelSpace(a, cpu, kw)
	if err != nil {
		t.Fatalf("NewKernelSpace: %v", err)
	}
	if _, err := vm.AllocUVM(a, cpu, as, 0, pmm.PageSize); err != nil {
		t.Fatalf("AllocUVM: %v", err)
	}
	if err := vm.ClearPteU(a, cpu, as, 0); err != nil {
		t.Fatalf("ClearPteU: %v", err)
	}
	if _, err := vm.Uva2ka(a, cpu, as, 0); err == nil {
		t.Fatal("Uva2ka should fail once the user bit is cleared")
	}
}

func TestCopyOutStraddlesPages(t *testing.T) {
	a, kw, cpu := newAlloc(t)
	as, err := vm.NewKernelSpace(a, cpu, kw)
	if err != nil {
		t.Fatalf("NewKernelSpace: %v", err)
	}
	if _, err := vm.AllocUVM(a, cpu, as, 0, 2*pmm.PageSize); err != nil {
		t.Fatalf("AllocUVM: %v", err)
	}

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	va := uint32(pmm.PageSize - 50)
	if err := vm.CopyOut(a, cpu, as, va, data); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	k1, _ := vm.Uva2ka(a, cpu, as, va)
	for i := 0; i < 50; i++ {
		if k1[i] != byte(i) {
			t.Fatalf("byte %d in first page = %d, want %d", i, k1[i], byte(i))
		}
	}
	k2, _ := vm.Uva2ka(a, cpu, as, uint32(pmm.PageSize))
	for i := 0; i < 50; i++ {
		if k2[i] != byte(i+50) {
			t.Fatalf("byte %d in second page = %d, want %d", i, k2[i], byte(i+50))
		}
	}
}
