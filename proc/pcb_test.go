package proc

import (
	"encoding/binary"
	"testing"

	"sv39k/addrspace"
	"sv39k/config"
	"sv39k/machine"
	"sv39k/mem"
)

// buildELF64 assembles a minimal single-segment little-endian RISC-V
// ELF64 executable, mirroring the fixture addrspace's own tests use.
func buildELF64(vaddr uint64, code []byte) []byte {
	const ehsize = 64
	const phsize = 56

	var buf []byte
	buf = append(buf, 0x7f, 'E', 'L', 'F', 2, 1, 1, 0)
	buf = append(buf, make([]byte, 8)...)

	le := binary.LittleEndian
	put16 := func(v uint16) { buf = le.AppendUint16(buf, v) }
	put32 := func(v uint32) { buf = le.AppendUint32(buf, v) }
	put64 := func(v uint64) { buf = le.AppendUint64(buf, v) }

	put16(2)
	put16(243)
	put32(1)
	put64(vaddr)
	put64(ehsize)
	put64(0)
	put32(0)
	put16(ehsize)
	put16(phsize)
	put16(1)
	put16(0)
	put16(0)
	put16(0)

	dataOff := uint64(ehsize + phsize)
	put32(1)
	put32(5)
	put64(dataOff)
	put64(vaddr)
	put64(vaddr)
	put64(uint64(len(code)))
	put64(uint64(len(code)))
	put64(0x1000)

	buf = append(buf, code...)
	return buf
}

const testTrapHandler uintptr = 0xdead0000

func newTestProcDeps(t *testing.T, base mem.PPN, n int) (*machine.Machine, *mem.FrameAllocator, *addrspace.AddressSpace, *PidAllocator, mem.PPN) {
	t.Helper()
	m := machine.New()
	frames := mem.NewFrameAllocator(m, base, base+mem.PPN(n))
	kernel := addrspace.New(m, frames)
	trampoline, ok := mem.AllocFrame(frames)
	if !ok {
		t.Fatal("alloc trampoline frame failed")
	}
	kernel.MapTrampoline(trampoline.PPN)
	return m, frames, kernel, NewPidAllocator(), trampoline.PPN
}

func TestNewProcessControlBlock(t *testing.T) {
	m, frames, kernel, pids, trampoline := newTestProcDeps(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x800, 256)
	elf := buildELF64(0x1000, []byte{0x13, 0x00, 0x00, 0x00})

	kernelSATP := kernel.PageTable().SATP()
	p, err := New(m, frames, kernel, kernelSATP, testTrapHandler, trampoline, pids, elf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Status() != Ready {
		t.Fatalf("expected Ready status, got %v", p.Status())
	}

	tc := p.TrapContext()
	if tc.Sepc != 0x1000 {
		t.Fatalf("sepc = %#x, want %#x", tc.Sepc, 0x1000)
	}
	if tc.Sstatus&SstatusSPPUser == 0 {
		t.Fatal("expected SPP=User bit set")
	}
	if tc.KernelSatp != kernelSATP {
		t.Fatalf("kernel_satp = %#x, want %#x", tc.KernelSatp, kernelSATP)
	}
	if tc.X[2] != uintptr(p.UserStackStart()) {
		t.Fatalf("x[2] (sp) = %#x, want user stack start %#x", tc.X[2], p.UserStackStart())
	}
}

func TestForkSetsKernelSPAndCopiesTrapContext(t *testing.T) {
	m, frames, kernel, pids, trampoline := newTestProcDeps(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0xa00, 256)
	elf := buildELF64(0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	kernelSATP := kernel.PageTable().SATP()

	parent, err := New(m, frames, kernel, kernelSATP, testTrapHandler, trampoline, pids, elf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	child := parent.Fork(kernel, trampoline, pids)
	if child.Pid() == parent.Pid() {
		t.Fatal("expected child to get a distinct pid")
	}

	parentTC := parent.TrapContext()
	childTC := child.TrapContext()
	if childTC.Sepc != parentTC.Sepc {
		t.Fatalf("child sepc = %#x, want parent's %#x", childTC.Sepc, parentTC.Sepc)
	}
	if childTC.KernelSp == parentTC.KernelSp {
		t.Fatal("expected child's kernel_sp to differ from parent's")
	}
	if childTC.KernelSp != uintptr(child.kstack.Top()) {
		t.Fatalf("child kernel_sp = %#x, want child kernel stack top %#x", childTC.KernelSp, child.kstack.Top())
	}

	child.SetParent(parent)
	if child.Parent() != parent {
		t.Fatal("expected child.Parent() to return parent")
	}
	parent.AddChild(child)
	if len(parent.Children()) != 1 || parent.Children()[0] != child {
		t.Fatal("expected parent to list child")
	}
}

func TestExecReplacesAddressSpace(t *testing.T) {
	m, frames, kernel, pids, trampoline := newTestProcDeps(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0xc00, 256)
	elf1 := buildELF64(0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	elf2 := buildELF64(0x2000, []byte{0x13, 0x00, 0x00, 0x00})
	kernelSATP := kernel.PageTable().SATP()

	p, err := New(m, frames, kernel, kernelSATP, testTrapHandler, trampoline, pids, elf1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	kstackTopBefore := p.kstack.Top()

	if err := p.Exec(frames, kernelSATP, testTrapHandler, trampoline, elf2); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	tc := p.TrapContext()
	if tc.Sepc != 0x2000 {
		t.Fatalf("sepc after exec = %#x, want %#x", tc.Sepc, 0x2000)
	}
	if p.kstack.Top() != kstackTopBefore {
		t.Fatal("exec must keep the same kernel stack")
	}
}

// TestExecReleasesOldAddressSpaceFrames checks that exec returns every
// frame of the replaced address space to the allocator: both images have
// identical section shapes, so the outstanding-frame count must come back
// to where it was before the exec.
func TestExecReleasesOldAddressSpaceFrames(t *testing.T) {
	m, frames, kernel, pids, trampoline := newTestProcDeps(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1000, 256)
	elf1 := buildELF64(0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	elf2 := buildELF64(0x2000, []byte{0x13, 0x00, 0x00, 0x00})
	kernelSATP := kernel.PageTable().SATP()

	p, err := New(m, frames, kernel, kernelSATP, testTrapHandler, trampoline, pids, elf1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := frames.Outstanding()

	if err := p.Exec(frames, kernelSATP, testTrapHandler, trampoline, elf2); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := frames.Outstanding(); got != before {
		t.Fatalf("outstanding frames after exec = %d, want %d", got, before)
	}

	p.DropAddressSpace()
	if got := frames.Outstanding(); got >= before {
		t.Fatalf("outstanding frames after dropping the address space = %d, want < %d", got, before)
	}
}

func TestChangeProgramBrkGrowShrinkAndFloor(t *testing.T) {
	m, frames, kernel, pids, trampoline := newTestProcDeps(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0xe00, 256)
	elf := buildELF64(0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	kernelSATP := kernel.PageTable().SATP()

	p, err := New(m, frames, kernel, kernelSATP, testTrapHandler, trampoline, pids, elf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	old, ok := p.ChangeProgramBrk(config.PageSize)
	if !ok {
		t.Fatal("expected grow to succeed")
	}
	if old != p.UserStackStart() {
		t.Fatalf("old brk = %#x, want initial brk %#x", old, p.UserStackStart())
	}

	if _, ok := p.ChangeProgramBrk(-config.PageSize); !ok {
		t.Fatal("expected shrink back to succeed")
	}

	if _, ok := p.ChangeProgramBrk(-1); ok {
		t.Fatal("expected shrinking below heap_bottom to fail")
	}
}
