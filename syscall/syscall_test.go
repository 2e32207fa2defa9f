package syscall

import (
	"encoding/binary"
	"testing"
	"time"

	"sv39k/addrspace"
	"sv39k/config"
	"sv39k/console"
	"sv39k/loader"
	"sv39k/machine"
	"sv39k/mem"
	"sv39k/proc"
	"sv39k/sched"
)

// buildELF64 assembles a minimal single-segment little-endian RISC-V
// ELF64 executable, mirroring the fixture the other packages' tests use.
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

func newTestHandler(t *testing.T, base mem.PPN, n int) (*Handler, *proc.ProcessControlBlock) {
	t.Helper()
	m := machine.New()
	frames := mem.NewFrameAllocator(m, base, base+mem.PPN(n))
	kernel := addrspace.New(m, frames)
	trampoline, ok := mem.AllocFrame(frames)
	if !ok {
		t.Fatal("alloc trampoline frame failed")
	}
	kernel.MapTrampoline(trampoline.PPN)
	pids := proc.NewPidAllocator()

	elf := buildELF64(0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	kernelSatp := kernel.PageTable().SATP()
	p, err := proc.New(m, frames, kernel, kernelSatp, testTrapHandler, trampoline.PPN, pids, elf)
	if err != nil {
		t.Fatalf("proc.New: %v", err)
	}

	h := &Handler{
		M:           m,
		Frames:      frames,
		Kernel:      kernel,
		KernelSatp:  kernelSatp,
		Trampoline:  trampoline.PPN,
		TrapHandler: testTrapHandler,
		Pids:        pids,
		Sched:       sched.New(),
		Console:     console.NewLoopback(),
		Apps:        loader.New(),
	}
	return h, p
}

// growHeap grows p's heap by one page and returns its start VA, a
// writable user address tests can stash fixtures at.
func growHeap(t *testing.T, p *proc.ProcessControlBlock) uintptr {
	t.Helper()
	old, ok := p.ChangeProgramBrk(config.PageSize)
	if !ok {
		t.Fatal("grow heap failed")
	}
	return old
}

func TestSysWriteSanitizesAndCountsBytes(t *testing.T) {
	h, p := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1000, 512)
	ptr := growHeap(t, p)

	msg := []byte("hi\n")
	satp := p.AddressSpace().PageTable().SATP()
	if err := mem.WriteInto(h.M, satp, ptr, msg); err != nil {
		t.Fatalf("seed write buffer: %v", err)
	}

	ret := h.Dispatch(p, IDWrite, config.FDStdout, ptr, uintptr(len(msg)))
	if ret != int64(len(msg)) {
		t.Fatalf("sys_write returned %d, want %d", ret, len(msg))
	}
	loop := h.Console.(*console.Loopback)
	if string(loop.Written()) != "hi\n" {
		t.Fatalf("console got %q, want %q", loop.Written(), "hi\n")
	}
}

func TestSysWriteRejectsUnsupportedFD(t *testing.T) {
	h, p := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1200, 512)
	ptr := growHeap(t, p)
	if ret := h.Dispatch(p, IDWrite, ptr, 1, 0); ret != -1 {
		t.Fatalf("expected -1 for unsupported fd, got %d", ret)
	}
}

// TestSysReadYieldsUntilByteAvailable checks that sys_read on an empty
// UART yields and retries rather than panicking.
func TestSysReadYieldsUntilByteAvailable(t *testing.T) {
	h, p := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1400, 512)
	ptr := growHeap(t, p)
	loop := h.Console.(*console.Loopback)

	attempted := make(chan struct{}, 8)
	h.Console = &signalingDevice{Loopback: loop, attempted: attempted}

	h.Sched.Enqueue(p)
	go h.Sched.Start()

	result := make(chan int64, 1)
	go func() {
		sw := h.Sched.SwitchFor(p)
		sw.Wait()
		result <- h.Dispatch(p, IDRead, config.FDStdin, ptr, 1)
	}()

	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first read attempt")
	}
	loop.Feed('z')

	select {
	case r := <-result:
		if r != 1 {
			t.Fatalf("sys_read returned %d, want 1", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sys_read to return after feeding a byte")
	}

	satp := p.AddressSpace().PageTable().SATP()
	got, err := mem.BytesOfUserPtr(h.M, satp, ptr, 1)
	if err != nil || got[0][0] != 'z' {
		t.Fatalf("expected byte 'z' written at ptr, got %v err=%v", got, err)
	}
}

type signalingDevice struct {
	*console.Loopback
	attempted chan struct{}
}

func (s *signalingDevice) ReadByte() (byte, bool) {
	b, ok := s.Loopback.ReadByte()
	select {
	case s.attempted <- struct{}{}:
	default:
	}
	return b, ok
}

func TestSysForkZeroesChildA0AndEnqueues(t *testing.T) {
	h, parent := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1600, 512)

	ret := h.Dispatch(parent, IDFork, 0, 0, 0)
	children := parent.Children()
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	child := children[0]
	if ret != int64(child.Pid()) {
		t.Fatalf("sys_fork returned %d, want child pid %d", ret, child.Pid())
	}
	if child.Pid() == parent.Pid() {
		t.Fatal("expected child to get a distinct pid")
	}
	if child.TrapContext().X[10] != 0 {
		t.Fatal("expected child's a0 to be zeroed")
	}
	if child.Parent() != parent {
		t.Fatal("expected child's parent to be set")
	}
}

func TestSysWaitpidBusyThenReaps(t *testing.T) {
	h, parent := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1800, 512)
	ret := h.Dispatch(parent, IDFork, 0, 0, 0)
	child := parent.Children()[0]

	statusPtr := growHeap(t, parent)

	if r := h.Dispatch(parent, IDWaitpid, ^uintptr(0), statusPtr, 0); r != -2 {
		t.Fatalf("expected -2 before child exits, got %d", r)
	}

	child.SetStatus(proc.Exited)
	child.SetExitCode(5)

	r := h.Dispatch(parent, IDWaitpid, ^uintptr(0), statusPtr, 0)
	if r != ret {
		t.Fatalf("waitpid returned %d, want child pid %d", r, ret)
	}
	if len(parent.Children()) != 0 {
		t.Fatal("expected waitpid to remove the reaped child")
	}

	satp := parent.AddressSpace().PageTable().SATP()
	got, err := mem.BytesOfUserPtr(h.M, satp, statusPtr, 4)
	if err != nil {
		t.Fatalf("read exit status: %v", err)
	}
	if code := int32(binary.LittleEndian.Uint32(got[0])); code != 5 {
		t.Fatalf("exit status = %d, want 5", code)
	}
}

func TestSysWaitpidNoSuchChild(t *testing.T) {
	h, parent := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1a00, 512)
	if r := h.Dispatch(parent, IDWaitpid, ^uintptr(0), 0, 0); r != -1 {
		t.Fatalf("expected -1 with no children, got %d", r)
	}
}

func TestSysExecUnknownNameReturnsMinusOne(t *testing.T) {
	h, p := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1c00, 512)
	ptr := growHeap(t, p)

	satp := p.AddressSpace().PageTable().SATP()
	if err := mem.WriteInto(h.M, satp, ptr, append([]byte("missing"), 0)); err != nil {
		t.Fatalf("seed name: %v", err)
	}

	if r := h.Dispatch(p, IDExec, ptr, 0, 0); r != -1 {
		t.Fatalf("expected -1 for unknown app name, got %d", r)
	}
}

func TestSysExecKnownNameReplacesAddressSpace(t *testing.T) {
	h, p := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x1e00, 512)
	ptr := growHeap(t, p)

	satp := p.AddressSpace().PageTable().SATP()
	if err := mem.WriteInto(h.M, satp, ptr, append([]byte("echo"), 0)); err != nil {
		t.Fatalf("seed name: %v", err)
	}
	h.Apps.Add("echo", buildELF64(0x3000, []byte{0x13, 0x00, 0x00, 0x00}))

	if r := h.Dispatch(p, IDExec, ptr, 0, 0); r != 0 {
		t.Fatalf("expected 0 on successful exec, got %d", r)
	}
	if tc := p.TrapContext(); tc.Sepc != 0x3000 {
		t.Fatalf("sepc after exec = %#x, want %#x", tc.Sepc, 0x3000)
	}
}

// TestSysSbrkGrowWriteShrinkFault checks that growing then shrinking
// the heap back unmaps the page sbrk had handed out.
func TestSysSbrkGrowWriteShrinkFault(t *testing.T) {
	h, p := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x2000, 512)

	oldBrk := p.UserStackStart()
	ret := h.Dispatch(p, IDSbrk, uintptr(config.PageSize), 0, 0)
	if ret != int64(oldBrk) {
		t.Fatalf("sbrk grow returned %#x, want old brk %#x", ret, oldBrk)
	}

	satp := p.AddressSpace().PageTable().SATP()
	if err := mem.WriteInto(h.M, satp, oldBrk, []byte{0x42}); err != nil {
		t.Fatalf("write at new brk: %v", err)
	}

	shrinkSize := int32(-config.PageSize)
	shrink := h.Dispatch(p, IDSbrk, uintptr(shrinkSize), 0, 0)
	if shrink != int64(oldBrk+uintptr(config.PageSize)) {
		t.Fatalf("sbrk shrink returned %#x, want %#x", shrink, oldBrk+uintptr(config.PageSize))
	}

	if _, err := mem.BytesOfUserPtr(h.M, satp, oldBrk, 1); err == nil {
		t.Fatal("expected translate to fail after shrinking the heap back")
	}
}

func TestSysGetTimeAndGetPID(t *testing.T) {
	h, p := newTestHandler(t, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x2200, 512)
	h.M.Tick(1000)

	if r := h.Dispatch(p, IDGetPID, 0, 0, 0); r != int64(p.Pid()) {
		t.Fatalf("getpid returned %d, want %d", r, p.Pid())
	}
	if r := h.Dispatch(p, IDGetTime, 0, 0, 0); r != int64(h.M.MtimeMillis()) {
		t.Fatalf("get_time returned %d, want %d", r, h.M.MtimeMillis())
	}
}
