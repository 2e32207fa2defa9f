// Command kernel boots the simulated SV39 machine end to end, running
// the same sequence the S-mode entry performs after mret: heap, frame
// allocator, kernel address space, app images, the init process, then
// the scheduler loop until init exits. User programs have no CPU to run
// on in a hosted build, so each process is driven by a goroutine that
// issues the ecalls its real instruction stream would have issued —
// every trap still flows through the same trampoline-equivalent path the
// test suites exercise.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"sv39k/addrspace"
	"sv39k/config"
	"sv39k/diag"
	"sv39k/klog"
	"sv39k/loader"
	"sv39k/machine"
	"sv39k/mem"
	"sv39k/proc"
	"sv39k/sched"
	"sv39k/syscall"
	"sv39k/trap"
)

// trapHandlerEntry stands in for trap_handler's kernel-text VA; it is
// stored in every trap context but never jumped through, since traps
// here are direct calls.
const trapHandlerEntry uintptr = 0x8020_0000

// timerEvery injects the supervisor-soft interrupt the M-mode timer shim
// would raise, once per this many ecalls, so a boot run exercises the
// preemption path as well as the cooperative one.
const timerEvery = 3

// bootConsole stands in for the excluded UART driver: input comes from a
// canned script (the keystrokes a user would have typed at the RBR),
// output goes byte by byte to the host terminal.
type bootConsole struct {
	in  []byte
	out *os.File
}

func (c *bootConsole) ReadByte() (byte, bool) {
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

func (c *bootConsole) WriteByte(b byte) {
	c.out.Write([]byte{b})
}

// packELF64 assembles a minimal single-segment RISC-V ELF64 image. The
// real build packages linked user binaries into the kernel image with a
// name table; that step is out of scope, so these synthetic images stand
// in for the blob the loader would have scanned.
func packELF64(vaddr uint64, code []byte) []byte {
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

type kern struct {
	m      *machine.Machine
	heap   *mem.HeapAllocator
	frames *mem.FrameAllocator
	kernel *addrspace.AddressSpace
	sched  *sched.Scheduler
	traps  *trap.Handler
	log    *klog.Logger
	apps   *loader.Registry
	bodies map[string]func(*ucall)
	ecalls uint64
}

// spawn attaches a driving goroutine to p: it blocks until the scheduler
// switches p in for the first time, then runs body as p's user-mode
// instruction stream.
func (k *kern) spawn(p *proc.ProcessControlBlock, body func(*ucall)) {
	go func() {
		k.sched.SwitchFor(p).Wait()
		body(&ucall{k: k, p: p})
	}()
}

// ucall issues one task's ecalls the way its CPU would: fill a7/a0-a2 in
// the trap context, vector through the trap handler, read a0 back out.
type ucall struct {
	k   *kern
	p   *proc.ProcessControlBlock
	buf uintptr
}

func (u *ucall) satp() uintptr {
	return u.p.AddressSpace().PageTable().SATP()
}

func (u *ucall) ecall(id uintptr, a0, a1, a2 uintptr) int64 {
	u.k.ecalls++
	u.k.m.Tick(config.ClockFreqHz / 1000)
	if u.k.ecalls%timerEvery == 0 {
		u.k.traps.Handle(u.p, trap.TimerSoft, 0)
	}

	tc := u.p.TrapContext()
	tc.X[17] = id
	tc.X[10], tc.X[11], tc.X[12] = a0, a1, a2
	u.p.SetTrapContext(tc)
	u.k.traps.Handle(u.p, trap.UserEcall, 0)
	if u.p.Status() == proc.Exited {
		return 0
	}
	return int64(u.p.TrapContext().X[10])
}

// scratch grows the heap by one page on first use and hands back its
// base: the process's working buffer for strings and waitpid's status
// word, the way a real program would use its .bss.
func (u *ucall) scratch() uintptr {
	if u.buf == 0 {
		u.buf = uintptr(u.ecall(syscall.IDSbrk, config.PageSize, 0, 0))
	}
	return u.buf
}

func (u *ucall) puts(s string) {
	ptr := u.scratch()
	if err := mem.WriteInto(u.k.m, u.satp(), ptr, []byte(s)); err != nil {
		u.k.log.Fatal("kernel: seeding user buffer failed: %v", err)
	}
	u.ecall(syscall.IDWrite, config.FDStdout, ptr, uintptr(len(s)))
}

// gets reads one line from stdin, one sys_read ecall per byte.
func (u *ucall) gets() string {
	ptr := u.scratch()
	var line []byte
	for {
		if u.ecall(syscall.IDRead, config.FDStdin, ptr, 1) != 1 {
			continue
		}
		pages, err := mem.BytesOfUserPtr(u.k.m, u.satp(), ptr, 1)
		if err != nil {
			u.k.log.Fatal("kernel: reading user buffer failed: %v", err)
		}
		b := pages[0][0]
		if b == '\n' {
			return string(line)
		}
		line = append(line, b)
	}
}

// fork issues the fork ecall and attaches a driver running childBody to
// the new child; the parent observes the child's pid as usual.
func (u *ucall) fork(childBody func(*ucall)) int64 {
	pid := u.ecall(syscall.IDFork, 0, 0, 0)
	for _, c := range u.p.Children() {
		if int64(c.Pid()) == pid {
			u.k.spawn(c, childBody)
			break
		}
	}
	return pid
}

// exec issues the exec ecall for name, reporting whether the image was
// found and installed.
func (u *ucall) exec(name string) bool {
	ptr := u.scratch()
	if err := mem.WriteInto(u.k.m, u.satp(), ptr, append([]byte(name), 0)); err != nil {
		return false
	}
	return u.ecall(syscall.IDExec, ptr, 0, 0) == 0
}

// waitpid loops until a matching child exits (-2 means some child is
// still running, so yield and retry), returning its pid and exit code.
func (u *ucall) waitpid(pid int) (int64, int32) {
	statusPtr := u.scratch() + config.PageSize/2
	for {
		r := u.ecall(syscall.IDWaitpid, uintptr(pid), statusPtr, 0)
		if r == -2 {
			u.ecall(syscall.IDYield, 0, 0, 0)
			continue
		}
		if r < 0 {
			return r, 0
		}
		pages, err := mem.BytesOfUserPtr(u.k.m, u.satp(), statusPtr, 4)
		if err != nil {
			return r, 0
		}
		return r, int32(binary.LittleEndian.Uint32(pages[0]))
	}
}

func (u *ucall) exit(code int) {
	u.ecall(syscall.IDExit, uintptr(code), 0, 0)
}

// initBody is the init process: fork the shell, then reap zombies until
// no children remain.
func (k *kern) initBody(u *ucall) {
	u.fork(k.bodies["user_shell"])
	for {
		pid, code := u.waitpid(-1)
		if pid == -1 {
			break
		}
		u.puts(fmt.Sprintf("init: released zombie pid %d, exit code %d\n", pid, code))
	}
	u.exit(0)
}

// shellBody reads one command line, forks, execs the named app in the
// child, and reports its exit code.
func (k *kern) shellBody(u *ucall) {
	u.puts(">> ")
	name := u.gets()
	pid := u.fork(func(cu *ucall) {
		if cu.exec(name) {
			if body, ok := cu.k.bodies[name]; ok {
				body(&ucall{k: cu.k, p: cu.p})
				return
			}
			cu.exit(0)
			return
		}
		cu.puts(fmt.Sprintf("shell: cannot run %q\n", name))
		cu.exit(1)
	})
	child, code := u.waitpid(int(pid))
	u.puts(fmt.Sprintf("shell: pid %d exited with code %d\n", child, code))
	u.exit(0)
}

func (k *kern) helloBody(u *ucall) {
	pid := u.ecall(syscall.IDGetPID, 0, 0, 0)
	ms := u.ecall(syscall.IDGetTime, 0, 0, 0)
	u.puts(fmt.Sprintf("Hello, world! pid %d, %d ms since boot\n", pid, ms))
	u.exit(0)
}

func main() {
	os.Exit(run())
}

func run() int {
	con := &bootConsole{in: []byte("hello_world\n"), out: os.Stdout}
	log := klog.New(con)

	m := machine.New()
	heap := mem.NewHeapAllocator(config.KernelHeapSize, 8)
	log.Info("[kernel] heap: %d KiB", heap.Total()>>10)

	// Frames start a little past RAMStart, leaving the kernel image's
	// identity window alone; everything up to RAMEnd is pool.
	poolStart := mem.NewPhysAddr(config.RAMStart).FloorPPN() + 0x200
	poolEnd := mem.NewPhysAddr(config.RAMEnd).FloorPPN()
	frames := mem.NewFrameAllocator(m, poolStart, poolEnd)

	// On a kernel bug, leave a pprof-readable picture of what the
	// allocators were holding when it died.
	defer func() {
		if r := recover(); r != nil {
			if f, err := os.Create("kernel-panic.pb.gz"); err == nil {
				diag.DumpAllocators(f, heap, frames)
				f.Close()
			}
			panic(r)
		}
	}()

	trampoline, ok := mem.AllocFrame(frames)
	if !ok {
		log.Fatal("[kernel] no frame for the trampoline page")
	}
	kernel := addrspace.NewKernelSpace(m, frames, trampoline.PPN)
	kernelSatp := kernel.Activate()
	log.Info("[kernel] kernel address space active, satp=%#x", kernelSatp)

	pids := proc.NewPidAllocator()
	apps := loader.New()
	nop := []byte{0x13, 0x00, 0x00, 0x00}
	apps.Add("initproc", packELF64(0x10000, nop))
	apps.Add("user_shell", packELF64(0x10000, nop))
	apps.Add("hello_world", packELF64(0x10000, nop))
	log.Info("[kernel] %d apps loaded: %v", len(apps.Names()), apps.Names())

	s := sched.New()
	syscalls := &syscall.Handler{
		M:           m,
		Frames:      frames,
		Kernel:      kernel,
		KernelSatp:  kernelSatp,
		Trampoline:  trampoline.PPN,
		TrapHandler: trapHandlerEntry,
		Pids:        pids,
		Sched:       s,
		Console:     con,
		Apps:        apps,
	}
	traps := &trap.Handler{M: m, Syscalls: syscalls, Sched: s, Log: log}

	k := &kern{
		m:      m,
		heap:   heap,
		frames: frames,
		kernel: kernel,
		sched:  s,
		traps:  traps,
		log:    log,
		apps:   apps,
	}
	k.bodies = map[string]func(*ucall){
		"initproc":    k.initBody,
		"user_shell":  k.shellBody,
		"hello_world": k.helloBody,
	}

	initELF, _ := apps.Open("initproc")
	initP, err := proc.New(m, frames, kernel, kernelSatp, trapHandlerEntry, trampoline.PPN, pids, initELF)
	if err != nil {
		log.Fatal("[kernel] creating init failed: %v", err)
	}
	s.SetInit(initP)
	s.Enqueue(initP)
	k.spawn(initP, k.initBody)

	log.Info("[kernel] entering scheduler")
	code := s.Start()
	if code == 0 {
		log.Info("[kernel] init exited cleanly, shutdown ok")
		return 0
	}
	log.Warn("[kernel] init exited with code %d, shutdown failure", code)
	return 1
}
