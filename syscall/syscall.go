package syscall

import (
	"encoding/binary"

	"sv39k/addrspace"
	"sv39k/config"
	"sv39k/console"
	"sv39k/kerr"
	"sv39k/loader"
	"sv39k/machine"
	"sv39k/mem"
	"sv39k/proc"
	"sv39k/sched"
)

// Handler holds every kernel-wide collaborator a syscall might touch:
// the simulated machine (for the clock), the frame allocator and kernel
// address space (for fork/exec), the scheduler (for yield/exit/fork's
// enqueue), the UART device, and the app registry exec resolves names
// against. The table lives on one receiver instead of free functions
// reaching into global statics, since there is no single-hart cell here
// to stand in for them.
type Handler struct {
	M           *machine.Machine
	Frames      *mem.FrameAllocator
	Kernel      *addrspace.AddressSpace
	KernelSatp  uintptr
	Trampoline  mem.PPN
	TrapHandler uintptr
	Pids        *proc.PidAllocator
	Sched       *sched.Scheduler
	Console     console.Device
	Apps        *loader.Registry
}

// Dispatch runs the syscall id names with args a0-a2, on behalf of the
// task p that trapped in. The returned value belongs in the task's a0
// register once it resumes; for exit it is never observed.
func (h *Handler) Dispatch(p *proc.ProcessControlBlock, id uintptr, a0, a1, a2 uintptr) int64 {
	switch id {
	case IDRead:
		return h.sysRead(p, a0, a1, a2)
	case IDWrite:
		return h.sysWrite(p, a0, a1, a2)
	case IDExit:
		return h.sysExit(p, int32(a0))
	case IDYield:
		return h.sysYield(p)
	case IDGetTime:
		return h.sysGetTime()
	case IDGetPID:
		return h.sysGetPID(p)
	case IDSbrk:
		return h.sysSbrk(p, int32(a0))
	case IDFork:
		return h.sysFork(p)
	case IDExec:
		return h.sysExec(p, a0)
	case IDWaitpid:
		return h.sysWaitpid(p, int(int32(a0)), a1)
	default:
		h.Sched.ExitCurrentAndRunNext(int32(kerr.KillUnsupportedSyscall))
		return 0
	}
}

func (h *Handler) satpOf(p *proc.ProcessControlBlock) uintptr {
	return p.AddressSpace().PageTable().SATP()
}

// sysRead only supports FD_STDIN with len=1, yielding and retrying
// while the UART has no byte available.
func (h *Handler) sysRead(p *proc.ProcessControlBlock, fd, ptr, length uintptr) int64 {
	if fd != config.FDStdin || length != 1 {
		return -1
	}
	for {
		b, ok := h.Console.ReadByte()
		if !ok {
			h.Sched.SuspendCurrentAndRunNext()
			continue
		}
		if err := mem.WriteInto(h.M, h.satpOf(p), ptr, []byte{b}); err != nil {
			return -1
		}
		return 1
	}
}

// sysWrite only supports FD_STDOUT, translating the user buffer
// page-by-page and writing each sanitized byte through the console.
func (h *Handler) sysWrite(p *proc.ProcessControlBlock, fd, ptr, length uintptr) int64 {
	if fd != config.FDStdout {
		return -1
	}
	pages, err := mem.BytesOfUserPtr(h.M, h.satpOf(p), ptr, int(length))
	if err != nil {
		return -1
	}
	for _, page := range pages {
		for _, b := range console.Sanitize(page) {
			h.Console.WriteByte(b)
		}
	}
	return int64(length)
}

// sysExit never returns to the caller; the task is switched out through
// the scheduler's exit path.
func (h *Handler) sysExit(p *proc.ProcessControlBlock, code int32) int64 {
	h.Sched.ExitCurrentAndRunNext(code)
	return 0
}

// sysYield suspends the caller and runs the next ready task.
func (h *Handler) sysYield(p *proc.ProcessControlBlock) int64 {
	h.Sched.SuspendCurrentAndRunNext()
	return 0
}

// sysGetTime reports milliseconds since boot.
func (h *Handler) sysGetTime() int64 {
	return int64(h.M.MtimeMillis())
}

// sysGetPID reports the caller's own pid.
func (h *Handler) sysGetPID(p *proc.ProcessControlBlock) int64 {
	return int64(p.Pid())
}

// sysSbrk delegates to change_program_brk, returning -1 on failure.
func (h *Handler) sysSbrk(p *proc.ProcessControlBlock, delta int32) int64 {
	old, ok := p.ChangeProgramBrk(int(delta))
	if !ok {
		return -1
	}
	return int64(old)
}

// sysFork clones p into a new child, zeroes the child's a0 so it
// observes a 0 return, enqueues it Ready, and returns the child's pid to
// the parent.
func (h *Handler) sysFork(p *proc.ProcessControlBlock) int64 {
	child := p.Fork(h.Kernel, h.Trampoline, h.Pids)
	child.SetParent(p)
	p.AddChild(child)

	tc := child.TrapContext()
	tc.X[10] = 0
	child.SetTrapContext(tc)

	h.Sched.Enqueue(child)
	return int64(child.Pid())
}

// sysExec resolves namePtr against the app registry and, if found,
// replaces p's address space with it. Returns -1 for an
// unreadable pointer or an unknown name.
func (h *Handler) sysExec(p *proc.ProcessControlBlock, namePtr uintptr) int64 {
	name, err := mem.GetString(h.M, h.satpOf(p), namePtr)
	if err != nil {
		return -1
	}
	data, ok := h.Apps.Open(name)
	if !ok {
		return -1
	}
	if err := p.Exec(h.Frames, h.KernelSatp, h.TrapHandler, h.Trampoline, data); err != nil {
		return -1
	}
	return 0
}

// sysWaitpid looks for a child matching pid (-1 meaning any child). No
// match at all returns -1; a match that hasn't exited yet returns -2, so
// the caller busy-loops with yield; an exited match is reaped and its
// pid and exit code are returned.
func (h *Handler) sysWaitpid(p *proc.ProcessControlBlock, pid int, statusPtr uintptr) int64 {
	children := p.Children()

	var matched, exited *proc.ProcessControlBlock
	for _, c := range children {
		if pid != -1 && c.Pid() != pid {
			continue
		}
		if matched == nil {
			matched = c
		}
		if c.Status() == proc.Exited {
			exited = c
			break
		}
	}
	if matched == nil {
		return -1
	}
	if exited == nil {
		return -2
	}

	p.RemoveChild(exited)
	code := exited.ExitCode()

	if statusPtr != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(code))
		if err := mem.WriteInto(h.M, h.satpOf(p), statusPtr, buf[:]); err != nil {
			return -1
		}
	}

	pid = exited.Pid()
	exited.Reap()
	return int64(pid)
}
