// Package trap dispatches the four trap causes: a user ecall, a
// memory-access fault, an illegal instruction, and the timer-driven
// supervisor-software interrupt that drives preemption. Real hardware
// vectors all of these through one assembly trampoline into the trap
// handler; since no hosted Go process can take an SV39 trap on behalf of
// a simulated user mode, this package instead exposes Handle as the
// direct call a scheduler-driving goroutine makes at the point a real
// CPU would have vectored through __user_trap.
package trap

import (
	"fmt"

	"sv39k/kerr"
	"sv39k/klog"
	"sv39k/machine"
	"sv39k/mem"
	"sv39k/proc"
	"sv39k/sched"
	"sv39k/syscall"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// Cause identifies why control entered the trap handler, standing in
// for the scause CSR's exception/interrupt codes.
type Cause int

const (
	// UserEcall is a syscall trap: scause.Exception(UserEnvCall).
	UserEcall Cause = iota
	// MemoryFault covers store/load/instruction faults and page faults;
	// all six scause exceptions collapse into the same kill path.
	MemoryFault
	// IllegalInstruction is scause.Exception(IllegalInstruction).
	IllegalInstruction
	// TimerSoft is scause.Interrupt(SupervisorSoft), raised by the CLINT
	// timer handler to preempt the running task.
	TimerSoft
)

// Handler owns the collaborators a trapped-into task needs: syscalls are
// dispatched through Syscalls, faults and preemption go through Sched,
// and every trap is logged through Log.
type Handler struct {
	M        *machine.Machine
	Syscalls *syscall.Handler
	Sched    *sched.Scheduler
	Log      *klog.Logger
}

// Handle dispatches one trap on behalf of p. stval carries
// the faulting address for a MemoryFault, and is unused otherwise.
func (h *Handler) Handle(p *proc.ProcessControlBlock, cause Cause, stval uintptr) {
	switch cause {
	case UserEcall:
		h.handleEcall(p)
	case MemoryFault:
		h.Log.Warn("[kernel] PageFault in application (pid %d), bad addr = %#x, kernel killed it.", p.Pid(), stval)
		h.Sched.ExitCurrentAndRunNext(kerr.KillPageFault)
	case IllegalInstruction:
		h.Log.Warn("[kernel] IllegalInstruction in application (pid %d): %s, kernel killed it.", p.Pid(), h.decodeFaultingWord(p))
		h.Sched.ExitCurrentAndRunNext(kerr.KillIllegalInstruction)
	case TimerSoft:
		h.Log.Warn("[kernel] Time interrupt, switching to next app.")
		h.Sched.SuspendCurrentAndRunNext()
	default:
		kerr.Fatal("trap: unsupported trap cause %d", cause)
	}
}

// handleEcall advances sepc past the ecall instruction, dispatches the
// syscall named in a7 with arguments a0-a2, and writes the result back
// into a0 — unless the syscall was exit, in which case the task's trap
// context was already torn down and must not be touched again. The trap
// context is re-read after dispatch rather than reused, since exec moves
// it to a fresh frame.
func (h *Handler) handleEcall(p *proc.ProcessControlBlock) {
	tc := p.TrapContext()
	tc.Sepc += 4
	p.SetTrapContext(tc)

	result := h.Syscalls.Dispatch(p, tc.X[17], tc.X[10], tc.X[11], tc.X[12])

	if p.Status() == proc.Exited {
		return
	}

	after := p.TrapContext()
	after.X[10] = uintptr(result)
	p.SetTrapContext(after)
}

// decodeFaultingWord reads the four bytes at sepc out of p's own address
// space and disassembles them for the log line. If the word cannot be
// read or decoded, the raw sepc is reported instead.
func (h *Handler) decodeFaultingWord(p *proc.ProcessControlBlock) string {
	tc := p.TrapContext()
	satp := p.AddressSpace().PageTable().SATP()

	buf, err := mem.BytesOfUserPtr(h.M, satp, tc.Sepc, 4)
	if err != nil || len(buf) == 0 {
		return fmt.Sprintf("sepc=%#x (unreadable)", tc.Sepc)
	}
	word := make([]byte, 0, 4)
	for _, chunk := range buf {
		word = append(word, chunk...)
	}
	inst, err := riscv64asm.Decode(word)
	if err != nil {
		return fmt.Sprintf("sepc=%#x (undecodable: %v)", tc.Sepc, err)
	}
	return fmt.Sprintf("sepc=%#x %s", tc.Sepc, inst.String())
}
