package proc

// TaskContext holds the callee-saved registers __switch exchanges between
// two tasks: ra, sp, s0..s11. In a real kernel ra is a
// code address the assembly __switch routine returns into; this kernel's
// scheduler (package sched) switches tasks by driving goroutines instead
// of restoring a return address, so Ra is kept only for structural
// fidelity with the trampoline/trap_return handoff NewTaskContext
// documents, never dereferenced as a jump target.
type TaskContext struct {
	Ra uintptr
	Sp uintptr
	S  [12]uintptr
}

// trapReturnSentinel stands in for trap_return's address: on real
// hardware __switch's "ret" jumps here the first time a new task runs.
const trapReturnSentinel uintptr = 1

// NewTaskContext builds the TaskContext a freshly created task starts
// with: ra = trap_return, sp = the task's kernel-stack top, saved
// registers zeroed.
func NewTaskContext(kernelSP uintptr) TaskContext {
	return TaskContext{Ra: trapReturnSentinel, Sp: kernelSP}
}

// EmptyTaskContext returns an all-zero context. The scheduler keeps no
// stored idle context and does not call this.
func EmptyTaskContext() TaskContext {
	return TaskContext{}
}
