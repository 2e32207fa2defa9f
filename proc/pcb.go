package proc

import (
	"sync"
	"weak"

	"sv39k/addrspace"
	"sv39k/config"
	"sv39k/kerr"
	"sv39k/kstack"
	"sv39k/machine"
	"sv39k/mem"
)

// ProcessStatus is a task's scheduling state.
type ProcessStatus int

const (
	Ready ProcessStatus = iota
	Running
	Exited
)

// ProcessControlBlock is a process's complete kernel-side state: an
// immutable identity (pid, kernel stack) plus a mutex-guarded inner block
// of everything that changes across its lifetime.
// Parent is a weak.Pointer, so a child's link to its parent does not by
// itself keep the parent alive; Children are ordinary strong pointers, the
// references waitpid severs to let the GC reclaim a reaped child.
type ProcessControlBlock struct {
	pidW   *PidWrapper
	kstack *kstack.KernelStack
	m      *machine.Machine

	mu    sync.Mutex
	inner pcbInner
}

type pcbInner struct {
	status         ProcessStatus
	taskCtx        TaskContext
	trapCtxPPN     mem.PPN
	addressSpace   *addrspace.AddressSpace
	heapBottom     uintptr
	programBrk     uintptr
	parent         weak.Pointer[ProcessControlBlock]
	children       []*ProcessControlBlock
	userStackStart uintptr
	exitCode       int32
}

func (p *ProcessControlBlock) trapCtxPage() []byte {
	return p.m.Page(uintptr(p.inner.trapCtxPPN.Addr()))
}

func (p *ProcessControlBlock) setTrapContext(entry, sp, kernelSatp, kernelSP, trapHandler uintptr) {
	tc := NewTrapContext(entry, sp, kernelSatp, kernelSP, trapHandler)
	tc.WriteTo(p.trapCtxPage())
}

// New builds a process from an ELF image: a fresh user address space, the
// kernel stack and task context backing it, and an initial trap context
// pointed at the ELF's entry.
func New(m *machine.Machine, frames *mem.FrameAllocator, kernel *addrspace.AddressSpace, kernelSatp uintptr, trapHandler uintptr, trampolinePPN mem.PPN, pids *PidAllocator, elfData []byte) (*ProcessControlBlock, error) {
	as, userSP, entry, heapBottom, err := addrspace.UserSpaceFromELF(m, frames, elfData, trampolinePPN)
	if err != nil {
		return nil, err
	}
	trapCtxPPN, ok := as.TrapContextPPN()
	if !ok {
		kerr.Fatal("proc: new process's trap context did not translate")
	}

	pidW := Alloc(pids)
	ks := kstack.New(kernel, pidW.Pid())
	top := ks.Top()

	pcb := &ProcessControlBlock{
		pidW:   pidW,
		kstack: ks,
		m:      m,
	}
	pcb.inner = pcbInner{
		status:         Ready,
		taskCtx:        NewTaskContext(uintptr(top)),
		trapCtxPPN:     trapCtxPPN,
		addressSpace:   as,
		heapBottom:     uintptr(heapBottom.Addr()),
		programBrk:     uintptr(heapBottom.Addr()),
		userStackStart: uintptr(userSP),
	}
	pcb.setTrapContext(uintptr(entry), uintptr(userSP), kernelSatp, uintptr(top), trapHandler)
	return pcb, nil
}

// Pid returns this process's PID.
func (p *ProcessControlBlock) Pid() int { return p.pidW.Pid() }

// Status returns the current scheduling status.
func (p *ProcessControlBlock) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.status
}

// SetStatus updates the scheduling status.
func (p *ProcessControlBlock) SetStatus(s ProcessStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.status = s
}

// TaskContext returns a copy of this task's saved switch context.
func (p *ProcessControlBlock) TaskContext() TaskContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.taskCtx
}

// SetTaskContext replaces this task's saved switch context.
func (p *ProcessControlBlock) SetTaskContext(tc TaskContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.taskCtx = tc
}

// TrapContext reads this task's trap context back out of its page.
func (p *ProcessControlBlock) TrapContext() TrapContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ReadTrapContext(p.trapCtxPage())
}

// SetTrapContext overwrites this task's trap context in place.
func (p *ProcessControlBlock) SetTrapContext(tc TrapContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tc.WriteTo(p.trapCtxPage())
}

// AddressSpace returns the process's current address space.
func (p *ProcessControlBlock) AddressSpace() *addrspace.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.addressSpace
}

// UserStackStart returns the user stack's starting VA.
func (p *ProcessControlBlock) UserStackStart() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.userStackStart
}

// ExitCode returns the code recorded by exit.
func (p *ProcessControlBlock) ExitCode() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.exitCode
}

// SetExitCode records the process's exit code.
func (p *ProcessControlBlock) SetExitCode(code int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.exitCode = code
}

// Parent returns the parent PCB, or nil if it has none or has been
// collected.
func (p *ProcessControlBlock) Parent() *ProcessControlBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.parent.Value()
}

// SetParent records parent as this process's parent via a weak reference.
func (p *ProcessControlBlock) SetParent(parent *ProcessControlBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.parent = weak.Make(parent)
}

// Children returns a snapshot of this process's children list.
func (p *ProcessControlBlock) Children() []*ProcessControlBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ProcessControlBlock, len(p.inner.children))
	copy(out, p.inner.children)
	return out
}

// AddChild appends child to this process's children list.
func (p *ProcessControlBlock) AddChild(child *ProcessControlBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.children = append(p.inner.children, child)
}

// RemoveChild removes child from this process's children list, if
// present.
func (p *ProcessControlBlock) RemoveChild(child *ProcessControlBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.inner.children {
		if c == child {
			p.inner.children = append(p.inner.children[:i], p.inner.children[i+1:]...)
			return
		}
	}
}

// ClearChildren empties this process's children list, e.g. after
// reparenting them all to init.
func (p *ProcessControlBlock) ClearChildren() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.children = nil
}

// DropAddressSpace releases the process's address space — every section's
// frames and the page table — immediately, as exit_current_and_run_next
// does: the PID and kernel stack remain, since the PCB is
// still reachable from the parent's children list until waitpid reaps it.
func (p *ProcessControlBlock) DropAddressSpace() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.addressSpace.Drop()
	p.inner.addressSpace = nil
}

// Reap releases this process's PID and kernel stack. Call only once the
// PCB is no longer reachable from any scheduler or children list — after
// waitpid has taken it.
func (p *ProcessControlBlock) Reap() {
	p.kstack.Drop()
	p.pidW.Drop()
}

// Fork clones this process into a new child PCB: a copy of the address
// space, a fresh PID and kernel stack, and a trap context identical to
// the parent's except kernel_sp, which must point at the child's own
// kernel stack. The caller is responsible for
// setting the child's a0 (x[10]) to 0 and enqueuing it Ready.
func (p *ProcessControlBlock) Fork(kernel *addrspace.AddressSpace, trampolinePPN mem.PPN, pids *PidAllocator) *ProcessControlBlock {
	p.mu.Lock()
	defer p.mu.Unlock()

	childAS := addrspace.Copy(p.inner.addressSpace, trampolinePPN)
	childTrapCtxPPN, ok := childAS.TrapContextPPN()
	if !ok {
		kerr.Fatal("proc: fork: child's trap context did not translate")
	}

	childPid := Alloc(pids)
	childKStack := kstack.New(kernel, childPid.Pid())
	childTop := childKStack.Top()

	child := &ProcessControlBlock{
		pidW:   childPid,
		kstack: childKStack,
		m:      p.m,
	}
	child.inner = pcbInner{
		status:         Ready,
		taskCtx:        NewTaskContext(uintptr(childTop)),
		trapCtxPPN:     childTrapCtxPPN,
		addressSpace:   childAS,
		heapBottom:     p.inner.heapBottom,
		programBrk:     p.inner.programBrk,
		userStackStart: p.inner.userStackStart,
	}

	parentTrapCtx := ReadTrapContext(p.trapCtxPage())
	parentTrapCtx.KernelSp = uintptr(childTop)
	parentTrapCtx.WriteTo(child.trapCtxPage())

	return child
}

// Exec replaces this process's address space with one built fresh from
// elfData, keeping its pid and kernel stack. The
// old address space's frames are released as part of assigning over it.
func (p *ProcessControlBlock) Exec(frames *mem.FrameAllocator, kernelSatp, trapHandler uintptr, trampolinePPN mem.PPN, elfData []byte) error {
	as, userSP, entry, heapBottom, err := addrspace.UserSpaceFromELF(p.m, frames, elfData, trampolinePPN)
	if err != nil {
		return err
	}
	trapCtxPPN, ok := as.TrapContextPPN()
	if !ok {
		kerr.Fatal("proc: exec: new trap context did not translate")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inner.addressSpace != nil {
		p.inner.addressSpace.Drop()
	}
	p.inner.addressSpace = as
	p.inner.trapCtxPPN = trapCtxPPN
	p.inner.heapBottom = uintptr(heapBottom.Addr())
	p.inner.programBrk = uintptr(heapBottom.Addr())
	p.inner.userStackStart = uintptr(userSP)

	top := p.kstack.Top()
	tc := NewTrapContext(uintptr(entry), uintptr(userSP), kernelSatp, uintptr(top), trapHandler)
	tc.WriteTo(p.trapCtxPage())
	return nil
}

// ChangeProgramBrk moves the heap break by delta bytes, growing or
// shrinking the heap section accordingly, and returns the break's prior
// value. ok is false if the new break
// would fall below heap_bottom.
func (p *ProcessControlBlock) ChangeProgramBrk(delta int) (old uintptr, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldBrk := p.inner.programBrk
	newBrk := int(oldBrk) + delta
	if newBrk < int(p.inner.heapBottom) {
		return 0, false
	}

	bottom := mem.NewVirtAddr(p.inner.heapBottom).FloorVPN()
	if delta < 0 {
		p.inner.addressSpace.ShrinkHeapTo(bottom, mem.NewVirtAddr(uintptr(newBrk)))
	} else {
		p.inner.addressSpace.AppendHeapTo(bottom, mem.NewVirtAddr(uintptr(newBrk)))
	}
	p.inner.programBrk = uintptr(newBrk)
	return oldBrk, true
}

// trapContextVA is the fixed user VA of the trap context page, exposed
// for the trap package's sscratch-equivalent bookkeeping.
var trapContextVA = mem.VPN(config.TrapContextVPN).Addr()

// TrapContextVA returns the user VA every process's trap context is
// mapped at.
func TrapContextVA() uintptr { return uintptr(trapContextVA) }
