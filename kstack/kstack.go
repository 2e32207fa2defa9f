// Package kstack allocates per-pid kernel stacks within the kernel's own
// address space, one guard page apart.
package kstack

import (
	"sv39k/addrspace"
	"sv39k/config"
	"sv39k/mem"
)

// Position returns the (bottom, top) virtual addresses of pid's kernel
// stack in the kernel address space: top = TRAMPOLINE - pid*(STACK+PAGE),
// bottom = top - STACK. The unmapped page between top and the next pid's
// bottom acts as a guard.
func Position(pid int) (bottom, top mem.VirtAddr) {
	trampolineVA := uintptr(mem.VPN(config.TrampolineVPN).Addr())
	t := trampolineVA - uintptr(pid)*(config.KernelStackSize+config.PageSize)
	b := t - config.KernelStackSize
	return mem.NewVirtAddr(b), mem.NewVirtAddr(t)
}

// KernelStack owns a Framed R|W section of the kernel address space at
// this pid's stack position; dropping it deletes the section and
// releases its frames.
type KernelStack struct {
	pid     int
	kernel  *addrspace.AddressSpace
	dropped bool
}

// New adds pid's kernel-stack section to kernel and returns the tracker
// owning it.
func New(kernel *addrspace.AddressSpace, pid int) *KernelStack {
	bottom, top := Position(pid)
	kernel.AddSection(bottom, top, mem.FlagR|mem.FlagW, addrspace.Framed, nil)
	return &KernelStack{pid: pid, kernel: kernel}
}

// Top returns the virtual address one past the last byte of this stack —
// the initial stack pointer a TaskContext should be given.
func (k *KernelStack) Top() mem.VirtAddr {
	_, top := Position(k.pid)
	return top
}

// Drop deletes this stack's section from the kernel address space,
// unmapping and releasing its frames. Safe to call more than once.
func (k *KernelStack) Drop() {
	if k.dropped {
		return
	}
	k.dropped = true
	bottom, _ := Position(k.pid)
	k.kernel.DeleteSection(bottom.FloorVPN())
}
