package kstack

import (
	"testing"

	"sv39k/addrspace"
	"sv39k/config"
	"sv39k/machine"
	"sv39k/mem"
)

func TestKernelStackGuardPage(t *testing.T) {
	m := machine.New()
	frames := mem.NewFrameAllocator(m, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x600, mem.NewPhysAddr(config.RAMStart).FloorPPN()+0x700)
	kernel := addrspace.New(m, frames)

	s1 := New(kernel, 1)
	s2 := New(kernel, 2)

	b1, top1 := Position(1)
	b2, _ := Position(2)

	if top1 != s1.Top() {
		t.Fatalf("Top() = %#x, want %#x", uintptr(s1.Top()), uintptr(top1))
	}
	if b2 >= b1 {
		t.Fatalf("pid 2's stack (bottom %#x) must sit below pid 1's (bottom %#x)", uintptr(b2), uintptr(b1))
	}

	guardVPN := b1.FloorVPN().Prev()
	if _, ok := kernel.PageTable().Translate(guardVPN); ok {
		t.Fatal("expected a guard page between adjacent kernel stacks")
	}

	if _, ok := kernel.PageTable().Translate(b1.FloorVPN()); !ok {
		t.Fatal("expected pid 1's stack bottom page to be mapped")
	}

	s1.Drop()
	if _, ok := kernel.PageTable().Translate(b1.FloorVPN()); ok {
		t.Fatal("expected pid 1's stack to be unmapped after drop")
	}
	s1.Drop() // idempotent

	s2.Drop()
}
