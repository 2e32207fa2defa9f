package addrspace

import (
	"bytes"
	"debug/elf"
	"io"

	"sv39k/config"
	"sv39k/kerr"
	"sv39k/machine"
	"sv39k/mem"
)

// UserSpaceFromELF builds a fresh user address space from a loaded ELF
// image: one Framed, U-permissioned section per PT_LOAD segment, followed
// by an unmapped guard page, an 8-page user stack, a zero-size heap, the
// trap context, and the trampoline — in that fixed order.
// It returns the new address space, the user stack's top VA, and the
// entry point.
func UserSpaceFromELF(m *machine.Machine, frames *mem.FrameAllocator, data []byte, trampolinePPN mem.PPN) (as *AddressSpace, userStackTop mem.VirtAddr, entry mem.VirtAddr, heapBottom mem.VPN, err error) {
	f, ferr := elf.NewFile(bytes.NewReader(data))
	if ferr != nil {
		return nil, 0, 0, 0, kerr.EINVAL
	}
	defer f.Close()

	as = New(m, frames)
	var maxEnd mem.VPN
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		perm := mem.FlagU
		if p.Flags&elf.PF_R != 0 {
			perm |= mem.FlagR
		}
		if p.Flags&elf.PF_W != 0 {
			perm |= mem.FlagW
		}
		if p.Flags&elf.PF_X != 0 {
			perm |= mem.FlagX
		}
		buf := make([]byte, p.Filesz)
		if _, rerr := io.ReadFull(p.Open(), buf); rerr != nil && rerr != io.EOF {
			return nil, 0, 0, 0, kerr.EINVAL
		}
		start := mem.NewVirtAddr(uintptr(p.Vaddr))
		end := mem.NewVirtAddr(uintptr(p.Vaddr + p.Memsz))
		as.AddSection(start, end, perm, Framed, buf)
		if end.CeilVPN() > maxEnd {
			maxEnd = end.CeilVPN()
		}
	}

	guardStart := maxEnd
	stackBottom := guardStart.Next()
	stackTop := stackBottom + config.UserStackPages

	as.AddSection(stackBottom.Addr(), stackTop.Addr(), mem.FlagR|mem.FlagW|mem.FlagU, Framed, nil)

	heapBottom = stackTop
	as.AddSection(heapBottom.Addr(), heapBottom.Addr(), mem.FlagR|mem.FlagW|mem.FlagU, Framed, nil)

	as.AddTrapContext()
	as.MapTrampoline(trampolinePPN)

	return as, stackTop.Addr(), mem.NewVirtAddr(uintptr(f.Entry)), heapBottom, nil
}
