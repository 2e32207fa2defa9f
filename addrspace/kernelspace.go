package addrspace

import (
	"sv39k/config"
	"sv39k/machine"
	"sv39k/mem"
)

// Kernel image layout within the simulated RAM window. A hosted Go
// kernel has no linker-provided stext/etext/srodata symbols to read;
// these offsets stand in for that boundary and are deliberately generous
// since nothing here is actually executed as machine code.
const (
	kernelTextSize   = 256 << 10
	kernelRodataSize = 64 << 10
	kernelDataSize   = 64 << 10
	kernelBssSize    = 256 << 10
)

// NewKernelSpace builds the kernel's own identity-mapped address space:
// one Identical section per image segment (.text R|X, .rodata R, .data
// and .bss R|W), one covering the remainder of physical RAM (backing the
// frame allocator and every Framed mapping in every process), one per
// MMIO device window, and the shared trampoline.
func NewKernelSpace(m *machine.Machine, frames *mem.FrameAllocator, trampolinePPN mem.PPN) *AddressSpace {
	as := New(m, frames)

	cur := uintptr(config.RAMStart)
	section := func(size uintptr, perm mem.PTEFlags) {
		start := mem.NewVirtAddr(cur)
		end := mem.NewVirtAddr(cur + size)
		as.AddSection(start, end, perm, Identical, nil)
		cur += size
	}
	section(kernelTextSize, mem.FlagR|mem.FlagX)
	section(kernelRodataSize, mem.FlagR)
	section(kernelDataSize, mem.FlagR|mem.FlagW)
	section(kernelBssSize, mem.FlagR|mem.FlagW)

	as.AddSection(
		mem.NewVirtAddr(cur),
		mem.NewVirtAddr(config.RAMEnd),
		mem.FlagR|mem.FlagW,
		Identical,
		nil,
	)

	for _, dev := range []struct{ base, size uintptr }{
		{config.UARTBase, config.PageSize},
		{config.CLINTBase, 0x10000},
		{config.VirtTestBase, config.PageSize},
	} {
		as.AddSection(
			mem.NewVirtAddr(dev.base),
			mem.NewVirtAddr(dev.base+dev.size),
			mem.FlagR|mem.FlagW,
			Identical,
			nil,
		)
	}

	as.MapTrampoline(trampolinePPN)
	return as
}
