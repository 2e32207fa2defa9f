// Package machine models the physical side of the QEMU virt board this
// kernel targets: a single contiguous RAM arena addressed by physical
// address, plus the simulated mtime counter the timer/get_time path reads.
// Everything above mem.PhysAddr in this module reaches physical memory
// only through a Machine — there is no raw pointer arithmetic, because a
// hosted Go process has no physical address space of its own to borrow.
package machine

import "sv39k/config"

// Machine owns the byte arena standing in for [config.RAMStart,
// config.RAMEnd) and a monotonically advancing simulated clock.
type Machine struct {
	ram       []byte
	base      uintptr
	mtimeTick uint64
}

// New allocates a Machine covering the RAM window the spec describes.
func New() *Machine {
	return &Machine{
		ram:  make([]byte, config.RAMEnd-config.RAMStart),
		base: config.RAMStart,
	}
}

// Base returns the first physical address backed by this Machine.
func (m *Machine) Base() uintptr { return m.base }

// Size returns the number of bytes of RAM this Machine backs.
func (m *Machine) Size() int { return len(m.ram) }

// Contains reports whether pa falls within the backed RAM window.
func (m *Machine) Contains(pa uintptr) bool {
	return pa >= m.base && pa < m.base+uintptr(len(m.ram))
}

// Page returns the PageSize-byte slice of the arena starting at the
// page-aligned physical address pa. It panics if pa is not page-aligned or
// falls outside the backed RAM window — both are programmer-contract
// violations, never user-reachable.
func (m *Machine) Page(pa uintptr) []byte {
	if pa&config.PageOffsetMask != 0 {
		panic("machine: unaligned page address")
	}
	if !m.Contains(pa) || !m.Contains(pa+config.PageSize-1) {
		panic("machine: page address out of range")
	}
	off := pa - m.base
	return m.ram[off : off+config.PageSize]
}

// Bytes returns a len-byte slice of the arena starting at pa, without the
// page-alignment requirement Page imposes — used for reading values that
// straddle a page offset but not a page boundary (e.g. a single PTE).
func (m *Machine) Bytes(pa uintptr, n int) []byte {
	if !m.Contains(pa) || (n > 0 && !m.Contains(pa+uintptr(n)-1)) {
		panic("machine: address range out of range")
	}
	off := pa - m.base
	return m.ram[off : off+uintptr(n)]
}

// ZeroPage clears the page-aligned physical page at pa, mirroring the
// frame allocator's "zeros the 4 KiB page before returning" contract.
func (m *Machine) ZeroPage(pa uintptr) {
	page := m.Page(pa)
	for i := range page {
		page[i] = 0
	}
}

// Tick advances the simulated mtime counter by n, standing in for the
// CLINT timer the M-mode shim programs.
func (m *Machine) Tick(n uint64) {
	m.mtimeTick += n
}

// MtimeMillis returns milliseconds since boot, derived the same way
// sys_get_time does on real hardware: mtime / (CLOCK_FREQ/1000).
func (m *Machine) MtimeMillis() uint64 {
	return m.mtimeTick / (config.ClockFreqHz / 1000)
}
