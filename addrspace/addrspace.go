package addrspace

import (
	"sv39k/config"
	"sv39k/kerr"
	"sv39k/machine"
	"sv39k/mem"
)

// AddressSpace is one page table plus the ordered list of sections it maps.
// Every AddressSpace maps the shared trampoline page at
// the top VPN with R|X; user address spaces additionally map a private
// TrapContext frame one page below it.
type AddressSpace struct {
	m       *machine.Machine
	frames  *mem.FrameAllocator
	pt      *mem.PageTable
	section []*Section
}

// New builds an empty address space with a fresh root page table.
func New(m *machine.Machine, frames *mem.FrameAllocator) *AddressSpace {
	return &AddressSpace{m: m, frames: frames, pt: mem.NewPageTable(m, frames)}
}

// PageTable exposes the underlying table, e.g. for Translate in syscall
// marshaling or for SATP() when activating.
func (as *AddressSpace) PageTable() *mem.PageTable { return as.pt }

// Sections returns the address space's section list in insertion order.
func (as *AddressSpace) Sections() []*Section { return as.section }

func (as *AddressSpace) findSection(start VPN) (*Section, int) {
	for i, s := range as.section {
		if s.Start == start {
			return s, i
		}
	}
	return nil, -1
}

// AddSection maps [floorVPN(startVA), ceilVPN(endVA)) with perm and kind,
// optionally seeding it with data copied page by page.
// data is only valid for Framed sections; bytes beyond len(data) stay zero
// because frames come back zeroed from the allocator.
func (as *AddressSpace) AddSection(startVA, endVA mem.VirtAddr, perm mem.PTEFlags, kind MapKind, data []byte) *Section {
	start := startVA.FloorVPN()
	end := endVA.CeilVPN()
	if len(data) > 0 && kind != Framed {
		kerr.Fatal("addrspace: data supplied for a non-Framed section")
	}
	s := newSection(start, end, perm, kind)
	for _, vpn := range mem.Range(start, end) {
		switch kind {
		case Identical:
			as.pt.Map(vpn, mem.PPN(uintptr(vpn)), perm)
		case Framed:
			frame := as.pt.MapAndAlloc(vpn, perm)
			s.V2P[vpn] = frame
		}
	}
	if len(data) > 0 {
		copyIntoSection(as.m, s, data)
	}
	as.section = append(as.section, s)
	return s
}

func copyIntoSection(m *machine.Machine, s *Section, data []byte) {
	off := 0
	for vpn := s.Start; vpn < s.End && off < len(data); vpn = vpn.Next() {
		frame := s.V2P[vpn]
		page := m.Page(uintptr(frame.PPN.Addr()))
		n := copy(page, data[off:])
		off += n
	}
}

// DeleteSection zeros and unmaps every page of the section starting at
// start, then drops its frames.
func (as *AddressSpace) DeleteSection(start VPN) {
	s, i := as.findSection(start)
	if s == nil {
		kerr.Fatal("addrspace: no section starting at vpn %#x", uintptr(start))
	}
	as.unmapRange(s, s.Start, s.End)
	as.section = append(as.section[:i], as.section[i+1:]...)
}

func (as *AddressSpace) unmapRange(s *Section, start, end VPN) {
	for vpn := start; vpn < end; vpn = vpn.Next() {
		if s.Kind == Framed {
			if f, ok := s.V2P[vpn]; ok {
				m := as.m
				page := m.Page(uintptr(f.PPN.Addr()))
				for i := range page {
					page[i] = 0
				}
				f.Drop()
				delete(s.V2P, vpn)
			}
		}
		as.pt.Unmap(vpn)
	}
}

// Drop releases everything this address space owns: every Framed
// section's frames, then the page table's root and interior frames. The
// trampoline page is untouched — it is shared, never owned.
// After Drop the address space must not be used again.
func (as *AddressSpace) Drop() {
	for _, s := range as.section {
		for _, f := range s.V2P {
			f.Drop()
		}
		s.V2P = nil
	}
	as.section = nil
	as.pt.Drop()
}

// MapTrampoline installs the shared trampoline page, R|X, at the highest
// VPN of the address space. It is deliberately not appended to the
// section list: the trampoline is shared across every address space, not
// owned by any one of them.
func (as *AddressSpace) MapTrampoline(trampolinePPN mem.PPN) {
	as.pt.Map(config.TrampolineVPN, trampolinePPN, mem.FlagR|mem.FlagX)
}

// AddTrapContext maps a private, freshly allocated R|W (no U) page at
// TRAP_CONTEXT_VPN, immediately below the trampoline, and returns it as a
// normal Framed section of one page.
func (as *AddressSpace) AddTrapContext() *Section {
	return as.AddSection(
		mem.VPN(config.TrapContextVPN).Addr(),
		mem.VPN(config.TrapContextVPN+1).Addr(),
		mem.FlagR|mem.FlagW,
		Framed,
		nil,
	)
}

// TrapContextPPN translates the trap-context VPN through this address
// space's page table, for wiring a ProcessControlBlock's trap_ctx_ppn.
func (as *AddressSpace) TrapContextPPN() (mem.PPN, bool) {
	return as.pt.Translate(config.TrapContextVPN)
}

// Activate returns the satp encoding for this address space. Real
// hardware would also issue sfence.vma here; the simulated machine has no
// TLB, so the scheduler installing this value as the "current" satp is
// the entire effect.
func (as *AddressSpace) Activate() uintptr {
	return as.pt.SATP()
}

// heapSection finds the heap section by its starting VPN, the key
// ShrinkHeapTo/AppendHeapTo carry across intervening AddSection calls.
func (as *AddressSpace) heapSection(bottom VPN) (*Section, int) {
	return as.findSection(bottom)
}

// AppendHeapTo grows the heap section starting at bottom up to newBrk,
// mapping and allocating frames for the newly covered VPNs.
func (as *AddressSpace) AppendHeapTo(bottom VPN, newBrk mem.VirtAddr) {
	s, _ := as.heapSection(bottom)
	if s == nil {
		kerr.Fatal("addrspace: no heap section at vpn %#x", uintptr(bottom))
	}
	newEnd := newBrk.CeilVPN()
	for vpn := s.End; vpn < newEnd; vpn = vpn.Next() {
		frame := as.pt.MapAndAlloc(vpn, s.Perm)
		s.V2P[vpn] = frame
	}
	s.End = newEnd
}

// ShrinkHeapTo shrinks the heap section starting at bottom down to newBrk,
// unmapping and dropping frames for the VPNs no longer covered.
func (as *AddressSpace) ShrinkHeapTo(bottom VPN, newBrk mem.VirtAddr) {
	s, _ := as.heapSection(bottom)
	if s == nil {
		kerr.Fatal("addrspace: no heap section at vpn %#x", uintptr(bottom))
	}
	newEnd := newBrk.CeilVPN()
	as.unmapRange(s, newEnd, s.End)
	s.End = newEnd
}
