package mem

import (
	"encoding/binary"

	"sv39k/kerr"
	"sv39k/machine"
)

const satpModeSV39 = 8

// PageTable is an SV39 three-level page table. It owns its root frame and
// every interior frame it allocates; dropping the table recycles all of
// them. Leaf frames allocated by MapAndAlloc belong to the caller, not
// the table.
type PageTable struct {
	m        *machine.Machine
	frames   *FrameAllocator
	root     PPN
	owned    []*FrameTracker
	borrowed bool // true for tables built by NewFromSATP: own no frames
}

// NewPageTable allocates a root frame and returns an empty page table.
func NewPageTable(m *machine.Machine, frames *FrameAllocator) *PageTable {
	root, ok := AllocFrame(frames)
	if !ok {
		kerr.Fatal("pagetable: out of frames allocating root")
	}
	return &PageTable{m: m, frames: frames, root: root.PPN, owned: []*FrameTracker{root}}
}

// NewFromSATP builds a read-only view of the table already installed via
// satp. It owns no frames — it exists only so translate() can be used
// against whatever table is currently active.
func NewFromSATP(m *machine.Machine, satp uintptr) *PageTable {
	return &PageTable{m: m, root: PPN(satp & (1<<44 - 1)), borrowed: true}
}

// SATP returns the satp CSR encoding for this table: SV39 mode in the top
// 4 bits, root PPN in the low 44.
func (pt *PageTable) SATP() uintptr {
	return satpModeSV39<<60 | uintptr(pt.root)
}

func (pt *PageTable) readPTE(ppn PPN, idx int) PageTableEntry {
	page := pt.m.Page(uintptr(ppn.Addr()))
	return PageTableEntry(binary.LittleEndian.Uint64(page[idx*8 : idx*8+8]))
}

func (pt *PageTable) writePTE(ppn PPN, idx int, e PageTableEntry) {
	page := pt.m.Page(uintptr(ppn.Addr()))
	binary.LittleEndian.PutUint64(page[idx*8:idx*8+8], uint64(e))
}

func vpnIndices(vpn VPN) [3]int {
	v := uintptr(vpn)
	return [3]int{int((v >> 18) & 0x1FF), int((v >> 9) & 0x1FF), int(v & 0x1FF)}
}

// findAndAllocPTE walks vpn's three 9-bit indices top-down, allocating and
// inserting a child table for any absent non-leaf slot, and returns the
// leaf slot's (ppn, index) — the caller reads/writes it via readPTE/writePTE.
func (pt *PageTable) findAndAllocPTE(vpn VPN) (PPN, int) {
	idx := vpnIndices(vpn)
	ppn := pt.root
	for i := 0; i < 3; i++ {
		if i == 2 {
			return ppn, idx[i]
		}
		pte := pt.readPTE(ppn, idx[i])
		if !pte.Valid() {
			child, ok := AllocFrame(pt.frames)
			if !ok {
				kerr.Fatal("pagetable: out of frames")
			}
			pt.owned = append(pt.owned, child)
			pt.writePTE(ppn, idx[i], NewPTE(child.PPN, FlagV))
			ppn = child.PPN
		} else {
			ppn = pte.PPN()
		}
	}
	panic("unreachable")
}

// findPTE performs the same walk as findAndAllocPTE but returns ok=false
// if any non-leaf slot on the path is invalid, instead of allocating.
func (pt *PageTable) findPTE(vpn VPN) (PPN, int, bool) {
	idx := vpnIndices(vpn)
	ppn := pt.root
	for i := 0; i < 3; i++ {
		if i == 2 {
			return ppn, idx[i], true
		}
		pte := pt.readPTE(ppn, idx[i])
		if !pte.Valid() {
			return 0, 0, false
		}
		ppn = pte.PPN()
	}
	panic("unreachable")
}

// Map writes PTE(ppn, flags|V) into vpn's leaf slot. It panics if the slot
// is already valid.
func (pt *PageTable) Map(vpn VPN, ppn PPN, flags PTEFlags) {
	leafPPN, idx := pt.findAndAllocPTE(vpn)
	if pt.readPTE(leafPPN, idx).Valid() {
		kerr.Fatal("pagetable: vpn %#x already mapped", uintptr(vpn))
	}
	pt.writePTE(leafPPN, idx, NewPTE(ppn, flags|FlagV))
}

// Unmap clears vpn's leaf slot. It panics if the slot is not valid.
func (pt *PageTable) Unmap(vpn VPN) {
	leafPPN, idx, ok := pt.findPTE(vpn)
	if !ok || !pt.readPTE(leafPPN, idx).Valid() {
		kerr.Fatal("pagetable: vpn %#x is invalid before unmapping", uintptr(vpn))
	}
	pt.writePTE(leafPPN, idx, PageTableEntry(0))
}

// MapAndAlloc allocates a frame and maps vpn to it, returning the tracker
// so the caller can retain it for the page's lifetime.
func (pt *PageTable) MapAndAlloc(vpn VPN, flags PTEFlags) *FrameTracker {
	frame, ok := AllocFrame(pt.frames)
	if !ok {
		kerr.Fatal("pagetable: out of frames")
	}
	pt.Map(vpn, frame.PPN, flags|FlagV)
	return frame
}

// GetPTE returns the raw entry at vpn, if the walk to it is valid.
func (pt *PageTable) GetPTE(vpn VPN) (PageTableEntry, bool) {
	leafPPN, idx, ok := pt.findPTE(vpn)
	if !ok {
		return 0, false
	}
	return pt.readPTE(leafPPN, idx), true
}

// Translate returns the physical page vpn maps to, if any.
func (pt *PageTable) Translate(vpn VPN) (PPN, bool) {
	pte, ok := pt.GetPTE(vpn)
	if !ok || !pte.Valid() {
		return 0, false
	}
	return pte.PPN(), true
}

// Drop releases every frame this table owns: the root and every interior
// frame allocated through it. Leaf frames handed out by MapAndAlloc are
// not released here. A table built by NewFromSATP owns nothing and Drop
// is a no-op.
func (pt *PageTable) Drop() {
	if pt.borrowed {
		return
	}
	for _, f := range pt.owned {
		f.Drop()
	}
	pt.owned = nil
}
