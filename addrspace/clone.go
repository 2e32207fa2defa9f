package addrspace

import "sv39k/mem"

// Copy builds a fresh page table, maps the trampoline, then for each of
// parent's sections creates a peer section with identical bounds,
// permissions, and kind, allocating new frames and memcpy'ing parent's
// page contents into each. Identical
// sections are re-mapped directly rather than copied, since they already
// point at the same physical pages in both spaces.
func Copy(parent *AddressSpace, trampolinePPN mem.PPN) *AddressSpace {
	child := New(parent.m, parent.frames)
	child.MapTrampoline(trampolinePPN)

	for _, s := range parent.section {
		cs := newSection(s.Start, s.End, s.Perm, s.Kind)
		for vpn := s.Start; vpn < s.End; vpn = vpn.Next() {
			switch s.Kind {
			case Identical:
				child.pt.Map(vpn, mem.PPN(uintptr(vpn)), s.Perm)
			case Framed:
				frame := child.pt.MapAndAlloc(vpn, s.Perm)
				cs.V2P[vpn] = frame
				if pf, ok := s.V2P[vpn]; ok {
					dst := frame.Page(child.m)
					src := pf.Page(parent.m)
					copy(dst, src)
				}
			}
		}
		child.section = append(child.section, cs)
	}
	return child
}
