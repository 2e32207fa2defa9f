// Package addrspace implements Section/AddressSpace: the mapping between
// a process's (or the kernel's) logical memory regions and the frames a
// mem.PageTable actually maps them to. UserSpaceFromELF fixes the user
// layout order: loaded segments, guard page, stack, heap, trap context,
// trampoline.
package addrspace

import "sv39k/mem"

// MapKind distinguishes a section mapped 1:1 onto physical memory (the
// kernel's identity regions) from one backed by freshly allocated,
// independently owned frames.
type MapKind int

const (
	Identical MapKind = iota
	Framed
)

// Section is a half-open VPN range with uniform permissions and mapping
// kind. For Framed sections, V2P holds the frame backing
// each mapped page; empty for Identical sections, which own no frames.
type Section struct {
	Start VPN
	End   VPN
	Perm  mem.PTEFlags
	Kind  MapKind
	V2P   map[VPN]*mem.FrameTracker
}

// VPN is a local alias kept distinct from mem.VPN only for readability in
// this package's signatures; it is the same underlying type.
type VPN = mem.VPN

func newSection(start, end VPN, perm mem.PTEFlags, kind MapKind) *Section {
	s := &Section{Start: start, End: end, Perm: perm, Kind: kind}
	if kind == Framed {
		s.V2P = make(map[VPN]*mem.FrameTracker, end-start)
	}
	return s
}
