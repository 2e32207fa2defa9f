package mem

import (
	"sv39k/config"
	"sv39k/kerr"
	"sv39k/machine"
)

// BytesOfUserPtr walks the user VA range [ptr, ptr+len) under the page
// table identified by satp and returns the list of physical-memory slices
// that together cover the logical buffer, one per page crossed.
// Returns an error if any touched page fails to translate.
func BytesOfUserPtr(m *machine.Machine, satp uintptr, ptr uintptr, length int) ([][]byte, error) {
	pt := NewFromSATP(m, satp)
	start := ptr
	end := ptr + uintptr(length)
	var out [][]byte
	for start < end {
		startVA := NewVirtAddr(start)
		vpn := startVA.FloorVPN()
		ppn, ok := pt.Translate(vpn)
		if !ok {
			return nil, kerr.EFAULT
		}
		nextVA := vpn.Next().Addr()
		endVA := nextVA
		if end < uintptr(nextVA) {
			endVA = NewVirtAddr(end)
		}
		page := m.Page(uintptr(ppn.Addr()))
		lo := startVA.PageOffset()
		hi := endVA.PageOffset()
		if hi == 0 {
			out = append(out, page[lo:])
			start = uintptr(nextVA)
		} else {
			out = append(out, page[lo:hi])
			start = uintptr(endVA)
		}
	}
	return out, nil
}

// GetString reads a NUL-terminated string starting at ptr in the address
// space identified by satp, crossing page boundaries as needed.
func GetString(m *machine.Machine, satp uintptr, ptr uintptr) (string, error) {
	pt := NewFromSATP(m, satp)
	va := NewVirtAddr(ptr)
	vpn := va.FloorVPN()
	offset := va.PageOffset()
	var out []byte
	for {
		ppn, ok := pt.Translate(vpn)
		if !ok {
			return "", kerr.EFAULT
		}
		page := m.Page(uintptr(ppn.Addr()))
		for offset < config.PageSize {
			c := page[offset]
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
			offset++
		}
		vpn = vpn.Next()
		offset = 0
	}
}

// WriteInto writes a fixed-size value through the user pointer ptr in the
// address space identified by satp. The value must not straddle a page
// boundary.
func WriteInto(m *machine.Machine, satp uintptr, ptr uintptr, value []byte) error {
	pt := NewFromSATP(m, satp)
	va := NewVirtAddr(ptr)
	vpn := va.FloorVPN()
	offset := va.PageOffset()
	ppn, ok := pt.Translate(vpn)
	if !ok {
		return kerr.EFAULT
	}
	if offset+uintptr(len(value)) > config.PageSize {
		return kerr.EFAULT
	}
	page := m.Page(uintptr(ppn.Addr()))
	copy(page[offset:], value)
	return nil
}
