package mem

// PTEFlags holds the permission/state bits of a page table entry
//").
type PTEFlags uint8

const (
	FlagV PTEFlags = 1 << 0 // Valid
	FlagR PTEFlags = 1 << 1 // Readable
	FlagW PTEFlags = 1 << 2 // Writable
	FlagX PTEFlags = 1 << 3 // Executable
	FlagU PTEFlags = 1 << 4 // User-accessible
	FlagG PTEFlags = 1 << 5 // Global
	FlagA PTEFlags = 1 << 6 // Accessed
	FlagD PTEFlags = 1 << 7 // Dirty
)

// PageTableEntry is a 64-bit SV39 PTE: bits [53:10] hold the PPN, bits
// [7:0] hold the flags above.
type PageTableEntry uint64

// NewPTE builds an entry pointing at ppn with the given flags.
func NewPTE(ppn PPN, flags PTEFlags) PageTableEntry {
	return PageTableEntry(uint64(ppn)<<10 | uint64(flags))
}

// PPN extracts the physical page number this entry points at.
func (e PageTableEntry) PPN() PPN { return PPN(uint64(e) >> 10) }

// Flags extracts the permission/state bits of this entry.
func (e PageTableEntry) Flags() PTEFlags { return PTEFlags(e) }

// Valid reports whether the V bit is set.
func (e PageTableEntry) Valid() bool { return e.Flags()&FlagV != 0 }

// Writable reports whether the W bit is set.
func (e PageTableEntry) Writable() bool { return e.Flags()&FlagW != 0 }

// Executable reports whether the X bit is set.
func (e PageTableEntry) Executable() bool { return e.Flags()&FlagX != 0 }

// Readable reports whether the R bit is set.
func (e PageTableEntry) Readable() bool { return e.Flags()&FlagR != 0 }
