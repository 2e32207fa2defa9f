package proc

import "encoding/binary"

// SstatusSPPUser is the single sstatus bit this kernel's trap context
// tracks: bit 8 (SPP), set for a context that returns to U-mode. Real
// sstatus has many more fields; the trampoline and trap handler here
// only ever read/write SPP, so the rest are not modeled.
const SstatusSPPUser uintptr = 1 << 8

// TrapContext is the fixed in-memory layout the trampoline reads and
// writes directly, with no indirection through Go's calling convention:
// 32 general-purpose user registers, sstatus, sepc, the kernel's satp
// and stack pointer, and the trap handler's entry VA.
type TrapContext struct {
	X           [32]uintptr
	Sstatus     uintptr
	Sepc        uintptr
	KernelSatp  uintptr
	KernelSp    uintptr
	TrapHandler uintptr
}

// trapContextWords is the number of uintptr-sized words TrapContext
// serializes to: 32 GPRs + sstatus + sepc + kernel_satp + kernel_sp +
// trap_handler.
const trapContextWords = 32 + 5

// NewTrapContext builds the TrapContext a freshly created or exec'd task
// starts with: sepc = entry, x[2] (sp) = the user stack pointer, SPP set
// to User, and the kernel-side fields a trap into this task must restore.
func NewTrapContext(entry, sp, kernelSatp, kernelSp, trapHandler uintptr) TrapContext {
	tc := TrapContext{
		Sstatus:     SstatusSPPUser,
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
	}
	tc.X[2] = sp
	return tc
}

// WriteTo serializes tc into page, little-endian, one 8-byte word per
// field in declaration order — the layout the trampoline's __user_trap
// and __user_return address by fixed offset.
func (tc TrapContext) WriteTo(page []byte) {
	off := 0
	put := func(v uintptr) {
		binary.LittleEndian.PutUint64(page[off:off+8], uint64(v))
		off += 8
	}
	for _, x := range tc.X {
		put(x)
	}
	put(tc.Sstatus)
	put(tc.Sepc)
	put(tc.KernelSatp)
	put(tc.KernelSp)
	put(tc.TrapHandler)
}

// ReadTrapContext deserializes a TrapContext from page, the inverse of
// WriteTo.
func ReadTrapContext(page []byte) TrapContext {
	var tc TrapContext
	off := 0
	get := func() uintptr {
		v := uintptr(binary.LittleEndian.Uint64(page[off : off+8]))
		off += 8
		return v
	}
	for i := range tc.X {
		tc.X[i] = get()
	}
	tc.Sstatus = get()
	tc.Sepc = get()
	tc.KernelSatp = get()
	tc.KernelSp = get()
	tc.TrapHandler = get()
	return tc
}
